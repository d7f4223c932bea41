package journal

import "github.com/ChuLiYu/beaver-orchestrator/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record of a completed pass
// ============================================================================

// Entry represents one journal line (one completed pass)
type Entry struct {
	Seq       uint64           `json:"seq"`       // Entry sequence number (monotonically increasing)
	Timestamp int64            `json:"timestamp"` // Unix millisecond timestamp of the append
	Checksum  uint32           `json:"checksum"`  // CRC32 checksum of seq + report
	Report    types.PassReport `json:"report"`    // Pass summary
}

// EntryHandler is the function type for processing journal entries during Replay
type EntryHandler func(entry Entry) error
