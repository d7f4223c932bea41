package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 演算法：
// - seq（8 bytes big-endian）+ report 的 JSON 編碼
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp
func CalculateChecksum(seq uint64, report types.PassReport) uint32 {
	payload, err := json.Marshal(report)
	if err != nil {
		return 0
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和，失敗時回傳 *ChecksumError
func VerifyChecksum(entry Entry) error {
	expected := CalculateChecksum(entry.Seq, entry.Report)
	if entry.Checksum != expected {
		return &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
	}
	return nil
}
