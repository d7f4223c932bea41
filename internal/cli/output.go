package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResults 依 id 排序輸出一次 pass 的結果
func printResults(w io.Writer, results types.ResultMap, asJSON bool) error {
	if asJSON {
		return printJSON(w, results)
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "  (nothing to execute)")
		return nil
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	for _, id := range ids {
		v := results[types.EffectID(id)]
		if ie, ok := v.(types.ItemError); ok {
			fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(failedStatus(ie)), id, ie.Error)
			continue
		}
		fmt.Fprintf(w, "  %s %s: %v\n", statusIcon(types.StatusSucceeded), id, v)
	}
	return nil
}

// printRemoteResults 輸出 gRPC 回傳的結果（ItemError 已成為 {"error": ...}）
func printRemoteResults(w io.Writer, results map[string]any, asJSON bool) error {
	local := make(types.ResultMap, len(results))
	for id, v := range results {
		if m, ok := v.(map[string]any); ok && len(m) == 1 {
			if msg, ok := m["error"].(string); ok {
				local[types.EffectID(id)] = types.ItemError{Error: msg}
				continue
			}
		}
		local[types.EffectID(id)] = v
	}
	return printResults(w, local, asJSON)
}

func failedStatus(ie types.ItemError) types.ItemStatus {
	if ie.Error == types.TimeoutMessage {
		return types.StatusTimedOut
	}
	return types.StatusFailed
}

func statusIcon(status types.ItemStatus) string {
	switch status {
	case types.StatusSucceeded:
		return "✅"
	case types.StatusTimedOut:
		return "⏱️"
	default:
		return "❌"
	}
}

// ensureDir 建立檔案所在目錄
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
