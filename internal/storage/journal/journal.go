package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 每次 pass 完成後追加一筆紀錄（append-only JSON lines）
// 2. 提供重放功能供 history 指令讀取
// 3. 以 CRC32 校驗每筆紀錄
//
// 只記錄已完成的 pass 摘要；待執行的項目不會被持久化。
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 表示 pass 歷史紀錄檔
type Journal struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	now          func() time.Time
}

/*
Open 建立或開啟一個 Journal

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆紀錄的 seq 並繼續
- 如果尾端有損壞（寫到一半的行、無法解析或校驗失敗），截斷到最後一筆
  有效紀錄之後並記錄警告；之後的追加從該紀錄的 seq 繼續
- 以追加模式（O_APPEND）開啟

參數：

	path         - 檔案路徑
	syncOnAppend - 每次追加後是否 fsync
*/
func Open(path string, syncOnAppend bool) (*Journal, error) {
	tail, err := scanTail(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("journal: scan %s: %w", path, err)
	}
	if tail.cause != nil {
		slog.Warn("Journal tail damaged, truncating to last good entry",
			"category", "journal",
			"path", path,
			"last_seq", tail.seq,
			"dropped_bytes", tail.size-tail.good,
			"error", tail.cause)
		if err := os.Truncate(path, tail.good); err != nil {
			return nil, fmt.Errorf("journal: truncate %s: %w", path, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          tail.seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append 追加一筆 pass 紀錄
//
// 回傳：
//
//	Entry - 寫入的紀錄
//	error - ErrClosed 或寫入錯誤
func (j *Journal) Append(report types.PassReport) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrClosed
	}

	entry := Entry{
		Seq:       j.seq + 1,
		Timestamp: j.now().UnixMilli(),
		Report:    report,
	}
	entry.Checksum = CalculateChecksum(entry.Seq, report)

	if err := j.encoder.Encode(entry); err != nil {
		return Entry{}, fmt.Errorf("journal: append seq=%d: %w", entry.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return Entry{}, fmt.Errorf("journal: sync seq=%d: %w", entry.Seq, err)
		}
	}

	j.seq = entry.Seq
	return entry, nil
}

// Record implements orchestrator.PassRecorder.
func (j *Journal) Record(report types.PassReport) error {
	_, err := j.Append(report)
	return err
}

// Replay 從頭讀取所有紀錄並依序呼叫 handler
//
// 遇到損壞或校驗失敗的紀錄立即停止。
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()

	return decode(f, handler)
}

// LastSeq 取得當前的紀錄序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 回傳檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close 關閉 Journal，關閉後不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// ReadAll 讀取檔案中的所有紀錄（history 指令使用，不需要開啟 Journal）
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	err = decode(f, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Tail 回傳最後 n 筆紀錄
func Tail(path string, n int) ([]Entry, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func decode(r io.Reader, handler EntryHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(entry); err != nil {
			return err
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// tailState 是 Open 掃描既有檔案的結果
type tailState struct {
	seq   uint64 // 最後一筆有效紀錄的 seq
	good  int64  // 有效內容的位元組長度
	size  int64  // 檔案總長度
	cause error  // 第一個無效行的原因；nil 表示檔案完整
}

// scanTail 逐行掃描到第一個無效行為止
//
// 沒有換行結尾的最後一行視為寫到一半，即使內容可以解析。
func scanTail(path string) (tailState, error) {
	var st tailState

	f, err := os.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return st, err
	}
	st.size = info.Size()

	r := bufio.NewReaderSize(f, 64*1024)
	line := 0
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return st, err
		}
		if len(raw) == 0 {
			return st, nil
		}
		line++

		if raw[len(raw)-1] != '\n' {
			st.cause = &CorruptionError{Line: line, Cause: io.ErrUnexpectedEOF}
			return st, nil
		}
		if body := bytes.TrimSpace(raw); len(body) > 0 {
			var entry Entry
			if err := json.Unmarshal(body, &entry); err != nil {
				st.cause = &CorruptionError{Line: line, Cause: err}
				return st, nil
			}
			if err := VerifyChecksum(entry); err != nil {
				st.cause = err
				return st, nil
			}
			st.seq = entry.Seq
		}
		st.good += int64(len(raw))
	}
}
