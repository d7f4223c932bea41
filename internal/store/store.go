// ============================================================================
// Beaver-Orchestrator 項目儲存 - 待執行工作的唯一來源
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 保存已註冊但尚未被 pass 取走的工作項目
//
// 設計理念:
//   1. items map - 以 EffectID 為鍵，保證同一 id 最多只有一個項目
//   2. seq 計數器 - 每次註冊遞增，作為相同優先權時的排序依據
//   3. 取代語意 - 重複註冊同一 id 時，舊項目被移除，新項目取得新的 seq
//
// 項目生命週期:
//   Register() ──> pending ──Snapshot()──> pass 執行中 ──Release()──> 移除
//                     │
//                     └──Cancel()──> 移除
//
// Release 只移除快照中的項目（id 與 seq 同時相符），
// pass 進行中新註冊或被取代的項目會保留到下一次 pass。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//
// ============================================================================

package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

var (
	// ErrEmptyID 項目 ID 為空
	ErrEmptyID = errors.New("effect id must not be empty")
	// ErrNilEffect 項目沒有可執行的 Effect
	ErrNilEffect = errors.New("effect must not be nil")
)

// Store 代表待執行項目的儲存
type Store struct {
	mu    sync.RWMutex
	items map[types.EffectID]*types.Item
	seq   uint64
	now   func() time.Time

	registered int // 累計註冊次數
	replaced   int // 累計被取代次數
	cancelled  int // 累計取消次數
	released   int // 累計被 pass 消耗的項目數
}

// New 建立空的 Store
func New() *Store {
	return &Store{
		items: make(map[types.EffectID]*types.Item),
		now:   time.Now,
	}
}

// Register 註冊或取代一個項目
//
// 參數說明：
//   - id: 項目唯一識別碼，不可為空
//   - effect: 要執行的工作，不可為 nil
//   - opts: 執行選項，不做驗證
//
// 返回值：
//   - types.Item: 實際存入的項目（含新的 seq）
//   - bool: 是否取代了既有項目
//   - error: ErrEmptyID 或 ErrNilEffect
//
// 併發安全：使用互斥鎖保護
func (s *Store) Register(id types.EffectID, effect types.Effect, opts types.Options) (types.Item, bool, error) {
	if id == "" {
		return types.Item{}, false, ErrEmptyID
	}
	if effect == nil {
		return types.Item{}, false, ErrNilEffect
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, replaced := s.items[id]
	if replaced {
		delete(s.items, id)
		s.replaced++
	}

	s.seq++
	item := &types.Item{
		ID:           id,
		Effect:       effect,
		Options:      opts,
		Seq:          s.seq,
		RegisteredAt: s.now(),
	}
	s.items[id] = item
	s.registered++

	return *item, replaced, nil
}

// Cancel 移除尚未執行的項目，id 不存在時為 no-op
//
// 返回值：
//   - bool: 是否真的移除了項目
func (s *Store) Cancel(id types.EffectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[id]; !exists {
		return false
	}
	delete(s.items, id)
	s.cancelled++
	return true
}

// Snapshot 以註冊順序回傳目前所有項目的複本
func (s *Store) Snapshot() []types.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Release 移除一次 pass 已消耗的項目
//
// 只有 id 與 seq 都相符的項目會被移除；pass 期間重新註冊的同名項目
// 具有較新的 seq，因此會保留。
//
// 返回值：
//   - int: 實際移除的數量
func (s *Store) Release(consumed []types.Item) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range consumed {
		if cur, ok := s.items[c.ID]; ok && cur.Seq == c.Seq {
			delete(s.items, c.ID)
			n++
		}
	}
	s.released += n
	return n
}

// Get 取得項目複本
func (s *Store) Get(id types.EffectID) (types.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return types.Item{}, false
	}
	return *item, true
}

// Len 目前待執行項目數
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Stats 取得統計資訊
//
// 使用範例：
//
//	stats := st.Stats()
//	log.Printf("待處理: %d, 已取消: %d", stats["pending"], stats["cancelled"])
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"pending":    len(s.items),
		"registered": s.registered,
		"replaced":   s.replaced,
		"cancelled":  s.cancelled,
		"released":   s.released,
	}
}
