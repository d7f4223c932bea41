package orchestrator

import (
	"context"
	"sync"
)

// ============================================================================
// Pass Serializer - 單一 pass 的准入控制
// ============================================================================
//
// busy 為准入權杖；持有者執行 pass，其他 Execute 呼叫依到達順序排入 waiters。
// pass 結束時 release() 直接把權杖交給最早的 waiter（一次只交一個），
// 該 waiter 執行新的 pass 後再交給下一個。以迴圈方式傳遞，不會遞迴堆疊。
//
//   Execute A ──acquire──> 執行 pass ──release──┐
//   Execute B ──acquire──> 排隊 ................└──> 執行 pass ──release──┐
//   Execute C ──acquire──> 排隊 .........................................└──> ...
//
// ============================================================================

type waiter struct {
	ready    chan struct{} // 取得權杖時關閉
	admitted bool          // 由 serializer.mu 保護
}

type serializer struct {
	mu       sync.Mutex
	busy     bool
	waiters  []*waiter
	onChange func(waiting int) // 排隊數變化時回呼（指標用），在鎖內呼叫
}

// acquire 阻塞直到呼叫者取得准入權杖
//
// ctx 結束時退出佇列並返回 ctx.Err()；若權杖已交給此呼叫者，則轉交下一位。
func (s *serializer) acquire(ctx context.Context) error {
	s.mu.Lock()
	if !s.busy {
		s.busy = true
		s.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	s.notifyLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	if w.admitted {
		s.mu.Unlock()
		s.release()
		return ctx.Err()
	}
	for i, cur := range s.waiters {
		if cur == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
	s.notifyLocked()
	s.mu.Unlock()
	return ctx.Err()
}

// release 把權杖交給最早的 waiter，沒有 waiter 時回到閒置
func (s *serializer) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) == 0 {
		s.busy = false
		return
	}

	next := s.waiters[0]
	s.waiters[0] = nil
	s.waiters = s.waiters[1:]
	next.admitted = true
	close(next.ready)
	s.notifyLocked()
}

// waiting 目前排隊中的呼叫數
func (s *serializer) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// held 是否有呼叫者持有權杖
func (s *serializer) held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *serializer) notifyLocked() {
	if s.onChange != nil {
		s.onChange(len(s.waiters))
	}
}
