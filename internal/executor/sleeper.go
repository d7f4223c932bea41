package executor

import (
	"context"
	"time"
)

// Sleeper 提供 pass 內的等待（pre/post delay）
//
// 測試可注入模擬時鐘，觀察延遲是否依序發生。
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc 讓一般函式滿足 Sleeper
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper 使用真實計時器等待，ctx 結束時提前返回
type TimerSleeper struct{}

// Sleep waits for d or until ctx is done. Non-positive durations return at once.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
