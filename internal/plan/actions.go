package plan

// ============================================================================
// 內建動作
// 職責：把 plan 中的 action 名稱轉成可執行的 types.Effect
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// ErrUnknownAction plan 使用了未註冊的 action
var ErrUnknownAction = errors.New("plan: unknown action")

// ActionFunc 依 args 建立 Effect；args 在建立時就驗證
type ActionFunc func(args map[string]any) (types.Effect, error)

var actions = map[string]ActionFunc{
	"echo":  echoAction,
	"sleep": sleepAction,
	"fail":  failAction,
	"panic": panicAction,
	"sum":   sumAction,
}

// Actions 回傳已知的 action 名稱（排序後）
func Actions() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build 依名稱建立 Effect
func Build(action string, args map[string]any) (types.Effect, error) {
	fn, ok := actions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return fn(args)
}

// echo: 回傳 args.message
func echoAction(args map[string]any) (types.Effect, error) {
	msg := stringArg(args, "message", "")
	return func(context.Context) (any, error) {
		return msg, nil
	}, nil
}

// sleep: 等待 args.duration 後回傳實際等待時間（字串）
func sleepAction(args map[string]any) (types.Effect, error) {
	raw := stringArg(args, "duration", "0s")
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("plan: sleep duration %q: %w", raw, err)
	}
	return func(ctx context.Context) (any, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return d.String(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, nil
}

// fail: 回傳錯誤 args.message
func failAction(args map[string]any) (types.Effect, error) {
	msg := stringArg(args, "message", "failed")
	return func(context.Context) (any, error) {
		return nil, errors.New(msg)
	}, nil
}

func panicAction(args map[string]any) (types.Effect, error) {
	msg := stringArg(args, "message", "panic")
	return func(context.Context) (any, error) {
		panic(msg)
	}, nil
}

// sum: 加總 args.values
func sumAction(args map[string]any) (types.Effect, error) {
	raw, ok := args["values"]
	if !ok {
		return nil, errors.New("plan: sum requires values")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("plan: sum values must be a list, got %T", raw)
	}

	var total float64
	for i, v := range list {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("plan: sum values[%d]: %w", i, err)
		}
		total += f
	}
	return func(context.Context) (any, error) {
		return total, nil
	}, nil
}

func stringArg(args map[string]any, key, def string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v (%T)", v, v)
	}
}
