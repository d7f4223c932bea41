package server

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-orchestrator/internal/plan"
)

// toStruct 以 JSON 為中介把任意值轉成 Struct
//
// Effect 的返回值型別不固定，經過 JSON 後只剩 Struct 能表達的型別。
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// toValue 同 toStruct，但允許非物件
func toValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return structpb.NewValue(out)
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func durationField(s *structpb.Struct, key string) (time.Duration, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if k.StringValue == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(k.StringValue)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		// 數字視為毫秒
		return time.Duration(k.NumberValue * float64(time.Millisecond)), nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("%s: expected duration string or milliseconds", key)
	}
}

// stepFromStruct 解析 Register 請求
func stepFromStruct(s *structpb.Struct) (plan.Step, error) {
	step := plan.Step{
		ID:       stringField(s, "id"),
		Action:   stringField(s, "action"),
		Priority: int(s.GetFields()["priority"].GetNumberValue()),
		Args:     s.GetFields()["args"].GetStructValue().AsMap(),
	}

	var err error
	if step.PreDelay, err = durationField(s, "pre_delay"); err != nil {
		return step, err
	}
	if step.PostDelay, err = durationField(s, "post_delay"); err != nil {
		return step, err
	}
	if step.Timeout, err = durationField(s, "timeout"); err != nil {
		return step, err
	}
	return step, nil
}

// stepToStruct 組出 Register 請求
func stepToStruct(session string, step plan.Step) (*structpb.Struct, error) {
	m := map[string]any{
		"session":    session,
		"id":         step.ID,
		"action":     step.Action,
		"priority":   step.Priority,
		"pre_delay":  step.PreDelay.String(),
		"post_delay": step.PostDelay.String(),
		"timeout":    step.Timeout.String(),
	}
	if len(step.Args) > 0 {
		args, err := toStruct(step.Args)
		if err != nil {
			return nil, fmt.Errorf("args: %w", err)
		}
		m["args"] = args.AsMap()
	}
	return structpb.NewStruct(m)
}
