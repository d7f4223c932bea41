// Package plan loads declarative effect plans from YAML.
//
// A plan lists effects to register (id, options, action and args) and,
// optionally, ids to cancel afterwards:
//
//	name: nightly
//	effects:
//	  - id: warmup
//	    priority: 10
//	    action: echo
//	    args: {message: hello}
//	  - id: slow
//	    timeout: 500ms
//	    action: sleep
//	    args: {duration: 2s}
//	cancel: [slow]
package plan

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

var (
	// ErrEmptyPlan plan 沒有任何 effect
	ErrEmptyPlan = errors.New("plan: no effects")
	// ErrMissingID step 沒有 id
	ErrMissingID = errors.New("plan: effect id is required")
)

// Registrar 接收 plan 的註冊與取消（*orchestrator.Orchestrator 即滿足）
type Registrar interface {
	Register(id types.EffectID, effect types.Effect, opts ...types.Option) error
	Cancel(id types.EffectID) error
}

// Step 一個 effect 定義
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	Priority  int            `yaml:"priority" json:"priority"`
	PreDelay  time.Duration  `yaml:"pre_delay" json:"pre_delay"`
	PostDelay time.Duration  `yaml:"post_delay" json:"post_delay"`
	Timeout   time.Duration  `yaml:"timeout" json:"timeout"`
	Action    string         `yaml:"action" json:"action"`
	Args      map[string]any `yaml:"args" json:"args,omitempty"`
}

// Options 轉成 types.Options
func (s Step) Options() types.Options {
	return types.Options{
		Priority:  s.Priority,
		PreDelay:  s.PreDelay,
		PostDelay: s.PostDelay,
		Timeout:   s.Timeout,
	}
}

// Effect 依 action 建立可執行的 Effect
func (s Step) Effect() (types.Effect, error) {
	return Build(s.Action, s.Args)
}

// Plan 一份 plan 檔
type Plan struct {
	Name    string   `yaml:"name"`
	Session string   `yaml:"session"`
	Effects []Step   `yaml:"effects"`
	Cancel  []string `yaml:"cancel"`
}

// Load 讀取並解析 plan 檔
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse 解析 YAML 並驗證每個 step
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate 檢查 id 與 action；args 錯誤也在此時發現
func (p *Plan) Validate() error {
	if len(p.Effects) == 0 {
		return ErrEmptyPlan
	}
	for i, s := range p.Effects {
		if s.ID == "" {
			return fmt.Errorf("effects[%d]: %w", i, ErrMissingID)
		}
		if _, err := s.Effect(); err != nil {
			return fmt.Errorf("plan: effects[%d] (%s): %w", i, s.ID, err)
		}
	}
	return nil
}

// WithDefaultTimeout 為沒有 timeout 的 effect 套用 d（d <= 0 時不變）
func (p *Plan) WithDefaultTimeout(d time.Duration) *Plan {
	if d <= 0 {
		return p
	}
	for i := range p.Effects {
		if p.Effects[i].Timeout == 0 {
			p.Effects[i].Timeout = d
		}
	}
	return p
}

// Apply 依序註冊所有 effect，再處理 cancel 清單
//
// 同 id 出現多次時以最後一個為準（與 Register 語意一致）。
func (p *Plan) Apply(r Registrar) error {
	for _, s := range p.Effects {
		effect, err := s.Effect()
		if err != nil {
			return fmt.Errorf("plan: %s: %w", s.ID, err)
		}
		if err := r.Register(types.EffectID(s.ID), effect, types.WithOptions(s.Options())); err != nil {
			return fmt.Errorf("plan: register %s: %w", s.ID, err)
		}
	}
	for _, id := range p.Cancel {
		if err := r.Cancel(types.EffectID(id)); err != nil {
			return fmt.Errorf("plan: cancel %s: %w", id, err)
		}
	}
	return nil
}
