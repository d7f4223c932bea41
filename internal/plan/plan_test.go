package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

const samplePlan = `
name: sample
session: s1
effects:
  - id: greet
    priority: 5
    action: echo
    args:
      message: hello
  - id: total
    priority: 10
    pre_delay: 10ms
    post_delay: 5ms
    action: sum
    args:
      values: [1, 2.5, 3]
  - id: broken
    action: fail
    args:
      message: boom
  - id: dropped
    action: echo
cancel: [dropped]
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(samplePlan))
	require.NoError(t, err)

	assert.Equal(t, "sample", p.Name)
	assert.Equal(t, "s1", p.Session)
	require.Len(t, p.Effects, 4)
	assert.Equal(t, []string{"dropped"}, p.Cancel)

	total := p.Effects[1]
	assert.Equal(t, types.Options{
		Priority:  10,
		PreDelay:  10 * time.Millisecond,
		PostDelay: 5 * time.Millisecond,
	}, total.Options())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"empty", "name: x\n", ErrEmptyPlan},
		{"missing id", "effects:\n  - action: echo\n", ErrMissingID},
		{"unknown action", "effects:\n  - id: a\n    action: launch\n", ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Parse([]byte("effects:\n  - id: a\n    action: sleep\n    args: {duration: soon}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("effects:\n  - id: a\n    action: sum\n    args: {values: [1, x]}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("effects: [\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Effects, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApply_RunsThroughOrchestrator(t *testing.T) {
	p, err := Parse([]byte(samplePlan))
	require.NoError(t, err)

	orch := orchestrator.NewOrchestrator(orchestrator.Config{})
	require.NoError(t, p.Apply(orch))
	assert.Equal(t, 3, orch.Pending())

	res, err := orch.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "hello", res["greet"])
	assert.Equal(t, 6.5, res["total"])
	assert.Equal(t, types.ItemError{Error: "boom"}, res["broken"])
	assert.NotContains(t, res, types.EffectID("dropped"))
}

func TestWithDefaultTimeout(t *testing.T) {
	p := &Plan{Effects: []Step{{ID: "a"}, {ID: "b", Timeout: time.Second}}}

	p.WithDefaultTimeout(0)
	assert.Zero(t, p.Effects[0].Timeout)

	p.WithDefaultTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, p.Effects[0].Timeout)
	assert.Equal(t, time.Second, p.Effects[1].Timeout)
}

func TestActions(t *testing.T) {
	assert.Equal(t, []string{"echo", "fail", "panic", "sleep", "sum"}, Actions())

	sleep, err := Build("sleep", map[string]any{"duration": "1h"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sleep(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	boom, err := Build("panic", nil)
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = boom(context.Background()) })

	echo, err := Build("echo", map[string]any{"message": 42})
	require.NoError(t, err)
	v, err := echo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}
