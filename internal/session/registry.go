// Package session hands out one orchestrator per logical session.
//
// Callers hold the returned *orchestrator.Orchestrator handle directly; the
// registry only owns creation and lifetime. Looking up a session that was never
// opened (or was closed) is a usage error and returns
// orchestrator.ErrNoOrchestrator.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-orchestrator/internal/orchestrator"
)

// ErrSessionBusy is returned by Close while the session still has a pass running.
var ErrSessionBusy = errors.New("session: pass in progress")

// Factory builds the orchestrator for a new session.
type Factory func(sessionID string) *orchestrator.Orchestrator

// Info describes an open session.
type Info struct {
	ID       string    `json:"id"`
	OpenedAt time.Time `json:"opened_at"`
	Running  bool      `json:"running"`
	Pending  int       `json:"pending"`
}

type entry struct {
	orch     *orchestrator.Orchestrator
	openedAt time.Time
}

// Registry tracks open sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	factory  Factory
}

// NewRegistry creates a registry that builds orchestrators with factory.
func NewRegistry(factory Factory) *Registry {
	if factory == nil {
		factory = func(string) *orchestrator.Orchestrator {
			return orchestrator.NewOrchestrator(orchestrator.Config{})
		}
	}
	return &Registry{
		sessions: make(map[string]*entry),
		factory:  factory,
	}
}

// Open returns the orchestrator for id, creating it on first use.
func (r *Registry) Open(id string) (*orchestrator.Orchestrator, error) {
	if id == "" {
		return nil, fmt.Errorf("session: empty session id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		return e.orch, nil
	}
	e := &entry{orch: r.factory(id), openedAt: time.Now()}
	r.sessions[id] = e
	return e.orch, nil
}

// Get returns the orchestrator of an open session.
func (r *Registry) Get(id string) (*orchestrator.Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, orchestrator.ErrNoOrchestrator)
	}
	return e.orch, nil
}

// Close ends a session. Pending items are dropped with it.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, orchestrator.ErrNoOrchestrator)
	}
	if e.orch.IsRunning() {
		return ErrSessionBusy
	}
	delete(r.sessions, id)
	return nil
}

// List returns open sessions sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, Info{
			ID:       id,
			OpenedAt: e.openedAt,
			Running:  e.orch.IsRunning(),
			Pending:  e.orch.Pending(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
