package orchestrator

import (
	"context"
	"sync"
)

// cancelRegistry tracks in-flight runs so they can be cancelled by run id or
// by the WebSocket session that started them.
type cancelRegistry struct {
	mu        sync.Mutex
	byRun     map[string]context.CancelFunc
	bySession map[string]map[string]bool // session id → run ids
	runOwner  map[string]string          // run id → session id
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{
		byRun:     make(map[string]context.CancelFunc),
		bySession: make(map[string]map[string]bool),
		runOwner:  make(map[string]string),
	}
}

// register tracks a run's cancel func. sessionID may be empty for HTTP runs.
func (r *cancelRegistry) register(runID, sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRun[runID] = cancel
	if sessionID != "" {
		if r.bySession[sessionID] == nil {
			r.bySession[sessionID] = make(map[string]bool)
		}
		r.bySession[sessionID][runID] = true
		r.runOwner[runID] = sessionID
	}
}

// unregister removes a finished run. Safe to call after cancellation.
func (r *cancelRegistry) unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRun, runID)
	if sessionID, ok := r.runOwner[runID]; ok {
		delete(r.bySession[sessionID], runID)
		if len(r.bySession[sessionID]) == 0 {
			delete(r.bySession, sessionID)
		}
		delete(r.runOwner, runID)
	}
}

// cancel cancels one run. Idempotent; unknown run ids are a no-op.
func (r *cancelRegistry) cancel(runID string) bool {
	r.mu.Lock()
	cancel, exists := r.byRun[runID]
	r.mu.Unlock()
	if exists {
		cancel()
	}
	return exists
}

// cancelSession cancels every run started by a session. Used when the
// session disconnects.
func (r *cancelRegistry) cancelSession(sessionID string) {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.bySession[sessionID]))
	for runID := range r.bySession[sessionID] {
		if cancel, exists := r.byRun[runID]; exists {
			cancels = append(cancels, cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
