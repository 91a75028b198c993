package orchestrator

import (
	"context"
	"sync"
)

// convLock is a channel-based mutex for one conversation. Blocked senders
// are woken in arrival order by the runtime, giving waiting requests fair
// turns.
type convLock struct {
	ch   chan struct{}
	refs int
}

// lockTable hands out per-conversation locks, creating and reaping entries
// as requests come and go.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*convLock)}
}

// acquire takes the conversation's lock, waiting until ctx expires. The
// returned release function must be called exactly once.
func (t *lockTable) acquire(ctx context.Context, conversationID string) (func(), error) {
	t.mu.Lock()
	l, exists := t.locks[conversationID]
	if !exists {
		l = &convLock{ch: make(chan struct{}, 1)}
		t.locks[conversationID] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				t.unref(conversationID, l)
			})
		}, nil
	case <-ctx.Done():
		t.unref(conversationID, l)
		return nil, ctx.Err()
	}
}

func (t *lockTable) unref(conversationID string, l *convLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, conversationID)
	}
}
