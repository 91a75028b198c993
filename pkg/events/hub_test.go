package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avitech-ai/aeromind/pkg/config"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	incoming chan []byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16)}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.incoming:
		if !ok {
			return nil, context.Canceled
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.written))
	for _, data := range f.written {
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) send(t *testing.T, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.incoming <- data
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

type fakeAuth struct{ owns bool }

func (f fakeAuth) OwnsConversation(context.Context, string, string) (bool, error) {
	return f.owns, nil
}

type fakeCatchup struct{ events []CatchupEvent }

func (f fakeCatchup) CatchupEvents(context.Context, string, int64, int) ([]CatchupEvent, error) {
	return f.events, nil
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []*ClientMessage
	closed   []string
}

func (r *recordingHandler) HandleMessage(_ context.Context, _ *Session, msg *ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}
func (r *recordingHandler) HandleTyping(context.Context, *Session, *ClientMessage)   {}
func (r *recordingHandler) HandleFeedback(context.Context, *Session, *ClientMessage) {}
func (r *recordingHandler) SessionClosed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
}

func testSessionConfig() *config.SessionConfig {
	return &config.SessionConfig{BufferSize: 8, LagTimeoutMs: 10000, WriteTimeoutMs: 1000}
}

func newTestHub(auth OwnershipChecker, catchup CatchupQuerier) *Hub {
	return NewHub(testSessionConfig(), catchup, auth, slog.Default())
}

func TestEnqueueDropOldest(t *testing.T) {
	sess := &Session{notify: make(chan struct{}, 1)}

	for _, payload := range []string{"a", "b", "c", "d", "e"} {
		sess.enqueue([]byte(payload), 3)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	require.Len(t, sess.buf, 3)
	assert.Equal(t, "c", string(sess.buf[0]))
	assert.Equal(t, "e", string(sess.buf[2]))
	assert.Equal(t, int64(2), sess.dropped)
	assert.False(t, sess.laggingSince.IsZero(), "overflow must mark the session lagging")
}

func TestWriteLoopPreservesOrder(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &Session{conn: conn, ctx: ctx, cancel: cancel, notify: make(chan struct{}, 1)}
	go sess.writeLoop(time.Second)

	for _, payload := range []string{"one", "two", "three"} {
		sess.enqueue([]byte(payload), 8)
	}

	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.written) == 3
	})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, "one", string(conn.written[0]))
	assert.Equal(t, "two", string(conn.written[1]))
	assert.Equal(t, "three", string(conn.written[2]))
}

func TestWriteLoopClearsLaggingWhenDrained(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &Session{conn: conn, ctx: ctx, cancel: cancel, notify: make(chan struct{}, 1)}

	// Overflow a tiny buffer to set lagging, then drain.
	sess.enqueue([]byte("a"), 1)
	sess.enqueue([]byte("b"), 1)
	go sess.writeLoop(time.Second)

	waitFor(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.buf) == 0 && sess.laggingSince.IsZero()
	})
}

func TestJoinAuthorizedConfirmsAndCatchesUp(t *testing.T) {
	catchup := fakeCatchup{events: []CatchupEvent{
		{ID: 7, Payload: map[string]any{"type": EventAssistantMessage}},
	}}
	hub := newTestHub(fakeAuth{owns: true}, catchup)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.handleConn(context.Background(), conn, "user-1")
	}()

	conn.send(t, ClientMessage{Action: ActionJoinConversation, ConversationID: "conv-1"})

	waitFor(t, func() bool { return len(conn.messages(t)) >= 3 })
	msgs := conn.messages(t)
	assert.Equal(t, "connection.established", msgs[0]["type"])
	assert.Equal(t, "subscription.confirmed", msgs[1]["type"])
	assert.Equal(t, EventAssistantMessage, msgs[2]["type"])
	assert.Equal(t, float64(7), msgs[2]["db_event_id"])
	assert.Equal(t, 1, hub.subscriberCount(ConversationChannel("conv-1")))

	close(conn.incoming)
	<-done
}

func TestJoinUnauthorizedRejected(t *testing.T) {
	hub := newTestHub(fakeAuth{owns: false}, fakeCatchup{})

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.handleConn(context.Background(), conn, "user-1")
	}()

	conn.send(t, ClientMessage{Action: ActionJoinConversation, ConversationID: "conv-1"})

	waitFor(t, func() bool { return len(conn.messages(t)) >= 2 })
	msgs := conn.messages(t)
	assert.Equal(t, "subscription.error", msgs[1]["type"])
	assert.Zero(t, hub.subscriberCount(ConversationChannel("conv-1")))

	close(conn.incoming)
	<-done
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	hub := newTestHub(fakeAuth{owns: true}, fakeCatchup{})

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.handleConn(context.Background(), conn, "user-1")
	}()

	conn.send(t, ClientMessage{Action: ActionJoinConversation, ConversationID: "conv-1"})
	waitFor(t, func() bool { return hub.subscriberCount(ConversationChannel("conv-1")) == 1 })

	hub.Broadcast(ConversationChannel("conv-1"), []byte(`{"type":"token_delta"}`))
	hub.Broadcast(ConversationChannel("other"), []byte(`{"type":"should_not_arrive"}`))

	waitFor(t, func() bool {
		for _, m := range conn.messages(t) {
			if m["type"] == "token_delta" {
				return true
			}
		}
		return false
	})
	for _, m := range conn.messages(t) {
		assert.NotEqual(t, "should_not_arrive", m["type"])
	}

	close(conn.incoming)
	<-done
}

func TestLeaveRemovesSubscription(t *testing.T) {
	hub := newTestHub(fakeAuth{owns: true}, fakeCatchup{})

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.handleConn(context.Background(), conn, "user-1")
	}()

	conn.send(t, ClientMessage{Action: ActionJoinConversation, ConversationID: "conv-1"})
	waitFor(t, func() bool { return hub.subscriberCount(ConversationChannel("conv-1")) == 1 })

	conn.send(t, ClientMessage{Action: ActionLeaveConversation, ConversationID: "conv-1"})
	waitFor(t, func() bool { return hub.subscriberCount(ConversationChannel("conv-1")) == 0 })

	close(conn.incoming)
	<-done
}

func TestMessageActionDelegatedToHandler(t *testing.T) {
	hub := newTestHub(fakeAuth{owns: true}, fakeCatchup{})
	handler := &recordingHandler{}
	hub.SetCommandHandler(handler)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.handleConn(context.Background(), conn, "user-1")
	}()

	conn.send(t, ClientMessage{Action: ActionMessage, ConversationID: "conv-1", Content: "check the APU"})

	waitFor(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.messages) == 1
	})
	handler.mu.Lock()
	assert.Equal(t, "check the APU", handler.messages[0].Content)
	handler.mu.Unlock()

	close(conn.incoming)
	<-done
}

func TestDisconnectNotifiesHandlerAndCleansUp(t *testing.T) {
	hub := newTestHub(fakeAuth{owns: true}, fakeCatchup{})
	handler := &recordingHandler{}
	hub.SetCommandHandler(handler)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.handleConn(context.Background(), conn, "user-1")
	}()

	conn.send(t, ClientMessage{Action: ActionJoinConversation, ConversationID: "conv-1"})
	waitFor(t, func() bool { return hub.subscriberCount(ConversationChannel("conv-1")) == 1 })

	close(conn.incoming)
	<-done

	assert.Zero(t, hub.SessionCount())
	assert.Zero(t, hub.subscriberCount(ConversationChannel("conv-1")))
	handler.mu.Lock()
	assert.Len(t, handler.closed, 1)
	handler.mu.Unlock()
	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()
}

func TestPing(t *testing.T) {
	hub := newTestHub(fakeAuth{owns: true}, fakeCatchup{})

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.handleConn(context.Background(), conn, "user-1")
	}()

	conn.send(t, ClientMessage{Action: ActionPing})

	waitFor(t, func() bool {
		for _, m := range conn.messages(t) {
			if m["type"] == "pong" {
				return true
			}
		}
		return false
	})

	close(conn.incoming)
	<-done
}

func TestTruncateIfNeeded(t *testing.T) {
	small := []byte(`{"type":"done","conversation_id":"c1"}`)
	out, err := truncateIfNeeded(small)
	require.NoError(t, err)
	assert.Equal(t, string(small), out)

	big, err := json.Marshal(map[string]any{
		"type":            EventAssistantMessage,
		"conversation_id": "c1",
		"payload":         map[string]any{"content": string(make([]byte, 9000))},
	})
	require.NoError(t, err)
	out, err = truncateIfNeeded(big)
	require.NoError(t, err)
	assert.Less(t, len(out), notifyLimit)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, true, m["truncated"])
	assert.Equal(t, EventAssistantMessage, m["type"])
	assert.Equal(t, "c1", m["conversation_id"])
}
