package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/avitech-ai/aeromind/pkg/config"
)

// catchupLimit caps events returned by one catch-up; beyond it the client is
// told to reload over REST.
const catchupLimit = 200

// listenTimeout bounds the LISTEN issued on first subscribe so a stalled
// connection cannot block the client's read loop.
const listenTimeout = 10 * time.Second

var (
	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aeromind",
		Subsystem: "hub",
		Name:      "dropped_events_total",
		Help:      "Events dropped from lagging session buffers.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeromind",
		Subsystem: "hub",
		Name:      "active_sessions",
		Help:      "Connected WebSocket sessions.",
	})
)

// CatchupEvent holds one stored event returned by the catch-up query.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// CatchupQuerier queries stored events for catch-up.
type CatchupQuerier interface {
	CatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// OwnershipChecker verifies a user may read a conversation. Checked on every
// join, not just at connect.
type OwnershipChecker interface {
	OwnsConversation(ctx context.Context, ownerID, conversationID string) (bool, error)
}

// CommandHandler receives the client actions the hub does not handle itself.
// Installed once during startup.
type CommandHandler interface {
	HandleMessage(ctx context.Context, sess *Session, msg *ClientMessage)
	HandleTyping(ctx context.Context, sess *Session, msg *ClientMessage)
	HandleFeedback(ctx context.Context, sess *Session, msg *ClientMessage)

	// SessionClosed fires after a session disconnects, so runs it started
	// can be cancelled.
	SessionClosed(sessionID string)
}

// wsConn abstracts the WebSocket connection for tests.
type wsConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// coderConn adapts *websocket.Conn to wsConn.
type coderConn struct{ c *websocket.Conn }

func (w coderConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w coderConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w coderConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

// Session is one connected WebSocket client.
//
// Outbound events go through a bounded FIFO drained by a dedicated writer
// goroutine, so a slow client never blocks a broadcast. On overflow the
// oldest event is dropped and the session is marked lagging; a session
// lagging beyond the lag timeout is disconnected.
//
// subscriptions is only touched by the session's read loop and its deferred
// cleanup, so it needs no lock.
type Session struct {
	ID     string
	UserID string

	conn   wsConn
	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	buf          [][]byte
	laggingSince time.Time
	dropped      int64
	notify       chan struct{}

	subscriptions map[string]bool
}

// Context returns the session's lifetime context. Cancelled on disconnect.
func (s *Session) Context() context.Context { return s.ctx }

// Send enqueues a JSON control message to this session alone.
func (s *Session) Send(v any) {
	s.hub.sendJSON(s, v)
}

// Dropped returns how many events this session has lost to overflow.
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Hub fans events out to connected sessions. One Hub per process; cross-pod
// distribution happens upstream via NOTIFY and the Listener.
type Hub struct {
	cfg *config.SessionConfig

	sessions map[string]*Session
	mu       sync.RWMutex

	// channel → set of session IDs
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	listener   *Listener
	listenerMu sync.RWMutex

	catchup CatchupQuerier
	auth    OwnershipChecker

	handler   CommandHandler
	handlerMu sync.RWMutex

	logger *slog.Logger
}

// NewHub creates a hub.
func NewHub(cfg *config.SessionConfig, catchup CatchupQuerier, auth OwnershipChecker, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		channels: make(map[string]map[string]bool),
		catchup:  catchup,
		auth:     auth,
		logger:   logger.With("component", "hub"),
	}
}

// SetListener installs the NOTIFY listener. Called once during startup.
func (h *Hub) SetListener(l *Listener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listener = l
}

// SetCommandHandler installs the client command handler. Called once during
// startup.
func (h *Hub) SetCommandHandler(handler CommandHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

// HandleConnection runs the lifecycle of one upgraded WebSocket connection.
// Blocks until the connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID string) {
	h.handleConn(parentCtx, coderConn{c: conn}, userID)
}

func (h *Hub) handleConn(parentCtx context.Context, conn wsConn, userID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	sess := &Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		conn:          conn,
		hub:           h,
		ctx:           ctx,
		cancel:        cancel,
		notify:        make(chan struct{}, 1),
		subscriptions: make(map[string]bool),
	}

	h.register(sess)
	defer h.unregister(sess)

	go sess.writeLoop(h.cfg.WriteTimeout())

	h.sendJSON(sess, map[string]string{
		"type":       "connection.established",
		"session_id": sess.ID,
	})

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid client message", "session_id", sess.ID, "error", err)
			continue
		}
		h.handleClientMessage(ctx, sess, &msg)
	}
}

// Broadcast enqueues an event for every session subscribed to the channel.
// Enqueue never blocks; lagging sessions past the deadline are disconnected.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.channelMu.RLock()
	ids := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	h.mu.RLock()
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := h.sessions[id]; ok {
			sessions = append(sessions, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range sessions {
		if lagged := sess.enqueue(payload, h.cfg.BufferSize); lagged > h.cfg.LagTimeout() {
			h.logger.Warn("disconnecting lagging session",
				"session_id", sess.ID, "lagging_for", lagged, "dropped", sess.Dropped())
			sess.cancel()
		}
	}
}

// enqueue appends to the bounded buffer, dropping the oldest entry on
// overflow. Returns how long the session has been lagging, zero if healthy.
func (s *Session) enqueue(payload []byte, limit int) time.Duration {
	s.mu.Lock()
	if len(s.buf) >= limit {
		s.buf = s.buf[1:]
		s.dropped++
		droppedEvents.Inc()
		if s.laggingSince.IsZero() {
			s.laggingSince = time.Now()
		}
	}
	s.buf = append(s.buf, payload)
	var lagged time.Duration
	if !s.laggingSince.IsZero() {
		lagged = time.Since(s.laggingSince)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return lagged
}

// writeLoop drains the session buffer in FIFO order. A single writer per
// session keeps publish-order delivery.
func (s *Session) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.buf) == 0 {
				// Buffer drained, the session caught up.
				s.laggingSince = time.Time{}
				s.mu.Unlock()
				break
			}
			payload := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()

			writeCtx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(writeCtx, payload)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (h *Hub) handleClientMessage(ctx context.Context, sess *Session, msg *ClientMessage) {
	switch msg.Action {
	case ActionJoinConversation:
		h.handleJoin(ctx, sess, msg.ConversationID)

	case ActionLeaveConversation:
		if msg.ConversationID != "" {
			h.unsubscribe(sess, ConversationChannel(msg.ConversationID))
		}

	case ActionCatchup:
		if msg.ConversationID != "" && msg.LastEventID != nil {
			h.runCatchup(ctx, sess, ConversationChannel(msg.ConversationID), *msg.LastEventID)
		}

	case ActionPing:
		h.sendJSON(sess, map[string]string{"type": "pong"})

	case ActionMessage, ActionTyping, ActionFeedback:
		h.handlerMu.RLock()
		handler := h.handler
		h.handlerMu.RUnlock()
		if handler == nil {
			return
		}
		switch msg.Action {
		case ActionMessage:
			handler.HandleMessage(ctx, sess, msg)
		case ActionTyping:
			handler.HandleTyping(ctx, sess, msg)
		case ActionFeedback:
			handler.HandleFeedback(ctx, sess, msg)
		}

	default:
		h.sendJSON(sess, map[string]string{
			"type":    "error",
			"message": fmt.Sprintf("unknown action %q", msg.Action),
		})
	}
}

// handleJoin authorizes and subscribes the session to a conversation's
// channel, then replays stored events.
func (h *Hub) handleJoin(ctx context.Context, sess *Session, conversationID string) {
	if conversationID == "" {
		h.sendJSON(sess, map[string]string{"type": "error", "message": "conversation_id is required"})
		return
	}

	owns, err := h.auth.OwnsConversation(ctx, sess.UserID, conversationID)
	if err != nil || !owns {
		h.sendJSON(sess, map[string]string{
			"type":            "subscription.error",
			"conversation_id": conversationID,
			"message":         "not authorized for conversation",
		})
		return
	}

	channel := ConversationChannel(conversationID)
	if err := h.subscribe(sess, channel); err != nil {
		h.sendJSON(sess, map[string]string{
			"type":            "subscription.error",
			"conversation_id": conversationID,
			"message":         "failed to subscribe",
		})
		return
	}
	h.sendJSON(sess, map[string]string{
		"type":            "subscription.confirmed",
		"conversation_id": conversationID,
	})

	// Replay everything so late joiners see the full event history.
	h.runCatchup(ctx, sess, channel, 0)
}

// subscribe registers the session on a channel and starts LISTEN when it is
// the first local subscriber. LISTEN completes before subscribe returns so
// the catch-up that follows cannot race a concurrent publish. Idempotent.
func (h *Hub) subscribe(sess *Session, channel string) error {
	if sess.subscriptions[channel] {
		return nil
	}

	h.channelMu.Lock()
	needsListen := false
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	h.channels[channel][sess.ID] = true
	h.channelMu.Unlock()

	if needsListen {
		h.listenerMu.RLock()
		l := h.listener
		h.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				h.logger.Error("failed to LISTEN on channel", "channel", channel, "error", err)
				h.channelMu.Lock()
				delete(h.channels[channel], sess.ID)
				if len(h.channels[channel]) == 0 {
					delete(h.channels, channel)
				}
				h.channelMu.Unlock()
				return err
			}
		}
	}

	sess.subscriptions[channel] = true
	return nil
}

// unsubscribe removes the session from a channel and stops LISTEN when the
// last local subscriber leaves. Idempotent.
func (h *Hub) unsubscribe(sess *Session, channel string) {
	h.channelMu.Lock()
	if subs, exists := h.channels[channel]; exists {
		delete(subs, sess.ID)
		if len(subs) == 0 {
			delete(h.channels, channel)
			h.listenerMu.RLock()
			l := h.listener
			h.listenerMu.RUnlock()
			if l != nil {
				go func() {
					// Re-check: a rapid leave/join cycle may have revived
					// the channel before this goroutine ran.
					h.channelMu.RLock()
					_, revived := h.channels[channel]
					h.channelMu.RUnlock()
					if revived {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						h.logger.Error("failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	h.channelMu.Unlock()

	delete(sess.subscriptions, channel)
}

// runCatchup replays stored events after sinceID to the session.
func (h *Hub) runCatchup(ctx context.Context, sess *Session, channel string, sinceID int64) {
	if h.catchup == nil {
		return
	}

	stored, err := h.catchup.CatchupEvents(ctx, channel, sinceID, catchupLimit+1)
	if err != nil {
		h.logger.Error("catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(stored) > catchupLimit
	if hasMore {
		stored = stored[:catchupLimit]
	}

	// Stored payloads carry no db_event_id; add it from the row id so the
	// client can resume from its last position.
	for _, evt := range stored {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		sess.enqueue(payload, h.cfg.BufferSize)
	}

	if hasMore {
		h.sendJSON(sess, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) register(sess *Session) {
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()
	activeSessions.Inc()
}

func (h *Hub) unregister(sess *Session) {
	for ch := range sess.subscriptions {
		h.unsubscribe(sess, ch)
	}

	h.mu.Lock()
	delete(h.sessions, sess.ID)
	h.mu.Unlock()
	activeSessions.Dec()

	sess.cancel()
	_ = sess.conn.Close(websocket.StatusNormalClosure, "")

	h.handlerMu.RLock()
	handler := h.handler
	h.handlerMu.RUnlock()
	if handler != nil {
		handler.SessionClosed(sess.ID)
	}
}

// sendJSON enqueues a control message to a single session.
func (h *Hub) sendJSON(sess *Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal hub message", "session_id", sess.ID, "error", err)
		return
	}
	sess.enqueue(data, h.cfg.BufferSize)
}
