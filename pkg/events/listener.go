package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// Broadcaster receives NOTIFY payloads for local fan-out. Implemented by Hub.
type Broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// listenCmd is a LISTEN/UNLISTEN command executed by the receive loop, the
// sole goroutine allowed to touch the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// Listener holds a dedicated PostgreSQL connection in LISTEN mode and
// dispatches notifications to the local hub. All pgx access runs on the
// receive loop; Subscribe and Unsubscribe go through a command channel to
// avoid the "conn busy" race between WaitForNotification and Exec.
type Listener struct {
	connString string
	hub        Broadcaster

	conn   *pgx.Conn
	connMu sync.Mutex

	channels   map[string]bool
	channelsMu sync.RWMutex

	cmdCh   chan listenCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a NOTIFY listener dispatching to hub.
func NewListener(connString string, hub Broadcaster) *Listener {
	return &Listener{
		connString: connString,
		hub:        hub,
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// Start establishes the LISTEN connection and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("NOTIFY listener started")
	return nil
}

// Subscribe issues LISTEN for a channel. Idempotent.
func (l *Listener) Subscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	already := l.channels[channel]
	l.channelsMu.Unlock()
	if already {
		return nil
	}
	if !l.running.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}

	if err := l.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s failed: %w", channel, err)
	}
	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	return nil
}

// Unsubscribe issues UNLISTEN for a channel. Idempotent.
func (l *Listener) Unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	listening := l.channels[channel]
	l.channelsMu.Unlock()
	if !listening || !l.running.Load() {
		return nil
	}

	if err := l.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("UNLISTEN %s failed: %w", channel, err)
	}
	l.channelsMu.Lock()
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	return nil
}

// exec routes a command through the receive loop and waits for its result.
func (l *Listener) exec(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop waits for notifications and processes pending commands. It is
// the sole user of the pgx connection.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		// Short wait so pending LISTEN/UNLISTEN commands get a turn.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.hub.Broadcast(notification.Channel, []byte(notification.Payload))
	}
}

func (l *Listener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the connection with exponential backoff and
// re-issues LISTEN for every subscribed channel.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				slog.Error("re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("NOTIFY listener reconnected")
		return
	}
}

// Stop shuts down the receive loop, then closes the connection.
func (l *Listener) Stop(ctx context.Context) {
	l.running.Store(false)
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
