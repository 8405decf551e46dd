package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/docket-ai/docket/pkg/models"
)

// NotifyListener receives run events published by other pods via PostgreSQL
// NOTIFY and feeds them to the local dispatcher. It holds one dedicated
// connection; the receive loop is the only goroutine touching it.
type NotifyListener struct {
	connString string
	dispatcher *Dispatcher
	log        Log // resolves truncation envelopes; may be nil

	connMu sync.Mutex
	conn   *pgx.Conn

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func NewNotifyListener(connString string, dispatcher *Dispatcher, log Log) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Start connects, issues LISTEN and launches the receive loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Run event listener started", "channel", NotifyChannel)
	return nil
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *NotifyListener) Stop(ctx context.Context) {
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

func (l *NotifyListener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("events: connecting for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("events: LISTEN %s: %w", NotifyChannel, err)
	}
	return conn, nil
}

func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handle(ctx, []byte(notification.Payload))
	}
}

// handle decodes one NOTIFY payload and broadcasts it locally. Oversized
// events arrive as truncation envelopes and are refetched from the log.
func (l *NotifyListener) handle(ctx context.Context, payload []byte) {
	var probe struct {
		RunID     string `json:"run_id"`
		Seq       int64  `json:"seq"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		slog.Warn("Undecodable NOTIFY payload", "error", err)
		return
	}

	if probe.Truncated {
		if l.log == nil {
			slog.Warn("Truncated event with no log to refetch from",
				"run_id", probe.RunID, "seq", probe.Seq)
			return
		}
		refetched, err := l.log.Since(ctx, probe.RunID, probe.Seq-1, 1)
		if err != nil || len(refetched) == 0 {
			slog.Warn("Failed to refetch truncated event",
				"run_id", probe.RunID, "seq", probe.Seq, "error", err)
			return
		}
		l.dispatcher.Broadcast(refetched[0])
		return
	}

	var e models.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		slog.Warn("Undecodable run event", "error", err)
		return
	}
	l.dispatcher.Broadcast(e)
}

func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	l.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := l.connect(ctx)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		slog.Info("Run event listener reconnected")
		return
	}
}
