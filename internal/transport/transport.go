// Package transport carries the console protocol over a WebSocket
// connection. It owns connection health, automatic reconnection with
// exponential backoff, and serialized writes; everything above it deals
// in protocol.Command and protocol.Event values only.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-console/internal/protocol"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Transport is the duplex channel to the console server.
type Transport interface {
	// SendReliable ships a correlated command. It fails fast when the
	// connection is down instead of queueing.
	SendReliable(cmd protocol.Command) error
	// SubscribeThread and UnsubscribeThread issue fire-and-forget
	// subscription commands.
	SubscribeThread(threadID string) error
	UnsubscribeThread(threadID string) error
	// Reconnect forces the connection to drop and redial.
	Reconnect()
	// Status reports the current connection state.
	Status() Status
	// IsHealthy is true only while connected.
	IsHealthy() bool
	// Close tears the connection down and stops reconnecting.
	Close() error
}

// Options configures a WebSocket transport.
type Options struct {
	URL             string
	Token           string
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

func (o *Options) fillDefaults() {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4096
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4096
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

// WS is the production Transport over gorilla/websocket.
type WS struct {
	opts Options

	onEvent   func(protocol.Event)
	onConnect func()
	onStatus  func(Status)

	mu     sync.Mutex
	conn   *websocket.Conn
	status Status
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial opens the connection and starts the read and keepalive loops.
// onEvent receives every inbound event in arrival order from a single
// goroutine. onConnect fires after every successful (re)connect, before
// any events from that connection are delivered; subscription replay
// hangs off it. onStatus may be nil.
func Dial(ctx context.Context, opts Options, onEvent func(protocol.Event), onConnect func(), onStatus func(Status)) (*WS, error) {
	if onEvent == nil {
		return nil, errors.New("transport: onEvent is required")
	}
	opts.fillDefaults()

	t := &WS{
		opts:      opts,
		onEvent:   onEvent,
		onConnect: onConnect,
		onStatus:  onStatus,
		status:    StatusConnecting,
		done:      make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	conn, err := t.dialOnce(runCtx)
	if err != nil {
		cancel()
		return nil, &protocol.TransportError{Op: "dial " + opts.URL, Err: err}
	}
	t.mu.Lock()
	t.conn = conn
	t.setStatusLocked(StatusConnected)
	t.mu.Unlock()

	if onConnect != nil {
		onConnect()
	}
	go t.run(runCtx, conn)
	return t, nil
}

func (t *WS) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   t.opts.ReadBufferSize,
		WriteBufferSize:  t.opts.WriteBufferSize,
		HandshakeTimeout: 15 * time.Second,
	}
	var header http.Header
	if t.opts.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + t.opts.Token}}
	}
	conn, _, err := dialer.DialContext(ctx, t.opts.URL, header)
	return conn, err
}

// run owns one connection: it pumps inbound frames and keeps the
// connection alive with pings. On any read failure it loops into
// reconnection until the context is cancelled.
func (t *WS) run(ctx context.Context, conn *websocket.Conn) {
	defer close(t.done)
	for {
		t.readLoop(ctx, conn)
		if ctx.Err() != nil {
			t.setStatus(StatusDisconnected)
			return
		}

		t.setStatus(StatusReconnecting)
		next, err := t.redial(ctx)
		if err != nil {
			t.setStatus(StatusDisconnected)
			return
		}
		conn = next
		t.mu.Lock()
		t.conn = conn
		t.setStatusLocked(StatusConnected)
		t.mu.Unlock()
		slog.Info("Transport reconnected", "url", t.opts.URL)
		if t.onConnect != nil {
			t.onConnect()
		}
	}
}

func (t *WS) readLoop(ctx context.Context, conn *websocket.Conn) {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go t.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Transport read failed", "error", err)
			}
			conn.Close()
			return
		}
		ev, err := protocol.ParseEvent(data)
		if err != nil {
			slog.Warn("Dropping unparseable event", "error", err)
			continue
		}
		t.onEvent(ev)
	}
}

func (t *WS) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			deadline := time.Now().Add(t.opts.WriteTimeout)
			err := conn.WriteControl(websocket.PingMessage, nil, deadline)
			t.mu.Unlock()
			if err != nil {
				slog.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

// redial retries with exponential backoff plus jitter until it connects
// or the context ends.
func (t *WS) redial(ctx context.Context) (*websocket.Conn, error) {
	backoff := t.opts.MinBackoff
	for attempt := 1; ; attempt++ {
		conn, err := t.dialOnce(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("Reconnect attempt failed", "attempt", attempt, "backoff", backoff, "error", err)

		jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > t.opts.MaxBackoff {
			backoff = t.opts.MaxBackoff
		}
	}
}

func (t *WS) writeJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusConnected || t.conn == nil {
		return &protocol.TransportError{Op: "write", Err: fmt.Errorf("connection is %s", t.status)}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &protocol.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *WS) SendReliable(cmd protocol.Command) error {
	return t.writeJSON(cmd)
}

func (t *WS) SubscribeThread(threadID string) error {
	return t.writeJSON(protocol.Command{
		Method:    protocol.MethodSubscribeThread,
		RequestID: protocol.NewRequestID(),
		ThreadID:  threadID,
	})
}

func (t *WS) UnsubscribeThread(threadID string) error {
	return t.writeJSON(protocol.Command{
		Method:    protocol.MethodUnsubscribeThread,
		RequestID: protocol.NewRequestID(),
		ThreadID:  threadID,
	})
}

// Reconnect drops the live connection; the run loop redials with
// backoff. No-op when the transport is closed.
func (t *WS) Reconnect() {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return
	}
	conn.Close()
}

func (t *WS) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *WS) IsHealthy() bool {
	return t.Status() == StatusConnected
}

// Close shuts the transport down permanently.
func (t *WS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
	}
	t.setStatus(StatusDisconnected)
	return nil
}

func (t *WS) setStatus(s Status) {
	t.mu.Lock()
	t.setStatusLocked(s)
	t.mu.Unlock()
}

func (t *WS) setStatusLocked(s Status) {
	if t.status == s {
		return
	}
	t.status = s
	if t.onStatus != nil {
		go t.onStatus(s)
	}
}
