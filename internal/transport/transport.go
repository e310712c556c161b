// Package transport owns the websocket wire: dialing, the single-writer send
// loop, the read loop, and correlation of outbound requests with their
// acknowledgments. It carries envelopes and knows nothing about rooms.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"arquiz/pkg/types"
)

const (
	writeBuffer   = 64
	inboundBuffer = 64
	writeTimeout  = 5 * time.Second
)

// Transport is a live bidirectional connection to the coordination server.
type Transport interface {
	// Emit queues an envelope for sending, fire-and-forget.
	Emit(env types.Envelope) error
	// Request sends an envelope and blocks until an inbound envelope with the
	// same correlation ID arrives, the timeout elapses, or ctx is cancelled.
	Request(ctx context.Context, env types.Envelope, timeout time.Duration) (types.Envelope, error)
	// Inbound streams decoded server envelopes. Closed when the transport dies.
	Inbound() <-chan types.Envelope
	// Done is closed once the transport is no longer usable.
	Done() <-chan struct{}
	// Err reports why the transport closed; nil until Done.
	Err() error
	// Intentional reports whether the close was requested locally.
	Intentional() bool
	// Close tears the connection down as an intentional close.
	Close() error
}

// Dialer opens transports. Tests inject fakes through this seam.
type Dialer interface {
	Dial(ctx context.Context, serverURL string, header http.Header) (Transport, error)
}

// WebsocketDialer dials real coordination servers with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// Dial opens a websocket transport and starts its read and write loops.
func (d *WebsocketDialer) Dial(ctx context.Context, serverURL string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, serverURL, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t := &wsTransport{
		conn:    conn,
		writeCh: make(chan types.Envelope, writeBuffer),
		inbound: make(chan types.Envelope, inboundBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan types.Envelope),
		logger:  d.Logger.With().Str("component", "transport").Logger(),
	}

	go t.writeLoop()
	go t.readLoop()
	return t, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeCh chan types.Envelope
	inbound chan types.Envelope
	done    chan struct{}
	logger  zerolog.Logger

	closeOnce   sync.Once
	mu          sync.Mutex
	closeErr    error
	intentional bool

	pendingMu sync.Mutex
	pending   map[string]chan types.Envelope
}

func (t *wsTransport) Emit(env types.Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.writeCh <- env:
		return nil
	case <-t.done:
		return ErrClosed
	default:
		return ErrWriteBufferFull
	}
}

func (t *wsTransport) Request(ctx context.Context, env types.Envelope, timeout time.Duration) (types.Envelope, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.New().String()
	}

	respCh := make(chan types.Envelope, 1)
	t.pendingMu.Lock()
	t.pending[env.CorrelationID] = respCh
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, env.CorrelationID)
		t.pendingMu.Unlock()
	}()

	if err := t.Emit(env); err != nil {
		return types.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return types.Envelope{}, ErrRequestTimeout
	case <-t.done:
		return types.Envelope{}, ErrClosed
	case <-ctx.Done():
		return types.Envelope{}, ctx.Err()
	}
}

func (t *wsTransport) Inbound() <-chan types.Envelope { return t.inbound }
func (t *wsTransport) Done() <-chan struct{}          { return t.done }

func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

func (t *wsTransport) Intentional() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intentional
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.intentional = true
	t.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
	t.shutdown(nil)
	return nil
}

// shutdown closes the underlying connection exactly once and records the
// close reason. The read loop exiting closes the inbound channel.
func (t *wsTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.closeErr == nil {
			t.closeErr = err
		}
		t.mu.Unlock()
		_ = t.conn.Close()
		close(t.done)
	})
}

// writeLoop is the single writer goroutine; websocket writes must never be
// issued concurrently.
func (t *wsTransport) writeLoop() {
	for {
		select {
		case env := <-t.writeCh:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.conn.WriteJSON(env); err != nil {
				t.logger.Debug().Err(err).Str("type", env.Type).Msg("write failed")
				t.shutdown(err)
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) readLoop() {
	defer close(t.inbound)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames are logged and dropped, never fatal.
			t.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		if env.Type == "" {
			t.logger.Warn().Msg("dropping frame without event type")
			continue
		}

		if env.CorrelationID != "" && t.resolvePending(env) {
			continue
		}

		select {
		case t.inbound <- env:
		case <-t.done:
			return
		default:
			t.logger.Warn().Str("type", env.Type).Msg("inbound buffer full, dropping event")
		}
	}
}

// resolvePending routes an envelope to the goroutine waiting on its
// correlation ID. Returns false when nothing is waiting, in which case the
// envelope flows to the inbound stream like any other event.
func (t *wsTransport) resolvePending(env types.Envelope) bool {
	t.pendingMu.Lock()
	ch, ok := t.pending[env.CorrelationID]
	if ok {
		delete(t.pending, env.CorrelationID)
	}
	t.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}
