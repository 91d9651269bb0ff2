// Package push owns the portal push-channel lifecycle: connecting,
// reconnecting with backoff, room joins, and a typed publish/subscribe
// surface for the rest of the engine.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/rest"
	"chatsync/pkg/telemetry"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ErrNotAuthenticated is returned by Connect when no identity is available.
// The manager parks in StatusError; callers reconnect once the session
// regains authentication.
var ErrNotAuthenticated = errors.New("push: no authenticated identity")

// Handler receives the raw data payload of one inbound event. Handlers for
// one event name run in wire order; they must not block.
type Handler func(data json.RawMessage)

// Conn is the subset of *websocket.Conn the manager needs; tests substitute
// in-memory fakes.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// DialFunc opens a push channel connection.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func gorillaDial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options tune the reconnection policy.
type Options struct {
	URL            string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	Dial           DialFunc
}

func (o *Options) withDefaults() {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Dial == nil {
		o.Dial = gorillaDial
	}
}

// Manager owns one push channel. All exported methods are safe for
// concurrent use.
type Manager struct {
	opts     Options
	identity rest.IdentityProvider

	mu         sync.Mutex
	status     Status
	handlers   map[string][]Handler
	activeConv string
	cancel     context.CancelFunc
	conn       Conn
	out        chan models.Event
	onStatus   func(Status)
	gen        int
}

// NewManager builds a Manager; Connect must be called to open the channel.
func NewManager(opts Options, identity rest.IdentityProvider) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:     opts,
		identity: identity,
		status:   StatusDisconnected,
		handlers: make(map[string][]Handler),
		out:      make(chan models.Event, 256),
	}
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatusChange registers a single callback invoked on every transition.
func (m *Manager) OnStatusChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	cb := m.onStatus
	m.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

// Subscribe registers a handler for an inbound event name. Handlers are
// invoked in the order events arrive on the wire.
func (m *Manager) Subscribe(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// Connect opens the channel. It is idempotent: a second call while
// connecting or connected is a no-op. Without an authenticated identity the
// manager parks in StatusError.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.identity(); !ok {
		m.status = StatusError
		cb := m.onStatus
		m.mu.Unlock()
		logger.Warn("push_connect_unauthenticated")
		if cb != nil {
			cb(StatusError)
		}
		return ErrNotAuthenticated
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.status = StatusConnecting
	m.gen++
	gen := m.gen
	cb := m.onStatus
	m.mu.Unlock()
	if cb != nil {
		cb(StatusConnecting)
	}
	go m.run(runCtx, gen)
	return nil
}

// Disconnect tears the channel down unconditionally and cancels any pending
// reconnection attempt.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.status = StatusDisconnected
	cb := m.onStatus
	m.mu.Unlock()
	if cb != nil {
		cb(StatusDisconnected)
	}
	logger.Info("push_disconnected")
}

// SetActiveConversation records which conversation room to (re)join on
// connect. An empty id clears it.
func (m *Manager) SetActiveConversation(conversationID string) {
	m.mu.Lock()
	m.activeConv = conversationID
	m.mu.Unlock()
	if conversationID != "" {
		m.Publish(models.EventJoinConversation, models.JoinPayload{ConversationID: conversationID})
	}
}

// Publish enqueues an outbound event. Events queued while the channel is
// down are flushed on the next connect; when the buffer is full the event
// is dropped (push traffic is best-effort).
func (m *Manager) Publish(event string, payload any) {
	ev, err := models.NewEvent(event, payload)
	if err != nil {
		logger.Error("push_publish_marshal_failed", "event", event, "err", err)
		return
	}
	select {
	case m.out <- ev:
	default:
		logger.Warn("push_publish_dropped", "event", event)
	}
}

// run owns dialing, the read loop, and the backoff policy for one Connect
// call. gen guards against a stale run mutating state after Disconnect plus
// a fresh Connect.
func (m *Manager) run(ctx context.Context, gen int) {
	backoff := m.opts.BackoffInitial
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := m.opts.Dial(ctx, m.opts.URL, m.authHeader())
		if err != nil {
			attempt++
			telemetry.Reconnects.Inc()
			if attempt >= m.opts.MaxAttempts {
				logger.Error("push_reconnect_exhausted", "attempts", attempt, "err", err)
				m.setStatusForGen(gen, StatusError)
				return
			}
			logger.Warn("push_dial_failed", "attempt", attempt, "backoff", backoff, "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > m.opts.BackoffMax {
				backoff = m.opts.BackoffMax
			}
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.mu.Unlock()
		m.setStatusForGen(gen, StatusConnected)
		logger.Info("push_connected", "attempt", attempt)
		attempt = 0
		backoff = m.opts.BackoffInitial

		// The server forgets room membership across reconnects; declare it
		// again every time.
		m.rejoinRooms()

		writerDone := make(chan struct{})
		go m.writeLoop(ctx, conn, writerDone)
		m.readLoop(ctx, conn)
		close(writerDone)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.setStatusForGen(gen, StatusConnecting)
		telemetry.Reconnects.Inc()
		attempt++
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > m.opts.BackoffMax {
			backoff = m.opts.BackoffMax
		}
	}
}

func (m *Manager) setStatusForGen(gen int, s Status) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	changed := m.status != s
	m.status = s
	cb := m.onStatus
	m.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

func (m *Manager) authHeader() http.Header {
	h := http.Header{}
	if id, ok := m.identity(); ok {
		h.Set("X-User-ID", id.UserID)
		if id.Token != "" {
			h.Set("Authorization", "Bearer "+id.Token)
		}
	}
	return h
}

func (m *Manager) rejoinRooms() {
	id, ok := m.identity()
	if !ok {
		return
	}
	m.Publish(models.EventJoinUser, models.JoinPayload{UserID: id.UserID})
	m.mu.Lock()
	active := m.activeConv
	m.mu.Unlock()
	if active != "" {
		m.Publish(models.EventJoinConversation, models.JoinPayload{ConversationID: active})
	}
}

func (m *Manager) writeLoop(ctx context.Context, conn Conn, done <-chan struct{}) {
	for {
		select {
		case ev := <-m.out:
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn("push_write_failed", "event", ev.Name, "err", err)
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop decodes envelopes and dispatches handlers in arrival order.
// It returns when the connection drops or ctx is canceled.
func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				logger.Warn("push_read_failed", "err", err)
			}
			return
		}
		telemetry.PushEvents.WithLabelValues(ev.Name).Inc()
		m.mu.Lock()
		hs := append([]Handler(nil), m.handlers[ev.Name]...)
		m.mu.Unlock()
		for _, h := range hs {
			h(ev.Data)
		}
	}
}
