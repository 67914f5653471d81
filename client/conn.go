// Package client is the consumer side of the relay: a shared connection with
// acquire/release semantics, the conversation reconciliation engine and the
// call agent that drives a peer media session.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"matchwire/backend/internal/config"
	"matchwire/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultIdleTimeout is how long a released connection stays open in case a
// new user acquires it.
const DefaultIdleTimeout = 5 * time.Second

// ErrNotConnected is returned when sending without an open connection.
var ErrNotConnected = errors.New("not connected")

// Options configures a ConnManager.
type Options struct {
	// IdleTimeout delays the teardown after the last Release.
	IdleTimeout time.Duration
	// QueryTimeout bounds QueryPresence.
	QueryTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       zerolog.Logger
}

// ConnManager owns one persistent connection shared by every part of the app.
// The connection opens on the first Acquire and closes IdleTimeout after the
// last Release unless it is acquired again in the meantime.
type ConnManager struct {
	endpoint string
	token    string
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	refs     int
	teardown context.CancelFunc
	handlers map[models.EventType]map[int]func(models.Event)
	nextID   int
	waiters  map[string]chan models.Event

	writeMu sync.Mutex
}

func NewConnManager(endpoint, token string, opts Options) *ConnManager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = config.DefaultPresenceQueryTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &ConnManager{
		endpoint: endpoint,
		token:    token,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "conn").Logger(),
		handlers: make(map[models.EventType]map[int]func(models.Event)),
		waiters:  make(map[string]chan models.Event),
	}
}

// Acquire takes a reference on the connection, dialing it if needed and
// cancelling a pending teardown.
func (m *ConnManager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.teardown != nil {
		m.teardown()
		m.teardown = nil
	}
	if m.conn == nil {
		conn, err := m.dial(ctx)
		if err != nil {
			return err
		}
		m.conn = conn
		go m.readLoop(conn)
	}
	m.refs++
	return nil
}

func (m *ConnManager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.token)

	conn, resp, err := m.opts.Dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// Release drops a reference. When none are left the connection is closed
// after IdleTimeout.
func (m *ConnManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs > 0 || m.conn == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.teardown = cancel
	conn := m.conn
	go func() {
		timer := time.NewTimer(m.opts.IdleTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		// A later Acquire may have cancelled us after the timer fired.
		if ctx.Err() != nil || m.conn != conn {
			return
		}
		m.teardown = nil
		m.closeLocked()
	}()
}

// Close drops every reference and closes the connection immediately.
func (m *ConnManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teardown != nil {
		m.teardown()
		m.teardown = nil
	}
	m.refs = 0
	m.closeLocked()
}

func (m *ConnManager) closeLocked() {
	if m.conn == nil {
		return
	}
	m.writeMu.Lock()
	m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()
	m.conn.Close()
	m.conn = nil
}

// Connected reports whether the connection is open.
func (m *ConnManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// On registers fn for events of type t and returns a function removing it.
// Handlers run on the read goroutine, in receipt order.
func (m *ConnManager) On(t models.EventType, fn func(models.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if m.handlers[t] == nil {
		m.handlers[t] = make(map[int]func(models.Event))
	}
	m.handlers[t][id] = fn
	return func() {
		m.mu.Lock()
		delete(m.handlers[t], id)
		m.mu.Unlock()
	}
}

// Emit sends an event of type t carrying data.
func (m *ConnManager) Emit(t models.EventType, data any) error {
	ev, err := models.NewEvent(t, data)
	if err != nil {
		return err
	}
	return m.Send(ev)
}

// Send writes ev as one frame.
func (m *ConnManager) Send(ev models.Event) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
	return conn.WriteJSON(ev)
}

// QueryPresence asks for the presence of userIDs. It never blocks longer than
// the query timeout; without an answer it returns an empty result.
func (m *ConnManager) QueryPresence(ctx context.Context, userIDs []string) []models.PresenceUpdate {
	ack := uuid.NewString()
	reply := make(chan models.Event, 1)

	m.mu.Lock()
	m.waiters[ack] = reply
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, ack)
		m.mu.Unlock()
	}()

	ev, err := models.NewEvent(models.EventPresenceBatch, models.PresenceBatchRequest{UserIDs: userIDs})
	if err != nil {
		return []models.PresenceUpdate{}
	}
	ev.Ack = ack
	if err := m.Send(ev); err != nil {
		m.log.Debug().Err(err).Msg("presence query not sent")
		return []models.PresenceUpdate{}
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()
	select {
	case resp := <-reply:
		var out models.PresenceBatchResponse
		if resp.Type != models.EventPresenceBatch || resp.Decode(&out) != nil {
			return []models.PresenceUpdate{}
		}
		return out.Presence
	case <-ctx.Done():
		m.log.Debug().Msg("presence query timed out")
		return []models.PresenceUpdate{}
	}
}

func (m *ConnManager) readLoop(conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn.Close()
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Debug().Err(err).Msg("connection lost")
			}
			return
		}
		m.dispatch(ev)
	}
}

func (m *ConnManager) dispatch(ev models.Event) {
	m.mu.Lock()
	if ev.Ack != "" {
		if w, ok := m.waiters[ev.Ack]; ok {
			delete(m.waiters, ev.Ack)
			m.mu.Unlock()
			w <- ev
			return
		}
	}
	fns := make([]func(models.Event), 0, len(m.handlers[ev.Type]))
	for _, fn := range m.handlers[ev.Type] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
