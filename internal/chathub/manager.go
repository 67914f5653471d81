package chathub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"matchwire/backend/internal/call"
	"matchwire/backend/internal/config"
	"matchwire/backend/internal/localization"
	"matchwire/backend/internal/metrics"
	"matchwire/backend/internal/models"
	"matchwire/backend/internal/storage"

	"github.com/rs/zerolog"
)

// OfflineNotifier reaches users who have no open connection.
type OfflineNotifier interface {
	NotifyNewMessage(ctx context.Context, recipientID string, msg models.Message) error
}

// Options configures a ManagerService. Zero durations fall back to the defaults
// in the config package; nil collaborators disable the feature they serve.
type Options struct {
	RingTimeout          time.Duration
	PresenceQueryTimeout time.Duration
	PresenceWatchTTL     time.Duration
	StoreTimeout         time.Duration

	LastSeen  storage.LastSeenStore
	Notifier  OfflineNotifier
	Bus       storage.Bus
	Localizer *localization.Localizer
}

// ManagerService is the hub every connection reports to. It owns the room,
// presence and call registries and dispatches inbound events to the relays.
type ManagerService struct {
	Rooms    *RoomRegistry
	Presence *PresenceTracker
	Calls    *call.Registry
	Storage  storage.Storage

	notifier     OfflineNotifier
	bus          storage.Bus
	localizer    *localization.Localizer
	storeTimeout time.Duration
	log          zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	bgMu    sync.Mutex
	closing bool

	clientsMu sync.Mutex
	clients   map[string]Client
}

func NewManagerService(s storage.Storage, opts Options, logger zerolog.Logger) *ManagerService {
	opts = withDefaults(opts)
	logger = logger.With().Str("component", "hub").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	m := &ManagerService{
		Rooms:        NewRoomRegistry(),
		Presence:     NewPresenceTracker(opts.LastSeen, opts.PresenceQueryTimeout, opts.PresenceWatchTTL, logger),
		Storage:      s,
		notifier:     opts.Notifier,
		bus:          opts.Bus,
		localizer:    opts.Localizer,
		storeTimeout: opts.StoreTimeout,
		log:          logger,
		ctx:          ctx,
		cancel:       cancel,
		clients:      make(map[string]Client),
	}
	m.Calls = call.NewRegistry(opts.RingTimeout, m.onCallEnded)
	return m
}

func withDefaults(opts Options) Options {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = config.DefaultRingTimeout
	}
	if opts.PresenceQueryTimeout <= 0 {
		opts.PresenceQueryTimeout = config.DefaultPresenceQueryTimeout
	}
	if opts.PresenceWatchTTL <= 0 {
		opts.PresenceWatchTTL = config.DefaultPresenceWatchTTL
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = config.DefaultStoreTimeout
	}
	if opts.Localizer == nil {
		opts.Localizer, _ = localization.NewLocalizer("")
	}
	return opts
}

// Register records a new authenticated connection.
func (m *ManagerService) Register(c Client) {
	m.clientsMu.Lock()
	m.clients[c.GetConnID()] = c
	m.clientsMu.Unlock()
	metrics.OpenConnections.Inc()

	if m.Presence.Connect(c) {
		m.publishPresence(c.GetUserID(), true, nil)
	}

	// Дзвінок, що дзвонив, поки користувач був офлайн, пропонуємо ще раз
	if s, ok := m.Calls.Pending(c.GetUserID()); ok {
		send(c, models.EventCallOffer, models.CallSignal{
			FromUserID: s.CallerID,
			MatchID:    s.MatchID,
			CallType:   s.Type,
			SDP:        s.Offer,
		})
	}
	m.log.Debug().Str("user_id", c.GetUserID()).Str("conn_id", c.GetConnID()).Msg("client registered")
}

// Unregister removes a closed connection from every registry. Calling it for
// an unknown or already removed connection does nothing.
func (m *ManagerService) Unregister(c Client) {
	m.clientsMu.Lock()
	if _, ok := m.clients[c.GetConnID()]; !ok {
		m.clientsMu.Unlock()
		return
	}
	delete(m.clients, c.GetConnID())
	m.clientsMu.Unlock()
	metrics.OpenConnections.Dec()

	m.Rooms.LeaveAll(c)
	offline, at := m.Presence.Disconnect(c)
	m.Calls.ConnectionClosed(c.GetUserID(), c.GetConnID(), !offline)

	if offline {
		userID := c.GetUserID()
		if m.Presence.store != nil {
			m.background(func(ctx context.Context) {
				if err := m.Presence.store.SetLastSeen(ctx, userID, at); err != nil {
					m.log.Warn().Err(err).Str("user_id", userID).Msg("failed to persist last seen")
				}
			})
		}
		m.publishPresence(userID, false, &at)
	}
	m.log.Debug().Str("user_id", c.GetUserID()).Str("conn_id", c.GetConnID()).Bool("offline", offline).Msg("client unregistered")
}

// publishPresence pushes a transition to everyone who recently asked about userID.
func (m *ManagerService) publishPresence(userID string, online bool, lastSeen *time.Time) {
	watchers := m.Presence.Watchers(userID)
	if len(watchers) == 0 {
		return
	}
	ev, err := models.NewEvent(models.EventPresence, models.PresenceUpdate{
		UserID:     userID,
		IsOnline:   online,
		LastSeenAt: lastSeen,
	})
	if err != nil {
		return
	}
	for _, w := range watchers {
		m.Presence.SendToUser(w, ev)
	}
}

// HandleEvent applies one inbound event from c. Errors are answered on c.
func (m *ManagerService) HandleEvent(ctx context.Context, c Client, ev models.Event) {
	switch ev.Type {
	case models.EventJoinRoom:
		m.handleJoin(ctx, c, ev)
	case models.EventLeaveRoom:
		m.handleLeave(c, ev)
	case models.EventSendMessage:
		m.handleSendMessage(ctx, c, ev)
	case models.EventUserTyping:
		m.handleTyping(c, ev)
	case models.EventCallOffer, models.EventCallAnswer, models.EventCallCandidate,
		models.EventCallReject, models.EventCallEnd:
		m.handleCall(ctx, c, ev)
	case models.EventPresenceBatch:
		m.handlePresenceBatch(ctx, c, ev)
	case models.EventReaction:
		m.handleReaction(ctx, c, ev)
	case models.EventRead:
		m.handleRead(ctx, c, ev)
	default:
		metrics.EventsReceived.WithLabelValues("unknown").Inc()
		replyError(c, ev, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type), "")
		return
	}
	metrics.EventsReceived.WithLabelValues(string(ev.Type)).Inc()
}

func (m *ManagerService) handleJoin(ctx context.Context, c Client, ev models.Event) {
	var req models.RoomRequest
	if err := ev.Decode(&req); err != nil {
		replyError(c, ev, err, "")
		return
	}
	if _, err := m.participantMatch(ctx, req.MatchID, c.GetUserID()); err != nil {
		replyError(c, ev, err, "")
		return
	}
	m.Rooms.Join(c, req.MatchID)
}

func (m *ManagerService) handleLeave(c Client, ev models.Event) {
	var req models.RoomRequest
	if err := ev.Decode(&req); err != nil {
		replyError(c, ev, err, "")
		return
	}
	m.Rooms.Leave(c, req.MatchID)
}

func (m *ManagerService) handlePresenceBatch(ctx context.Context, c Client, ev models.Event) {
	var req models.PresenceBatchRequest
	if err := ev.Decode(&req); err != nil {
		replyError(c, ev, err, "")
		return
	}
	m.Presence.Watch(c.GetUserID(), req.UserIDs)

	out, err := models.NewEvent(models.EventPresenceBatch, models.PresenceBatchResponse{
		Presence: m.Presence.Query(ctx, req.UserIDs),
	})
	if err != nil {
		return
	}
	out.Ack = ev.Ack
	c.Queue(out)
}

// participantMatch loads matchID and checks that userID takes part in it.
func (m *ManagerService) participantMatch(ctx context.Context, matchID, userID string) (*models.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	start := time.Now()
	match, err := m.Storage.GetMatch(ctx, matchID)
	metrics.StoreLatency.WithLabelValues("get_match").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if !match.Has(userID) {
		return nil, fmt.Errorf("%w: not a participant of %s", ErrForbidden, matchID)
	}
	if !match.IsActive {
		return nil, fmt.Errorf("%w: match %s is no longer active", ErrForbidden, matchID)
	}
	return match, nil
}

// broadcastRoom delivers ev to roomID and, when origin has not joined the room,
// to origin as well.
func (m *ManagerService) broadcastRoom(ctx context.Context, roomID string, ev models.Event, origin Client) {
	m.Rooms.Broadcast(roomID, ev, nil)
	if origin != nil && !m.Rooms.IsMember(origin, roomID) {
		origin.Queue(ev)
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, roomID, ev); err != nil {
			m.log.Warn().Err(err).Str("room_id", roomID).Msg("bus publish failed")
		}
	}
}

// background runs fn outside the caller's goroutine with a store deadline.
// Shutdown waits for it. Once shutdown has begun fn runs inline.
func (m *ManagerService) background(fn func(ctx context.Context)) {
	run := func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.storeTimeout)
		defer cancel()
		fn(ctx)
	}

	m.bgMu.Lock()
	if m.closing {
		m.bgMu.Unlock()
		run()
		return
	}
	m.wg.Add(1)
	m.bgMu.Unlock()

	go func() {
		defer m.wg.Done()
		run()
	}()
}

// Run relays room broadcasts from other processes until ctx is done. Without
// a bus it only waits.
func (m *ManagerService) Run(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	return m.bus.Subscribe(ctx, func(roomID string, ev models.Event) {
		m.Rooms.Broadcast(roomID, ev, nil)
	})
}

// Shutdown closes every connection, stops ring timers and waits for
// background work until ctx expires.
func (m *ManagerService) Shutdown(ctx context.Context) error {
	m.clientsMu.Lock()
	clients := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	m.Calls.Close()

	m.bgMu.Lock()
	m.closing = true
	m.bgMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.cancel()
	return err
}

// ConnectionCount returns the number of registered connections.
func (m *ManagerService) ConnectionCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
