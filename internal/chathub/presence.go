package chathub

import (
	"context"
	"sync"
	"time"

	"matchwire/backend/internal/metrics"
	"matchwire/backend/internal/models"
	"matchwire/backend/internal/storage"

	"github.com/rs/zerolog"
)

// PresenceTracker maps users to their open connections and remembers when each
// user was last seen. A user is online while at least one connection is open.
type PresenceTracker struct {
	mu       sync.RWMutex
	conns    map[string]map[string]Client // userID -> connID -> client
	lastSeen map[string]time.Time
	// watchers maps a watched user to the users who queried them and the time
	// their interest expires.
	watchers map[string]map[string]time.Time

	store        storage.LastSeenStore
	queryTimeout time.Duration
	watchTTL     time.Duration
	now          func() time.Time
	log          zerolog.Logger
}

func NewPresenceTracker(store storage.LastSeenStore, queryTimeout, watchTTL time.Duration, logger zerolog.Logger) *PresenceTracker {
	return &PresenceTracker{
		conns:        make(map[string]map[string]Client),
		lastSeen:     make(map[string]time.Time),
		watchers:     make(map[string]map[string]time.Time),
		store:        store,
		queryTimeout: queryTimeout,
		watchTTL:     watchTTL,
		now:          time.Now,
		log:          logger.With().Str("component", "presence").Logger(),
	}
}

// Connect records c. It reports whether its user just came online.
func (p *PresenceTracker) Connect(c Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	userConns, ok := p.conns[c.GetUserID()]
	if !ok {
		userConns = make(map[string]Client)
		p.conns[c.GetUserID()] = userConns
	}
	userConns[c.GetConnID()] = c
	return len(userConns) == 1
}

// Disconnect forgets c. When it was the user's last connection the user goes
// offline: the returned flag is true and the time is the new last-seen.
func (p *PresenceTracker) Disconnect(c Client) (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	userConns, ok := p.conns[c.GetUserID()]
	if !ok {
		return false, time.Time{}
	}
	if _, ok := userConns[c.GetConnID()]; !ok {
		return false, time.Time{}
	}
	delete(userConns, c.GetConnID())
	if len(userConns) > 0 {
		return false, time.Time{}
	}

	delete(p.conns, c.GetUserID())
	at := p.now().UTC()
	p.lastSeen[c.GetUserID()] = at
	return true, at
}

// IsOnline reports whether userID has an open connection.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[userID]) > 0
}

// Clients returns a snapshot of userID's connections.
func (p *PresenceTracker) Clients(userID string) []Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Client, 0, len(p.conns[userID]))
	for _, c := range p.conns[userID] {
		out = append(out, c)
	}
	return out
}

// Client returns one specific connection of userID.
func (p *PresenceTracker) Client(userID, connID string) (Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[userID][connID]
	return c, ok
}

// SendToUser queues ev on every connection of userID, the user's private
// channel. It returns the number of connections reached.
func (p *PresenceTracker) SendToUser(userID string, ev models.Event) int {
	delivered := 0
	for _, c := range p.Clients(userID) {
		if c.Queue(ev) {
			delivered++
		}
	}
	return delivered
}

// Watch registers watcherID's interest in the presence of userIDs.
func (p *PresenceTracker) Watch(watcherID string, userIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.now().Add(p.watchTTL)
	for _, id := range userIDs {
		if id == watcherID {
			continue
		}
		if p.watchers[id] == nil {
			p.watchers[id] = make(map[string]time.Time)
		}
		p.watchers[id][watcherID] = until
	}
}

// Watchers returns the users still interested in userID, dropping expired ones.
func (p *PresenceTracker) Watchers(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []string
	for watcher, until := range p.watchers[userID] {
		if now.After(until) {
			delete(p.watchers[userID], watcher)
			continue
		}
		out = append(out, watcher)
	}
	if len(p.watchers[userID]) == 0 {
		delete(p.watchers, userID)
	}
	return out
}

// Query returns one entry per requested id. Unknown users are offline with no
// last-seen. Missing last-seen times are looked up in the store within the
// query timeout; if the store is slow or failing the in-memory answer is used.
func (p *PresenceTracker) Query(ctx context.Context, userIDs []string) []models.PresenceUpdate {
	out := make([]models.PresenceUpdate, len(userIDs))
	var missing []string

	p.mu.RLock()
	for i, id := range userIDs {
		out[i] = models.PresenceUpdate{UserID: id, IsOnline: len(p.conns[id]) > 0}
		if out[i].IsOnline {
			continue
		}
		if at, ok := p.lastSeen[id]; ok {
			out[i].LastSeenAt = &at
			continue
		}
		missing = append(missing, id)
	}
	p.mu.RUnlock()

	if len(missing) == 0 || p.store == nil {
		metrics.PresenceQueries.WithLabelValues("ok").Inc()
		return out
	}

	stored, err := p.lookupLastSeen(ctx, missing)
	if err != nil {
		p.log.Warn().Err(err).Int("ids", len(missing)).Msg("last-seen lookup failed, answering from memory")
		metrics.PresenceQueries.WithLabelValues("degraded").Inc()
		return out
	}

	for i := range out {
		if out[i].IsOnline || out[i].LastSeenAt != nil {
			continue
		}
		if at, ok := stored[out[i].UserID]; ok {
			out[i].LastSeenAt = &at
		}
	}
	metrics.PresenceQueries.WithLabelValues("ok").Inc()
	return out
}

type lastSeenResult struct {
	seen map[string]time.Time
	err  error
}

// lookupLastSeen bounds the store call by the query timeout even if the store
// does not honour ctx.
func (p *PresenceTracker) lookupLastSeen(ctx context.Context, ids []string) (map[string]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan lastSeenResult, 1)
	go func() {
		seen, err := p.store.GetLastSeen(ctx, ids)
		done <- lastSeenResult{seen: seen, err: err}
	}()

	select {
	case r := <-done:
		metrics.StoreLatency.WithLabelValues("get_last_seen").Observe(time.Since(start).Seconds())
		return r.seen, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnlineUsers returns the number of users with an open connection.
func (p *PresenceTracker) OnlineUsers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
