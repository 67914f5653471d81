package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"matchwire/backend/internal/models"

	"github.com/oklog/ulid/v2"
)

// Session is a call between two users as the relay sees it. State follows the
// callee: ringing until answered, connecting afterwards.
type Session struct {
	ID          string
	CallerID    string
	CalleeID    string
	MatchID     string
	Type        models.CallType
	State       State
	DialedAt    time.Time
	ConnectedAt time.Time

	// Offer is kept so it can be re-delivered if the callee reconnects while ringing.
	Offer json.RawMessage
	// CallerConn and CalleeConn are the connections carrying the call.
	CallerConn string
	CalleeConn string
}

// Peer returns the other participant.
func (s Session) Peer(userID string) string {
	if userID == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

func (s Session) involves(userID string) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

// Ended describes a finished call.
type Ended struct {
	Session Session
	Reason  string
	// EndedBy is the user whose action ended the call, empty for timeouts.
	EndedBy string
}

// Answered reports whether the callee picked up before the call ended.
func (e Ended) Answered() bool {
	return e.Session.State.Connected()
}

// Registry tracks live call sessions, at most one per user, and their ring timers.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byUser   map[string]*Session
	timers   map[string]*time.Timer
	ringWait time.Duration
	now      func() time.Time

	// onEnd runs once per session, outside the lock.
	onEnd func(Ended)
}

func NewRegistry(ringTimeout time.Duration, onEnd func(Ended)) *Registry {
	if onEnd == nil {
		onEnd = func(Ended) {}
	}
	return &Registry{
		byID:     make(map[string]*Session),
		byUser:   make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
		ringWait: ringTimeout,
		now:      time.Now,
		onEnd:    onEnd,
	}
}

// OnEnd replaces the termination hook. Call before the registry is in use.
func (r *Registry) OnEnd(fn func(Ended)) {
	r.mu.Lock()
	r.onEnd = fn
	r.mu.Unlock()
}

// Offer registers a new ringing call and starts its ring timer. The callee's
// presence is not checked: an offline callee can still pick up after reconnecting.
func (r *Registry) Offer(callerID, callerConn, calleeID, matchID string, typ models.CallType, offer json.RawMessage) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[callerID]; ok {
		return Session{}, ErrAlreadyInCall
	}
	if _, ok := r.byUser[calleeID]; ok {
		return Session{}, ErrBusy
	}
	state, err := Transition(Idle, TriggerIncoming)
	if err != nil {
		return Session{}, err
	}

	s := &Session{
		ID:         ulid.Make().String(),
		CallerID:   callerID,
		CalleeID:   calleeID,
		MatchID:    matchID,
		Type:       typ,
		State:      state,
		DialedAt:   r.now().UTC(),
		Offer:      offer,
		CallerConn: callerConn,
	}
	r.byID[s.ID] = s
	r.byUser[callerID] = s
	r.byUser[calleeID] = s

	id := s.ID
	r.timers[id] = time.AfterFunc(r.ringWait, func() { r.expire(id) })
	return *s, nil
}

// Answer moves the callee's ringing call with peerID to connecting.
func (r *Registry) Answer(calleeID, calleeConn, peerID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byUser[calleeID]
	if !ok || s.CalleeID != calleeID || s.CallerID != peerID {
		return Session{}, ErrNoSession
	}
	next, err := Transition(s.State, TriggerAccept)
	if err != nil {
		return Session{}, err
	}
	s.State = next
	s.ConnectedAt = r.now().UTC()
	s.CalleeConn = calleeConn
	r.stopTimerLocked(s.ID)
	return *s, nil
}

// Between returns the live call joining userID and peerID.
func (r *Registry) Between(userID, peerID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byUser[userID]
	if !ok || !s.involves(peerID) || userID == peerID {
		return Session{}, ErrNoSession
	}
	return *s, nil
}

// Of returns userID's live call.
func (r *Registry) Of(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byUser[userID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Pending returns a call still ringing for calleeID.
func (r *Registry) Pending(calleeID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byUser[calleeID]
	if !ok || s.CalleeID != calleeID || s.State != Ringing {
		return Session{}, false
	}
	return *s, true
}

// Reject ends userID's not-yet-connected call with peerID.
func (r *Registry) Reject(userID, peerID, reason string) (Ended, error) {
	return r.finish(userID, peerID, TriggerReject, reason)
}

// End ends userID's call with peerID in any state.
func (r *Registry) End(userID, peerID, reason string) (Ended, error) {
	return r.finish(userID, peerID, TriggerEnd, reason)
}

func (r *Registry) finish(userID, peerID string, t Trigger, reason string) (Ended, error) {
	r.mu.Lock()
	s, ok := r.byUser[userID]
	if !ok || !s.involves(peerID) || userID == peerID {
		r.mu.Unlock()
		return Ended{}, ErrNoSession
	}
	if _, err := Transition(s.State, t); err != nil {
		r.mu.Unlock()
		return Ended{}, err
	}
	ended := r.removeLocked(s, reason, userID)
	hook := r.onEnd
	r.mu.Unlock()

	hook(ended)
	return ended, nil
}

// ConnectionClosed ends calls affected by a closed connection. If the call ran
// over connID it fails; if the callee of a ringing call has no connection left
// it ends as offline.
func (r *Registry) ConnectionClosed(userID, connID string, stillOnline bool) (Ended, bool) {
	r.mu.Lock()
	s, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return Ended{}, false
	}

	var reason string
	switch {
	case s.CallerConn == connID && s.CallerID == userID,
		s.CalleeConn == connID && s.CalleeID == userID:
		reason = models.ReasonFailed
	case s.CalleeID == userID && s.State == Ringing && !stillOnline:
		reason = models.ReasonOffline
	default:
		r.mu.Unlock()
		return Ended{}, false
	}

	ended := r.removeLocked(s, reason, userID)
	hook := r.onEnd
	r.mu.Unlock()

	hook(ended)
	return ended, true
}

// expire fires from the ring timer. A timer that lost the race with another
// termination finds its session gone or answered and does nothing.
func (r *Registry) expire(id string) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok || s.State != Ringing {
		r.mu.Unlock()
		return
	}
	ended := r.removeLocked(s, models.ReasonMissed, "")
	hook := r.onEnd
	r.mu.Unlock()

	hook(ended)
}

func (r *Registry) removeLocked(s *Session, reason, by string) Ended {
	r.stopTimerLocked(s.ID)
	delete(r.byID, s.ID)
	if r.byUser[s.CallerID] == s {
		delete(r.byUser, s.CallerID)
	}
	if r.byUser[s.CalleeID] == s {
		delete(r.byUser, s.CalleeID)
	}
	return Ended{Session: *s, Reason: reason, EndedBy: by}
}

func (r *Registry) stopTimerLocked(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Close stops every ring timer without ending sessions.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (s Session) String() string {
	return fmt.Sprintf("call %s %s->%s (%s, %s)", s.ID, s.CallerID, s.CalleeID, s.Type, s.State)
}
