package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"matchwire/backend/internal/call"
	"matchwire/backend/internal/models"

	"github.com/rs/zerolog"
)

// MediaStream is a set of acquired local devices.
type MediaStream interface {
	Stop()
}

// MediaDevices acquires the camera and microphone for a call.
type MediaDevices interface {
	Acquire(ctx context.Context, typ models.CallType) (MediaStream, error)
}

// Negotiator is the peer connection. Offers, answers and candidates are opaque.
type Negotiator interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// CreateAnswer applies the remote offer and returns the local answer.
	CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	SetRemoteAnswer(ctx context.Context, answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	Close() error
}

// NegotiatorFactory builds a Negotiator on stream. Local candidates are passed
// to onCandidate as they are gathered.
type NegotiatorFactory func(stream MediaStream, onCandidate func(json.RawMessage)) (Negotiator, error)

// Signaler sends call events to the relay. ConnManager implements it.
type Signaler interface {
	Emit(t models.EventType, data any) error
}

// ErrCallInProgress is returned when dialing while another call is live.
var ErrCallInProgress = errors.New("a call is already in progress")

// CallAgentOptions configures a CallAgent.
type CallAgentOptions struct {
	// OnState is called after every state change, outside the agent's lock.
	OnState func(state call.State, peerID string)
	// OnTick reports the duration of an active call every TickInterval.
	OnTick       func(d time.Duration)
	TickInterval time.Duration
	Logger       zerolog.Logger
}

// CallAgent drives one side of a call: media, negotiation and the signals
// exchanged with the peer. It holds at most one call at a time.
type CallAgent struct {
	media    MediaDevices
	newPeer  NegotiatorFactory
	signaler Signaler
	opts     CallAgentOptions
	log      zerolog.Logger

	mu            sync.Mutex
	state         call.State
	peerID        string
	matchID       string
	callType      models.CallType
	remoteOffer   json.RawMessage
	stream        MediaStream
	peer          Negotiator
	remoteApplied bool
	queued        []json.RawMessage
	gate          *candidateGate
	connectedAt   time.Time
	stopTicker    chan struct{}
	lastReason    string
}

func NewCallAgent(media MediaDevices, newPeer NegotiatorFactory, signaler Signaler, opts CallAgentOptions) *CallAgent {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &CallAgent{
		media:    media,
		newPeer:  newPeer,
		signaler: signaler,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "call-agent").Logger(),
		state:    call.Idle,
	}
}

// Attach routes the call events received on m to the agent.
func (a *CallAgent) Attach(m *ConnManager) (detach func()) {
	var offs []func()
	on := func(t models.EventType, fn func(models.CallSignal)) {
		offs = append(offs, m.On(t, func(ev models.Event) {
			var sig models.CallSignal
			if err := ev.Decode(&sig); err != nil {
				a.log.Debug().Err(err).Str("type", string(ev.Type)).Msg("ignoring bad call signal")
				return
			}
			fn(sig)
		}))
	}
	on(models.EventCallOffer, a.HandleOffer)
	on(models.EventCallAnswer, func(sig models.CallSignal) { a.HandleAnswer(context.Background(), sig) })
	on(models.EventCallCandidate, a.HandleCandidate)
	on(models.EventCallReject, a.HandleRemoteEnd)
	on(models.EventCallEnd, a.HandleRemoteEnd)

	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// State returns the current state and peer.
func (a *CallAgent) State() (call.State, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.peerID
}

// LastReason returns why the previous call ended.
func (a *CallAgent) LastReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReason
}

// Duration returns how long the current call has been active.
func (a *CallAgent) Duration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != call.Active {
		return 0
	}
	return time.Since(a.connectedAt)
}

// Dial starts a call to peerID: acquires media, creates the offer and sends it.
func (a *CallAgent) Dial(ctx context.Context, peerID, matchID string, typ models.CallType) error {
	a.mu.Lock()
	next, err := call.Transition(a.state, call.TriggerDial)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrCallInProgress, err)
	}
	a.state, a.peerID, a.matchID, a.callType = next, peerID, matchID, typ
	a.lastReason = ""

	offer, err := a.preparePeerLocked(ctx, func(p Negotiator) (json.RawMessage, error) {
		return p.CreateOffer(ctx)
	})
	if err != nil {
		a.cleanupLocked(models.ReasonFailed)
		a.mu.Unlock()
		a.notify()
		return err
	}
	gate := a.gate
	a.mu.Unlock()
	a.notify()

	return a.signal(gate, models.EventCallOffer, models.CallSignal{
		TargetUserID: peerID,
		MatchID:      matchID,
		CallType:     typ,
		SDP:          offer,
	})
}

// signal sends the offer or answer of the call guarded by gate, then the local
// candidates gathered meanwhile. If the send fails the call is torn down.
func (a *CallAgent) signal(gate *candidateGate, t models.EventType, sig models.CallSignal) error {
	if err := a.signaler.Emit(t, sig); err != nil {
		a.mu.Lock()
		if a.gate != gate {
			a.mu.Unlock()
			return err
		}
		a.cleanupLocked(models.ReasonFailed)
		a.mu.Unlock()
		a.notify()
		return err
	}
	for _, c := range gate.release() {
		a.emit(models.EventCallCandidate, models.CallSignal{TargetUserID: sig.TargetUserID, Candidate: c})
	}
	return nil
}

// preparePeerLocked acquires media, builds the negotiator and runs step on it.
func (a *CallAgent) preparePeerLocked(ctx context.Context, step func(Negotiator) (json.RawMessage, error)) (json.RawMessage, error) {
	stream, err := a.media.Acquire(ctx, a.callType)
	if err != nil {
		return nil, fmt.Errorf("acquire media: %w", err)
	}
	a.stream = stream

	peerID := a.peerID
	gate := &candidateGate{}
	a.gate = gate
	peer, err := a.newPeer(stream, func(c json.RawMessage) {
		if gate.hold(c) {
			return
		}
		a.emit(models.EventCallCandidate, models.CallSignal{TargetUserID: peerID, Candidate: c})
	})
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}
	a.peer = peer

	sdp, err := step(peer)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	return sdp, nil
}

// HandleOffer reacts to an incoming call. While another call is live the
// offer is rejected as busy and the current call is left alone.
func (a *CallAgent) HandleOffer(sig models.CallSignal) {
	a.mu.Lock()
	next, err := call.Transition(a.state, call.TriggerIncoming)
	if err != nil {
		a.mu.Unlock()
		a.emit(models.EventCallReject, models.CallSignal{TargetUserID: sig.FromUserID, MatchID: sig.MatchID, Reason: models.ReasonBusy})
		return
	}
	a.state, a.peerID, a.matchID, a.callType = next, sig.FromUserID, sig.MatchID, sig.CallType
	a.remoteOffer = sig.SDP
	a.lastReason = ""
	a.mu.Unlock()
	a.notify()
}

// Accept answers the ringing call.
func (a *CallAgent) Accept(ctx context.Context) error {
	a.mu.Lock()
	next, err := call.Transition(a.state, call.TriggerAccept)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.state = next
	peerID, matchID, offer := a.peerID, a.matchID, a.remoteOffer

	answer, err := a.preparePeerLocked(ctx, func(p Negotiator) (json.RawMessage, error) {
		return p.CreateAnswer(ctx, offer)
	})
	if err != nil {
		a.cleanupLocked(models.ReasonFailed)
		a.mu.Unlock()
		a.notify()
		a.emit(models.EventCallEnd, models.CallSignal{TargetUserID: peerID, Reason: models.ReasonFailed})
		return err
	}
	a.remoteApplied = true
	a.flushCandidatesLocked()
	gate := a.gate
	a.mu.Unlock()
	a.notify()

	return a.signal(gate, models.EventCallAnswer, models.CallSignal{TargetUserID: peerID, MatchID: matchID, SDP: answer})
}

// Decline rejects the ringing call.
func (a *CallAgent) Decline() error {
	return a.finish(call.TriggerReject, models.ReasonDeclined, models.EventCallReject)
}

// Hangup ends the current call in any state.
func (a *CallAgent) Hangup() error {
	return a.finish(call.TriggerEnd, models.ReasonEndedByUser, models.EventCallEnd)
}

func (a *CallAgent) finish(t call.Trigger, reason string, ev models.EventType) error {
	a.mu.Lock()
	if _, err := call.Transition(a.state, t); err != nil {
		a.mu.Unlock()
		return err
	}
	peerID, matchID := a.peerID, a.matchID
	a.cleanupLocked(reason)
	a.mu.Unlock()
	a.notify()

	return a.signaler.Emit(ev, models.CallSignal{TargetUserID: peerID, MatchID: matchID, Reason: reason})
}

// HandleAnswer applies the callee's answer on the caller side.
func (a *CallAgent) HandleAnswer(ctx context.Context, sig models.CallSignal) {
	a.mu.Lock()
	if sig.FromUserID != a.peerID {
		a.mu.Unlock()
		return
	}
	next, err := call.Transition(a.state, call.TriggerAnswered)
	if err != nil {
		a.mu.Unlock()
		return
	}
	if err := a.peer.SetRemoteAnswer(ctx, sig.SDP); err != nil {
		a.log.Warn().Err(err).Msg("remote answer rejected")
		a.cleanupLocked(models.ReasonFailed)
		a.mu.Unlock()
		a.notify()
		a.emit(models.EventCallEnd, models.CallSignal{TargetUserID: sig.FromUserID, Reason: models.ReasonFailed})
		return
	}
	a.state = next
	a.remoteApplied = true
	a.flushCandidatesLocked()
	a.mu.Unlock()
	a.notify()
}

// HandleCandidate applies a remote candidate, or queues it until the remote
// description is in place.
func (a *CallAgent) HandleCandidate(sig models.CallSignal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.state.Live() || sig.FromUserID != a.peerID {
		return
	}
	if !a.remoteApplied {
		a.queued = append(a.queued, sig.Candidate)
		return
	}
	if err := a.peer.AddCandidate(sig.Candidate); err != nil {
		a.log.Debug().Err(err).Msg("candidate rejected")
	}
}

func (a *CallAgent) flushCandidatesLocked() {
	for _, c := range a.queued {
		if err := a.peer.AddCandidate(c); err != nil {
			a.log.Debug().Err(err).Msg("queued candidate rejected")
		}
	}
	a.queued = nil
}

// HandleRemoteEnd tears the call down after the peer or the relay ended it.
func (a *CallAgent) HandleRemoteEnd(sig models.CallSignal) {
	a.mu.Lock()
	if !a.state.Live() || sig.FromUserID != a.peerID {
		a.mu.Unlock()
		return
	}
	reason := sig.Reason
	if reason == "" {
		reason = models.ReasonEndedByUser
	}
	a.cleanupLocked(reason)
	a.mu.Unlock()
	a.notify()
}

// TransportConnected is called when the media transport reports connected.
func (a *CallAgent) TransportConnected() {
	a.mu.Lock()
	next, err := call.Transition(a.state, call.TriggerConnected)
	if err != nil {
		a.mu.Unlock()
		return
	}
	a.state = next
	a.connectedAt = time.Now()
	a.stopTicker = make(chan struct{})
	go a.tick(a.connectedAt, a.stopTicker)
	a.mu.Unlock()
	a.notify()
}

// TransportFailed tears the call down without waiting for the peer.
func (a *CallAgent) TransportFailed() {
	a.mu.Lock()
	if _, err := call.Transition(a.state, call.TriggerFail); err != nil {
		a.mu.Unlock()
		return
	}
	peerID, matchID := a.peerID, a.matchID
	a.cleanupLocked(models.ReasonFailed)
	a.mu.Unlock()
	a.notify()

	a.emit(models.EventCallEnd, models.CallSignal{TargetUserID: peerID, MatchID: matchID, Reason: models.ReasonFailed})
}

func (a *CallAgent) tick(start time.Time, stop <-chan struct{}) {
	if a.opts.OnTick == nil {
		return
	}
	ticker := time.NewTicker(a.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			a.opts.OnTick(now.Sub(start))
		}
	}
}

// cleanupLocked releases everything the call holds and returns to idle.
// Calling it again is a no-op.
func (a *CallAgent) cleanupLocked(reason string) {
	if a.stopTicker != nil {
		close(a.stopTicker)
		a.stopTicker = nil
	}
	if a.gate != nil {
		a.gate.close()
		a.gate = nil
	}
	if a.peer != nil {
		if err := a.peer.Close(); err != nil {
			a.log.Debug().Err(err).Msg("peer close")
		}
		a.peer = nil
	}
	if a.stream != nil {
		a.stream.Stop()
		a.stream = nil
	}
	a.queued = nil
	a.remoteApplied = false
	a.remoteOffer = nil
	if a.state != call.Idle {
		a.lastReason = reason
	}
	a.state = call.Idle
	a.connectedAt = time.Time{}
}

func (a *CallAgent) notify() {
	if a.opts.OnState == nil {
		return
	}
	state, peer := a.State()
	a.opts.OnState(state, peer)
}

func (a *CallAgent) emit(t models.EventType, sig models.CallSignal) {
	if err := a.signaler.Emit(t, sig); err != nil {
		a.log.Debug().Err(err).Str("type", string(t)).Msg("signal not sent")
	}
}

// candidateGate holds a call's local candidates until its offer or answer has
// been sent; the relay has no session to route them to before that.
type candidateGate struct {
	mu     sync.Mutex
	open   bool
	closed bool
	held   []json.RawMessage
}

// hold keeps c while the gate is shut and drops it once the call is over. It
// reports whether c must not be sent now.
func (g *candidateGate) hold(c json.RawMessage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return true
	}
	if !g.open {
		g.held = append(g.held, c)
		return true
	}
	return false
}

// release opens the gate and returns what it held.
func (g *candidateGate) release() []json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.open = true
	held := g.held
	g.held = nil
	return held
}

func (g *candidateGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.held = nil
}
