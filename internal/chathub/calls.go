package chathub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchwire/backend/internal/call"
	"matchwire/backend/internal/localization"
	"matchwire/backend/internal/metrics"
	"matchwire/backend/internal/models"
	"matchwire/backend/internal/storage"
)

// handleCall routes call:* signals between the two peers and keeps the call
// registry in step with them. SDP and candidates are passed through untouched.
func (m *ManagerService) handleCall(ctx context.Context, c Client, ev models.Event) {
	var sig models.CallSignal
	if err := ev.Decode(&sig); err != nil {
		replyError(c, ev, err, "")
		return
	}
	if err := sig.ValidateFor(ev.Type); err != nil {
		replyError(c, ev, fmt.Errorf("%w: %s: %v", models.ErrInvalidPayload, ev.Type, err), "")
		return
	}
	if sig.TargetUserID == c.GetUserID() {
		replyError(c, ev, fmt.Errorf("%w: cannot call yourself", ErrValidation), "")
		return
	}

	var err error
	switch ev.Type {
	case models.EventCallOffer:
		err = m.offerCall(ctx, c, sig)
	case models.EventCallAnswer:
		err = m.answerCall(c, sig)
	case models.EventCallCandidate:
		err = m.relayCandidate(c, sig)
	case models.EventCallReject:
		reason := sig.Reason
		if reason == "" {
			reason = models.ReasonDeclined
		}
		_, err = m.Calls.Reject(c.GetUserID(), sig.TargetUserID, reason)
	case models.EventCallEnd:
		reason := sig.Reason
		if reason == "" {
			reason = models.ReasonEndedByUser
		}
		_, err = m.Calls.End(c.GetUserID(), sig.TargetUserID, reason)
	}
	if err != nil {
		m.log.Debug().Err(err).Str("user_id", c.GetUserID()).Str("type", string(ev.Type)).Msg("call signal refused")
		replyError(c, ev, err, "")
	}
}

func (m *ManagerService) offerCall(ctx context.Context, c Client, sig models.CallSignal) error {
	callerID, calleeID := c.GetUserID(), sig.TargetUserID

	match, err := m.callMatch(ctx, callerID, calleeID, sig.MatchID)
	if err != nil {
		return err
	}

	s, err := m.Calls.Offer(callerID, c.GetConnID(), calleeID, match.MatchID, sig.CallType, sig.SDP)
	if errors.Is(err, call.ErrBusy) {
		// No session was created, so the hook will not run for this attempt.
		send(c, models.EventCallReject, models.CallSignal{
			FromUserID: calleeID,
			MatchID:    match.MatchID,
			Reason:     models.ReasonBusy,
		})
		metrics.CallsEnded.WithLabelValues(models.ReasonBusy).Inc()
		m.appendCallSummary(call.Session{
			CallerID: callerID,
			CalleeID: calleeID,
			MatchID:  match.MatchID,
			Type:     sig.CallType,
		}, m.localizer.CallSummary(localization.DefaultLanguage, string(sig.CallType), false))
		return nil
	}
	if err != nil {
		return err
	}

	metrics.CallsStarted.WithLabelValues(string(s.Type)).Inc()
	m.log.Debug().Str("call", s.String()).Msg("call offered")

	out, err := models.NewEvent(models.EventCallOffer, models.CallSignal{
		FromUserID: callerID,
		MatchID:    s.MatchID,
		CallType:   s.Type,
		SDP:        s.Offer,
	})
	if err != nil {
		return err
	}
	// An offline callee gets the offer from Register if they reconnect in time.
	m.Presence.SendToUser(calleeID, out)
	return nil
}

// callMatch finds the match a call belongs to. Both users must take part in it.
func (m *ManagerService) callMatch(ctx context.Context, callerID, calleeID, matchID string) (*models.Match, error) {
	if matchID != "" {
		match, err := m.participantMatch(ctx, matchID, callerID)
		if err != nil {
			return nil, err
		}
		if !match.Has(calleeID) {
			return nil, fmt.Errorf("%w: %s is not part of %s", ErrForbidden, calleeID, matchID)
		}
		return match, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	start := time.Now()
	match, err := m.Storage.FindMatchBetween(ctx, callerID, calleeID)
	metrics.StoreLatency.WithLabelValues("find_match").Observe(time.Since(start).Seconds())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no active match with %s", ErrForbidden, calleeID)
	}
	if err != nil {
		return nil, err
	}
	return match, nil
}

func (m *ManagerService) answerCall(c Client, sig models.CallSignal) error {
	s, err := m.Calls.Answer(c.GetUserID(), c.GetConnID(), sig.TargetUserID)
	if err != nil {
		return err
	}
	m.toCallPeer(s.CallerID, s.CallerConn, models.EventCallAnswer, models.CallSignal{
		FromUserID: c.GetUserID(),
		MatchID:    s.MatchID,
		SDP:        sig.SDP,
	})
	return nil
}

func (m *ManagerService) relayCandidate(c Client, sig models.CallSignal) error {
	s, err := m.Calls.Between(c.GetUserID(), sig.TargetUserID)
	if err != nil {
		return err
	}
	peerConn := s.CalleeConn
	if s.Peer(c.GetUserID()) == s.CallerID {
		peerConn = s.CallerConn
	}
	m.toCallPeer(s.Peer(c.GetUserID()), peerConn, models.EventCallCandidate, models.CallSignal{
		FromUserID: c.GetUserID(),
		MatchID:    s.MatchID,
		Candidate:  sig.Candidate,
	})
	return nil
}

// toCallPeer delivers a signal on the connection carrying the call, or on
// every connection of userID while that is not known yet.
func (m *ManagerService) toCallPeer(userID, connID string, t models.EventType, sig models.CallSignal) {
	if connID != "" {
		if c, ok := m.Presence.Client(userID, connID); ok {
			send(c, t, sig)
			return
		}
	}
	ev, err := models.NewEvent(t, sig)
	if err != nil {
		return
	}
	m.Presence.SendToUser(userID, ev)
}

// onCallEnded runs once for every finished call. It tells the participants who
// did not end the call and records every call that did not end in a hangup.
func (m *ManagerService) onCallEnded(e call.Ended) {
	s := e.Session
	metrics.CallsEnded.WithLabelValues(e.Reason).Inc()
	m.log.Debug().Str("call", s.String()).Str("reason", e.Reason).Str("ended_by", e.EndedBy).Msg("call ended")

	t := models.EventCallReject
	if e.Answered() || e.Reason == models.ReasonEndedByUser || e.Reason == models.ReasonFailed {
		t = models.EventCallEnd
	}
	for _, userID := range []string{s.CallerID, s.CalleeID} {
		if userID == e.EndedBy {
			continue
		}
		ev, err := models.NewEvent(t, models.CallSignal{
			FromUserID: s.Peer(userID),
			MatchID:    s.MatchID,
			Reason:     e.Reason,
		})
		if err != nil {
			continue
		}
		m.Presence.SendToUser(userID, ev)
	}

	switch {
	case !e.Answered():
		m.appendCallSummary(s, m.localizer.CallSummary(localization.DefaultLanguage, string(s.Type), e.Reason == models.ReasonDeclined))
	case e.Reason == models.ReasonFailed:
		m.appendCallSummary(s, m.localizer.CallFailed(localization.DefaultLanguage, string(s.Type)))
	}
}

// appendCallSummary stores a system message about a call and broadcasts it to
// the conversation.
func (m *ManagerService) appendCallSummary(s call.Session, text string) {
	if s.MatchID == "" {
		return
	}
	msg := &models.Message{
		MatchID:    s.MatchID,
		SenderID:   s.CallerID,
		ReceiverID: s.CalleeID,
		Content:    text,
		Type:       models.MessageTypeSystem,
	}

	m.background(func(ctx context.Context) {
		if err := m.Storage.SaveMessage(ctx, msg); err != nil {
			m.log.Warn().Err(err).Str("match_id", s.MatchID).Msg("failed to record call summary")
			return
		}
		ev, err := models.NewEvent(models.EventNewMessage, msg)
		if err != nil {
			return
		}
		m.broadcastRoom(ctx, s.MatchID, ev, nil)
	})
}
