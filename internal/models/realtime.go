package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the highest envelope version this relay understands.
const ProtocolVersion = 1

// EventType names an event on the persistent connection.
type EventType string

const (
	EventJoinRoom      EventType = "joinRoom"
	EventLeaveRoom     EventType = "leaveRoom"
	EventSendMessage   EventType = "sendMessage"
	EventNewMessage    EventType = "newMessage"
	EventUserTyping    EventType = "userTyping"
	EventNotification  EventType = "notification"
	EventCallOffer     EventType = "call:offer"
	EventCallAnswer    EventType = "call:answer"
	EventCallCandidate EventType = "call:ice-candidate"
	EventCallReject    EventType = "call:reject"
	EventCallEnd       EventType = "call:end"
	EventPresence      EventType = "user:presence"
	EventPresenceBatch EventType = "presence:batch"
	EventReaction      EventType = "message:reaction"
	EventRead          EventType = "message:read"
	EventError         EventType = "error"
)

var (
	// ErrMalformedEvent marks an envelope or payload that could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnsupportedVersion marks an envelope newer than ProtocolVersion.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrInvalidPayload marks a payload that decoded but failed validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Event is the envelope for every frame in both directions. Ack correlates a
// request with its response (presence:batch) and error replies.
type Event struct {
	Type EventType       `json:"type"`
	V    int             `json:"v,omitempty"`
	Ack  string          `json:"ack,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an outbound envelope around data.
func NewEvent(t EventType, data any) (Event, error) {
	ev := Event{Type: t, V: ProtocolVersion}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	ev.Data = raw
	return ev, nil
}

// ParseEvent decodes a raw frame into an envelope and checks its version.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := strictUnmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	if ev.V > ProtocolVersion {
		return Event{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, ev.V)
	}
	return ev, nil
}

// Decode unmarshals the payload into dst, rejecting unknown fields, and runs
// dst's validation when it has one.
func (e Event) Decode(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEvent, e.Type)
	}
	if err := strictUnmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, e.Type, err)
	}
	if v, ok := dst.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
		}
	}
	return nil
}

func strictUnmarshal(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

// RoomRequest is the payload of joinRoom and leaveRoom.
type RoomRequest struct {
	MatchID string `json:"matchId"`
}

func (r *RoomRequest) Validate() error {
	if r.MatchID == "" {
		return errors.New("matchId is required")
	}
	return nil
}

// SendMessageRequest is the payload of sendMessage.
type SendMessageRequest struct {
	ReceiverID       string      `json:"receiverId,omitempty"`
	MatchID          string      `json:"matchId"`
	Content          string      `json:"content"`
	Attachment       *Attachment `json:"attachment,omitempty"`
	ClientTempID     string      `json:"clientTempId"`
	ReplyToMessageID string      `json:"replyToMessageId,omitempty"`
}

func (r *SendMessageRequest) Validate() error {
	if r.MatchID == "" {
		return errors.New("matchId is required")
	}
	if r.ClientTempID == "" {
		return errors.New("clientTempId is required")
	}
	if strings.TrimSpace(r.Content) == "" && r.Attachment == nil {
		return ErrEmptyMessage
	}
	if r.Attachment != nil && r.Attachment.URL == "" {
		return errors.New("attachment url is required")
	}
	return nil
}

// TypingSignal travels client→server with ReceiverID and server→client with UserID.
type TypingSignal struct {
	UserID     string `json:"userId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}

func (t *TypingSignal) Validate() error {
	if t.ReceiverID == "" && t.UserID == "" {
		return errors.New("receiverId is required")
	}
	return nil
}

// NotificationPayload is delivered on a user's private channel for off-room events.
type NotificationPayload struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// CallType is the media kind of a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Call termination reasons.
const (
	ReasonDeclined    = "declined"
	ReasonBusy        = "busy"
	ReasonOffline     = "offline"
	ReasonMissed      = "missed"
	ReasonEndedByUser = "ended-by-user"
	ReasonFailed      = "failed"
)

var validReasons = map[string]bool{
	ReasonDeclined:    true,
	ReasonBusy:        true,
	ReasonOffline:     true,
	ReasonMissed:      true,
	ReasonEndedByUser: true,
	ReasonFailed:      true,
}

// CallSignal is the payload of every call:* event. Clients address the peer with
// TargetUserID; the relay rewrites it to FromUserID on delivery. SDP and Candidate
// are opaque negotiation blobs.
type CallSignal struct {
	TargetUserID string          `json:"targetUserId,omitempty"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	MatchID      string          `json:"matchId,omitempty"`
	CallType     CallType        `json:"callType,omitempty"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// ValidateFor checks the fields required by the given call event.
func (s *CallSignal) ValidateFor(t EventType) error {
	if s.TargetUserID == "" {
		return errors.New("targetUserId is required")
	}
	switch t {
	case EventCallOffer:
		if s.CallType != CallAudio && s.CallType != CallVideo {
			return fmt.Errorf("unknown callType %q", s.CallType)
		}
		if len(s.SDP) == 0 {
			return errors.New("sdp is required")
		}
	case EventCallAnswer:
		if len(s.SDP) == 0 {
			return errors.New("sdp is required")
		}
	case EventCallCandidate:
		if len(s.Candidate) == 0 {
			return errors.New("candidate is required")
		}
	case EventCallReject, EventCallEnd:
		if s.Reason != "" && !validReasons[s.Reason] {
			return fmt.Errorf("unknown reason %q", s.Reason)
		}
	}
	return nil
}

// PresenceUpdate is a user's presence as pushed on transitions and returned by
// batched queries.
type PresenceUpdate struct {
	UserID     string     `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// PresenceBatchRequest is the payload of presence:batch.
type PresenceBatchRequest struct {
	UserIDs []string `json:"userIds"`
}

// MaxPresenceBatch caps the number of ids in one presence query.
const MaxPresenceBatch = 200

func (r *PresenceBatchRequest) Validate() error {
	if len(r.UserIDs) > MaxPresenceBatch {
		return fmt.Errorf("at most %d userIds per query", MaxPresenceBatch)
	}
	return nil
}

// PresenceBatchResponse is the ack of presence:batch.
type PresenceBatchResponse struct {
	Presence []PresenceUpdate `json:"presence"`
}

// ReactionRequest is the client payload of message:reaction.
type ReactionRequest struct {
	MessageID string `json:"messageId"`
	MatchID   string `json:"matchId,omitempty"`
	Emoji     string `json:"emoji"`
}

func (r *ReactionRequest) Validate() error {
	if r.MessageID == "" {
		return errors.New("messageId is required")
	}
	if strings.TrimSpace(r.Emoji) == "" || len(r.Emoji) > 32 {
		return errors.New("emoji must be 1-32 bytes")
	}
	return nil
}

// ReactionUpdate is broadcast after a reaction change.
type ReactionUpdate struct {
	MessageID string              `json:"messageId"`
	MatchID   string              `json:"matchId"`
	UserID    string              `json:"userId"`
	Reactions map[string][]string `json:"reactions"`
}

// ReadReceipt travels client→server with MatchID and back to the room with the
// reader and number of messages marked.
type ReadReceipt struct {
	MatchID  string `json:"matchId"`
	ReaderID string `json:"readerId,omitempty"`
	Count    int64  `json:"count,omitempty"`
}

func (r *ReadReceipt) Validate() error {
	if r.MatchID == "" {
		return errors.New("matchId is required")
	}
	return nil
}

// Wire error codes.
const (
	ErrCodeMalformed          = "malformed_event"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeValidation         = "validation_failed"
	ErrCodeForbidden          = "forbidden"
	ErrCodeNotFound           = "not_found"
	ErrCodeSendFailed         = "send_failed"
	ErrCodeCallFailed         = "call_failed"
	ErrCodeUnknownEvent       = "unknown_event"
)

// ErrorPayload is sent back to the originating connection when an event is refused.
type ErrorPayload struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	Event        EventType `json:"event,omitempty"`
	ClientTempID string    `json:"clientTempId,omitempty"`
}
