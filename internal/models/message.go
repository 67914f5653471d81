package models

import (
	"errors"
	"strings"
	"time"
)

// MessageType tags the kind of content a message carries.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeVideo  MessageType = "video"
	MessageTypeAudio  MessageType = "audio"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// ErrEmptyMessage is returned when a message has neither body text nor an attachment.
var ErrEmptyMessage = errors.New("message must have content or an attachment")

// Attachment describes an uploaded file referenced by a message. The upload itself
// happens elsewhere; the relay only carries the descriptor.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Name        string `json:"name,omitempty"`
}

// MessageType derives the message type from the attachment's content type.
func (a *Attachment) MessageType() MessageType {
	switch {
	case strings.HasPrefix(a.ContentType, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(a.ContentType, "video/"):
		return MessageTypeVideo
	case strings.HasPrefix(a.ContentType, "audio/"):
		return MessageTypeAudio
	default:
		return MessageTypeFile
	}
}

// ReplySnapshot is a denormalized copy of the message being replied to.
type ReplySnapshot struct {
	ID       string      `json:"id"`
	SenderID string      `json:"senderId"`
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
}

// Message is a chat message as seen on the wire. ID is assigned by the message
// store and never changes; ClientTempID only lives until the sender has matched
// its placeholder.
type Message struct {
	ID           string              `json:"id"`
	ClientTempID string              `json:"clientTempId,omitempty"`
	MatchID      string              `json:"matchId"`
	SenderID     string              `json:"senderId"`
	ReceiverID   string              `json:"receiverId,omitempty"`
	Content      string              `json:"content"`
	Type         MessageType         `json:"type"`
	Attachment   *Attachment         `json:"attachment,omitempty"`
	ReplyTo      *ReplySnapshot      `json:"replyTo,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
	IsRead       bool                `json:"isRead"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// Validate requires body text or an attachment.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" && m.Attachment == nil {
		return ErrEmptyMessage
	}
	return nil
}

// Snapshot returns the reply snapshot for this message.
func (m *Message) Snapshot() *ReplySnapshot {
	return &ReplySnapshot{
		ID:       m.ID,
		SenderID: m.SenderID,
		Content:  m.Content,
		Type:     m.Type,
	}
}
