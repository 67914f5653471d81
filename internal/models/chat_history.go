package models

import (
	"time"

	"github.com/lib/pq"
)

// ChatHistory represents a saved chat message in the PostgreSQL database.
type ChatHistory struct {
	// ID is the server-assigned message identifier (ULID).
	ID string `gorm:"primaryKey;type:text"`
	// MatchID is the conversation the message belongs to.
	MatchID string `gorm:"type:text;not null;index:idx_match_msg"`
	// SenderID is the user who sent the message.
	SenderID string `gorm:"type:text;not null"`
	// ReceiverID is the other participant at send time.
	ReceiverID string `gorm:"type:text"`
	// Content is the body text. May be empty when an attachment is present.
	Content string `gorm:"type:text"`
	// Type indicates the kind of message (text, image, video, audio, file, system).
	Type string `gorm:"type:text;not null"`

	AttachmentURL         string `gorm:"type:text"`
	AttachmentContentType string `gorm:"type:text"`
	AttachmentSize        int64
	AttachmentName        string `gorm:"type:text"`

	// ReplyToMessageID references the message being replied to.
	ReplyToMessageID *string `gorm:"type:text;index"`
	// ClientTempID is kept so a re-sent history page still correlates.
	ClientTempID string `gorm:"type:text"`
	IsRead       bool   `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"index:idx_match_msg"`
	UpdatedAt time.Time
}

// MessageReaction is a single user's reaction to a message. A user holds at most
// one reaction per message.
type MessageReaction struct {
	MessageID string `gorm:"primaryKey;type:text"`
	UserID    string `gorm:"primaryKey;type:text"`
	Emoji     string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// ReactionGroup is the aggregated row returned by the reaction summary query.
type ReactionGroup struct {
	MessageID string
	Emoji     string
	UserIDs   pq.StringArray `gorm:"type:text[]"`
}

// NewChatHistory flattens a wire message into its persisted form.
func NewChatHistory(msg *Message) *ChatHistory {
	h := &ChatHistory{
		ID:           msg.ID,
		MatchID:      msg.MatchID,
		SenderID:     msg.SenderID,
		ReceiverID:   msg.ReceiverID,
		Content:      msg.Content,
		Type:         string(msg.Type),
		ClientTempID: msg.ClientTempID,
		IsRead:       msg.IsRead,
		CreatedAt:    msg.CreatedAt,
		UpdatedAt:    msg.UpdatedAt,
	}
	if msg.Attachment != nil {
		h.AttachmentURL = msg.Attachment.URL
		h.AttachmentContentType = msg.Attachment.ContentType
		h.AttachmentSize = msg.Attachment.Size
		h.AttachmentName = msg.Attachment.Name
	}
	if msg.ReplyTo != nil {
		id := msg.ReplyTo.ID
		h.ReplyToMessageID = &id
	}
	return h
}

// ToMessage converts the persisted row back into a wire message. The reply
// snapshot and reactions are filled in by the store.
func (h *ChatHistory) ToMessage() Message {
	msg := Message{
		ID:           h.ID,
		ClientTempID: h.ClientTempID,
		MatchID:      h.MatchID,
		SenderID:     h.SenderID,
		ReceiverID:   h.ReceiverID,
		Content:      h.Content,
		Type:         MessageType(h.Type),
		IsRead:       h.IsRead,
		CreatedAt:    h.CreatedAt,
		UpdatedAt:    h.UpdatedAt,
	}
	if h.AttachmentURL != "" {
		msg.Attachment = &Attachment{
			URL:         h.AttachmentURL,
			ContentType: h.AttachmentContentType,
			Size:        h.AttachmentSize,
			Name:        h.AttachmentName,
		}
	}
	return msg
}
