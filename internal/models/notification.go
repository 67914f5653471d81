package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Notification kinds delivered on a user's private channel.
const (
	NotificationNewMessage = "NEW_MESSAGE"
	NotificationNewLike    = "NEW_LIKE"
	NotificationNewMatch   = "NEW_MATCH"
)

// Notification is the record handed to the notification collaborator for every
// off-room event.
type Notification struct {
	gorm.Model

	UserID  string `gorm:"type:text;not null;index"`
	Type    string `gorm:"type:text;not null"`
	Message string `gorm:"type:text"`

	// Data is the JSON encoded payload that accompanied the event.
	Data   datatypes.JSON `gorm:"type:jsonb"`
	SentAt time.Time
}
