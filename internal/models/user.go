package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the slice of the profile store the relay reads: display name for
// notification texts and the linked Telegram chat for off-platform pushes.
type User struct {
	ID          string `gorm:"primaryKey" json:"id"`
	TelegramID  *int64 `gorm:"uniqueIndex" json:"-"`
	DisplayName string `json:"displayName"`
}

// BeforeCreate is a GORM hook that assigns a UUID when the ID is not set.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}
