package models

import "time"

// Match represents a 1-on-1 conversation between two matched users. Matches are
// created by the matching service; the relay only reads them.
type Match struct {
	// MatchID is the unique identifier for the match (also the room id).
	MatchID string `gorm:"primaryKey"`
	// User1ID is the first participant.
	User1ID string `gorm:"not null;index"`
	// User2ID is the second participant.
	User2ID string `gorm:"not null;index"`
	// IsActive is false once either user unmatched.
	IsActive  bool
	CreatedAt time.Time
}

// Participants returns both participant ids.
func (m *Match) Participants() [2]string {
	return [2]string{m.User1ID, m.User2ID}
}

// Has reports whether userID takes part in the match.
func (m *Match) Has(userID string) bool {
	return userID != "" && (m.User1ID == userID || m.User2ID == userID)
}

// Partner returns the other participant, or "" if userID is not a participant.
func (m *Match) Partner(userID string) string {
	switch userID {
	case m.User1ID:
		return m.User2ID
	case m.User2ID:
		return m.User1ID
	default:
		return ""
	}
}
