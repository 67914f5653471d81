package chathub

import (
	"fmt"

	"matchwire/backend/internal/models"
)

// handleTyping forwards a typing flag to the receiver's private channel.
// Nothing is stored and an offline receiver simply misses it.
func (m *ManagerService) handleTyping(c Client, ev models.Event) {
	var sig models.TypingSignal
	if err := ev.Decode(&sig); err != nil {
		replyError(c, ev, err, "")
		return
	}

	receiverID := sig.ReceiverID
	if receiverID == "" {
		receiverID = sig.UserID
	}
	if receiverID == c.GetUserID() {
		replyError(c, ev, fmt.Errorf("%w: cannot signal typing to yourself", ErrValidation), "")
		return
	}

	out, err := models.NewEvent(models.EventUserTyping, models.TypingSignal{
		UserID:   c.GetUserID(),
		IsTyping: sig.IsTyping,
	})
	if err != nil {
		return
	}
	m.Presence.SendToUser(receiverID, out)
}
