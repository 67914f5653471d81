package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"matchwire/backend/internal/localization"
	"matchwire/backend/internal/metrics"
	"matchwire/backend/internal/models"
	"matchwire/backend/internal/storage"
)

func (m *ManagerService) handleSendMessage(ctx context.Context, c Client, ev models.Event) {
	var req models.SendMessageRequest
	if err := ev.Decode(&req); err != nil {
		replyError(c, ev, err, req.ClientTempID)
		return
	}
	if _, err := m.SendMessage(ctx, c, req); err != nil {
		m.log.Debug().Err(err).Str("user_id", c.GetUserID()).Str("match_id", req.MatchID).Msg("send rejected")
		replyError(c, ev, err, req.ClientTempID)
	}
}

// SendMessage validates, persists and broadcasts a chat message from c. Nothing
// is broadcast unless the message was stored.
func (m *ManagerService) SendMessage(ctx context.Context, c Client, req models.SendMessageRequest) (*models.Message, error) {
	senderID := c.GetUserID()
	if strings.TrimSpace(req.Content) == "" && req.Attachment == nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, models.ErrEmptyMessage)
	}

	match, err := m.participantMatch(ctx, req.MatchID, senderID)
	if err != nil {
		return nil, err
	}
	receiverID := match.Partner(senderID)
	if req.ReceiverID != "" && req.ReceiverID != receiverID {
		return nil, fmt.Errorf("%w: receiverId is not the other participant", ErrValidation)
	}

	msg := &models.Message{
		ClientTempID: req.ClientTempID,
		MatchID:      match.MatchID,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		Content:      req.Content,
		Type:         models.MessageTypeText,
		Attachment:   req.Attachment,
	}
	if req.Attachment != nil {
		msg.Type = req.Attachment.MessageType()
	}

	if req.ReplyToMessageID != "" {
		parent, err := m.lookupMessage(ctx, req.ReplyToMessageID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: reply target %s does not exist", ErrValidation, req.ReplyToMessageID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		if parent.MatchID != match.MatchID {
			return nil, fmt.Errorf("%w: reply target belongs to another conversation", ErrValidation)
		}
		msg.ReplyTo = parent.Snapshot()
	}

	if err := m.persist(ctx, msg); err != nil {
		return nil, err
	}
	metrics.MessagesRelayed.WithLabelValues(string(msg.Type)).Inc()

	ev, err := models.NewEvent(models.EventNewMessage, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	m.broadcastRoom(ctx, match.MatchID, ev, c)

	if !m.Rooms.HasUser(match.MatchID, receiverID) {
		m.notifyOffRoom(receiverID, *msg)
	}
	return msg, nil
}

// persist stores msg within the store deadline.
func (m *ManagerService) persist(ctx context.Context, msg *models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	start := time.Now()
	err := m.Storage.SaveMessage(ctx, msg)
	metrics.StoreLatency.WithLabelValues("save_message").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (m *ManagerService) lookupMessage(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	start := time.Now()
	msg, err := m.Storage.GetMessage(ctx, id)
	metrics.StoreLatency.WithLabelValues("get_message").Observe(time.Since(start).Seconds())
	return msg, err
}

// notifyOffRoom tells a recipient who is not viewing the conversation about a
// new message: on their private channel right away, and through the
// notification store and the off-platform notifier in the background.
func (m *ManagerService) notifyOffRoom(recipientID string, msg models.Message) {
	text := msg.Content
	if text == "" {
		text = m.localizer.GetString(localization.DefaultLanguage, localization.KeyNewAttachment)
	}
	payload := models.NotificationPayload{
		Type:    models.NotificationNewMessage,
		Message: text,
		Data: map[string]any{
			"matchId":   msg.MatchID,
			"messageId": msg.ID,
			"senderId":  msg.SenderID,
		},
	}

	ev, err := models.NewEvent(models.EventNotification, payload)
	if err != nil {
		return
	}
	if m.Presence.SendToUser(recipientID, ev) > 0 {
		metrics.NotificationsSent.WithLabelValues("socket").Inc()
	}
	online := m.Presence.IsOnline(recipientID)

	m.background(func(ctx context.Context) {
		data, _ := json.Marshal(payload.Data)
		if err := m.Storage.SaveNotification(ctx, &models.Notification{
			UserID:  recipientID,
			Type:    payload.Type,
			Message: payload.Message,
			Data:    data,
		}); err != nil {
			m.log.Warn().Err(err).Str("user_id", recipientID).Msg("failed to record notification")
		}

		if online || m.notifier == nil {
			return
		}
		if err := m.notifier.NotifyNewMessage(ctx, recipientID, msg); err != nil {
			m.log.Warn().Err(err).Str("user_id", recipientID).Msg("off-platform notification failed")
			return
		}
		metrics.NotificationsSent.WithLabelValues("telegram").Inc()
	})
}

func (m *ManagerService) handleReaction(ctx context.Context, c Client, ev models.Event) {
	var req models.ReactionRequest
	if err := ev.Decode(&req); err != nil {
		replyError(c, ev, err, "")
		return
	}
	if err := m.React(ctx, c, req); err != nil {
		replyError(c, ev, err, "")
	}
}

// React toggles c's reaction on a message and broadcasts the new reaction set.
func (m *ManagerService) React(ctx context.Context, c Client, req models.ReactionRequest) error {
	msg, err := m.lookupMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if req.MatchID != "" && req.MatchID != msg.MatchID {
		return fmt.Errorf("%w: message does not belong to %s", ErrValidation, req.MatchID)
	}
	if _, err := m.participantMatch(ctx, msg.MatchID, c.GetUserID()); err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	reactions, err := m.Storage.ToggleReaction(storeCtx, msg.ID, c.GetUserID(), req.Emoji)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	out, err := models.NewEvent(models.EventReaction, models.ReactionUpdate{
		MessageID: msg.ID,
		MatchID:   msg.MatchID,
		UserID:    c.GetUserID(),
		Reactions: reactions,
	})
	if err != nil {
		return err
	}
	m.broadcastRoom(ctx, msg.MatchID, out, c)
	return nil
}

func (m *ManagerService) handleRead(ctx context.Context, c Client, ev models.Event) {
	var req models.ReadReceipt
	if err := ev.Decode(&req); err != nil {
		replyError(c, ev, err, "")
		return
	}
	if _, err := m.MarkRead(ctx, c, req.MatchID); err != nil {
		replyError(c, ev, err, "")
	}
}

// MarkRead marks the messages c's user received in matchID as read and tells
// the room how many changed.
func (m *ManagerService) MarkRead(ctx context.Context, c Client, matchID string) (int64, error) {
	if _, err := m.participantMatch(ctx, matchID, c.GetUserID()); err != nil {
		return 0, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	n, err := m.Storage.MarkRead(storeCtx, matchID, c.GetUserID())
	cancel()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if n == 0 {
		return 0, nil
	}

	out, err := models.NewEvent(models.EventRead, models.ReadReceipt{
		MatchID:  matchID,
		ReaderID: c.GetUserID(),
		Count:    n,
	})
	if err != nil {
		return n, err
	}
	m.broadcastRoom(ctx, matchID, out, c)
	return n, nil
}

// History returns a page of matchID's messages for one of its participants.
func (m *ManagerService) History(ctx context.Context, userID, matchID, beforeID string, limit int) ([]models.Message, error) {
	if _, err := m.participantMatch(ctx, matchID, userID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.Storage.ListMessages(ctx, matchID, beforeID, limit)
}
