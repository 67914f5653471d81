package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchwire/backend/internal/models"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MessageStore persists chat messages and their reactions. SaveMessage assigns
// the server id and creation time.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, matchID, beforeID string, limit int) ([]models.Message, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (map[string][]string, error)
	MarkRead(ctx context.Context, matchID, readerID string) (int64, error)
}

// MatchStore resolves match participants.
type MatchStore interface {
	GetMatch(ctx context.Context, matchID string) (*models.Match, error)
	FindMatchBetween(ctx context.Context, userA, userB string) (*models.Match, error)
}

// NotificationStore records off-room notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
}

// UserStore looks up profile fields the relay needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// LastSeenStore keeps the last time each user went offline.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
	GetLastSeen(ctx context.Context, userIDs []string) (map[string]time.Time, error)
}

// Storage is everything the relay reads from and writes to the database.
type Storage interface {
	MessageStore
	MatchStore
	NotificationStore
	UserStore
}

// Service реалізує Storage поверх PostgreSQL через gorm.
type Service struct {
	DB  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStorageService wraps db. Call Migrate before first use.
func NewStorageService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		DB:  db,
		log: logger.With().Str("component", "storage").Logger(),
		now: time.Now,
	}
}

// Migrate створює або оновлює таблиці, якими володіє релей.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.User{},
		&models.Match{},
		&models.ChatHistory{},
		&models.MessageReaction{},
		&models.Notification{},
	)
}

// SaveMessage stores msg and fills in its id and timestamps.
func (s *Service) SaveMessage(ctx context.Context, msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	msg.ID = ulid.Make().String()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	history := models.NewChatHistory(msg)
	if err := s.DB.WithContext(ctx).Create(history).Error; err != nil {
		s.log.Error().Err(err).Str("match_id", msg.MatchID).Msg("failed to save message")
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessage returns one message with its reply snapshot and reactions.
func (s *Service) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var history models.ChatHistory
	err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&history).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	msgs, err := s.hydrate(ctx, []models.ChatHistory{history})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListMessages returns up to limit messages of a match older than beforeID,
// oldest first. Message ids are ULIDs, so id order is creation order.
func (s *Service) ListMessages(ctx context.Context, matchID, beforeID string, limit int) ([]models.Message, error) {
	q := s.DB.WithContext(ctx).Where("match_id = ?", matchID)
	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}

	var rows []models.ChatHistory
	if err := q.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", matchID, err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return s.hydrate(ctx, rows)
}

// hydrate converts rows into wire messages with reply snapshots and reactions.
func (s *Service) hydrate(ctx context.Context, rows []models.ChatHistory) ([]models.Message, error) {
	if len(rows) == 0 {
		return []models.Message{}, nil
	}

	ids := make([]string, 0, len(rows))
	var replyIDs []string
	for _, r := range rows {
		ids = append(ids, r.ID)
		if r.ReplyToMessageID != nil {
			replyIDs = append(replyIDs, *r.ReplyToMessageID)
		}
	}

	replies := make(map[string]*models.ReplySnapshot, len(replyIDs))
	if len(replyIDs) > 0 {
		var parents []models.ChatHistory
		if err := s.DB.WithContext(ctx).Where("id IN ?", replyIDs).Find(&parents).Error; err != nil {
			return nil, fmt.Errorf("load reply targets: %w", err)
		}
		for i := range parents {
			m := parents[i].ToMessage()
			replies[m.ID] = m.Snapshot()
		}
	}

	reactions, err := s.reactionSummary(s.DB.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(rows))
	for i := range rows {
		m := rows[i].ToMessage()
		if rows[i].ReplyToMessageID != nil {
			m.ReplyTo = replies[*rows[i].ReplyToMessageID]
		}
		m.Reactions = reactions[m.ID]
		out = append(out, m)
	}
	return out, nil
}

// reactionSummary groups reactions per message and emoji.
func (s *Service) reactionSummary(db *gorm.DB, messageIDs []string) (map[string]map[string][]string, error) {
	var groups []models.ReactionGroup
	err := db.Model(&models.MessageReaction{}).
		Select("message_id, emoji, array_agg(user_id ORDER BY created_at) AS user_ids").
		Where("message_id IN ?", messageIDs).
		Group("message_id, emoji").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("load reactions: %w", err)
	}

	out := make(map[string]map[string][]string)
	for _, g := range groups {
		if out[g.MessageID] == nil {
			out[g.MessageID] = make(map[string][]string)
		}
		out[g.MessageID][g.Emoji] = []string(g.UserIDs)
	}
	return out, nil
}

// ToggleReaction sets userID's reaction on a message. The same emoji again
// removes it; a different emoji replaces it. Returns the message's reactions.
func (s *Service) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (map[string][]string, error) {
	var summary map[string][]string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.MessageReaction
		err := tx.Where("message_id = ? AND user_id = ?", messageID, userID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			err = tx.Create(&models.MessageReaction{
				MessageID: messageID,
				UserID:    userID,
				Emoji:     emoji,
				CreatedAt: s.now().UTC(),
			}).Error
		case err != nil:
		case existing.Emoji == emoji:
			err = tx.Delete(&existing).Error
		default:
			err = tx.Model(&existing).Updates(map[string]interface{}{
				"emoji":      emoji,
				"created_at": s.now().UTC(),
			}).Error
		}
		if err != nil {
			return err
		}

		all, err := s.reactionSummary(tx, []string{messageID})
		if err != nil {
			return err
		}
		summary = all[messageID]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("toggle reaction on %s: %w", messageID, err)
	}
	if summary == nil {
		summary = map[string][]string{}
	}
	return summary, nil
}

// MarkRead marks every unread message addressed to readerID in the match as read.
func (s *Service) MarkRead(ctx context.Context, matchID, readerID string) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&models.ChatHistory{}).
		Where("match_id = ? AND receiver_id = ? AND is_read = ?", matchID, readerID, false).
		Updates(map[string]interface{}{
			"is_read":    true,
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark read in %s: %w", matchID, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Service) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	var match models.Match
	err := s.DB.WithContext(ctx).Where("match_id = ?", matchID).Take(&match).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", matchID, err)
	}
	return &match, nil
}

// FindMatchBetween returns the active match joining the two users.
func (s *Service) FindMatchBetween(ctx context.Context, userA, userB string) (*models.Match, error) {
	var match models.Match
	err := s.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Where("(user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?)", userA, userB, userB, userA).
		Order("created_at desc").
		Take(&match).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("match between %s and %s: %w", userA, userB, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find match: %w", err)
	}
	return &match, nil
}

func (s *Service) SaveNotification(ctx context.Context, n *models.Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = s.now().UTC()
	}
	if err := s.DB.WithContext(ctx).Create(n).Error; err != nil {
		s.log.Error().Err(err).Str("user_id", n.UserID).Str("type", n.Type).Msg("failed to save notification")
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &user, nil
}
