package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"matchwire/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	lastSeenKeyPrefix = "presence:lastseen:"
	lastSeenTTL       = 30 * 24 * time.Hour

	// BroadcastChannel carries room broadcasts between relay processes.
	BroadcastChannel = "matchwire:rooms"
)

// RedisPresence stores last-seen timestamps as unix milliseconds.
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func (p *RedisPresence) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	err := p.rdb.Set(ctx, lastSeenKeyPrefix+userID, at.UnixMilli(), lastSeenTTL).Err()
	if err != nil {
		return fmt.Errorf("set last seen for %s: %w", userID, err)
	}
	return nil
}

// GetLastSeen returns the stored timestamps; users without one are absent from the map.
func (p *RedisPresence) GetLastSeen(ctx context.Context, userIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = lastSeenKeyPrefix + id
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get last seen: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out[userIDs[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

// BusMessage is one room broadcast as carried on the bus.
type BusMessage struct {
	Origin string       `json:"origin"`
	RoomID string       `json:"roomId"`
	Event  models.Event `json:"event"`
}

// Bus carries room broadcasts between relay processes.
type Bus interface {
	Publish(ctx context.Context, roomID string, ev models.Event) error
	Subscribe(ctx context.Context, handle func(roomID string, ev models.Event)) error
}

// RedisBus implements Bus over Redis pub/sub. Messages published by this
// process are not handed back to its own subscriber.
type RedisBus struct {
	rdb    *redis.Client
	origin string
	log    zerolog.Logger
}

func NewRedisBus(rdb *redis.Client, origin string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		rdb:    rdb,
		origin: origin,
		log:    logger.With().Str("component", "bus").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, roomID string, ev models.Event) error {
	payload, err := json.Marshal(BusMessage{Origin: b.origin, RoomID: roomID, Event: ev})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, BroadcastChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", roomID, err)
	}
	return nil
}

// Subscribe blocks delivering remote broadcasts to handle until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, handle func(roomID string, ev models.Event)) error {
	pubsub := b.rdb.Subscribe(ctx, BroadcastChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", BroadcastChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var bm BusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.log.Warn().Err(err).Msg("dropping undecodable bus message")
				continue
			}
			if bm.Origin == b.origin {
				continue
			}
			handle(bm.RoomID, bm.Event)
		}
	}
}
