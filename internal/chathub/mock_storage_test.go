package chathub_test

import (
	"context"
	"sync"
	"time"

	"matchwire/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockStorage is a testify mock of storage.Storage.
type MockStorage struct {
	mock.Mock
}

// Message operations
func (m *MockStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *MockStorage) ListMessages(ctx context.Context, matchID, beforeID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, matchID, beforeID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockStorage) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (map[string][]string, error) {
	args := m.Called(ctx, messageID, userID, emoji)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]string), args.Error(1)
}

func (m *MockStorage) MarkRead(ctx context.Context, matchID, readerID string) (int64, error) {
	args := m.Called(ctx, matchID, readerID)
	return args.Get(0).(int64), args.Error(1)
}

// Match operations
func (m *MockStorage) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	args := m.Called(ctx, matchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Match), args.Error(1)
}

func (m *MockStorage) FindMatchBetween(ctx context.Context, userA, userB string) (*models.Match, error) {
	args := m.Called(ctx, userA, userB)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Match), args.Error(1)
}

// Notification operations
func (m *MockStorage) SaveNotification(ctx context.Context, n *models.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// User operations
func (m *MockStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

// assignID mimics the message store filling in the server id.
func assignID(id string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		msg := args.Get(1).(*models.Message)
		msg.ID = id
		msg.CreatedAt = time.Now().UTC()
		msg.UpdatedAt = msg.CreatedAt
	}
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyNewMessage(ctx context.Context, recipientID string, msg models.Message) error {
	args := m.Called(ctx, recipientID, msg)
	return args.Error(0)
}

// fakeLastSeen is an in-memory storage.LastSeenStore. A non-zero delay makes
// GetLastSeen block until ctx is done.
type fakeLastSeen struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	delay time.Duration
}

func newFakeLastSeen() *fakeLastSeen {
	return &fakeLastSeen{seen: make(map[string]time.Time)}
}

func (f *fakeLastSeen) SetLastSeen(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[userID] = at
	return nil
}

func (f *fakeLastSeen) GetLastSeen(ctx context.Context, userIDs []string) (map[string]time.Time, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time)
	for _, id := range userIDs {
		if at, ok := f.seen[id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

func (f *fakeLastSeen) get(userID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.seen[userID]
	return at, ok
}

// fakeBus loops published broadcasts back to subscribers, the way another
// relay process would receive them.
type fakeBus struct {
	mu        sync.Mutex
	published []string
	inbound   chan busEnvelope
}

type busEnvelope struct {
	roomID string
	ev     models.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{inbound: make(chan busEnvelope, 8)}
}

func (b *fakeBus) Publish(_ context.Context, roomID string, _ models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, roomID)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, handle func(roomID string, ev models.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.inbound:
			handle(env.roomID, env.ev)
		}
	}
}

func (b *fakeBus) publishedRooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}
