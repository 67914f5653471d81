package chathub_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"matchwire/backend/internal/models"

	"github.com/stretchr/testify/require"
)

type MockClient struct {
	userID      string
	connID      string
	RecvChannel chan models.Event

	mu     sync.Mutex
	closed bool
}

func newMockClient(userID, connID string) *MockClient {
	return &MockClient{
		userID:      userID,
		connID:      connID,
		RecvChannel: make(chan models.Event, 32),
	}
}

func (c *MockClient) GetUserID() string {
	return c.userID
}

func (c *MockClient) GetConnID() string {
	return c.connID
}

func (c *MockClient) Queue(ev models.Event) bool {
	select {
	case c.RecvChannel <- ev:
		return true
	default:
		return false
	}
}

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *MockClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// expectEvent waits for the next event queued on c and checks its type.
func expectEvent(t *testing.T, c *MockClient, want models.EventType) models.Event {
	t.Helper()
	select {
	case ev := <-c.RecvChannel:
		require.Equal(t, want, ev.Type, "unexpected event for %s: %s", c.connID, ev.Data)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("%s did not receive %s", c.connID, want)
		return models.Event{}
	}
}

// assertNoEvent fails if anything is already queued on c.
func assertNoEvent(t *testing.T, c *MockClient) {
	t.Helper()
	select {
	case ev := <-c.RecvChannel:
		t.Errorf("%s received unexpected %s: %s", c.connID, ev.Type, ev.Data)
	default:
	}
}

func payload[T any](t *testing.T, ev models.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}

func event(t *testing.T, typ models.EventType, data any) models.Event {
	t.Helper()
	ev, err := models.NewEvent(typ, data)
	require.NoError(t, err)
	return ev
}
