package chathub_test

import (
	"fmt"
	"sync"
	"testing"

	"matchwire/backend/internal/chathub"
	"matchwire/backend/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRoomRegistry_JoinLeaveIdempotent(t *testing.T) {
	rooms := chathub.NewRoomRegistry()
	alice := newMockClient("alice", "a1")

	assert.True(t, rooms.Join(alice, "m1"))
	assert.False(t, rooms.Join(alice, "m1"), "second join is a no-op")
	assert.Len(t, rooms.Members("m1"), 1)

	assert.True(t, rooms.Leave(alice, "m1"))
	assert.False(t, rooms.Leave(alice, "m1"), "second leave is a no-op")
	assert.False(t, rooms.Leave(alice, "never-joined"))
	assert.Equal(t, 0, rooms.Len(), "empty rooms are dropped")
}

func TestRoomRegistry_BroadcastSkipsOrigin(t *testing.T) {
	rooms := chathub.NewRoomRegistry()
	alice := newMockClient("alice", "a1")
	bob := newMockClient("bob", "b1")
	bobTablet := newMockClient("bob", "b2")
	rooms.Join(alice, "m1")
	rooms.Join(bob, "m1")
	rooms.Join(bobTablet, "m1")

	ev := event(t, models.EventNewMessage, models.Message{ID: "x", Content: "hi"})
	assert.Equal(t, 2, rooms.Broadcast("m1", ev, alice))

	assertNoEvent(t, alice)
	expectEvent(t, bob, models.EventNewMessage)
	expectEvent(t, bobTablet, models.EventNewMessage)

	assert.True(t, rooms.HasUser("m1", "bob"))
	assert.False(t, rooms.HasUser("m1", "carol"))
}

func TestRoomRegistry_LeaveAll(t *testing.T) {
	rooms := chathub.NewRoomRegistry()
	alice := newMockClient("alice", "a1")
	bob := newMockClient("bob", "b1")
	rooms.Join(alice, "m1")
	rooms.Join(alice, "m2")
	rooms.Join(bob, "m2")

	assert.ElementsMatch(t, []string{"m1", "m2"}, rooms.LeaveAll(alice))
	assert.False(t, rooms.IsMember(alice, "m2"))
	assert.True(t, rooms.IsMember(bob, "m2"))
	assert.Equal(t, 1, rooms.Len())
	assert.Empty(t, rooms.LeaveAll(alice))
}

func TestRoomRegistry_ConcurrentJoins(t *testing.T) {
	rooms := chathub.NewRoomRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms.Join(newMockClient("user", fmt.Sprintf("c%d", i)), "m1")
		}(i)
	}
	wg.Wait()

	assert.Len(t, rooms.Members("m1"), 50)
}
