package chathub_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"matchwire/backend/internal/chathub"
	"matchwire/backend/internal/models"
	"matchwire/backend/internal/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var aliceAndBob = &models.Match{MatchID: "m1", User1ID: "alice", User2ID: "bob", IsActive: true}

func newHub(t *testing.T, opts chathub.Options) (*chathub.ManagerService, *MockStorage) {
	t.Helper()
	storageMock := new(MockStorage)
	hub := chathub.NewManagerService(storageMock, opts, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})
	return hub, storageMock
}

// drain waits for background work so mock expectations can be checked.
func drain(t *testing.T, hub *chathub.ManagerService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
}

func connect(hub *chathub.ManagerService, userID, connID string) *MockClient {
	c := newMockClient(userID, connID)
	hub.Register(c)
	return c
}

func join(t *testing.T, hub *chathub.ManagerService, c *MockClient, matchID string) {
	t.Helper()
	hub.HandleEvent(context.Background(), c, event(t, models.EventJoinRoom, models.RoomRequest{MatchID: matchID}))
	require.True(t, hub.Rooms.IsMember(c, matchID), "%s could not join %s", c.connID, matchID)
}

func expectError(t *testing.T, c *MockClient, code string) models.ErrorPayload {
	t.Helper()
	p := payload[models.ErrorPayload](t, expectEvent(t, c, models.EventError))
	assert.Equal(t, code, p.Code, p.Message)
	return p
}

func TestManager_RegisterAndUnregister(t *testing.T) {
	hub, _ := newHub(t, chathub.Options{})

	a1 := connect(hub, "alice", "a1")
	a2 := connect(hub, "alice", "a2")
	assert.Equal(t, 2, hub.ConnectionCount())
	assert.True(t, hub.Presence.IsOnline("alice"))

	hub.Unregister(a1)
	assert.True(t, hub.Presence.IsOnline("alice"))
	hub.Unregister(a1)
	assert.Equal(t, 1, hub.ConnectionCount(), "second unregister is a no-op")

	hub.Unregister(a2)
	assert.False(t, hub.Presence.IsOnline("alice"))
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestManager_LastSeenPersistedOnOffline(t *testing.T) {
	lastSeen := newFakeLastSeen()
	hub, _ := newHub(t, chathub.Options{LastSeen: lastSeen})

	a1 := connect(hub, "alice", "a1")
	hub.Unregister(a1)
	drain(t, hub)

	_, ok := lastSeen.get("alice")
	assert.True(t, ok)
}

func TestManager_JoinRoomRequiresParticipant(t *testing.T) {
	hub, storageMock := newHub(t, chathub.Options{})
	storageMock.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
	storageMock.On("GetMatch", mock.Anything, "gone").Return(nil, fmt.Errorf("match gone: %w", storage.ErrNotFound))

	alice := connect(hub, "alice", "a1")
	carol := connect(hub, "carol", "c1")

	join(t, hub, alice, "m1")

	hub.HandleEvent(context.Background(), carol, event(t, models.EventJoinRoom, models.RoomRequest{MatchID: "m1"}))
	expectError(t, carol, models.ErrCodeForbidden)
	assert.False(t, hub.Rooms.IsMember(carol, "m1"))

	hub.HandleEvent(context.Background(), alice, event(t, models.EventJoinRoom, models.RoomRequest{MatchID: "gone"}))
	expectError(t, alice, models.ErrCodeNotFound)

	hub.HandleEvent(context.Background(), alice, event(t, models.EventLeaveRoom, models.RoomRequest{MatchID: "m1"}))
	assert.False(t, hub.Rooms.IsMember(alice, "m1"))
}

func TestManager_SendMessageInRoom(t *testing.T) {
	hub, storageMock := newHub(t, chathub.Options{})
	storageMock.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
	storageMock.On("SaveMessage", mock.Anything, mock.AnythingOfType("*models.Message")).
		Run(assignID("msg-1")).Return(nil).Once()

	alice := connect(hub, "alice", "a1")
	bob := connect(hub, "bob", "b1")
	join(t, hub, alice, "m1")
	join(t, hub, bob, "m1")

	hub.HandleEvent(context.Background(), alice, event(t, models.EventSendMessage, models.SendMessageRequest{
		MatchID:      "m1",
		Content:      "hi",
		ClientTempID: "tmp-1",
	}))

	got := payload[models.Message](t, expectEvent(t, bob, models.EventNewMessage))
	assert.Equal(t, "msg-1", got.ID)
	assert.Equal(t, "tmp-1", got.ClientTempID)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "bob", got.ReceiverID)
	assert.Equal(t, models.MessageTypeText, got.Type)

	echo := payload[models.Message](t, expectEvent(t, alice, models.EventNewMessage))
	assert.Equal(t, "tmp-1", echo.ClientTempID)

	assertNoEvent(t, bob)
	drain(t, hub)
	storageMock.AssertNotCalled(t, "SaveNotification", mock.Anything, mock.Anything)
}

func TestManager_SendMessageRecipientOutsideRoom(t *testing.T) {
	notifier := new(MockNotifier)
	hub, storageMock := newHub(t, chathub.Options{Notifier: notifier})
	storageMock.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
	storageMock.On("SaveMessage", mock.Anything, mock.Anything).Run(assignID("msg-1")).Return(nil)
	storageMock.On("SaveNotification", mock.Anything, mock.MatchedBy(func(n *models.Notification) bool {
		return n.UserID == "bob" && n.Type == models.NotificationNewMessage && len(n.Data) > 0
	})).Return(nil).Once()

	alice := connect(hub, "alice", "a1")
	bob := connect(hub, "bob", "b1")
	join(t, hub, alice, "m1")

	hub.HandleEvent(context.Background(), alice, event(t, models.EventSendMessage, models.SendMessageRequest{
		MatchID:      "m1",
		Content:      "are you there?",
		ClientTempID: "tmp-2",
	}))

	expectEvent(t, alice, models.EventNewMessage)
	n := payload[models.NotificationPayload](t, expectEvent(t, bob, models.EventNotification))
	assert.Equal(t, models.NotificationNewMessage, n.Type)
	assert.Equal(t, "are you there?", n.Message)
	assert.Equal(t, "m1", n.Data["matchId"])
	assert.Equal(t, "msg-1", n.Data["messageId"])

	drain(t, hub)
	storageMock.AssertExpectations(t)
	notifier.AssertNotCalled(t, "NotifyNewMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_SendMessageRecipientOffline(t *testing.T) {
	notifier := new(MockNotifier)
	hub, storageMock := newHub(t, chathub.Options{Notifier: notifier})
	storageMock.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
	storageMock.On("SaveMessage", mock.Anything, mock.Anything).Run(assignID("msg-1")).Return(nil)
	storageMock.On("SaveNotification", mock.Anything, mock.Anything).Return(nil)
	notifier.On("NotifyNewMessage", mock.Anything, "bob", mock.MatchedBy(func(m models.Message) bool {
		return m.ID == "msg-1"
	})).Return(nil).Once()

	alice := connect(hub, "alice", "a1")
	hub.HandleEvent(context.Background(), alice, event(t, models.EventSendMessage, models.SendMessageRequest{
		MatchID:      "m1",
		Content:      "ping",
		ClientTempID: "tmp-3",
	}))
	expectEvent(t, alice, models.EventNewMessage)

	drain(t, hub)
	notifier.AssertExpectations(t)
}

func TestManager_SendMessageRejected(t *testing.T) {
	tests := []struct {
		name  string
		req   models.SendMessageRequest
		setup func(*MockStorage)
		code  string
	}{
		{
			name: "empty body without attachment",
			req:  models.SendMessageRequest{MatchID: "m1", Content: "   ", ClientTempID: "tmp"},
			code: models.ErrCodeValidation,
		},
		{
			name: "sender is not a participant",
			req:  models.SendMessageRequest{MatchID: "m2", Content: "hi", ClientTempID: "tmp"},
			setup: func(s *MockStorage) {
				s.On("GetMatch", mock.Anything, "m2").
					Return(&models.Match{MatchID: "m2", User1ID: "bob", User2ID: "carol", IsActive: true}, nil)
			},
			code: models.ErrCodeForbidden,
		},
		{
			name: "receiver is not the partner",
			req:  models.SendMessageRequest{MatchID: "m1", ReceiverID: "carol", Content: "hi", ClientTempID: "tmp"},
			setup: func(s *MockStorage) {
				s.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
			},
			code: models.ErrCodeValidation,
		},
		{
			name: "match lookup fails",
			req:  models.SendMessageRequest{MatchID: "m1", Content: "hi", ClientTempID: "tmp"},
			setup: func(s *MockStorage) {
				s.On("GetMatch", mock.Anything, "m1").Return(nil, errors.New("connection reset"))
			},
			code: models.ErrCodeSendFailed,
		},
		{
			name: "store rejects the message",
			req:  models.SendMessageRequest{MatchID: "m1", Content: "hi", ClientTempID: "tmp"},
			setup: func(s *MockStorage) {
				s.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
				s.On("SaveMessage", mock.Anything, mock.Anything).Return(errors.New("disk full"))
			},
			code: models.ErrCodeSendFailed,
		},
		{
			name: "reply target in another conversation",
			req:  models.SendMessageRequest{MatchID: "m1", Content: "hi", ClientTempID: "tmp", ReplyToMessageID: "other"},
			setup: func(s *MockStorage) {
				s.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
				s.On("GetMessage", mock.Anything, "other").Return(&models.Message{ID: "other", MatchID: "m9"}, nil)
			},
			code: models.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, storageMock := newHub(t, chathub.Options{})
			if tt.setup != nil {
				tt.setup(storageMock)
			}
			alice := connect(hub, "alice", "a1")
			bob := connect(hub, "bob", "b1")
			hub.Rooms.Join(bob, "m1")

			ev := event(t, models.EventSendMessage, tt.req)
			ev.Ack = "req-7"
			hub.HandleEvent(context.Background(), alice, ev)

			errEv := expectEvent(t, alice, models.EventError)
			p := payload[models.ErrorPayload](t, errEv)
			assert.Equal(t, tt.code, p.Code, p.Message)
			assert.Equal(t, "tmp", p.ClientTempID)
			assert.Equal(t, models.EventSendMessage, p.Event)
			assert.Equal(t, "req-7", errEv.Ack)
			assertNoEvent(t, bob)
		})
	}
}

func TestManager_SendMessageWithReplyAndAttachment(t *testing.T) {
	hub, storageMock := newHub(t, chathub.Options{})
	storageMock.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
	storageMock.On("GetMessage", mock.Anything, "parent").
		Return(&models.Message{ID: "parent", MatchID: "m1", SenderID: "bob", Content: "dinner?", Type: models.MessageTypeText}, nil)
	storageMock.On("SaveMessage", mock.Anything, mock.Anything).Run(assignID("msg-9")).Return(nil)

	alice := connect(hub, "alice", "a1")
	bob := connect(hub, "bob", "b1")
	join(t, hub, alice, "m1")
	join(t, hub, bob, "m1")

	hub.HandleEvent(context.Background(), alice, event(t, models.EventSendMessage, models.SendMessageRequest{
		MatchID:          "m1",
		ClientTempID:     "tmp-4",
		ReplyToMessageID: "parent",
		Attachment:       &models.Attachment{URL: "https://cdn/x.jpg", ContentType: "image/jpeg", Size: 2048},
	}))

	got := payload[models.Message](t, expectEvent(t, bob, models.EventNewMessage))
	assert.Equal(t, models.MessageTypeImage, got.Type)
	require.NotNil(t, got.ReplyTo)
	assert.Equal(t, "parent", got.ReplyTo.ID)
	assert.Equal(t, "bob", got.ReplyTo.SenderID)
	assert.Equal(t, "dinner?", got.ReplyTo.Content)
}

func TestManager_Typing(t *testing.T) {
	hub, _ := newHub(t, chathub.Options{})
	alice := connect(hub, "alice", "a1")
	bob := connect(hub, "bob", "b1")

	hub.HandleEvent(context.Background(), alice, event(t, models.EventUserTyping, models.TypingSignal{ReceiverID: "bob", IsTyping: true}))

	sig := payload[models.TypingSignal](t, expectEvent(t, bob, models.EventUserTyping))
	assert.Equal(t, models.TypingSignal{UserID: "alice", IsTyping: true}, sig)

	hub.HandleEvent(context.Background(), alice, event(t, models.EventUserTyping, models.TypingSignal{ReceiverID: "alice", IsTyping: true}))
	expectError(t, alice, models.ErrCodeValidation)

	hub.HandleEvent(context.Background(), alice, event(t, models.EventUserTyping, models.TypingSignal{ReceiverID: "offline-user"}))
	assertNoEvent(t, alice)
}

func TestManager_PresenceBatchAndPush(t *testing.T) {
	hub, _ := newHub(t, chathub.Options{})
	alice := connect(hub, "alice", "a1")
	bob := connect(hub, "bob", "b1")

	req := event(t, models.EventPresenceBatch, models.PresenceBatchRequest{UserIDs: []string{"alice", "ghost"}})
	req.Ack = "q1"
	hub.HandleEvent(context.Background(), bob, req)

	resp := expectEvent(t, bob, models.EventPresenceBatch)
	assert.Equal(t, "q1", resp.Ack)
	got := payload[models.PresenceBatchResponse](t, resp)
	require.Len(t, got.Presence, 2)
	assert.True(t, got.Presence[0].IsOnline)
	assert.False(t, got.Presence[1].IsOnline)
	assert.Nil(t, got.Presence[1].LastSeenAt)

	hub.Unregister(alice)
	push := payload[models.PresenceUpdate](t, expectEvent(t, bob, models.EventPresence))
	assert.Equal(t, "alice", push.UserID)
	assert.False(t, push.IsOnline)
	assert.NotNil(t, push.LastSeenAt)

	connect(hub, "alice", "a2")
	push = payload[models.PresenceUpdate](t, expectEvent(t, bob, models.EventPresence))
	assert.True(t, push.IsOnline)
}

func TestManager_ReactionAndRead(t *testing.T) {
	hub, storageMock := newHub(t, chathub.Options{})
	storageMock.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
	storageMock.On("GetMessage", mock.Anything, "msg-1").Return(&models.Message{ID: "msg-1", MatchID: "m1", SenderID: "alice"}, nil)
	storageMock.On("ToggleReaction", mock.Anything, "msg-1", "bob", "❤️").
		Return(map[string][]string{"❤️": {"bob"}}, nil)
	storageMock.On("MarkRead", mock.Anything, "m1", "bob").Return(int64(3), nil).Once()
	storageMock.On("MarkRead", mock.Anything, "m1", "bob").Return(int64(0), nil).Once()

	alice := connect(hub, "alice", "a1")
	bob := connect(hub, "bob", "b1")
	join(t, hub, alice, "m1")

	hub.HandleEvent(context.Background(), bob, event(t, models.EventReaction, models.ReactionRequest{MessageID: "msg-1", Emoji: "❤️"}))
	upd := payload[models.ReactionUpdate](t, expectEvent(t, alice, models.EventReaction))
	assert.Equal(t, map[string][]string{"❤️": {"bob"}}, upd.Reactions)
	assert.Equal(t, "bob", upd.UserID)
	expectEvent(t, bob, models.EventReaction)

	hub.HandleEvent(context.Background(), bob, event(t, models.EventRead, models.ReadReceipt{MatchID: "m1"}))
	rr := payload[models.ReadReceipt](t, expectEvent(t, alice, models.EventRead))
	assert.Equal(t, models.ReadReceipt{MatchID: "m1", ReaderID: "bob", Count: 3}, rr)
	expectEvent(t, bob, models.EventRead)

	hub.HandleEvent(context.Background(), bob, event(t, models.EventRead, models.ReadReceipt{MatchID: "m1"}))
	assertNoEvent(t, alice)
}

func TestManager_UnknownEvent(t *testing.T) {
	hub, _ := newHub(t, chathub.Options{})
	alice := connect(hub, "alice", "a1")

	hub.HandleEvent(context.Background(), alice, models.Event{Type: models.EventNewMessage, Ack: "x"})
	p := expectError(t, alice, models.ErrCodeUnknownEvent)
	assert.Equal(t, models.EventNewMessage, p.Event)
}

func TestManager_History(t *testing.T) {
	hub, storageMock := newHub(t, chathub.Options{})
	storageMock.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
	storageMock.On("ListMessages", mock.Anything, "m1", "", 50).
		Return([]models.Message{{ID: "1"}, {ID: "2"}}, nil)

	msgs, err := hub.History(context.Background(), "alice", "m1", "", 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = hub.History(context.Background(), "carol", "m1", "", 50)
	assert.ErrorIs(t, err, chathub.ErrForbidden)
}

func TestManager_BroadcastCrossesBus(t *testing.T) {
	bus := newFakeBus()
	hub, storageMock := newHub(t, chathub.Options{Bus: bus})
	storageMock.On("GetMatch", mock.Anything, "m1").Return(aliceAndBob, nil)
	storageMock.On("MarkRead", mock.Anything, "m1", "alice").Return(int64(1), nil)

	alice := connect(hub, "alice", "a1")
	bob := connect(hub, "bob", "b1")
	join(t, hub, alice, "m1")
	join(t, hub, bob, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	hub.HandleEvent(context.Background(), alice, event(t, models.EventRead, models.ReadReceipt{MatchID: "m1"}))
	expectEvent(t, bob, models.EventRead)
	expectEvent(t, alice, models.EventRead)
	assert.Equal(t, []string{"m1"}, bus.publishedRooms())

	bus.inbound <- busEnvelope{roomID: "m1", ev: event(t, models.EventNewMessage, models.Message{ID: "remote"})}
	got := payload[models.Message](t, expectEvent(t, bob, models.EventNewMessage))
	assert.Equal(t, "remote", got.ID)
}

func TestManager_ShutdownClosesClients(t *testing.T) {
	hub, _ := newHub(t, chathub.Options{})
	alice := connect(hub, "alice", "a1")

	drain(t, hub)
	assert.True(t, alice.isClosed())
}
