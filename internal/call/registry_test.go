package call_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"matchwire/backend/internal/call"
	"matchwire/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOffer = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

type endRecorder struct {
	mu    sync.Mutex
	ended []call.Ended
}

func (r *endRecorder) record(e call.Ended) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, e)
}

func (r *endRecorder) all() []call.Ended {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.Ended(nil), r.ended...)
}

func newRegistry(ring time.Duration) (*call.Registry, *endRecorder) {
	rec := &endRecorder{}
	return call.NewRegistry(ring, rec.record), rec
}

func TestRegistry_OfferAndAnswer(t *testing.T) {
	reg, rec := newRegistry(time.Minute)
	defer reg.Close()

	s, err := reg.Offer("alice", "conn-a", "bob", "m1", models.CallVideo, testOffer)
	require.NoError(t, err)
	assert.Equal(t, call.Ringing, s.State)
	assert.NotEmpty(t, s.ID)
	assert.False(t, s.DialedAt.IsZero())

	pending, ok := reg.Pending("bob")
	require.True(t, ok)
	assert.Equal(t, s.ID, pending.ID)

	answered, err := reg.Answer("bob", "conn-b", "alice")
	require.NoError(t, err)
	assert.Equal(t, call.Connecting, answered.State)
	assert.False(t, answered.ConnectedAt.IsZero())

	_, ok = reg.Pending("bob")
	assert.False(t, ok, "answered call is no longer pending")
	assert.Empty(t, rec.all())
}

func TestRegistry_BusyCallee(t *testing.T) {
	reg, _ := newRegistry(time.Minute)
	defer reg.Close()

	first, err := reg.Offer("alice", "conn-a", "bob", "m1", models.CallAudio, testOffer)
	require.NoError(t, err)

	_, err = reg.Offer("carol", "conn-c", "bob", "m2", models.CallAudio, testOffer)
	assert.ErrorIs(t, err, call.ErrBusy)

	_, err = reg.Offer("alice", "conn-a", "dave", "m3", models.CallAudio, testOffer)
	assert.ErrorIs(t, err, call.ErrAlreadyInCall)

	still, ok := reg.Of("bob")
	require.True(t, ok)
	assert.Equal(t, first.ID, still.ID, "existing session must be undisturbed")
	assert.Equal(t, call.Ringing, still.State)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RingTimeout(t *testing.T) {
	reg, rec := newRegistry(20 * time.Millisecond)
	defer reg.Close()

	_, err := reg.Offer("alice", "conn-a", "bob", "m1", models.CallAudio, testOffer)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	ended := rec.all()[0]
	assert.Equal(t, models.ReasonMissed, ended.Reason)
	assert.Empty(t, ended.EndedBy)
	assert.False(t, ended.Answered())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_AnswerCancelsTimer(t *testing.T) {
	reg, rec := newRegistry(30 * time.Millisecond)
	defer reg.Close()

	_, err := reg.Offer("alice", "conn-a", "bob", "m1", models.CallAudio, testOffer)
	require.NoError(t, err)
	_, err = reg.Answer("bob", "conn-b", "alice")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.all(), "timer must not end an answered call")
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RejectFiresHookOnce(t *testing.T) {
	reg, rec := newRegistry(30 * time.Millisecond)
	defer reg.Close()

	_, err := reg.Offer("alice", "conn-a", "bob", "m1", models.CallVideo, testOffer)
	require.NoError(t, err)

	ended, err := reg.Reject("bob", "alice", models.ReasonDeclined)
	require.NoError(t, err)
	assert.Equal(t, "bob", ended.EndedBy)

	_, err = reg.Reject("bob", "alice", models.ReasonDeclined)
	assert.ErrorIs(t, err, call.ErrNoSession)
	_, err = reg.End("alice", "bob", models.ReasonEndedByUser)
	assert.ErrorIs(t, err, call.ErrNoSession)

	time.Sleep(80 * time.Millisecond)
	require.Len(t, rec.all(), 1, "stale ring timer must not fire the hook again")
	assert.Equal(t, models.ReasonDeclined, rec.all()[0].Reason)
}

func TestRegistry_EndAfterAnswer(t *testing.T) {
	reg, rec := newRegistry(time.Minute)
	defer reg.Close()

	_, err := reg.Offer("alice", "conn-a", "bob", "m1", models.CallAudio, testOffer)
	require.NoError(t, err)
	_, err = reg.Answer("bob", "conn-b", "alice")
	require.NoError(t, err)

	ended, err := reg.End("alice", "bob", models.ReasonEndedByUser)
	require.NoError(t, err)
	assert.True(t, ended.Answered())
	assert.Len(t, rec.all(), 1)

	_, err = reg.Offer("bob", "conn-b", "alice", "m1", models.CallAudio, testOffer)
	assert.NoError(t, err, "both users are free again")
}

func TestRegistry_Between(t *testing.T) {
	reg, _ := newRegistry(time.Minute)
	defer reg.Close()

	_, err := reg.Offer("alice", "conn-a", "bob", "m1", models.CallAudio, testOffer)
	require.NoError(t, err)

	_, err = reg.Between("bob", "alice")
	assert.NoError(t, err)
	_, err = reg.Between("bob", "carol")
	assert.ErrorIs(t, err, call.ErrNoSession)
	_, err = reg.Between("carol", "alice")
	assert.ErrorIs(t, err, call.ErrNoSession)
}

func TestRegistry_ConnectionClosed(t *testing.T) {
	tests := []struct {
		name        string
		answer      bool
		userID      string
		connID      string
		stillOnline bool
		wantEnded   bool
		wantReason  string
	}{
		{"caller connection drops", false, "alice", "conn-a", false, true, models.ReasonFailed},
		{"callee last connection drops while ringing", false, "bob", "conn-b1", false, true, models.ReasonOffline},
		{"callee has another connection", false, "bob", "conn-b1", true, false, ""},
		{"callee call connection drops", true, "bob", "conn-b", true, true, models.ReasonFailed},
		{"callee unrelated connection drops", true, "bob", "conn-b2", true, false, ""},
		{"unrelated caller connection", false, "alice", "conn-a2", true, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, rec := newRegistry(time.Minute)
			defer reg.Close()

			_, err := reg.Offer("alice", "conn-a", "bob", "m1", models.CallAudio, testOffer)
			require.NoError(t, err)
			if tt.answer {
				_, err = reg.Answer("bob", "conn-b", "alice")
				require.NoError(t, err)
			}

			ended, ok := reg.ConnectionClosed(tt.userID, tt.connID, tt.stillOnline)
			assert.Equal(t, tt.wantEnded, ok)
			if tt.wantEnded {
				assert.Equal(t, tt.wantReason, ended.Reason)
				assert.Len(t, rec.all(), 1)
				assert.Equal(t, 0, reg.Len())
			} else {
				assert.Empty(t, rec.all())
				assert.Equal(t, 1, reg.Len())
			}
		})
	}
}
