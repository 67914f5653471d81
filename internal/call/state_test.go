package call_test

import (
	"testing"

	"matchwire/backend/internal/call"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    call.State
		trigger call.Trigger
		want    call.State
		legal   bool
	}{
		{"caller dials", call.Idle, call.TriggerDial, call.Dialing, true},
		{"callee rings", call.Idle, call.TriggerIncoming, call.Ringing, true},
		{"caller gets answer", call.Dialing, call.TriggerAnswered, call.Connecting, true},
		{"callee accepts", call.Ringing, call.TriggerAccept, call.Connecting, true},
		{"transport connects", call.Connecting, call.TriggerConnected, call.Active, true},
		{"hang up active", call.Active, call.TriggerEnd, call.Idle, true},
		{"active fails", call.Active, call.TriggerFail, call.Idle, true},
		{"ring timeout", call.Ringing, call.TriggerTimeout, call.Idle, true},
		{"dial timeout", call.Dialing, call.TriggerTimeout, call.Idle, true},
		{"reject while ringing", call.Ringing, call.TriggerReject, call.Idle, true},
		{"reject active", call.Active, call.TriggerReject, call.Active, false},
		{"timeout active", call.Active, call.TriggerTimeout, call.Active, false},
		{"accept without ringing", call.Idle, call.TriggerAccept, call.Idle, false},
		{"end from idle", call.Idle, call.TriggerEnd, call.Idle, false},
		{"dial twice", call.Dialing, call.TriggerDial, call.Dialing, false},
		{"connect before answer", call.Ringing, call.TriggerConnected, call.Ringing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := call.Transition(tt.from, tt.trigger)
			assert.Equal(t, tt.want, got)
			if tt.legal {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, call.ErrIllegalTransition)
			}
		})
	}
}

func TestStatePredicates(t *testing.T) {
	assert.False(t, call.Idle.Live())
	assert.True(t, call.Ringing.Live())
	assert.False(t, call.Ringing.Connected())
	assert.True(t, call.Connecting.Connected())
	assert.True(t, call.Active.Connected())
}
