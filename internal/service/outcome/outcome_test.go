package outcome

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dialer/internal/domain"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    Resolution
		ok      bool
	}{
		{
			name:    "machine wins over qualification",
			outcome: Outcome{AMDResult: "MACHINE", Qualification: domain.CallResultLead, HangupCause: "NORMAL_CLEARING", Answered: true},
			want:    Resolution{Event: domain.EventComplete, Result: domain.CallResultMachine},
			ok:      true,
		},
		{
			name:    "qualification",
			outcome: Outcome{Qualification: domain.CallResultLead, HangupCause: "NORMAL_CLEARING", Answered: true},
			want:    Resolution{Event: domain.EventComplete, Result: domain.CallResultLead},
			ok:      true,
		},
		{
			name:    "busy",
			outcome: Outcome{HangupCause: "USER_BUSY"},
			want:    Resolution{Event: domain.EventBusy},
			ok:      true,
		},
		{
			name:    "unanswered timeout",
			outcome: Outcome{HangupCause: "NO_ANSWER"},
			want:    Resolution{Event: domain.EventNoAnswer},
			ok:      true,
		},
		{
			name:    "answered then cleared without qualification",
			outcome: Outcome{HangupCause: "normal_clearing", Answered: true},
			want:    Resolution{Event: domain.EventComplete, Result: domain.CallResultUnknown},
			ok:      true,
		},
		{
			name:    "bad number",
			outcome: Outcome{HangupCause: "UNALLOCATED_NUMBER"},
			want:    Resolution{Event: domain.EventFail, Reason: "hangup_unallocated_number"},
			ok:      true,
		},
		{
			name: "nothing known",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(tt.outcome)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryStoreMergesPartialWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "chan")
	require.ErrorIs(t, err, ErrNoOutcome)

	require.NoError(t, s.Record(ctx, "chan", Outcome{Answered: true}))
	require.NoError(t, s.Record(ctx, "chan", Outcome{Qualification: domain.CallResultCallback, BargedIn: true}))
	require.NoError(t, s.Record(ctx, "chan", Outcome{HangupCause: "NORMAL_CLEARING"}))

	got, err := s.Get(ctx, "chan")
	require.NoError(t, err)
	assert.True(t, got.Answered)
	assert.True(t, got.BargedIn)
	assert.Equal(t, domain.CallResultCallback, got.Qualification)
	assert.Equal(t, "NORMAL_CLEARING", got.HangupCause)

	require.NoError(t, s.Delete(ctx, "chan"))
	_, err = s.Get(ctx, "chan")
	require.ErrorIs(t, err, ErrNoOutcome)
}
