package domain

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestCall(maxRetries int) *Call {
	return NewCall(uuid.New(), uuid.New(), maxRetries, t0)
}

func TestTransitionHappyPath(t *testing.T) {
	call := newTestCall(2)

	steps := []struct {
		ev   CallEvent
		want CallStatus
	}{
		{CallEvent{Type: EventQueue, At: t0}, CallStatusQueued},
		{CallEvent{Type: EventLaunch, At: t0.Add(time.Second), ChannelID: "chan-1"}, CallStatusCalling},
		{CallEvent{Type: EventRing, At: t0.Add(2 * time.Second)}, CallStatusRinging},
		{CallEvent{Type: EventAnswer, At: t0.Add(5 * time.Second)}, CallStatusAnswered},
		{CallEvent{Type: EventBeginInteraction, At: t0.Add(6 * time.Second)}, CallStatusInProgress},
		{CallEvent{Type: EventComplete, At: t0.Add(61 * time.Second), Result: CallResultLead}, CallStatusCompleted},
	}
	for _, step := range steps {
		got, err := Transition(call, step.ev)
		require.NoError(t, err, "event %s", step.ev.Type)
		require.Equal(t, step.want, got)
		require.Equal(t, step.want, call.Status)
	}

	assert.Equal(t, "chan-1", call.ChannelID)
	assert.Equal(t, CallResultLead, call.Result)
	require.NotNil(t, call.EndedAt)
	assert.Equal(t, 60*time.Second, call.Duration)
}

func TestTransitionFromTerminalDoesNotMutate(t *testing.T) {
	for _, terminal := range []CallStatus{CallStatusCompleted, CallStatusFailed, CallStatusCancelled} {
		call := newTestCall(2)
		call.Status = terminal
		ended := t0.Add(time.Minute)
		call.EndedAt = &ended
		before := *call

		for ev := range map[CallEventType]struct{}{
			EventQueue: {}, EventLaunch: {}, EventRing: {}, EventAnswer: {}, EventComplete: {},
			EventFail: {}, EventCancel: {}, EventRetry: {}, EventNoAnswer: {},
		} {
			_, err := Transition(call, CallEvent{Type: ev, At: t0.Add(time.Hour)})
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), "%s from %s", ev, terminal)
			assert.Equal(t, before, *call)
		}
	}
}

func TestTransitionInvalidPairRejected(t *testing.T) {
	call := newTestCall(1)
	_, err := Transition(call, CallEvent{Type: EventAnswer, At: t0})
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, CallStatusPending, call.Status)
}

func TestTerminalTimestamps(t *testing.T) {
	t.Run("cancelled before launch has zero duration", func(t *testing.T) {
		call := newTestCall(1)
		_, err := Transition(call, CallEvent{Type: EventCancel, At: t0, Reason: "campaign_stopped"})
		require.NoError(t, err)
		require.NotNil(t, call.EndedAt)
		assert.Equal(t, time.Duration(0), call.Duration)
		assert.Equal(t, "campaign_stopped", call.CancelReason)
	})

	t.Run("failed after launch measures from start", func(t *testing.T) {
		call := newTestCall(1)
		_, err := Transition(call, CallEvent{Type: EventLaunch, At: t0, ChannelID: "c"})
		require.NoError(t, err)
		_, err = Transition(call, CallEvent{Type: EventFail, At: t0.Add(7 * time.Second), Reason: "USER_NOT_REGISTERED"})
		require.NoError(t, err)
		require.NotNil(t, call.EndedAt)
		assert.Equal(t, 7*time.Second, call.Duration)
		assert.Equal(t, "USER_NOT_REGISTERED", call.LastError)
	})
}

func TestRetryTransition(t *testing.T) {
	call := newTestCall(2)
	_, err := Transition(call, CallEvent{Type: EventLaunch, At: t0, ChannelID: "c1"})
	require.NoError(t, err)
	_, err = Transition(call, CallEvent{Type: EventNoAnswer, At: t0.Add(30 * time.Second)})
	require.NoError(t, err)
	require.NotNil(t, call.EndedAt)

	retryAt := t0.Add(30 * time.Minute)
	got, err := Transition(call, CallEvent{Type: EventRetry, At: t0.Add(time.Minute), RetryAt: retryAt, PriorityBoost: 10})
	require.NoError(t, err)
	assert.Equal(t, CallStatusRetry, got)
	assert.Equal(t, 1, call.RetryCount)
	assert.Equal(t, retryAt, call.ScheduledAt)
	assert.Equal(t, 10, call.QueuePriority)
	assert.False(t, call.Launched())
	assert.Nil(t, call.StartedAt)
	assert.Nil(t, call.EndedAt)
	assert.Equal(t, time.Duration(0), call.Duration)
}

func TestRetryBudgetNeverExceeded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	events := []CallEventType{EventQueue, EventLaunch, EventRing, EventAnswer, EventNoAnswer, EventBusy, EventRetry, EventFail, EventComplete}

	for i := 0; i < 200; i++ {
		call := newTestCall(rng.Intn(4))
		for j := 0; j < 60; j++ {
			ev := events[rng.Intn(len(events))]
			before := call.RetryCount
			_, err := Transition(call, CallEvent{Type: ev, At: t0.Add(time.Duration(j) * time.Second)})
			if ev == EventRetry && before >= call.MaxRetries {
				require.Error(t, err)
			}
			require.LessOrEqual(t, call.RetryCount, call.MaxRetries)
		}
	}
}

func TestRetryExhaustedIsDistinct(t *testing.T) {
	call := newTestCall(0)
	call.Status = CallStatusBusy
	_, err := Transition(call, CallEvent{Type: EventRetry, At: t0})
	require.ErrorIs(t, err, apperrors.ErrRetryExhausted)
	assert.False(t, errors.Is(err, apperrors.ErrInvalidTransition))
	assert.Equal(t, CallStatusBusy, call.Status)
}

func TestIsSettled(t *testing.T) {
	call := newTestCall(1)
	call.Status = CallStatusNoAnswer
	assert.False(t, IsSettled(call, true))
	assert.True(t, IsSettled(call, false))

	call.RetryCount = 1
	assert.True(t, IsSettled(call, true))

	call.Status = CallStatusCalling
	assert.False(t, IsSettled(call, true))

	call.Status = CallStatusCompleted
	assert.True(t, IsSettled(call, true))
}
