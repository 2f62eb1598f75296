package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dialer/internal/domain"
)

func TestCallEventsPublishKeyedByCall(t *testing.T) {
	mock := NewMockPublisher()
	events := NewCallEvents(mock, "dialer.call-events")

	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	call := domain.NewCall(uuid.New(), uuid.New(), 2, now)
	_, err := domain.Transition(call, domain.CallEvent{Type: domain.EventCancel, At: now, Reason: "contact_opted_out"})
	require.NoError(t, err)

	require.NoError(t, events.Publish(context.Background(), NewCallEvent(call, domain.CallStatusPending, domain.EventCancel)))

	msgs := mock.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "dialer.call-events", msgs[0].Topic)
	assert.Equal(t, call.ID[:], msgs[0].Key)

	var got CallEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, domain.CallStatusPending, got.From)
	assert.Equal(t, domain.CallStatusCancelled, got.To)
	assert.Equal(t, "contact_opted_out", got.Reason)
	assert.Len(t, got.ID, 26)
}

func TestCallEventsSurfacesTransportErrors(t *testing.T) {
	mock := NewMockPublisher()
	mock.SetError(errors.New("broker down"))
	events := NewCallEvents(mock, "t")

	call := domain.NewCall(uuid.New(), uuid.New(), 0, time.Now())
	err := events.Publish(context.Background(), NewCallEvent(call, call.Status, domain.EventQueue))
	require.Error(t, err)
	assert.Empty(t, mock.Messages())

	require.NoError(t, events.Close())
	assert.True(t, mock.Closed())
}

func TestMQTTTopic(t *testing.T) {
	assert.Equal(t, "dialer/call-events", MQTTTopic("dialer", "call-events"))
	assert.Equal(t, "dialer/calls/state", MQTTTopic("dialer", "calls.state"))
	assert.Equal(t, "calls/state", MQTTTopic("", "calls.state"))
}
