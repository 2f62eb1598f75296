package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/acme/outbound-dialer/internal/domain"
)

// CallEvent is published on every persisted call transition.
type CallEvent struct {
	ID          string            `json:"id"`
	CallID      uuid.UUID         `json:"call_id"`
	CampaignID  uuid.UUID         `json:"campaign_id"`
	ContactID   uuid.UUID         `json:"contact_id"`
	ChannelID   string            `json:"channel_id"`
	Event       string            `json:"event"`
	From        domain.CallStatus `json:"from"`
	To          domain.CallStatus `json:"to"`
	Result      domain.CallResult `json:"result"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	DurationMs  int64             `json:"duration_ms"`
	HangupCause string            `json:"hangup_cause,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewCallEvent snapshots a call right after a transition from prev.
func NewCallEvent(call *domain.Call, prev domain.CallStatus, ev domain.CallEventType) CallEvent {
	msg := CallEvent{
		ID:          ulid.Make().String(),
		CallID:      call.ID,
		CampaignID:  call.CampaignID,
		ContactID:   call.ContactID,
		ChannelID:   call.ChannelID,
		Event:       string(ev),
		From:        prev,
		To:          call.Status,
		Result:      call.Result,
		RetryCount:  call.RetryCount,
		MaxRetries:  call.MaxRetries,
		DurationMs:  call.Duration.Milliseconds(),
		HangupCause: call.HangupCause,
		OccurredAt:  call.UpdatedAt,
	}
	switch call.Status {
	case domain.CallStatusCancelled:
		msg.Reason = call.CancelReason
	case domain.CallStatusFailed:
		msg.Reason = call.LastError
	case domain.CallStatusRetry:
		at := call.ScheduledAt
		msg.ScheduledAt = &at
	}
	return msg
}

// CallEvents publishes call lifecycle messages on one topic.
type CallEvents struct {
	pub   Publisher
	topic string
}

// NewCallEvents binds a publisher to the call event topic.
func NewCallEvents(pub Publisher, topic string) *CallEvents {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &CallEvents{pub: pub, topic: topic}
}

// Publish encodes and sends msg keyed by call id.
func (e *CallEvents) Publish(ctx context.Context, msg CallEvent) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("call events: marshal: %w", err)
	}
	if err := e.pub.Publish(ctx, e.topic, msg.CallID[:], payload); err != nil {
		return fmt.Errorf("call events: publish %s: %w", msg.CallID, err)
	}
	return nil
}

// Close releases the underlying transport.
func (e *CallEvents) Close() error {
	return e.pub.Close()
}
