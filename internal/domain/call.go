package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusQueued     CallStatus = "queued"
	CallStatusCalling    CallStatus = "calling"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCancelled  CallStatus = "cancelled"
	CallStatusRetry      CallStatus = "retry"
)

// ActiveCallStatuses are the statuses that occupy a telephony channel.
var ActiveCallStatuses = []CallStatus{
	CallStatusCalling,
	CallStatusRinging,
	CallStatusAnswered,
	CallStatusInProgress,
}

// EligibleCallStatuses are the statuses the dispatcher may claim.
var EligibleCallStatuses = []CallStatus{CallStatusPending, CallStatusRetry}

// StoppableCallStatuses are cancelled when a campaign stops.
var StoppableCallStatuses = []CallStatus{CallStatusPending, CallStatusRetry, CallStatusQueued}

// IsTerminal reports whether no further transition is possible.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the call currently holds a channel.
func (s CallStatus) IsActive() bool {
	for _, a := range ActiveCallStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the status may feed the retry sub-cycle.
func (s CallStatus) IsRetryable() bool {
	return s == CallStatusNoAnswer || s == CallStatusBusy
}

// CallResult is the business classification of a finished call.
type CallResult string

const (
	CallResultNew           CallResult = "new"
	CallResultLead          CallResult = "lead"
	CallResultNotInterested CallResult = "not_interested"
	CallResultCallback      CallResult = "callback"
	CallResultNoAnswer      CallResult = "no_answer"
	CallResultBusy          CallResult = "busy"
	CallResultMachine       CallResult = "machine"
	CallResultFailed        CallResult = "failed"
	CallResultCancelled     CallResult = "cancelled"
	CallResultUnknown       CallResult = "unknown"
)

// PlaceholderPrefix marks a call identifier that has not been launched yet.
const PlaceholderPrefix = "pending:"

// Call represents one attempt, and its retries, to reach a contact.
type Call struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	ContactID  uuid.UUID
	// ChannelID is the media server call identifier. Until launch it holds a
	// placeholder built from the record id.
	ChannelID     string
	Status        CallStatus
	Result        CallResult
	RetryCount    int
	MaxRetries    int
	ScheduledAt   time.Time
	QueuePriority int
	StartedAt     *time.Time
	AnsweredAt    *time.Time
	EndedAt       *time.Time
	Duration      time.Duration
	HangupCause   string
	AMDResult     string
	Sentiment     string
	TranscriptRef string
	Transcript    string
	BargedIn      bool
	LastError     string
	CancelReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewCall builds a pending call for a contact.
func NewCall(campaignID, contactID uuid.UUID, maxRetries int, now time.Time) *Call {
	id := uuid.New()
	return &Call{
		ID:          id,
		CampaignID:  campaignID,
		ContactID:   contactID,
		ChannelID:   Placeholder(id),
		Status:      CallStatusPending,
		Result:      CallResultNew,
		MaxRetries:  maxRetries,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Placeholder returns the pre-launch identifier for a call record.
func Placeholder(id uuid.UUID) string {
	return PlaceholderPrefix + id.String()
}

// Launched reports whether the call carries a real channel identifier.
func (c *Call) Launched() bool {
	return c.ChannelID != "" && !strings.HasPrefix(c.ChannelID, PlaceholderPrefix)
}

// Clone returns a copy that can be mutated without touching the original.
func (c *Call) Clone() *Call {
	cp := *c
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.AnsweredAt = cloneTime(c.AnsweredAt)
	cp.EndedAt = cloneTime(c.EndedAt)
	return &cp
}

// RetryBudgetLeft reports whether another retry may be scheduled.
func (c *Call) RetryBudgetLeft() bool {
	return c.RetryCount < c.MaxRetries
}

// DispatchItem is a claimed call joined with its contact.
type DispatchItem struct {
	Call    *Call
	Contact Contact
}

// CallAttempt is an append-only journal row for one dial attempt.
type CallAttempt struct {
	CallID      uuid.UUID
	CampaignID  uuid.UUID
	ChannelID   string
	AttemptNum  int
	Status      CallStatus
	Result      CallResult
	HangupCause string
	Error       string
	CreatedAt   time.Time
	Duration    time.Duration
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
