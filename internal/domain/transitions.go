package domain

import (
	"fmt"
	"time"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// CallEventType names a stimulus that may move a call between statuses.
type CallEventType string

const (
	EventQueue            CallEventType = "queue"
	EventLaunch           CallEventType = "launch"
	EventRing             CallEventType = "ring"
	EventAnswer           CallEventType = "answer"
	EventBeginInteraction CallEventType = "begin_interaction"
	EventComplete         CallEventType = "complete"
	EventFail             CallEventType = "fail"
	EventNoAnswer         CallEventType = "no_answer"
	EventBusy             CallEventType = "busy"
	EventCancel           CallEventType = "cancel"
	EventRetry            CallEventType = "retry"
)

// CallEvent carries the stimulus plus the data some transitions need.
type CallEvent struct {
	Type CallEventType
	At   time.Time

	// ChannelID is assigned on launch.
	ChannelID string
	// Result classifies a completed call. Empty means unknown.
	Result CallResult
	// Reason is stored as cancel reason or last error.
	Reason string
	// RetryAt and PriorityBoost drive the retry transition.
	RetryAt       time.Time
	PriorityBoost int
	// Outcome carries metadata gathered while the channel was live.
	Outcome *OutcomeFields
}

// OutcomeFields are copied onto the call when non-empty.
type OutcomeFields struct {
	HangupCause   string
	AMDResult     string
	Sentiment     string
	Transcript    string
	TranscriptRef string
	BargedIn      bool
}

func (o *OutcomeFields) applyTo(c *Call) {
	if o == nil {
		return
	}
	if o.HangupCause != "" {
		c.HangupCause = o.HangupCause
	}
	if o.AMDResult != "" {
		c.AMDResult = o.AMDResult
	}
	if o.Sentiment != "" {
		c.Sentiment = o.Sentiment
	}
	if o.Transcript != "" {
		c.Transcript = o.Transcript
	}
	if o.TranscriptRef != "" {
		c.TranscriptRef = o.TranscriptRef
	}
	c.BargedIn = c.BargedIn || o.BargedIn
}

var callTransitions = map[CallStatus]map[CallEventType]CallStatus{
	CallStatusPending: {
		EventQueue:  CallStatusQueued,
		EventLaunch: CallStatusCalling,
		EventCancel: CallStatusCancelled,
	},
	CallStatusRetry: {
		EventQueue:  CallStatusQueued,
		EventLaunch: CallStatusCalling,
		EventCancel: CallStatusCancelled,
	},
	CallStatusQueued: {
		EventLaunch: CallStatusCalling,
		EventFail:   CallStatusFailed,
		EventCancel: CallStatusCancelled,
	},
	CallStatusCalling: {
		EventRing:     CallStatusRinging,
		EventAnswer:   CallStatusAnswered,
		EventFail:     CallStatusFailed,
		EventNoAnswer: CallStatusNoAnswer,
		EventBusy:     CallStatusBusy,
		EventCancel:   CallStatusCancelled,
	},
	CallStatusRinging: {
		EventAnswer:   CallStatusAnswered,
		EventFail:     CallStatusFailed,
		EventNoAnswer: CallStatusNoAnswer,
		EventBusy:     CallStatusBusy,
		EventCancel:   CallStatusCancelled,
	},
	CallStatusAnswered: {
		EventBeginInteraction: CallStatusInProgress,
		EventComplete:         CallStatusCompleted,
		EventFail:             CallStatusFailed,
		EventCancel:           CallStatusCancelled,
	},
	CallStatusInProgress: {
		EventComplete: CallStatusCompleted,
		EventFail:     CallStatusFailed,
		EventNoAnswer: CallStatusNoAnswer,
		EventBusy:     CallStatusBusy,
		EventCancel:   CallStatusCancelled,
	},
	CallStatusNoAnswer: {
		EventRetry:  CallStatusRetry,
		EventCancel: CallStatusCancelled,
	},
	CallStatusBusy: {
		EventRetry:  CallStatusRetry,
		EventCancel: CallStatusCancelled,
	},
}

// NextStatus resolves the target status without touching the call.
func NextStatus(from CallStatus, event CallEventType) (CallStatus, error) {
	if from.IsTerminal() {
		return from, fmt.Errorf("%w: call is %s", apperrors.ErrInvalidTransition, from)
	}
	to, ok := callTransitions[from][event]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", apperrors.ErrInvalidTransition, event, from)
	}
	return to, nil
}

// Transition applies event to call. On error the call is left untouched.
func Transition(call *Call, ev CallEvent) (CallStatus, error) {
	to, err := NextStatus(call.Status, ev.Type)
	if err != nil {
		return call.Status, err
	}
	if ev.Type == EventRetry && !call.RetryBudgetLeft() {
		return call.Status, fmt.Errorf("%w: %d of %d used", apperrors.ErrRetryExhausted, call.RetryCount, call.MaxRetries)
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := call.Clone()
	next.Status = to
	next.UpdatedAt = at

	switch ev.Type {
	case EventLaunch:
		if ev.ChannelID != "" {
			next.ChannelID = ev.ChannelID
		}
		next.StartedAt = &at
	case EventAnswer:
		next.AnsweredAt = &at
	case EventRetry:
		next.RetryCount++
		next.ScheduledAt = ev.RetryAt
		if next.ScheduledAt.IsZero() {
			next.ScheduledAt = at
		}
		next.QueuePriority += ev.PriorityBoost
		next.ChannelID = Placeholder(next.ID)
		next.StartedAt = nil
		next.AnsweredAt = nil
		next.EndedAt = nil
		next.Duration = 0
		next.HangupCause = ""
		next.AMDResult = ""
		next.BargedIn = false
	}
	if ev.Type != EventRetry {
		ev.Outcome.applyTo(next)
	}

	switch to {
	case CallStatusCompleted:
		next.Result = ev.Result
		if next.Result == "" {
			next.Result = CallResultUnknown
		}
	case CallStatusFailed:
		next.Result = CallResultFailed
		if ev.Reason != "" {
			next.LastError = ev.Reason
		}
	case CallStatusCancelled:
		next.Result = CallResultCancelled
		next.CancelReason = ev.Reason
	case CallStatusNoAnswer:
		next.Result = CallResultNoAnswer
	case CallStatusBusy:
		next.Result = CallResultBusy
	}

	if closesAttempt(to) {
		next.EndedAt = &at
		next.Duration = 0
		if next.StartedAt != nil {
			next.Duration = at.Sub(*next.StartedAt)
			if next.Duration < 0 {
				next.Duration = 0
			}
		}
	}

	*call = *next
	return to, nil
}

// closesAttempt reports whether entering the status ends the current dial attempt.
func closesAttempt(s CallStatus) bool {
	return s.IsTerminal() || s.IsRetryable()
}

// IsSettled reports whether the call needs no further dispatcher work:
// terminal, or a retryable outcome with no retry ahead of it.
func IsSettled(call *Call, retriesEnabled bool) bool {
	if call.Status.IsTerminal() {
		return true
	}
	if call.Status.IsRetryable() {
		return !retriesEnabled || !call.RetryBudgetLeft()
	}
	return false
}
