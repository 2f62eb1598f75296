// Package outcome keeps per-channel facts gathered while a call is live so
// reconciliation can close the call with the best information available.
package outcome

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/acme/outbound-dialer/internal/domain"
)

// ErrNoOutcome is returned when nothing was recorded for a channel.
var ErrNoOutcome = errors.New("outcome: none recorded")

// Outcome is a partial record; zero fields mean unknown.
type Outcome struct {
	HangupCause   string
	AMDResult     string
	Qualification domain.CallResult
	Answered      bool
	BargedIn      bool
	Transcript    string
	Sentiment     string
	Latency       time.Duration
	UpdatedAt     time.Time
}

// Merge overlays the non-zero fields of next on o.
func (o Outcome) Merge(next Outcome) Outcome {
	if next.HangupCause != "" {
		o.HangupCause = next.HangupCause
	}
	if next.AMDResult != "" {
		o.AMDResult = next.AMDResult
	}
	if next.Qualification != "" {
		o.Qualification = next.Qualification
	}
	if next.Transcript != "" {
		o.Transcript = next.Transcript
	}
	if next.Sentiment != "" {
		o.Sentiment = next.Sentiment
	}
	if next.Latency > 0 {
		o.Latency = next.Latency
	}
	o.Answered = o.Answered || next.Answered
	o.BargedIn = o.BargedIn || next.BargedIn
	if next.UpdatedAt.After(o.UpdatedAt) {
		o.UpdatedAt = next.UpdatedAt
	}
	return o
}

// Store records outcomes keyed by media server channel identifier.
type Store interface {
	Record(ctx context.Context, channelID string, o Outcome) error
	Get(ctx context.Context, channelID string) (Outcome, error)
	Delete(ctx context.Context, channelID string) error
}

// Class is the coarse meaning of a hangup cause.
type Class int

const (
	ClassUnknown Class = iota
	ClassNormal
	ClassBusy
	ClassNoAnswer
	ClassFailed
)

var causeClasses = map[string]Class{
	"NORMAL_CLEARING":           ClassNormal,
	"NORMAL_UNSPECIFIED":        ClassNormal,
	"USER_BUSY":                 ClassBusy,
	"CALL_REJECTED":             ClassBusy,
	"NORMAL_CIRCUIT_CONGESTION": ClassBusy,
	"SWITCH_CONGESTION":         ClassBusy,
	"NO_ANSWER":                 ClassNoAnswer,
	"NO_USER_RESPONSE":          ClassNoAnswer,
	"ORIGINATOR_CANCEL":         ClassNoAnswer,
	"ALLOTTED_TIMEOUT":          ClassNoAnswer,
	"RECOVERY_ON_TIMER_EXPIRE":  ClassNoAnswer,
	"UNALLOCATED_NUMBER":        ClassFailed,
	"INVALID_NUMBER_FORMAT":     ClassFailed,
	"NO_ROUTE_DESTINATION":      ClassFailed,
	"DESTINATION_OUT_OF_ORDER":  ClassFailed,
	"GATEWAY_DOWN":              ClassFailed,
	"INTERWORKING":              ClassFailed,
}

// ClassifyCause maps a media server hangup cause name.
func ClassifyCause(cause string) Class {
	return causeClasses[strings.ToUpper(strings.TrimSpace(cause))]
}

// IsMachine reports whether an answering machine detector flagged a recording.
func IsMachine(amd string) bool {
	switch strings.ToUpper(amd) {
	case "MACHINE", "FAX", "NOTSURE_MACHINE":
		return true
	}
	return false
}

// Resolution is the closing transition reconciliation should apply.
type Resolution struct {
	Event  domain.CallEventType
	Result domain.CallResult
	Reason string
}

// Resolve picks the closing event for a call that is no longer live. It
// prefers machine detection, then qualification, then the hangup cause.
// ok is false when nothing useful is known, which callers treat as failure.
func Resolve(o Outcome) (Resolution, bool) {
	if IsMachine(o.AMDResult) {
		return Resolution{Event: domain.EventComplete, Result: domain.CallResultMachine}, true
	}
	if o.Qualification != "" {
		return Resolution{Event: domain.EventComplete, Result: o.Qualification}, true
	}

	switch ClassifyCause(o.HangupCause) {
	case ClassBusy:
		return Resolution{Event: domain.EventBusy}, true
	case ClassNoAnswer:
		if o.Answered {
			return Resolution{Event: domain.EventComplete, Result: domain.CallResultUnknown}, true
		}
		return Resolution{Event: domain.EventNoAnswer}, true
	case ClassFailed:
		return Resolution{Event: domain.EventFail, Reason: "hangup_" + strings.ToLower(o.HangupCause)}, true
	case ClassNormal:
		if o.Answered {
			return Resolution{Event: domain.EventComplete, Result: domain.CallResultUnknown}, true
		}
		return Resolution{Event: domain.EventNoAnswer}, true
	}
	if o.Answered {
		return Resolution{Event: domain.EventComplete, Result: domain.CallResultUnknown}, true
	}
	return Resolution{}, false
}
