package telephony

import (
	"errors"
	"time"
)

var (
	// ErrMalformedEvent marks an event whose payload could not be decoded.
	ErrMalformedEvent = errors.New("telephony: malformed event")
	// ErrUnknownEvent marks an event type the dialer does not consume.
	ErrUnknownEvent = errors.New("telephony: unknown event")
)

// EventKind enumerates the events the dialer reacts to.
type EventKind string

const (
	EventRinging         EventKind = "ringing"
	EventAnswered        EventKind = "answered"
	EventPlaybackStarted EventKind = "playback_started"
	EventPlaybackStopped EventKind = "playback_stopped"
	EventHangup          EventKind = "hangup"
	EventSpeech          EventKind = "speech"
)

// Event is a decoded media server notification.
type Event struct {
	Kind      EventKind
	ChannelID string
	At        time.Time

	// Set on hangup.
	HangupCause string
	AMDResult   string

	// Set on speech.
	Speech *Speech
}

// Speech is one recognition result.
type Speech struct {
	Text string
	// Confidence ranges from 0 to 100.
	Confidence float64
	Final      bool
	// Duration is the amount of speech the result covers.
	Duration time.Duration
}
