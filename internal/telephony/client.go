// Package telephony defines the control contract the dialer needs from a
// media server: originate, inspect and steer channels, and receive their
// lifecycle and speech events.
package telephony

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when no control connection is available.
	ErrNotConnected = errors.New("telephony: not connected")
	// ErrCommandFailed wraps a negative reply from the media server.
	ErrCommandFailed = errors.New("telephony: command failed")
)

// Channel variables the dialer sets on every originated leg.
const (
	VarCallID     = "dialer_call_id"
	VarCampaignID = "dialer_campaign_id"
	VarContactID  = "dialer_contact_id"
	VarScenario   = "dialer_scenario"
	VarInstance   = "dialer_instance"
)

// ChannelOutcome is what the media server still knows about a channel.
type ChannelOutcome struct {
	ChannelID   string
	State       string
	Answered    bool
	HangupCause string
	AMDResult   string
}

// Client is safe for concurrent use. Every blocking call honours ctx and
// callers are expected to put a deadline on it.
type Client interface {
	Connect(ctx context.Context) error
	// Originate dials number on a channel identified by id and returns the
	// identifier the media server accepted.
	Originate(ctx context.Context, id, number string, vars map[string]string) (string, error)
	ListActiveChannels(ctx context.Context) (map[string]struct{}, error)
	// ChannelInfo returns nil, nil when the channel is unknown.
	ChannelInfo(ctx context.Context, id string) (*ChannelOutcome, error)
	SendCommand(ctx context.Context, raw string) (string, error)
	SetVariable(ctx context.Context, id, name, value string) error
	// GetVariable returns "" for an unset variable.
	GetVariable(ctx context.Context, id, name string) (string, error)
	Transfer(ctx context.Context, id, destination string) error
	StopPlayback(ctx context.Context, id string) error
	Hangup(ctx context.Context, id, cause string) error
	Execute(ctx context.Context, id, app, args string) error
	ModuleLoaded(ctx context.Context, module string) (bool, error)
	// Subscribe streams events for one channel, or for every channel when
	// id is empty. The returned func unsubscribes and closes the stream.
	Subscribe(id string) (<-chan Event, func())
	Close() error
}
