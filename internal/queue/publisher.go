package queue

import "context"

// Publisher delivers an encoded payload to a named topic. key groups
// related messages; transports without partitioning ignore it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// NopPublisher drops every message. It backs the "none" event sink.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, []byte, []byte) error { return nil }

func (NopPublisher) Close() error { return nil }
