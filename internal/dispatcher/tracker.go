package dispatcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/service/call"
	"github.com/acme/outbound-dialer/internal/service/outcome"
	"github.com/acme/outbound-dialer/internal/telephony"
)

func (d *Dispatcher) track(ctx context.Context) error {
	events, unsubscribe := d.client.Subscribe("")
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.HandleChannelEvent(ctx, ev)
		}
	}
}

// HandleChannelEvent folds one media server event into the call record.
// Progress events move the call forward; a hangup is only recorded in the
// outcome store because closing calls is left to reconciliation.
func (d *Dispatcher) HandleChannelEvent(ctx context.Context, ev telephony.Event) {
	switch ev.Kind {
	case telephony.EventRinging, telephony.EventAnswered, telephony.EventPlaybackStarted, telephony.EventHangup:
	default:
		return
	}

	c, err := d.calls.GetByChannel(ctx, ev.ChannelID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			d.log.Warn("dispatcher: lookup channel", zap.String("channel_id", ev.ChannelID), zap.Error(err))
		}
		return
	}
	log := d.log.With(zap.String("call_id", c.ID.String()), zap.String("channel_id", ev.ChannelID))

	var transition domain.CallEventType
	switch ev.Kind {
	case telephony.EventRinging:
		transition = domain.EventRing
	case telephony.EventAnswered:
		d.record(ctx, ev.ChannelID, outcome.Outcome{Answered: true, AMDResult: ev.AMDResult, UpdatedAt: ev.At})
		transition = domain.EventAnswer
	case telephony.EventPlaybackStarted:
		if c.Status != domain.CallStatusAnswered {
			return
		}
		transition = domain.EventBeginInteraction
	case telephony.EventHangup:
		d.record(ctx, ev.ChannelID, outcome.Outcome{HangupCause: ev.HangupCause, AMDResult: ev.AMDResult, UpdatedAt: ev.At})
		return
	}

	at := ev.At
	if at.IsZero() {
		at = d.now()
	}
	if _, err := d.calls.Apply(ctx, c.ID, c, domain.CallEvent{Type: transition, At: at}); err != nil {
		if call.IsNoop(err) {
			log.Debug("dispatcher: stale channel event", zap.String("event", string(ev.Kind)), zap.String("status", string(c.Status)))
			return
		}
		log.Warn("dispatcher: apply channel event", zap.String("event", string(ev.Kind)), zap.Error(err))
	}
}

func (d *Dispatcher) record(ctx context.Context, channelID string, o outcome.Outcome) {
	if err := d.outcomes.Record(ctx, channelID, o); err != nil {
		d.log.Warn("dispatcher: record outcome", zap.String("channel_id", channelID), zap.Error(err))
	}
}
