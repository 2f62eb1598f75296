package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/service/call"
	"github.com/acme/outbound-dialer/internal/service/outcome"
)

const (
	reasonChannelLost  = "channel_lost"
	reasonStuckInQueue = "stuck_in_queue"
)

// Reconcile closes channel-holding calls whose channel is gone and fails
// calls stuck in queued. Running it twice changes nothing the second time.
// A failed channel listing skips the whole sweep.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatcher.reconcile")
	defer span.End()

	live, err := d.client.ListActiveChannels(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatcher: list channels, sweep skipped: %w", err)
	}

	now := d.now()
	active, err := d.repo.ListActive(ctx, now.Add(-d.cfg.Reconcile.Grace), d.reconcileBatch())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatcher: list active calls: %w", err)
	}
	span.SetAttributes(
		attribute.Int("channels.live", len(live)),
		attribute.Int("calls.active", len(active)),
	)

	closed := 0
	for _, c := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := live[c.ChannelID]; ok {
			continue
		}
		if err := d.closeCall(ctx, c); err != nil {
			span.RecordError(err)
			d.log.Error("dispatcher: reconcile call", zap.String("call_id", c.ID.String()), zap.Error(err))
			continue
		}
		closed++
	}

	stuck, err := d.repo.ListStuckQueued(ctx, now.Add(-d.cfg.Reconcile.StuckAfter), d.reconcileBatch())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatcher: list stuck calls: %w", err)
	}
	for _, c := range stuck {
		_, err := d.calls.Apply(ctx, c.ID, c, domain.CallEvent{Type: domain.EventFail, At: d.now(), Reason: reasonStuckInQueue})
		if err != nil && !call.IsNoop(err) {
			d.log.Error("dispatcher: fail stuck call", zap.String("call_id", c.ID.String()), zap.Error(err))
			continue
		}
		if err == nil {
			closed++
			d.metrics.CallReconciled(string(domain.CallStatusFailed))
		}
	}

	span.SetAttributes(attribute.Int("calls.closed", closed))
	if closed > 0 {
		d.log.Info("dispatcher: reconciled calls", zap.Int("closed", closed), zap.Int("stuck", len(stuck)))
	}
	return nil
}

// closeCall applies the best known outcome: the outcome store first, then
// what the media server still reports, then plain failure.
func (d *Dispatcher) closeCall(ctx context.Context, c *domain.Call) error {
	o, err := d.outcomes.Get(ctx, c.ChannelID)
	if err != nil && !errors.Is(err, outcome.ErrNoOutcome) {
		d.log.Warn("dispatcher: read outcome", zap.String("channel_id", c.ChannelID), zap.Error(err))
	}
	if c.Status == domain.CallStatusAnswered || c.Status == domain.CallStatusInProgress {
		o.Answered = true
	}

	res, ok := outcome.Resolve(o)
	if !ok {
		info, err := d.client.ChannelInfo(ctx, c.ChannelID)
		if err != nil {
			d.log.Warn("dispatcher: channel info", zap.String("channel_id", c.ChannelID), zap.Error(err))
		}
		if info != nil {
			o = o.Merge(outcome.Outcome{HangupCause: info.HangupCause, AMDResult: info.AMDResult, Answered: info.Answered})
			res, ok = outcome.Resolve(o)
		}
	}
	if !ok {
		res = outcome.Resolution{Event: domain.EventFail, Reason: reasonChannelLost}
	}

	current := c
	if res.Event == domain.EventComplete && (c.Status == domain.CallStatusCalling || c.Status == domain.CallStatusRinging) {
		// The answer event was lost; record it so the call completes normally.
		answered, err := d.calls.Apply(ctx, c.ID, c, domain.CallEvent{Type: domain.EventAnswer, At: d.now()})
		switch {
		case err == nil:
			current = answered
		case call.IsNoop(err):
			current = nil
		default:
			return err
		}
	}
	if current != nil && current.Status.IsActive() {
		if _, err := domain.NextStatus(current.Status, res.Event); err != nil {
			res = outcome.Resolution{Event: domain.EventComplete, Result: domain.CallResultUnknown}
		}
	}

	ev := domain.CallEvent{
		Type:   res.Event,
		At:     d.now(),
		Result: res.Result,
		Reason: res.Reason,
		Outcome: &domain.OutcomeFields{
			HangupCause: o.HangupCause,
			AMDResult:   o.AMDResult,
			Sentiment:   o.Sentiment,
			Transcript:  o.Transcript,
			BargedIn:    o.BargedIn,
		},
	}
	next, err := d.calls.Apply(ctx, c.ID, current, ev)
	switch {
	case err == nil:
		d.metrics.CallReconciled(string(next.Status))
		d.log.Info("dispatcher: call closed",
			zap.String("call_id", c.ID.String()),
			zap.String("channel_id", c.ChannelID),
			zap.String("status", string(next.Status)),
			zap.String("result", string(next.Result)))
	case call.IsNoop(err):
	default:
		return err
	}

	if err := d.outcomes.Delete(ctx, c.ChannelID); err != nil {
		d.log.Warn("dispatcher: drop outcome", zap.String("channel_id", c.ChannelID), zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) reconcileBatch() int {
	if d.cfg.Reconcile.BatchSize > 0 {
		return d.cfg.Reconcile.BatchSize
	}
	return 500
}
