package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/service/call"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// RetryCycle reschedules no_answer and busy calls that still have budget.
func (d *Dispatcher) RetryCycle(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatcher.retry_cycle")
	defer span.End()

	candidates, err := d.repo.ListRetryCandidates(ctx, d.retryBatch())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatcher: list retry candidates: %w", err)
	}
	span.SetAttributes(attribute.Int("calls.candidates", len(candidates)))

	scheduled := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := d.now()
		ev := domain.CallEvent{
			Type:          domain.EventRetry,
			At:            now,
			RetryAt:       now.Add(d.retryDelay(c.Status)),
			PriorityBoost: d.cfg.Retry.PriorityBoost,
		}
		prev := c.Status
		next, err := d.calls.Apply(ctx, c.ID, c, ev)
		switch {
		case err == nil:
			scheduled++
			d.metrics.RetryScheduled(string(prev))
			d.log.Debug("dispatcher: retry scheduled",
				zap.String("call_id", c.ID.String()),
				zap.Int("retry_count", next.RetryCount),
				zap.Time("scheduled_at", next.ScheduledAt))
		case errors.Is(err, apperrors.ErrRetryExhausted), call.IsNoop(err):
		default:
			span.RecordError(err)
			d.log.Error("dispatcher: schedule retry", zap.String("call_id", c.ID.String()), zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("calls.scheduled", scheduled))
	return nil
}

func (d *Dispatcher) retryDelay(status domain.CallStatus) time.Duration {
	if status == domain.CallStatusBusy {
		return d.cfg.Retry.BusyDelay
	}
	return d.cfg.Retry.NoAnswerDelay
}

func (d *Dispatcher) retryBatch() int {
	if d.cfg.Retry.BatchSize > 0 {
		return d.cfg.Retry.BatchSize
	}
	return 100
}
