package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// LaunchCycle dials eligible calls of every running campaign this process
// holds, within the per-campaign and system ceilings.
func (d *Dispatcher) LaunchCycle(ctx context.Context) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "dispatcher.launch_cycle")
	defer span.End()

	campaigns, err := d.campaigns.ListByStatus(ctx, domain.CampaignStatusRunning, d.campaignLimit())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatcher: list campaigns: %w", err)
	}
	active, err := d.repo.CountActiveByCampaign(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatcher: count active: %w", err)
	}
	total := 0
	for _, n := range active {
		total += n
	}
	span.SetAttributes(
		attribute.Int("campaign.count", len(campaigns)),
		attribute.Int("calls.active", total),
	)

	for _, campaign := range campaigns {
		if err := ctx.Err(); err != nil {
			return err
		}
		launched, err := d.launchCampaign(ctx, campaign, active[campaign.ID], total)
		total += launched
		if err != nil {
			span.RecordError(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Error("dispatcher: campaign cycle failed", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) launchCampaign(ctx context.Context, campaign *domain.Campaign, campaignActive, totalActive int) (int, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "dispatcher.campaign", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.Int("max_concurrency", campaign.MaxConcurrentCalls),
		attribute.Int("calls.active", campaignActive),
	))
	defer span.End()

	log := d.log.With(zap.String("campaign_id", campaign.ID.String()))

	ok, err := d.lease.Acquire(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		log.Debug("dispatcher: campaign owned by another instance")
		return 0, nil
	}
	d.hold(campaign.ID)
	d.metrics.SetActive(campaign.ID.String(), campaignActive)

	now := d.now()
	if !campaign.WithinBusinessHours(now) {
		log.Debug("dispatcher: campaign outside business hours")
		return 0, nil
	}

	batch := campaign.BatchSize
	if batch <= 0 {
		batch = d.cfg.Dispatcher.DefaultBatchSize
	}
	slots := d.ceilings.AvailableSlots(campaign.MaxConcurrentCalls, campaignActive, totalActive, batch)
	span.SetAttributes(attribute.Int("slots", slots))
	if slots == 0 {
		return 0, nil
	}

	items, err := d.repo.ClaimEligible(ctx, campaign.ID, now, slots)
	if err != nil {
		return 0, fmt.Errorf("claim calls: %w", err)
	}
	span.SetAttributes(attribute.Int("calls.claimed", len(items)))
	if len(items) == 0 {
		if campaignActive == 0 {
			d.completeIfSettled(ctx, campaign)
		}
		return 0, nil
	}
	log.Info("dispatcher: dispatching calls", zap.Int("claimed", len(items)), zap.Int("slots", slots))

	launched := 0
	for i, item := range items {
		if i > 0 && d.cfg.Dispatcher.InterCallDelay > 0 {
			select {
			case <-ctx.Done():
				return launched, ctx.Err()
			case <-time.After(d.cfg.Dispatcher.InterCallDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return launched, err
		}
		if d.launch(ctx, campaign, item) {
			launched++
		}
	}
	return launched, nil
}

// launch moves one claimed call to calling and originates it. It reports
// whether a channel is now held.
func (d *Dispatcher) launch(ctx context.Context, campaign *domain.Campaign, item domain.DispatchItem) bool {
	call := item.Call
	log := d.log.With(
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("call_id", call.ID.String()),
	)

	if !item.Contact.Dialable() {
		reason := item.Contact.ExclusionReason()
		if _, err := d.calls.Apply(ctx, call.ID, call, domain.CallEvent{Type: domain.EventCancel, At: d.now(), Reason: reason}); err != nil {
			log.Error("dispatcher: cancel excluded call", zap.Error(err))
		}
		d.metrics.LaunchFailed(campaign.ID.String(), "excluded")
		log.Info("dispatcher: contact excluded", zap.String("reason", reason))
		return false
	}

	channelID := uuid.NewString()
	launched, err := d.calls.Apply(ctx, call.ID, call, domain.CallEvent{Type: domain.EventLaunch, At: d.now(), ChannelID: channelID})
	if err != nil {
		log.Error("dispatcher: launch transition", zap.Error(err))
		d.metrics.LaunchFailed(campaign.ID.String(), "transition")
		return false
	}

	vars := map[string]string{
		telephony.VarCallID:     call.ID.String(),
		telephony.VarCampaignID: campaign.ID.String(),
		telephony.VarContactID:  item.Contact.ID.String(),
		telephony.VarScenario:   campaign.Scenario,
		telephony.VarInstance:   d.cfg.InstanceID,
	}
	octx, cancel := d.originateContext(ctx)
	_, err = d.client.Originate(octx, channelID, item.Contact.Phone, vars)
	cancel()
	if err != nil {
		// The call is in calling now; record the failure even when stopping.
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer wcancel()
		ev := domain.CallEvent{Type: domain.EventFail, At: d.now(), Reason: "originate: " + err.Error()}
		if _, ferr := d.calls.Apply(wctx, call.ID, launched, ev); ferr != nil {
			log.Error("dispatcher: record originate failure", zap.Error(ferr))
		}
		d.metrics.LaunchFailed(campaign.ID.String(), "originate")
		log.Warn("dispatcher: originate failed", zap.String("channel_id", channelID), zap.Error(err))
		return false
	}

	d.metrics.CallLaunched(campaign.ID.String())
	log.Info("dispatcher: call launched", zap.String("channel_id", channelID))
	return true
}

func (d *Dispatcher) originateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.OriginateTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.OriginateTimeout)
}

func (d *Dispatcher) completeIfSettled(ctx context.Context, campaign *domain.Campaign) {
	unsettled, err := d.repo.CountUnsettled(ctx, campaign.ID)
	if err != nil {
		d.log.Warn("dispatcher: count unsettled", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		return
	}
	if unsettled > 0 {
		return
	}
	if _, err := d.campaigns.Complete(ctx, campaign.ID); err != nil {
		if !errors.Is(err, apperrors.ErrInvalidTransition) && !errors.Is(err, apperrors.ErrConflict) {
			d.log.Warn("dispatcher: complete campaign", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
		return
	}
	d.log.Info("dispatcher: campaign completed", zap.String("campaign_id", campaign.ID.String()))
}

func (d *Dispatcher) campaignLimit() int {
	if d.cfg.Dispatcher.CampaignLimit > 0 {
		return d.cfg.Dispatcher.CampaignLimit
	}
	return 200
}
