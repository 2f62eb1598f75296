package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository/memory"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

type fixture struct {
	store    *memory.Store
	svc      *Service
	events   *queue.MockPublisher
	campaign *domain.Campaign
	call     *domain.Call
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	store := memory.NewStore()

	campaign := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusRunning, MaxRetries: 2, RetriesEnabled: true}
	require.NoError(t, store.Campaigns().Create(ctx, campaign))
	contact := domain.Contact{ID: uuid.New(), Phone: "+15550100"}
	_, err := store.Contacts().BulkInsert(ctx, []domain.Contact{contact})
	require.NoError(t, err)
	call := domain.NewCall(campaign.ID, contact.ID, 2, now)
	require.NoError(t, store.Calls().Create(ctx, []*domain.Call{call}))

	events := queue.NewMockPublisher()
	svc := NewService(store.Calls(), store.Contacts(), store.Stats(), store.Attempts(),
		queue.NewCallEvents(events, "calls"), zap.NewNop(),
		WithClock(func() time.Time { return now }))

	return &fixture{store: store, svc: svc, events: events, campaign: campaign, call: call, now: now}
}

func TestApplyWalksHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []domain.CallEvent{
		{Type: domain.EventQueue},
		{Type: domain.EventLaunch, ChannelID: "chan-1"},
		{Type: domain.EventRing},
		{Type: domain.EventAnswer},
		{Type: domain.EventComplete, Result: domain.CallResultLead, Outcome: &domain.OutcomeFields{HangupCause: "NORMAL_CLEARING"}},
	}
	var got *domain.Call
	var err error
	for _, ev := range steps {
		got, err = f.svc.Apply(ctx, f.call.ID, nil, ev)
		require.NoError(t, err)
	}

	assert.Equal(t, domain.CallStatusCompleted, got.Status)
	assert.Equal(t, domain.CallResultLead, got.Result)
	assert.Equal(t, "NORMAL_CLEARING", got.HangupCause)
	require.NotNil(t, got.EndedAt)
	assert.Len(t, f.events.Messages(), len(steps))

	contact, err := f.store.Contacts().Get(ctx, f.call.ContactID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallResultLead, contact.LastResult)

	attempts, err := f.svc.Attempts(ctx, f.call.ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].AttemptNum)

	stats, err := f.store.Stats().Get(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[domain.CallStatusCompleted])
}

func TestApplyRereadsStaleView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.call.Clone()
	_, err := f.svc.Apply(ctx, f.call.ID, nil, domain.CallEvent{Type: domain.EventQueue})
	require.NoError(t, err)

	// The stale copy still says pending; launch is valid from queued as well.
	got, err := f.svc.Apply(ctx, f.call.ID, stale, domain.CallEvent{Type: domain.EventLaunch, ChannelID: "chan-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCalling, got.Status)
	assert.Equal(t, "chan-2", got.ChannelID)
}

func TestApplyNeverResurrectsTerminalCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.call.Clone()
	_, err := f.svc.Apply(ctx, f.call.ID, nil, domain.CallEvent{Type: domain.EventCancel, Reason: "campaign_stopped"})
	require.NoError(t, err)
	published := len(f.events.Messages())

	_, err = f.svc.Apply(ctx, f.call.ID, stale, domain.CallEvent{Type: domain.EventLaunch, ChannelID: "late"})
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.True(t, IsNoop(err))

	got, err := f.store.Calls().Get(ctx, f.call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCancelled, got.Status)
	assert.Len(t, f.events.Messages(), published)
}

func TestApplyRetryStopsAtBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for _, ev := range []domain.CallEvent{
			{Type: domain.EventLaunch, ChannelID: uuid.NewString()},
			{Type: domain.EventNoAnswer},
		} {
			_, err := f.svc.Apply(ctx, f.call.ID, nil, ev)
			require.NoError(t, err)
		}
		_, err := f.svc.Apply(ctx, f.call.ID, nil, domain.CallEvent{Type: domain.EventRetry, RetryAt: f.now.Add(time.Hour)})
		if round < 2 {
			require.NoError(t, err)
			continue
		}
		require.ErrorIs(t, err, apperrors.ErrRetryExhausted)
	}

	got, err := f.store.Calls().Get(ctx, f.call.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, domain.CallStatusNoAnswer, got.Status)

	attempts, err := f.svc.Attempts(ctx, f.call.ID, 10)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}
