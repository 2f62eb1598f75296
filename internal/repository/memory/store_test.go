package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

func seed(t *testing.T, s *Store, n int, now time.Time) (*domain.Campaign, []*domain.Call) {
	t.Helper()
	ctx := context.Background()
	campaign := &domain.Campaign{
		ID:             uuid.New(),
		Name:           "spring",
		Status:         domain.CampaignStatusRunning,
		TimeZone:       "UTC",
		MaxRetries:     2,
		RetriesEnabled: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.Campaigns().Create(ctx, campaign))

	var calls []*domain.Call
	for i := 0; i < n; i++ {
		contact := domain.Contact{ID: uuid.New(), Phone: "+1555000" + string(rune('0'+i))}
		_, err := s.Contacts().BulkInsert(ctx, []domain.Contact{contact})
		require.NoError(t, err)
		calls = append(calls, domain.NewCall(campaign.ID, contact.ID, campaign.MaxRetries, now))
	}
	require.NoError(t, s.Calls().Create(ctx, calls))
	return campaign, calls
}

func TestClaimEligibleOrdersByPriorityThenSchedule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	s := NewStore()
	campaign, calls := seed(t, s, 3, now)

	calls[0].ScheduledAt = now.Add(-time.Minute)
	calls[1].QueuePriority = 10
	calls[2].ScheduledAt = now.Add(time.Hour)
	for _, c := range calls {
		require.NoError(t, s.Calls().Update(ctx, c, domain.CallStatusPending))
	}

	items, err := s.Calls().ClaimEligible(ctx, campaign.ID, now, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, calls[1].ID, items[0].Call.ID)
	assert.Equal(t, calls[0].ID, items[1].Call.ID)
	assert.Equal(t, domain.CallStatusQueued, items[0].Call.Status)
	assert.NotEmpty(t, items[0].Contact.Phone)

	again, err := s.Calls().ClaimEligible(ctx, campaign.ID, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestUpdateIsConditional(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewStore()
	_, calls := seed(t, s, 1, now)

	stale := calls[0].Clone()
	stale.Status = domain.CallStatusQueued
	require.NoError(t, s.Calls().Update(ctx, stale, domain.CallStatusPending))

	err := s.Calls().Update(ctx, calls[0], domain.CallStatusPending)
	require.ErrorIs(t, err, repository.ErrConflict)

	err = s.Calls().Update(ctx, &domain.Call{ID: uuid.New()}, domain.CallStatusPending)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStopCancelsOnlyUnlaunchedCalls(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewStore()
	campaign, calls := seed(t, s, 3, now)

	launched := calls[0].Clone()
	_, err := domain.Transition(launched, domain.CallEvent{Type: domain.EventLaunch, At: now, ChannelID: "chan-1"})
	require.NoError(t, err)
	require.NoError(t, s.Calls().Update(ctx, launched, domain.CallStatusPending))

	require.NoError(t, domain.ApplyCampaignCommand(campaign, domain.CampaignStop, now))
	n, err := s.Campaigns().Stop(ctx, campaign, domain.CampaignStatusRunning, "operator")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Calls().Get(ctx, calls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCalling, got.Status)

	got, err = s.Calls().Get(ctx, calls[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCancelled, got.Status)
	assert.Equal(t, "operator", got.CancelReason)

	_, err = s.Campaigns().Stop(ctx, campaign, domain.CampaignStatusRunning, "again")
	require.ErrorIs(t, err, repository.ErrConflict)
}

func TestCountUnsettledHonoursRetryBudget(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewStore()
	campaign, calls := seed(t, s, 2, now)

	for _, c := range calls {
		next := c.Clone()
		for _, ev := range []domain.CallEventType{domain.EventLaunch, domain.EventNoAnswer} {
			_, err := domain.Transition(next, domain.CallEvent{Type: ev, At: now})
			require.NoError(t, err)
		}
		require.NoError(t, s.Calls().Update(ctx, next, domain.CallStatusPending))
	}

	n, err := s.Calls().CountUnsettled(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	candidates, err := s.Calls().ListRetryCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	exhausted := candidates[0]
	exhausted.MaxRetries = 0
	require.NoError(t, s.Calls().Update(ctx, exhausted, domain.CallStatusNoAnswer))

	n, err = s.Calls().CountUnsettled(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewStore()
	campaign, _ := seed(t, s, 3, now)

	first, err := s.Stats().Recompute(ctx, campaign.ID, now)
	require.NoError(t, err)
	second, err := s.Stats().Recompute(ctx, campaign.ID, now)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 3, second.Total)
	assert.Equal(t, 3, second.ByStatus[domain.CallStatusPending])
}

func TestAttemptJournalReplaysOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	callID := uuid.New()

	require.NoError(t, s.Attempts().AppendAttempt(ctx, domain.CallAttempt{CallID: callID, AttemptNum: 1, Status: domain.CallStatusNoAnswer}))
	require.NoError(t, s.Attempts().AppendAttempt(ctx, domain.CallAttempt{CallID: callID, AttemptNum: 1, Status: domain.CallStatusNoAnswer}))
	require.NoError(t, s.Attempts().AppendAttempt(ctx, domain.CallAttempt{CallID: callID, AttemptNum: 2, Status: domain.CallStatusCompleted}))

	list, err := s.Attempts().ListAttempts(ctx, callID, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].AttemptNum)
}
