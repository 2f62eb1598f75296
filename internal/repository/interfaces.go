package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a conditional update lost against a concurrent writer.
	ErrConflict = apperrors.ErrConflict
	// ErrInvalidTransition indicates the stored state forbids the change.
	ErrInvalidTransition = apperrors.ErrInvalidTransition
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	// UpdateStatus persists status and lifecycle timestamps only if the stored
	// status still equals expected.
	UpdateStatus(ctx context.Context, campaign *domain.Campaign, expected domain.CampaignStatus) error
	// Stop persists the cancelled campaign and cancels every not-yet-launched
	// call in one transaction. It returns the number of cancelled calls.
	Stop(ctx context.Context, campaign *domain.Campaign, expected domain.CampaignStatus, reason string) (int, error)
	// Complete persists the completed campaign only if the stored status
	// still equals expected and no call is unsettled, checked and written
	// as one unit. Open calls yield ErrInvalidTransition.
	Complete(ctx context.Context, campaign *domain.Campaign, expected domain.CampaignStatus) error
}

// BusinessHourRepository manages campaign business hours.
type BusinessHourRepository interface {
	Replace(ctx context.Context, campaignID uuid.UUID, windows []domain.BusinessHourWindow) error
	List(ctx context.Context, campaignID uuid.UUID) ([]domain.BusinessHourWindow, error)
}

// ContactRepository stores dialable contacts.
type ContactRepository interface {
	// BulkInsert returns the stored contacts in input order. Known phone
	// numbers resolve to their existing row.
	BulkInsert(ctx context.Context, contacts []domain.Contact) ([]domain.Contact, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	UpdateLastResult(ctx context.Context, id uuid.UUID, result domain.CallResult) error
}

// CallRepository is the single source of truth for call records.
type CallRepository interface {
	Create(ctx context.Context, calls []*domain.Call) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	GetByChannel(ctx context.Context, channelID string) (*domain.Call, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*domain.Call, error)

	// ClaimEligible atomically moves up to limit pending/retry calls that are
	// due at now into queued, ordered by priority then schedule.
	ClaimEligible(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.DispatchItem, error)
	// Update writes the call only if its stored status equals expected.
	Update(ctx context.Context, call *domain.Call, expected domain.CallStatus) error

	CountActiveByCampaign(ctx context.Context) (map[uuid.UUID]int, error)
	// ListActive returns channel-holding calls last touched before olderThan.
	ListActive(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Call, error)
	ListStuckQueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Call, error)
	// ListRetryCandidates returns no_answer/busy calls with budget left whose
	// campaign allows retries.
	ListRetryCandidates(ctx context.Context, limit int) ([]*domain.Call, error)
	// CountUnsettled counts calls that still need dispatcher work.
	CountUnsettled(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// CampaignStatisticsRepository recomputes and stores aggregate stats.
type CampaignStatisticsRepository interface {
	Recompute(ctx context.Context, campaignID uuid.UUID, at time.Time) (*domain.CampaignStats, error)
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
}

// AttemptJournal keeps an append-only history of dial attempts.
type AttemptJournal interface {
	AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error
	ListAttempts(ctx context.Context, callID uuid.UUID, limit int) ([]domain.CallAttempt, error)
}
