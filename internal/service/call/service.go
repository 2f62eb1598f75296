package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// EventSink receives a message for every persisted transition.
type EventSink interface {
	Publish(ctx context.Context, msg queue.CallEvent) error
}

// Service is the only writer of call status. Every write is a conditional
// update against the status the transition was computed from.
type Service struct {
	calls    repository.CallRepository
	contacts repository.ContactRepository
	stats    repository.CampaignStatisticsRepository
	journal  repository.AttemptJournal
	events   EventSink
	log      *zap.Logger
	now      func() time.Time
}

// Option customises the service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the call transition service. journal and events may be nil.
func NewService(
	calls repository.CallRepository,
	contacts repository.ContactRepository,
	stats repository.CampaignStatisticsRepository,
	journal repository.AttemptJournal,
	events EventSink,
	log *zap.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		calls:    calls,
		contacts: contacts,
		stats:    stats,
		journal:  journal,
		events:   events,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply moves the call through ev. current is the caller's view of the
// record; when nil, or when it turns out stale, the record is re-read once.
// A terminal call is never moved again: the error wraps
// ErrInvalidTransition and nothing is written.
func (s *Service) Apply(ctx context.Context, id uuid.UUID, current *domain.Call, ev domain.CallEvent) (*domain.Call, error) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}

	var err error
	if current == nil {
		if current, err = s.calls.Get(ctx, id); err != nil {
			return nil, fmt.Errorf("call service: load %s: %w", id, err)
		}
	}

	next, err := s.write(ctx, current, ev)
	if errors.Is(err, repository.ErrConflict) {
		fresh, getErr := s.calls.Get(ctx, id)
		if getErr != nil {
			return nil, fmt.Errorf("call service: reload %s: %w", id, getErr)
		}
		current = fresh
		next, err = s.write(ctx, current, ev)
	}
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, next, current.Status, ev.Type)
	return next, nil
}

func (s *Service) write(ctx context.Context, current *domain.Call, ev domain.CallEvent) (*domain.Call, error) {
	next := current.Clone()
	if _, err := domain.Transition(next, ev); err != nil {
		return nil, err
	}
	if err := s.calls.Update(ctx, next, current.Status); err != nil {
		return nil, err
	}
	return next, nil
}

// afterTransition runs the side effects of a persisted transition. They
// are best effort: the call row is already the source of truth.
func (s *Service) afterTransition(ctx context.Context, call *domain.Call, prev domain.CallStatus, ev domain.CallEventType) {
	log := s.log.With(zap.String("call_id", call.ID.String()), zap.String("channel_id", call.ChannelID))

	if s.events != nil {
		if err := s.events.Publish(ctx, queue.NewCallEvent(call, prev, ev)); err != nil {
			log.Warn("call service: publish event", zap.Error(err))
		}
	}

	if !call.Status.IsTerminal() && !call.Status.IsRetryable() {
		return
	}

	if err := s.contacts.UpdateLastResult(ctx, call.ContactID, call.Result); err != nil {
		log.Warn("call service: update contact result", zap.Error(err))
	}

	// Calls cancelled before launch never dialled, so there is no attempt to record.
	if s.journal != nil && call.StartedAt != nil {
		attempt := domain.CallAttempt{
			CallID:      call.ID,
			CampaignID:  call.CampaignID,
			ChannelID:   call.ChannelID,
			AttemptNum:  call.RetryCount + 1,
			Status:      call.Status,
			Result:      call.Result,
			HangupCause: call.HangupCause,
			Error:       call.LastError,
			CreatedAt:   *call.StartedAt,
			Duration:    call.Duration,
		}
		if err := s.journal.AppendAttempt(ctx, attempt); err != nil {
			log.Warn("call service: journal attempt", zap.Error(err))
		}
	}

	if _, err := s.stats.Recompute(ctx, call.CampaignID, s.now()); err != nil {
		log.Warn("call service: recompute stats", zap.Error(err))
	}
}

// Get retrieves a call by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	return s.calls.Get(ctx, id)
}

// GetByChannel retrieves a call by media server identifier.
func (s *Service) GetByChannel(ctx context.Context, channelID string) (*domain.Call, error) {
	return s.calls.GetByChannel(ctx, channelID)
}

// ListByCampaign pages through a campaign's calls.
func (s *Service) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	return s.calls.ListByCampaign(ctx, campaignID, limit, offset)
}

// Attempts lists the journalled attempts of a call, newest first.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID, limit int) ([]domain.CallAttempt, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("call service: attempt journal disabled: %w", apperrors.ErrUnavailable)
	}
	return s.journal.ListAttempts(ctx, id, limit)
}

// IsNoop reports whether err only means the call had already moved on, which
// reconciliation and the event tracker treat as success.
func IsNoop(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidTransition)
}
