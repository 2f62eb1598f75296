// Package memory holds an in-process implementation of the repository
// contracts. It backs dry runs and the dispatcher simulations.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

// Store keeps every entity behind a single lock, which makes each method
// atomic the same way a database transaction would.
type Store struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
	contacts  map[uuid.UUID]*domain.Contact
	calls     map[uuid.UUID]*domain.Call
	stats     map[uuid.UUID]domain.CampaignStats
	attempts  map[uuid.UUID][]domain.CallAttempt
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[uuid.UUID]*domain.Campaign),
		contacts:  make(map[uuid.UUID]*domain.Contact),
		calls:     make(map[uuid.UUID]*domain.Call),
		stats:     make(map[uuid.UUID]domain.CampaignStats),
		attempts:  make(map[uuid.UUID][]domain.CallAttempt),
	}
}

// Campaigns exposes the campaign repository view.
func (s *Store) Campaigns() *CampaignRepository { return &CampaignRepository{s: s} }

// BusinessHours exposes the business hour repository view.
func (s *Store) BusinessHours() *BusinessHourRepository { return &BusinessHourRepository{s: s} }

// Contacts exposes the contact repository view.
func (s *Store) Contacts() *ContactRepository { return &ContactRepository{s: s} }

// Calls exposes the call repository view.
func (s *Store) Calls() *CallRepository { return &CallRepository{s: s} }

// Stats exposes the statistics repository view.
func (s *Store) Stats() *StatisticsRepository { return &StatisticsRepository{s: s} }

// Attempts exposes the attempt journal view.
func (s *Store) Attempts() *AttemptJournal { return &AttemptJournal{s: s} }

// CampaignRepository implements repository.CampaignRepository.
type CampaignRepository struct{ s *Store }

func (r *CampaignRepository) Create(_ context.Context, c *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[c.ID]; ok {
		return fmt.Errorf("memory: campaign %s: %w", c.ID, repository.ErrConflict)
	}
	cp := *c
	r.s.campaigns[c.ID] = &cp
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepository) List(_ context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if afterID != nil && c.ID.String() <= afterID.String() {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return truncate(out, limit), nil
}

func (r *CampaignRepository) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (r *CampaignRepository) UpdateStatus(_ context.Context, c *domain.Campaign, expected domain.CampaignStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.campaigns[c.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status != expected {
		return fmt.Errorf("memory: campaign %s is %s: %w", c.ID, stored.Status, repository.ErrConflict)
	}
	stored.Status = c.Status
	stored.UpdatedAt = c.UpdatedAt
	stored.StartedAt = c.StartedAt
	stored.CompletedAt = c.CompletedAt
	return nil
}

func (r *CampaignRepository) Complete(_ context.Context, c *domain.Campaign, expected domain.CampaignStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.campaigns[c.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status != expected {
		return fmt.Errorf("memory: campaign %s is %s: %w", c.ID, stored.Status, repository.ErrConflict)
	}
	open := 0
	for _, call := range r.s.calls {
		if call.CampaignID == c.ID && !domain.IsSettled(call, stored.RetriesEnabled) {
			open++
		}
	}
	if open > 0 {
		return fmt.Errorf("%w: %d calls still open", repository.ErrInvalidTransition, open)
	}
	stored.Status = c.Status
	stored.UpdatedAt = c.UpdatedAt
	stored.CompletedAt = c.CompletedAt
	return nil
}

func (r *CampaignRepository) Stop(_ context.Context, c *domain.Campaign, expected domain.CampaignStatus, reason string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.campaigns[c.ID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if stored.Status != expected {
		return 0, fmt.Errorf("memory: campaign %s is %s: %w", c.ID, stored.Status, repository.ErrConflict)
	}

	// Apply every call transition on copies first so a failure leaves nothing half done.
	pending := make(map[uuid.UUID]*domain.Call)
	for id, call := range r.s.calls {
		if call.CampaignID != c.ID || !stoppable(call.Status) {
			continue
		}
		next := call.Clone()
		if _, err := domain.Transition(next, domain.CallEvent{Type: domain.EventCancel, At: c.UpdatedAt, Reason: reason}); err != nil {
			return 0, err
		}
		pending[id] = next
	}

	stored.Status = c.Status
	stored.UpdatedAt = c.UpdatedAt
	stored.CompletedAt = c.CompletedAt
	for id, next := range pending {
		r.s.calls[id] = next
	}
	return len(pending), nil
}

// BusinessHourRepository stores windows on the campaign itself.
type BusinessHourRepository struct{ s *Store }

func (r *BusinessHourRepository) Replace(_ context.Context, campaignID uuid.UUID, windows []domain.BusinessHourWindow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[campaignID]
	if !ok {
		return repository.ErrNotFound
	}
	c.BusinessHours = append([]domain.BusinessHourWindow(nil), windows...)
	return nil
}

func (r *BusinessHourRepository) List(_ context.Context, campaignID uuid.UUID) ([]domain.BusinessHourWindow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[campaignID]
	if !ok {
		return nil, nil
	}
	return append([]domain.BusinessHourWindow(nil), c.BusinessHours...), nil
}

// ContactRepository implements repository.ContactRepository.
type ContactRepository struct{ s *Store }

func (r *ContactRepository) BulkInsert(_ context.Context, contacts []domain.Contact) ([]domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byPhone := make(map[string]*domain.Contact, len(r.s.contacts))
	for _, c := range r.s.contacts {
		byPhone[c.Phone] = c
	}
	stored := make([]domain.Contact, 0, len(contacts))
	for _, c := range contacts {
		if existing, ok := byPhone[c.Phone]; ok {
			stored = append(stored, *existing)
			continue
		}
		cp := c
		r.s.contacts[c.ID] = &cp
		byPhone[c.Phone] = &cp
		stored = append(stored, c)
	}
	return stored, nil
}

func (r *ContactRepository) Get(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ContactRepository) UpdateLastResult(_ context.Context, id uuid.UUID, result domain.CallResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.LastResult = result
	return nil
}

// CallRepository implements repository.CallRepository.
type CallRepository struct{ s *Store }

func (r *CallRepository) Create(_ context.Context, calls []*domain.Call) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range calls {
		if _, ok := r.s.calls[c.ID]; ok {
			return fmt.Errorf("memory: call %s: %w", c.ID, repository.ErrConflict)
		}
		r.s.calls[c.ID] = c.Clone()
	}
	return nil
}

func (r *CallRepository) Get(_ context.Context, id uuid.UUID) (*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *CallRepository) GetByChannel(_ context.Context, channelID string) (*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.calls {
		if c.ChannelID == channelID {
			return c.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *CallRepository) ListByCampaign(_ context.Context, campaignID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.s.filter(func(c *domain.Call) bool { return c.CampaignID == campaignID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	return truncate(out[offset:], limit), nil
}

func (r *CallRepository) ClaimEligible(_ context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.DispatchItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	due := r.s.filter(func(c *domain.Call) bool {
		return c.CampaignID == campaignID &&
			(c.Status == domain.CallStatusPending || c.Status == domain.CallStatusRetry) &&
			!c.ScheduledAt.After(now)
	})
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].QueuePriority != due[j].QueuePriority {
			return due[i].QueuePriority > due[j].QueuePriority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	due = truncate(due, limit)

	items := make([]domain.DispatchItem, 0, len(due))
	for _, c := range due {
		stored := r.s.calls[c.ID]
		if _, err := domain.Transition(stored, domain.CallEvent{Type: domain.EventQueue, At: now}); err != nil {
			return nil, err
		}
		var contact domain.Contact
		if ct, ok := r.s.contacts[stored.ContactID]; ok {
			contact = *ct
		}
		items = append(items, domain.DispatchItem{Call: stored.Clone(), Contact: contact})
	}
	return items, nil
}

func (r *CallRepository) Update(_ context.Context, call *domain.Call, expected domain.CallStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.calls[call.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status != expected {
		return fmt.Errorf("memory: call %s is %s, expected %s: %w", call.ID, stored.Status, expected, repository.ErrConflict)
	}
	r.s.calls[call.ID] = call.Clone()
	return nil
}

func (r *CallRepository) CountActiveByCampaign(_ context.Context) (map[uuid.UUID]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[uuid.UUID]int)
	for _, c := range r.s.calls {
		if c.Status.IsActive() {
			out[c.CampaignID]++
		}
	}
	return out, nil
}

func (r *CallRepository) ListActive(_ context.Context, olderThan time.Time, limit int) ([]*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.s.filter(func(c *domain.Call) bool { return c.Status.IsActive() && c.UpdatedAt.Before(olderThan) })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (r *CallRepository) ListStuckQueued(_ context.Context, olderThan time.Time, limit int) ([]*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.s.filter(func(c *domain.Call) bool { return c.Status == domain.CallStatusQueued && c.UpdatedAt.Before(olderThan) })
	return truncate(out, limit), nil
}

func (r *CallRepository) ListRetryCandidates(_ context.Context, limit int) ([]*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.s.filter(func(c *domain.Call) bool {
		camp, ok := r.s.campaigns[c.CampaignID]
		if !ok || !camp.RetriesEnabled {
			return false
		}
		if camp.Status != domain.CampaignStatusRunning && camp.Status != domain.CampaignStatusPaused {
			return false
		}
		return c.Status.IsRetryable() && c.RetryBudgetLeft()
	})
	return truncate(out, limit), nil
}

func (r *CallRepository) CountUnsettled(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	camp, ok := r.s.campaigns[campaignID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	n := 0
	for _, c := range r.s.calls {
		if c.CampaignID == campaignID && !domain.IsSettled(c, camp.RetriesEnabled) {
			n++
		}
	}
	return n, nil
}

// StatisticsRepository implements repository.CampaignStatisticsRepository.
type StatisticsRepository struct{ s *Store }

func (r *StatisticsRepository) Recompute(_ context.Context, campaignID uuid.UUID, at time.Time) (*domain.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	calls := r.s.filter(func(c *domain.Call) bool { return c.CampaignID == campaignID })
	stats := domain.ComputeStats(calls, at)
	r.s.stats[campaignID] = stats
	return &stats, nil
}

func (r *StatisticsRepository) Get(_ context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats, ok := r.s.stats[campaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &stats, nil
}

// AttemptJournal implements repository.AttemptJournal.
type AttemptJournal struct{ s *Store }

func (j *AttemptJournal) AppendAttempt(_ context.Context, attempt domain.CallAttempt) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	list := j.s.attempts[attempt.CallID]
	for i, a := range list {
		if a.AttemptNum == attempt.AttemptNum {
			list[i] = attempt
			return nil
		}
	}
	j.s.attempts[attempt.CallID] = append(list, attempt)
	return nil
}

func (j *AttemptJournal) ListAttempts(_ context.Context, callID uuid.UUID, limit int) ([]domain.CallAttempt, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	list := append([]domain.CallAttempt(nil), j.s.attempts[callID]...)
	sort.Slice(list, func(a, b int) bool { return list[a].AttemptNum > list[b].AttemptNum })
	return truncate(list, limit), nil
}

// filter must be called with the lock held. It returns clones.
func (s *Store) filter(keep func(*domain.Call) bool) []*domain.Call {
	var out []*domain.Call
	for _, c := range s.calls {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func stoppable(status domain.CallStatus) bool {
	for _, s := range domain.StoppableCallStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

var (
	_ repository.CampaignRepository           = (*CampaignRepository)(nil)
	_ repository.BusinessHourRepository       = (*BusinessHourRepository)(nil)
	_ repository.ContactRepository            = (*ContactRepository)(nil)
	_ repository.CallRepository               = (*CallRepository)(nil)
	_ repository.CampaignStatisticsRepository = (*StatisticsRepository)(nil)
	_ repository.AttemptJournal               = (*AttemptJournal)(nil)
)
