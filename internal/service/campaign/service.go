package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// StopReason is recorded on calls cancelled by an operator stop.
const StopReason = "campaign_stopped"

// Defaults fill campaign settings left empty at creation.
type Defaults struct {
	MaxConcurrentCalls int
	BatchSize          int
	MaxRetries         int
	Scenario           string
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo      repository.CampaignRepository
	hoursRepo repository.BusinessHourRepository
	contacts  repository.ContactRepository
	calls     repository.CallRepository
	statsRepo repository.CampaignStatisticsRepository
	defaults  Defaults
	log       *zap.Logger
	now       func() time.Time
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	hours repository.BusinessHourRepository,
	contacts repository.ContactRepository,
	calls repository.CallRepository,
	stats repository.CampaignStatisticsRepository,
	defaults Defaults,
	log *zap.Logger,
) *Service {
	return &Service{
		repo:      repo,
		hoursRepo: hours,
		contacts:  contacts,
		calls:     calls,
		statsRepo: stats,
		defaults:  defaults,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name               string
	Description        string
	Scenario           string
	TimeZone           string
	MaxConcurrentCalls int
	BatchSize          int
	MaxRetries         *int
	RetriesEnabled     *bool
	BusinessHours      []BusinessHourInput
	Contacts           []ContactInput
}

// BusinessHourInput expresses a business hour window. End before Start
// means the window runs past midnight.
type BusinessHourInput struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}

// ContactInput is one dialable person attached at creation time.
type ContactInput struct {
	Phone     string
	FirstName string
	LastName  string
	Company   string
	Email     string
	OptOut    bool
}

// Create provisions a campaign with one pending call per contact.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               input.Name,
		Description:        input.Description,
		Scenario:           firstNonEmpty(input.Scenario, s.defaults.Scenario, "general"),
		Status:             domain.CampaignStatusPending,
		TimeZone:           input.TimeZone,
		MaxConcurrentCalls: positiveOr(input.MaxConcurrentCalls, s.defaults.MaxConcurrentCalls),
		BatchSize:          positiveOr(input.BatchSize, s.defaults.BatchSize),
		MaxRetries:         s.defaults.MaxRetries,
		RetriesEnabled:     true,
		BusinessHours:      toDomainBusinessHours(input.BusinessHours),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if input.MaxRetries != nil {
		campaign.MaxRetries = *input.MaxRetries
	}
	if input.RetriesEnabled != nil {
		campaign.RetriesEnabled = *input.RetriesEnabled
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	if err := s.hoursRepo.Replace(ctx, campaign.ID, campaign.BusinessHours); err != nil {
		return nil, fmt.Errorf("campaign service: store business hours: %w", err)
	}
	if err := s.AddContacts(ctx, campaign, input.Contacts); err != nil {
		return nil, err
	}
	if _, err := s.statsRepo.Recompute(ctx, campaign.ID, now); err != nil {
		return nil, fmt.Errorf("campaign service: init stats: %w", err)
	}

	s.log.Info("campaign: created",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("contacts", len(input.Contacts)))
	return campaign, nil
}

// AddContacts stores contacts and queues one pending call for each.
func (s *Service) AddContacts(ctx context.Context, campaign *domain.Campaign, inputs []ContactInput) error {
	if len(inputs) == 0 {
		return nil
	}
	now := s.now()
	contacts := make([]domain.Contact, 0, len(inputs))
	for _, in := range inputs {
		contact := domain.Contact{
			ID:         uuid.New(),
			Phone:      strings.TrimSpace(in.Phone),
			FirstName:  in.FirstName,
			LastName:   in.LastName,
			Company:    in.Company,
			Email:      in.Email,
			OptOut:     in.OptOut,
			LastResult: domain.CallResultNew,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		contacts = append(contacts, contact)
	}
	stored, err := s.contacts.BulkInsert(ctx, contacts)
	if err != nil {
		return fmt.Errorf("campaign service: store contacts: %w", err)
	}
	calls := make([]*domain.Call, 0, len(stored))
	for _, contact := range stored {
		calls = append(calls, domain.NewCall(campaign.ID, contact.ID, campaign.MaxRetries, now))
	}
	if err := s.calls.Create(ctx, calls); err != nil {
		return fmt.Errorf("campaign service: store calls: %w", err)
	}
	return nil
}

// Get retrieves a campaign by id including business hours.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	windows, err := s.hoursRepo.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list business hours: %w", err)
	}
	campaign.BusinessHours = windows
	return campaign, nil
}

// List returns campaigns.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, afterID, limit)
}

// ListByStatus returns campaigns filtered by status with business hours populated.
func (s *Service) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	campaigns, err := s.repo.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	for _, c := range campaigns {
		windows, err := s.hoursRepo.List(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("campaign service: list business hours: %w", err)
		}
		c.BusinessHours = windows
	}
	return campaigns, nil
}

// Start moves a pending campaign to running.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.command(ctx, id, domain.CampaignStart)
}

// Pause suspends dispatching; live calls run to their natural end.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.command(ctx, id, domain.CampaignPause)
}

// Resume moves a paused campaign back to running.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.command(ctx, id, domain.CampaignResume)
}

// Fail marks a campaign as failed.
func (s *Service) Fail(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.command(ctx, id, domain.CampaignFail)
}

// Complete closes a running campaign once no call needs more work. The
// open-call check and the status write happen together in the repository,
// so a call retried or added meanwhile keeps the campaign running.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := campaign.Status
	if err := domain.ApplyCampaignCommand(campaign, domain.CampaignComplete, s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.Complete(ctx, campaign, expected); err != nil {
		return nil, fmt.Errorf("campaign service: complete: %w", err)
	}
	s.log.Info("campaign: completed", zap.String("campaign_id", id.String()))
	s.recompute(ctx, id)
	return campaign, nil
}

// Stop cancels the campaign together with every call that has not been
// launched yet. Calls already dialling finish and are reconciled normally.
func (s *Service) Stop(ctx context.Context, id uuid.UUID) (*domain.Campaign, int, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	expected := campaign.Status
	if err := domain.ApplyCampaignCommand(campaign, domain.CampaignStop, s.now()); err != nil {
		return nil, 0, err
	}
	cancelled, err := s.repo.Stop(ctx, campaign, expected, StopReason)
	if err != nil {
		return nil, 0, fmt.Errorf("campaign service: stop: %w", err)
	}
	s.log.Info("campaign: stopped",
		zap.String("campaign_id", id.String()),
		zap.Int("cancelled_calls", cancelled))
	s.recompute(ctx, id)
	return campaign, cancelled, nil
}

// Stats returns the stored snapshot, computing one if none exists yet.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	stats, err := s.statsRepo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return s.RecomputeStats(ctx, id)
	}
	return stats, err
}

// RecomputeStats rebuilds the snapshot from call records.
func (s *Service) RecomputeStats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.statsRepo.Recompute(ctx, id, s.now())
}

func (s *Service) command(ctx context.Context, id uuid.UUID, cmd domain.CampaignCommand) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := campaign.Status
	if err := domain.ApplyCampaignCommand(campaign, cmd, s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatus(ctx, campaign, expected); err != nil {
		return nil, fmt.Errorf("campaign service: %s: %w", cmd, err)
	}
	s.log.Info("campaign: status changed",
		zap.String("campaign_id", id.String()),
		zap.String("command", string(cmd)),
		zap.String("from", string(expected)),
		zap.String("to", string(campaign.Status)))
	return campaign, nil
}

func (s *Service) recompute(ctx context.Context, id uuid.UUID) {
	if _, err := s.statsRepo.Recompute(ctx, id, s.now()); err != nil {
		s.log.Warn("campaign: recompute stats", zap.String("campaign_id", id.String()), zap.Error(err))
	}
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func toDomainBusinessHours(inputs []BusinessHourInput) []domain.BusinessHourWindow {
	windows := make([]domain.BusinessHourWindow, 0, len(inputs))
	for _, in := range inputs {
		windows = append(windows, domain.BusinessHourWindow{
			DayOfWeek: in.DayOfWeek,
			Start:     in.Start,
			End:       in.End,
		})
	}
	return windows
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.TimeZone == "" {
		return fmt.Errorf("%w: time zone is required", apperrors.ErrValidation)
	}
	if _, err := time.LoadLocation(input.TimeZone); err != nil {
		return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, input.TimeZone, err)
	}
	if input.MaxRetries != nil && *input.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", apperrors.ErrValidation)
	}
	for _, bh := range input.BusinessHours {
		start := bh.Start.Hour()*60 + bh.Start.Minute()
		end := bh.End.Hour()*60 + bh.End.Minute()
		if start == end {
			return fmt.Errorf("%w: business hour window must have positive duration", apperrors.ErrValidation)
		}
	}
	seen := make(map[string]struct{}, len(input.Contacts))
	for _, c := range input.Contacts {
		phone := strings.TrimSpace(c.Phone)
		if phone == "" {
			return fmt.Errorf("%w: contact phone is required", apperrors.ErrValidation)
		}
		if _, dup := seen[phone]; dup {
			return fmt.Errorf("%w: duplicate contact phone %s", apperrors.ErrValidation, phone)
		}
		seen[phone] = struct{}{}
	}
	return nil
}
