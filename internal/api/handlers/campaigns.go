package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	campaignsvc "github.com/acme/outbound-dialer/internal/service/campaign"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

type createCampaignRequest struct {
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	Scenario           string                `json:"scenario"`
	TimeZone           string                `json:"time_zone"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	BatchSize          int                   `json:"batch_size"`
	MaxRetries         *int                  `json:"max_retries"`
	RetriesEnabled     *bool                 `json:"retries_enabled"`
	BusinessHours      []businessHourRequest `json:"business_hours"`
	Contacts           []contactRequest      `json:"contacts"`
}

type businessHourRequest struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type contactRequest struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Email     string `json:"email"`
	OptOut    bool   `json:"opt_out"`
}

type campaignResponse struct {
	ID                 uuid.UUID              `json:"id"`
	Name               string                 `json:"name"`
	Description        string                 `json:"description"`
	Scenario           string                 `json:"scenario"`
	TimeZone           string                 `json:"time_zone"`
	Status             domain.CampaignStatus  `json:"status"`
	MaxConcurrentCalls int                    `json:"max_concurrent_calls"`
	BatchSize          int                    `json:"batch_size"`
	MaxRetries         int                    `json:"max_retries"`
	RetriesEnabled     bool                   `json:"retries_enabled"`
	BusinessHours      []businessHourResponse `json:"business_hours"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

type businessHourResponse struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type stopCampaignResponse struct {
	Campaign       campaignResponse `json:"campaign"`
	CancelledCalls int              `json:"cancelled_calls"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		id, err := uuid.Parse(afterStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id")
		}
		afterID = &id
	}

	var (
		campaigns []*domain.Campaign
		err       error
	)
	if status := ctx.Query("status"); status != "" {
		campaigns, err = h.campaigns.ListByStatus(ctx.UserContext(), domain.CampaignStatus(status), limit)
	} else {
		campaigns, err = h.campaigns.List(ctx.UserContext(), afterID, limit)
	}
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	return h.campaignCommand(ctx, h.campaigns.Start)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.campaignCommand(ctx, h.campaigns.Pause)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.campaignCommand(ctx, h.campaigns.Resume)
}

func (h *HandlerSet) completeCampaign(ctx *fiber.Ctx) error {
	return h.campaignCommand(ctx, h.campaigns.Complete)
}

func (h *HandlerSet) stopCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	campaign, cancelled, err := h.campaigns.Stop(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(stopCampaignResponse{
		Campaign:       toCampaignResponse(campaign),
		CancelledCalls: cancelled,
	})
}

func (h *HandlerSet) campaignCommand(ctx *fiber.Ctx, cmd func(context.Context, uuid.UUID) (*domain.Campaign, error)) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	campaign, err := cmd(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	stats, err := h.campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(stats)
}

func (h *HandlerSet) addContacts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Contacts []contactRequest `json:"contacts"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	inputs, err := toContactInputs(req.Contacts)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	if campaign.Status.IsTerminal() {
		return translateError(fmt.Errorf("%w: campaign is %s", apperrors.ErrInvalidTransition, campaign.Status))
	}
	if err := h.campaigns.AddContacts(ctx.UserContext(), campaign, inputs); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:                 campaign.ID,
		Name:               campaign.Name,
		Description:        campaign.Description,
		Scenario:           campaign.Scenario,
		TimeZone:           campaign.TimeZone,
		Status:             campaign.Status,
		MaxConcurrentCalls: campaign.MaxConcurrentCalls,
		BatchSize:          campaign.BatchSize,
		MaxRetries:         campaign.MaxRetries,
		RetriesEnabled:     campaign.RetriesEnabled,
		BusinessHours:      make([]businessHourResponse, 0, len(campaign.BusinessHours)),
		CreatedAt:          campaign.CreatedAt,
		UpdatedAt:          campaign.UpdatedAt,
		StartedAt:          campaign.StartedAt,
		CompletedAt:        campaign.CompletedAt,
	}

	for _, window := range campaign.BusinessHours {
		resp.BusinessHours = append(resp.BusinessHours, businessHourResponse{
			DayOfWeek: int(window.DayOfWeek),
			Start:     window.Start.Format("15:04"),
			End:       window.End.Format("15:04"),
		})
	}
	return resp
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	input := campaignsvc.CreateCampaignInput{
		Name:               req.Name,
		Description:        req.Description,
		Scenario:           req.Scenario,
		TimeZone:           req.TimeZone,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		BatchSize:          req.BatchSize,
		MaxRetries:         req.MaxRetries,
		RetriesEnabled:     req.RetriesEnabled,
	}

	if len(req.BusinessHours) > 0 {
		windows, err := parseBusinessHours(req.BusinessHours)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
		input.BusinessHours = windows
	}

	contacts, err := toContactInputs(req.Contacts)
	if err != nil {
		return campaignsvc.CreateCampaignInput{}, err
	}
	input.Contacts = contacts
	return input, nil
}

func toContactInputs(req []contactRequest) ([]campaignsvc.ContactInput, error) {
	inputs := make([]campaignsvc.ContactInput, 0, len(req))
	for i, c := range req {
		if strings.TrimSpace(c.Phone) == "" {
			return nil, fmt.Errorf("%w: contact %d has no phone", apperrors.ErrValidation, i)
		}
		inputs = append(inputs, campaignsvc.ContactInput{
			Phone:     c.Phone,
			FirstName: c.FirstName,
			LastName:  c.LastName,
			Company:   c.Company,
			Email:     c.Email,
			OptOut:    c.OptOut,
		})
	}
	return inputs, nil
}

func parseBusinessHours(req []businessHourRequest) ([]campaignsvc.BusinessHourInput, error) {
	windows := make([]campaignsvc.BusinessHourInput, 0, len(req))
	for _, bh := range req {
		if bh.DayOfWeek < 0 || bh.DayOfWeek > 6 {
			return nil, fmt.Errorf("%w: day_of_week must be 0-6", apperrors.ErrValidation)
		}
		start, err := time.Parse("15:04", bh.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid start time", apperrors.ErrValidation)
		}
		end, err := time.Parse("15:04", bh.End)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid end time", apperrors.ErrValidation)
		}
		windows = append(windows, campaignsvc.BusinessHourInput{
			DayOfWeek: time.Weekday(bh.DayOfWeek),
			Start:     start,
			End:       end,
		})
	}
	return windows, nil
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}
