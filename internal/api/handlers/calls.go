package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

type callResponse struct {
	ID              uuid.UUID         `json:"id"`
	CampaignID      uuid.UUID         `json:"campaign_id"`
	ContactID       uuid.UUID         `json:"contact_id"`
	ChannelID       string            `json:"channel_id,omitempty"`
	Status          domain.CallStatus `json:"status"`
	Result          domain.CallResult `json:"result"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	QueuePriority   int               `json:"queue_priority"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	AnsweredAt      *time.Time        `json:"answered_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	HangupCause     string            `json:"hangup_cause,omitempty"`
	AMDResult       string            `json:"amd_result,omitempty"`
	Sentiment       string            `json:"sentiment,omitempty"`
	Transcript      string            `json:"transcript,omitempty"`
	BargedIn        bool              `json:"barged_in"`
	LastError       string            `json:"last_error,omitempty"`
	CancelReason    string            `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type attemptResponse struct {
	AttemptNum      int               `json:"attempt"`
	ChannelID       string            `json:"channel_id"`
	Status          domain.CallStatus `json:"status"`
	Result          domain.CallResult `json:"result"`
	HangupCause     string            `json:"hangup_cause,omitempty"`
	Error           string            `json:"error,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	DurationSeconds float64           `json:"duration_seconds"`
}

type listCallsResponse struct {
	Calls      []callResponse `json:"calls"`
	NextOffset int            `json:"next_offset,omitempty"`
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	record, err := h.calls.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func (h *HandlerSet) callAttempts(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "20"))

	attempts, err := h.calls.Attempts(ctx.UserContext(), id, limit)
	if err != nil {
		return translateError(err)
	}
	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, attemptResponse{
			AttemptNum:      a.AttemptNum,
			ChannelID:       a.ChannelID,
			Status:          a.Status,
			Result:          a.Result,
			HangupCause:     a.HangupCause,
			Error:           a.Error,
			StartedAt:       a.CreatedAt,
			DurationSeconds: a.Duration.Seconds(),
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"attempts": resp})
}

func (h *HandlerSet) listCampaignCalls(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset, _ := strconv.Atoi(ctx.Query("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	calls, err := h.calls.ListByCampaign(ctx.UserContext(), id, limit, offset)
	if err != nil {
		return translateError(err)
	}

	resp := listCallsResponse{Calls: make([]callResponse, 0, len(calls))}
	for _, c := range calls {
		resp.Calls = append(resp.Calls, toCallResponse(c))
	}
	if len(calls) == limit {
		resp.NextOffset = offset + limit
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCallResponse(call *domain.Call) callResponse {
	resp := callResponse{
		ID:              call.ID,
		CampaignID:      call.CampaignID,
		ContactID:       call.ContactID,
		Status:          call.Status,
		Result:          call.Result,
		RetryCount:      call.RetryCount,
		MaxRetries:      call.MaxRetries,
		QueuePriority:   call.QueuePriority,
		ScheduledAt:     call.ScheduledAt,
		StartedAt:       call.StartedAt,
		AnsweredAt:      call.AnsweredAt,
		EndedAt:         call.EndedAt,
		DurationSeconds: call.Duration.Seconds(),
		HangupCause:     call.HangupCause,
		AMDResult:       call.AMDResult,
		Sentiment:       call.Sentiment,
		Transcript:      call.Transcript,
		BargedIn:        call.BargedIn,
		LastError:       call.LastError,
		CancelReason:    call.CancelReason,
		CreatedAt:       call.CreatedAt,
		UpdatedAt:       call.UpdatedAt,
	}
	if call.Launched() {
		resp.ChannelID = call.ChannelID
	}
	return resp
}
