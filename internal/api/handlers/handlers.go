package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/app"
	callsvc "github.com/acme/outbound-dialer/internal/service/call"
	campaignsvc "github.com/acme/outbound-dialer/internal/service/campaign"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	campaigns *campaignsvc.Service
	calls     *callsvc.Service
	metrics   fiber.Handler
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	h := &HandlerSet{
		container: container,
		campaigns: services.Campaign,
		calls:     services.Call,
	}
	if container.Config.Metrics.Enabled {
		prom := promhttp.HandlerFor(container.Metrics.Registry, promhttp.HandlerOpts{})
		adapted := fasthttpadaptor.NewFastHTTPHandler(prom)
		h.metrics = func(ctx *fiber.Ctx) error {
			adapted(ctx.Context())
			return nil
		}
	}
	return h
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	if h.metrics != nil {
		path := h.container.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		app.Get(path, h.metrics)
	}

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/stop", h.stopCampaign)
	campaigns.Post("/:id/complete", h.completeCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Post("/:id/contacts", h.addContacts)
	campaigns.Get("/:id/calls", h.listCampaignCalls)

	calls := v1.Group("/calls")
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/attempts", h.callAttempts)
}

// Instrument records request latency by route template.
func (h *HandlerSet) Instrument(ctx *fiber.Ctx) error {
	started := time.Now()
	err := ctx.Next()

	status := ctx.Response().StatusCode()
	if fe, ok := err.(*fiber.Error); ok {
		status = fe.Code
	}
	h.container.Metrics.HTTPRequestDuration.
		WithLabelValues(ctx.Method(), ctx.Route().Path, strconv.Itoa(status)).
		Observe(time.Since(started).Seconds())
	return err
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := h.container.Health(healthCtx)
	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
