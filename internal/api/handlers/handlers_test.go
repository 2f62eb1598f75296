package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dialer/internal/api"
	"github.com/acme/outbound-dialer/internal/api/handlers"
	"github.com/acme/outbound-dialer/internal/app"
	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/pkg/logger"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	cfg := &config.Config{}
	cfg.App = config.AppConfig{Name: "outbound-dialer", Env: "test", InstanceID: "api-test", Storage: app.StorageMemory}
	cfg.Events.Sink = app.SinkNone
	cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	cfg.Telephony = config.TelephonyConfig{Driver: app.DriverMock, OriginateTimeout: time.Second}
	cfg.Dispatcher = config.DispatcherConfig{PollInterval: time.Second, DefaultBatchSize: 5, LeaseTTL: time.Minute}
	cfg.Throttle = config.ThrottleConfig{GlobalConcurrency: 10, DefaultPerCampaign: 3}
	cfg.Retry = config.RetryConfig{DefaultMaxRetries: 2}
	cfg.Themes = config.ThemesConfig{Dir: "../../../themes", Fallback: "general"}

	container, err := app.New(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	return api.NewServer(container, handlers.NewHandlerSet(container)).App()
}

func do(t *testing.T, a *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, payload
}

type campaignBody struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Scenario       string `json:"scenario"`
	MaxRetries     int    `json:"max_retries"`
	RetriesEnabled bool   `json:"retries_enabled"`
	BusinessHours  []struct {
		DayOfWeek int    `json:"day_of_week"`
		Start     string `json:"start"`
		End       string `json:"end"`
	} `json:"business_hours"`
}

const createBody = `{
	"name": "renewals",
	"scenario": "insurance",
	"time_zone": "Europe/Berlin",
	"max_retries": 1,
	"business_hours": [{"day_of_week": 1, "start": "09:00", "end": "17:30"}],
	"contacts": [
		{"phone": "+4915550001", "first_name": "Ada"},
		{"phone": "+4915550002", "first_name": "Grace"}
	]
}`

func createCampaign(t *testing.T, a *fiber.App) campaignBody {
	t.Helper()
	status, body := do(t, a, http.MethodPost, "/api/v1/campaigns/", createBody)
	require.Equal(t, http.StatusCreated, status, string(body))
	var c campaignBody
	require.NoError(t, json.Unmarshal(body, &c))
	return c
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	a := newTestApp(t)
	created := createCampaign(t, a)

	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "insurance", created.Scenario)
	assert.Equal(t, 1, created.MaxRetries)
	assert.True(t, created.RetriesEnabled)
	require.Len(t, created.BusinessHours, 1)
	assert.Equal(t, "17:30", created.BusinessHours[0].End)

	status, body := do(t, a, http.MethodGet, "/api/v1/campaigns/"+created.ID, "")
	require.Equal(t, http.StatusOK, status)
	var fetched campaignBody
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "09:00", fetched.BusinessHours[0].Start)

	status, body = do(t, a, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/start", "")
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, "running", fetched.Status)

	status, _ = do(t, a, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/resume", "")
	assert.Equal(t, http.StatusConflict, status)

	status, body = do(t, a, http.MethodGet, "/api/v1/campaigns/"+created.ID+"/stats", "")
	require.Equal(t, http.StatusOK, status)
	var stats struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus["pending"])

	status, body = do(t, a, http.MethodGet, "/api/v1/campaigns/"+created.ID+"/calls?limit=1", "")
	require.Equal(t, http.StatusOK, status)
	var page struct {
		Calls []struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			ChannelID string `json:"channel_id"`
		} `json:"calls"`
		NextOffset int `json:"next_offset"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Calls, 1)
	assert.Equal(t, 1, page.NextOffset)
	assert.Empty(t, page.Calls[0].ChannelID, "placeholder identifiers stay internal")

	status, _ = do(t, a, http.MethodGet, "/api/v1/calls/"+page.Calls[0].ID, "")
	assert.Equal(t, http.StatusOK, status)
	status, body = do(t, a, http.MethodGet, "/api/v1/calls/"+page.Calls[0].ID+"/attempts", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"attempts":[]}`, string(body))

	status, body = do(t, a, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/stop", "")
	require.Equal(t, http.StatusOK, status, string(body))
	var stopped struct {
		Campaign       campaignBody `json:"campaign"`
		CancelledCalls int          `json:"cancelled_calls"`
	}
	require.NoError(t, json.Unmarshal(body, &stopped))
	assert.Equal(t, "cancelled", stopped.Campaign.Status)
	assert.Equal(t, 2, stopped.CancelledCalls)

	status, _ = do(t, a, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/contacts",
		`{"contacts":[{"phone":"+4915550003"}]}`)
	assert.Equal(t, http.StatusConflict, status)
}

func TestCreateCampaignValidation(t *testing.T) {
	a := newTestApp(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown time zone", body: `{"name":"x","time_zone":"Mars/Olympus"}`},
		{name: "missing name", body: `{"time_zone":"UTC"}`},
		{name: "bad window clock", body: `{"name":"x","time_zone":"UTC","business_hours":[{"day_of_week":1,"start":"9am","end":"17:00"}]}`},
		{name: "bad weekday", body: `{"name":"x","time_zone":"UTC","business_hours":[{"day_of_week":9,"start":"09:00","end":"17:00"}]}`},
		{name: "contact without phone", body: `{"name":"x","time_zone":"UTC","contacts":[{"first_name":"Ada"}]}`},
		{name: "negative retries", body: `{"name":"x","time_zone":"UTC","max_retries":-1}`},
		{name: "malformed json", body: `{"name":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, a, http.MethodPost, "/api/v1/campaigns/", tt.body)
			assert.Equal(t, http.StatusBadRequest, status, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestLookupErrors(t *testing.T) {
	a := newTestApp(t)

	status, _ := do(t, a, http.MethodGet, "/api/v1/campaigns/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, a, http.MethodGet, "/api/v1/campaigns/7b0c1a52-8a8e-4a57-9a55-0d2f5b7c9e11", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, a, http.MethodPost, "/api/v1/campaigns/7b0c1a52-8a8e-4a57-9a55-0d2f5b7c9e11/pause", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, a, http.MethodGet, "/api/v1/calls/7b0c1a52-8a8e-4a57-9a55-0d2f5b7c9e11", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListCampaignsByStatus(t *testing.T) {
	a := newTestApp(t)
	first := createCampaign(t, a)
	createCampaign(t, a)

	status, _ := do(t, a, http.MethodPost, "/api/v1/campaigns/"+first.ID+"/start", "")
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, a, http.MethodGet, "/api/v1/campaigns/?status=running", "")
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Campaigns []campaignBody `json:"campaigns"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Campaigns, 1)
	assert.Equal(t, first.ID, list.Campaigns[0].ID)

	status, body = do(t, a, http.MethodGet, "/api/v1/campaigns/", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Campaigns, 2)

	status, _ = do(t, a, http.MethodGet, "/api/v1/campaigns/?after_id=nope", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t)

	status, body := do(t, a, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"status":"ok"`)

	status, body = do(t, a, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "dialer_http_request_duration_seconds")
}
