package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending   CampaignStatus = "pending"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// IsTerminal reports whether the campaign can no longer change status.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

// Campaign models an outbound call campaign definition.
type Campaign struct {
	ID          uuid.UUID
	Name        string
	Description string
	// Scenario names the theme driving the voice interaction.
	Scenario           string
	Status             CampaignStatus
	TimeZone           string
	BusinessHours      []BusinessHourWindow
	MaxConcurrentCalls int
	BatchSize          int
	MaxRetries         int
	RetriesEnabled     bool
	Stats              CampaignStats
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// BusinessHourWindow captures allowed calling window per day of week.
type BusinessHourWindow struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}

// CampaignStats is recomputed from the call table; it is never incremented.
type CampaignStats struct {
	Total              int                `json:"total"`
	ByStatus           map[CallStatus]int `json:"by_status"`
	ByResult           map[CallResult]int `json:"by_result"`
	Answered           int                `json:"answered"`
	BargeIns           int                `json:"barge_ins"`
	AvgDurationSeconds float64            `json:"avg_duration_seconds"`
	AnswerRate         float64            `json:"answer_rate"`
	RecomputedAt       time.Time          `json:"recomputed_at"`
}
