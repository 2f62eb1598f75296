package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

// AttemptJournal appends one row per closed dial attempt.
type AttemptJournal struct {
	session *gocql.Session
}

// NewAttemptJournal creates a journal over an open session.
func NewAttemptJournal(session *gocql.Session) *AttemptJournal {
	return &AttemptJournal{session: session}
}

// AppendAttempt writes an attempt row. Re-appending the same attempt number
// overwrites the row, so reconciliation replays are harmless.
func (j *AttemptJournal) AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error {
	durationMs := int64(attempt.Duration / time.Millisecond)
	if err := j.session.Query(`INSERT INTO call_attempts (call_id, attempt_number, campaign_id, channel_id, status, result, hangup_cause, error, created_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.CallID.String(), attempt.AttemptNum, attempt.CampaignID.String(), attempt.ChannelID,
		string(attempt.Status), string(attempt.Result), attempt.HangupCause, attempt.Error,
		attempt.CreatedAt, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt journal: append: %w", err)
	}
	return nil
}

// ListAttempts returns the newest attempts for a call first.
func (j *AttemptJournal) ListAttempts(ctx context.Context, callID uuid.UUID, limit int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = 20
	}

	iter := j.session.Query(`SELECT attempt_number, campaign_id, channel_id, status, result, hangup_cause, error, created_at, duration_ms
		FROM call_attempts WHERE call_id = ? LIMIT ?`, callID.String(), limit).WithContext(ctx).Iter()

	var (
		attempts    []domain.CallAttempt
		attemptNum  int
		campaignStr string
		channelID   string
		status      string
		result      string
		hangupCause string
		errText     string
		createdAt   time.Time
		durationMs  int64
	)
	for iter.Scan(&attemptNum, &campaignStr, &channelID, &status, &result, &hangupCause, &errText, &createdAt, &durationMs) {
		campaignID, err := uuid.Parse(campaignStr)
		if err != nil {
			continue
		}
		attempts = append(attempts, domain.CallAttempt{
			CallID:      callID,
			CampaignID:  campaignID,
			ChannelID:   channelID,
			AttemptNum:  attemptNum,
			Status:      domain.CallStatus(status),
			Result:      domain.CallResult(result),
			HangupCause: hangupCause,
			Error:       errText,
			CreatedAt:   createdAt,
			Duration:    time.Duration(durationMs) * time.Millisecond,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt journal: iter close: %w", err)
	}
	return attempts, nil
}
