package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
)

// BusinessHourRepository stores calling windows as minute offsets per weekday.
type BusinessHourRepository struct {
	db *sqlx.DB
}

// NewBusinessHourRepository creates a new repository.
func NewBusinessHourRepository(db *sqlx.DB) *BusinessHourRepository {
	return &BusinessHourRepository{db: db}
}

// Replace swaps the campaign's windows in one transaction.
func (r *BusinessHourRepository) Replace(ctx context.Context, campaignID uuid.UUID, windows []domain.BusinessHourWindow) error {
	rows := make([]windowRecord, 0, len(windows))
	for _, w := range windows {
		rows = append(rows, windowRecord{
			CampaignID: campaignID,
			Day:        int(w.DayOfWeek),
			StartMin:   minuteOfDay(w.Start),
			EndMin:     minuteOfDay(w.End),
		})
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_business_hours WHERE campaign_id = $1`, campaignID); err != nil {
			return fmt.Errorf("business hours: clear: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO campaign_business_hours (campaign_id, day_of_week, start_minute, end_minute)
			VALUES (:campaign_id, :day_of_week, :start_minute, :end_minute)`, rows); err != nil {
			return fmt.Errorf("business hours: insert: %w", err)
		}
		return nil
	})
}

// List returns the campaign's windows ordered by weekday and start.
func (r *BusinessHourRepository) List(ctx context.Context, campaignID uuid.UUID) ([]domain.BusinessHourWindow, error) {
	var records []windowRecord
	if err := r.db.SelectContext(ctx, &records, `SELECT campaign_id, day_of_week, start_minute, end_minute
		FROM campaign_business_hours WHERE campaign_id = $1
		ORDER BY day_of_week, start_minute`, campaignID); err != nil {
		return nil, fmt.Errorf("business hours: list: %w", err)
	}

	windows := make([]domain.BusinessHourWindow, 0, len(records))
	for _, rec := range records {
		windows = append(windows, rec.toDomain())
	}
	return windows, nil
}

type windowRecord struct {
	CampaignID uuid.UUID `db:"campaign_id"`
	Day        int       `db:"day_of_week"`
	StartMin   int       `db:"start_minute"`
	EndMin     int       `db:"end_minute"`
}

func (r windowRecord) toDomain() domain.BusinessHourWindow {
	return domain.BusinessHourWindow{
		DayOfWeek: time.Weekday(r.Day),
		Start:     clockAt(r.StartMin),
		End:       clockAt(r.EndMin),
	}
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// clockAt anchors a minute offset on a fixed date; only the clock part is read.
func clockAt(minutes int) time.Time {
	return time.Date(2000, time.January, 1, minutes/60, minutes%60, 0, 0, time.UTC)
}
