package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
// Stats are rebuilt from the calls table on every recompute, so running it
// twice yields the same snapshot.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Recompute aggregates the campaign's calls and stores the snapshot.
func (r *CampaignStatisticsRepository) Recompute(ctx context.Context, campaignID uuid.UUID, at time.Time) (*domain.CampaignStats, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, result, COUNT(*) AS n,
			COALESCE(SUM(duration_ms), 0) AS duration_ms,
			COUNT(*) FILTER (WHERE answered_at IS NOT NULL) AS answered,
			COUNT(*) FILTER (WHERE barged_in) AS barge_ins
		FROM calls WHERE campaign_id = $1 GROUP BY status, result`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: aggregate: %w", err)
	}
	defer rows.Close()

	stats := domain.CampaignStats{
		ByStatus:     make(map[domain.CallStatus]int),
		ByResult:     make(map[domain.CallResult]int),
		RecomputedAt: at,
	}
	var totalDurationMs int64
	for rows.Next() {
		var row struct {
			Status     string `db:"status"`
			Result     string `db:"result"`
			N          int    `db:"n"`
			DurationMs int64  `db:"duration_ms"`
			Answered   int    `db:"answered"`
			BargeIns   int    `db:"barge_ins"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("campaign stats: scan: %w", err)
		}
		stats.Total += row.N
		stats.ByStatus[domain.CallStatus(row.Status)] += row.N
		stats.ByResult[domain.CallResult(row.Result)] += row.N
		stats.Answered += row.Answered
		stats.BargeIns += row.BargeIns
		totalDurationMs += row.DurationMs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign stats: rows err: %w", err)
	}
	domain.FinalizeStats(&stats, totalDurationMs)

	payload, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: marshal: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id, stats, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id) DO UPDATE SET stats = EXCLUDED.stats, updated_at = EXCLUDED.updated_at`,
		campaignID, payload, at); err != nil {
		return nil, fmt.Errorf("campaign stats: store: %w", err)
	}
	return &stats, nil
}

// Get retrieves the last stored snapshot.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	var payload []byte
	if err := r.db.GetContext(ctx, &payload, `SELECT stats FROM campaign_statistics WHERE campaign_id = $1`, campaignID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	var stats domain.CampaignStats
	if err := json.Unmarshal(payload, &stats); err != nil {
		return nil, fmt.Errorf("campaign stats: decode: %w", err)
	}
	return &stats, nil
}
