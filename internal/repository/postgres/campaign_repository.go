package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

const campaignColumns = `id, name, description, scenario, status, time_zone, max_concurrent_calls,
	batch_size, max_retries, retries_enabled, created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :name, :description, :scenario, :status, :time_zone, :max_concurrent_calls,
		:batch_size, :max_retries, :retries_enabled, :created_at, :updated_at, :started_at, :completed_at
	)`

	params := map[string]any{
		"id":                   campaign.ID,
		"name":                 campaign.Name,
		"description":          campaign.Description,
		"scenario":             campaign.Scenario,
		"status":               string(campaign.Status),
		"time_zone":            campaign.TimeZone,
		"max_concurrent_calls": campaign.MaxConcurrentCalls,
		"batch_size":           campaign.BatchSize,
		"max_retries":          campaign.MaxRetries,
		"retries_enabled":      campaign.RetriesEnabled,
		"created_at":           campaign.CreatedAt,
		"updated_at":           campaign.UpdatedAt,
		"started_at":           campaign.StartedAt,
		"completed_at":         campaign.CompletedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// List returns campaigns with optional keyset pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sqlx.Rows
		err  error
	)
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	return scanCampaigns(rows)
}

// ListByStatus returns campaigns filtered by status, least recently touched first.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	return scanCampaigns(rows)
}

// UpdateStatus is a conditional write on the stored status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, campaign *domain.Campaign, expected domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns
		SET status = $1, updated_at = $2, started_at = $3, completed_at = $4
		WHERE id = $5 AND status = $6`,
		string(campaign.Status), campaign.UpdatedAt, campaign.StartedAt, campaign.CompletedAt,
		campaign.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	return r.expectOne(ctx, res, campaign.ID)
}

// Stop cancels the campaign and its not-yet-launched calls atomically.
func (r *CampaignRepository) Stop(ctx context.Context, campaign *domain.Campaign, expected domain.CampaignStatus, reason string) (int, error) {
	var cancelled int64
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE campaigns
			SET status = $1, updated_at = $2, completed_at = $3
			WHERE id = $4 AND status = $5`,
			string(campaign.Status), campaign.UpdatedAt, campaign.CompletedAt, campaign.ID, string(expected),
		)
		if err != nil {
			return fmt.Errorf("campaign repo: stop campaign: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("campaign repo: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("campaign repo: stop %s: %w", campaign.ID, repository.ErrConflict)
		}

		res, err = tx.ExecContext(ctx, `UPDATE calls
			SET status = 'cancelled', result = 'cancelled', cancel_reason = $1,
			    ended_at = $2, duration_ms = 0, updated_at = $2
			WHERE campaign_id = $3 AND status IN (`+inList(domain.StoppableCallStatuses)+`)`,
			reason, campaign.UpdatedAt, campaign.ID,
		)
		if err != nil {
			return fmt.Errorf("campaign repo: cancel calls: %w", err)
		}
		cancelled, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("campaign repo: rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(cancelled), nil
}

// Complete locks the campaign row, re-counts unsettled calls and only then
// writes the completed status. The row lock conflicts with the key-share
// lock a calls insert takes through its foreign key, so no call can be
// queued between the count and the write.
func (r *CampaignRepository) Complete(ctx context.Context, campaign *domain.Campaign, expected domain.CampaignStatus) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var status string
		err := tx.GetContext(ctx, &status, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, campaign.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("campaign repo: lock campaign: %w", err)
		}
		if status != string(expected) {
			return fmt.Errorf("campaign repo: %s is %s: %w", campaign.ID, status, repository.ErrConflict)
		}

		var open int
		if err := tx.GetContext(ctx, &open, countUnsettledSQL, campaign.ID); err != nil {
			return fmt.Errorf("campaign repo: count unsettled: %w", err)
		}
		if open > 0 {
			return fmt.Errorf("%w: %d calls still open", repository.ErrInvalidTransition, open)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE campaigns
			SET status = $1, updated_at = $2, completed_at = $3
			WHERE id = $4`,
			string(campaign.Status), campaign.UpdatedAt, campaign.CompletedAt, campaign.ID,
		); err != nil {
			return fmt.Errorf("campaign repo: complete: %w", err)
		}
		return nil
	})
}

func (r *CampaignRepository) expectOne(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("campaign repo: exists: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return fmt.Errorf("campaign repo: %s changed concurrently: %w", id, repository.ErrConflict)
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID                 uuid.UUID      `db:"id"`
	Name               string         `db:"name"`
	Description        sql.NullString `db:"description"`
	Scenario           string         `db:"scenario"`
	Status             string         `db:"status"`
	TimeZone           string         `db:"time_zone"`
	MaxConcurrentCalls int            `db:"max_concurrent_calls"`
	BatchSize          int            `db:"batch_size"`
	MaxRetries         int            `db:"max_retries"`
	RetriesEnabled     bool           `db:"retries_enabled"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	UpdatedAt          sql.NullTime   `db:"updated_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description.String,
		Scenario:           r.Scenario,
		Status:             domain.CampaignStatus(r.Status),
		TimeZone:           r.TimeZone,
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		BatchSize:          r.BatchSize,
		MaxRetries:         r.MaxRetries,
		RetriesEnabled:     r.RetriesEnabled,
		CreatedAt:          r.CreatedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
		StartedAt:          nullTimePtr(r.StartedAt),
		CompletedAt:        nullTimePtr(r.CompletedAt),
	}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
