package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

const callColumns = `id, campaign_id, contact_id, channel_id, status, result, retry_count, max_retries,
	scheduled_at, queue_priority, started_at, answered_at, ended_at, duration_ms, hangup_cause,
	amd_result, sentiment, transcript_ref, transcript, barged_in, last_error, cancel_reason,
	created_at, updated_at`

// CallRepository implements repository.CallRepository on PostgreSQL.
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository constructs the repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create inserts pending calls.
func (r *CallRepository) Create(ctx context.Context, calls []*domain.Call) error {
	if len(calls) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		rows = append(rows, callParams(c))
	}
	q := `INSERT INTO calls (` + callColumns + `) VALUES (
		:id, :campaign_id, :contact_id, :channel_id, :status, :result, :retry_count, :max_retries,
		:scheduled_at, :queue_priority, :started_at, :answered_at, :ended_at, :duration_ms, :hangup_cause,
		:amd_result, :sentiment, :transcript_ref, :transcript, :barged_in, :last_error, :cancel_reason,
		:created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, rows); err != nil {
		return fmt.Errorf("call repo: insert: %w", err)
	}
	return nil
}

// Get fetches a call by record id.
func (r *CallRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	return r.getOne(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
}

// GetByChannel fetches a call by its media server identifier.
func (r *CallRepository) GetByChannel(ctx context.Context, channelID string) (*domain.Call, error) {
	return r.getOne(ctx, `SELECT `+callColumns+` FROM calls WHERE channel_id = $1`, channelID)
}

func (r *CallRepository) getOne(ctx context.Context, q string, arg any) (*domain.Call, error) {
	var record callRecord
	if err := r.db.GetContext(ctx, &record, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: get: %w", err)
	}
	return record.toDomain(), nil
}

// ListByCampaign pages through a campaign's calls, newest first.
func (r *CallRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+callColumns+` FROM calls WHERE campaign_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, campaignID, limit, offset)
}

// ClaimEligible moves due pending/retry calls into queued and returns them
// joined with their contact. Concurrent claimers skip each other's rows.
func (r *CallRepository) ClaimEligible(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.DispatchItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := `WITH picked AS (
		SELECT id FROM calls
		 WHERE campaign_id = $1
		   AND status IN (` + inList(domain.EligibleCallStatuses) + `)
		   AND scheduled_at <= $2
		 ORDER BY queue_priority DESC, scheduled_at ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED
	)
	UPDATE calls AS c SET status = 'queued', updated_at = $2
	  FROM picked, contacts AS ct
	 WHERE c.id = picked.id AND ct.id = c.contact_id
	RETURNING c.id, c.campaign_id, c.contact_id, c.channel_id, c.status, c.result, c.retry_count, c.max_retries,
		c.scheduled_at, c.queue_priority, c.started_at, c.answered_at, c.ended_at, c.duration_ms, c.hangup_cause,
		c.amd_result, c.sentiment, c.transcript_ref, c.transcript, c.barged_in, c.last_error, c.cancel_reason,
		c.created_at, c.updated_at,
		ct.phone AS contact_phone, ct.first_name AS contact_first_name, ct.last_name AS contact_last_name,
		ct.company AS contact_company, ct.email AS contact_email, ct.last_result AS contact_last_result,
		ct.blacklisted AS contact_blacklisted, ct.opt_out AS contact_opt_out`

	rows, err := r.db.QueryxContext(ctx, q, campaignID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("call repo: claim: %w", err)
	}
	defer rows.Close()

	var items []domain.DispatchItem
	for rows.Next() {
		var row claimRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("call repo: claim scan: %w", err)
		}
		call := row.callRecord.toDomain()
		items = append(items, domain.DispatchItem{
			Call: call,
			Contact: domain.Contact{
				ID:          call.ContactID,
				Phone:       row.ContactPhone,
				FirstName:   row.ContactFirstName.String,
				LastName:    row.ContactLastName.String,
				Company:     row.ContactCompany.String,
				Email:       row.ContactEmail.String,
				LastResult:  domain.CallResult(row.ContactLastResult),
				Blacklisted: row.ContactBlacklisted,
				OptOut:      row.ContactOptOut,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: claim rows: %w", err)
	}

	// RETURNING does not preserve the CTE order.
	SortDispatchOrder(items)
	return items, nil
}

// SortDispatchOrder orders items by priority descending, then earliest schedule.
func SortDispatchOrder(items []domain.DispatchItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Call, items[j].Call
		if a.QueuePriority != b.QueuePriority {
			return a.QueuePriority > b.QueuePriority
		}
		return a.ScheduledAt.Before(b.ScheduledAt)
	})
}

// Update writes every mutable column when the stored status equals expected.
func (r *CallRepository) Update(ctx context.Context, call *domain.Call, expected domain.CallStatus) error {
	params := callParams(call)
	params["expected"] = string(expected)

	res, err := r.db.NamedExecContext(ctx, `UPDATE calls SET
		channel_id = :channel_id, status = :status, result = :result, retry_count = :retry_count,
		scheduled_at = :scheduled_at, queue_priority = :queue_priority, started_at = :started_at,
		answered_at = :answered_at, ended_at = :ended_at, duration_ms = :duration_ms,
		hangup_cause = :hangup_cause, amd_result = :amd_result, sentiment = :sentiment,
		transcript_ref = :transcript_ref, transcript = :transcript, barged_in = :barged_in,
		last_error = :last_error, cancel_reason = :cancel_reason, updated_at = :updated_at
		WHERE id = :id AND status = :expected`, params)
	if err != nil {
		return fmt.Errorf("call repo: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call repo: %s no longer %s: %w", call.ID, expected, repository.ErrConflict)
	}
	return nil
}

// CountActiveByCampaign counts channel-holding calls per campaign.
func (r *CallRepository) CountActiveByCampaign(ctx context.Context) (map[uuid.UUID]int, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT campaign_id, COUNT(*) AS active FROM calls
		WHERE status IN (`+inList(domain.ActiveCallStatuses)+`) GROUP BY campaign_id`)
	if err != nil {
		return nil, fmt.Errorf("call repo: count active: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var row struct {
			CampaignID uuid.UUID `db:"campaign_id"`
			Active     int       `db:"active"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("call repo: count active scan: %w", err)
		}
		out[row.CampaignID] = row.Active
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: count active rows: %w", err)
	}
	return out, nil
}

// ListActive returns channel-holding calls not updated since olderThan.
func (r *CallRepository) ListActive(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Call, error) {
	return r.list(ctx, `SELECT `+callColumns+` FROM calls
		WHERE status IN (`+inList(domain.ActiveCallStatuses)+`) AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
}

// ListStuckQueued returns queued calls that were never launched.
func (r *CallRepository) ListStuckQueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Call, error) {
	return r.list(ctx, `SELECT `+callColumns+` FROM calls
		WHERE status = 'queued' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
}

// ListRetryCandidates returns retryable calls with budget left.
func (r *CallRepository) ListRetryCandidates(ctx context.Context, limit int) ([]*domain.Call, error) {
	return r.list(ctx, `SELECT `+prefixed("c.", callColumns)+` FROM calls AS c
		JOIN campaigns AS cp ON cp.id = c.campaign_id
		WHERE c.status IN ('no_answer', 'busy')
		  AND c.retry_count < c.max_retries
		  AND cp.retries_enabled
		  AND cp.status IN ('running', 'paused')
		ORDER BY c.ended_at ASC NULLS FIRST LIMIT $1`, limit)
}

const countUnsettledSQL = `SELECT COUNT(*) FROM calls AS c
	JOIN campaigns AS cp ON cp.id = c.campaign_id
	WHERE c.campaign_id = $1
	  AND c.status NOT IN ('completed', 'failed', 'cancelled')
	  AND NOT (c.status IN ('no_answer', 'busy') AND (NOT cp.retries_enabled OR c.retry_count >= c.max_retries))`

// CountUnsettled counts calls that are neither terminal nor finished for good.
func (r *CallRepository) CountUnsettled(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, countUnsettledSQL, campaignID)
	if err != nil {
		return 0, fmt.Errorf("call repo: count unsettled: %w", err)
	}
	return n, nil
}

func (r *CallRepository) list(ctx context.Context, q string, args ...any) ([]*domain.Call, error) {
	var records []callRecord
	if err := r.db.SelectContext(ctx, &records, q, args...); err != nil {
		return nil, fmt.Errorf("call repo: list: %w", err)
	}
	calls := make([]*domain.Call, 0, len(records))
	for _, rec := range records {
		calls = append(calls, rec.toDomain())
	}
	return calls, nil
}

type callRecord struct {
	ID            uuid.UUID      `db:"id"`
	CampaignID    uuid.UUID      `db:"campaign_id"`
	ContactID     uuid.UUID      `db:"contact_id"`
	ChannelID     string         `db:"channel_id"`
	Status        string         `db:"status"`
	Result        string         `db:"result"`
	RetryCount    int            `db:"retry_count"`
	MaxRetries    int            `db:"max_retries"`
	ScheduledAt   time.Time      `db:"scheduled_at"`
	QueuePriority int            `db:"queue_priority"`
	StartedAt     sql.NullTime   `db:"started_at"`
	AnsweredAt    sql.NullTime   `db:"answered_at"`
	EndedAt       sql.NullTime   `db:"ended_at"`
	DurationMs    int64          `db:"duration_ms"`
	HangupCause   sql.NullString `db:"hangup_cause"`
	AMDResult     sql.NullString `db:"amd_result"`
	Sentiment     sql.NullString `db:"sentiment"`
	TranscriptRef sql.NullString `db:"transcript_ref"`
	Transcript    sql.NullString `db:"transcript"`
	BargedIn      bool           `db:"barged_in"`
	LastError     sql.NullString `db:"last_error"`
	CancelReason  sql.NullString `db:"cancel_reason"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

type claimRow struct {
	callRecord
	ContactPhone       string         `db:"contact_phone"`
	ContactFirstName   sql.NullString `db:"contact_first_name"`
	ContactLastName    sql.NullString `db:"contact_last_name"`
	ContactCompany     sql.NullString `db:"contact_company"`
	ContactEmail       sql.NullString `db:"contact_email"`
	ContactLastResult  string         `db:"contact_last_result"`
	ContactBlacklisted bool           `db:"contact_blacklisted"`
	ContactOptOut      bool           `db:"contact_opt_out"`
}

func (r callRecord) toDomain() *domain.Call {
	return &domain.Call{
		ID:            r.ID,
		CampaignID:    r.CampaignID,
		ContactID:     r.ContactID,
		ChannelID:     r.ChannelID,
		Status:        domain.CallStatus(r.Status),
		Result:        domain.CallResult(r.Result),
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		ScheduledAt:   r.ScheduledAt,
		QueuePriority: r.QueuePriority,
		StartedAt:     nullTimePtr(r.StartedAt),
		AnsweredAt:    nullTimePtr(r.AnsweredAt),
		EndedAt:       nullTimePtr(r.EndedAt),
		Duration:      time.Duration(r.DurationMs) * time.Millisecond,
		HangupCause:   r.HangupCause.String,
		AMDResult:     r.AMDResult.String,
		Sentiment:     r.Sentiment.String,
		TranscriptRef: r.TranscriptRef.String,
		Transcript:    r.Transcript.String,
		BargedIn:      r.BargedIn,
		LastError:     r.LastError.String,
		CancelReason:  r.CancelReason.String,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func callParams(c *domain.Call) map[string]any {
	return map[string]any{
		"id":             c.ID,
		"campaign_id":    c.CampaignID,
		"contact_id":     c.ContactID,
		"channel_id":     c.ChannelID,
		"status":         string(c.Status),
		"result":         string(c.Result),
		"retry_count":    c.RetryCount,
		"max_retries":    c.MaxRetries,
		"scheduled_at":   c.ScheduledAt,
		"queue_priority": c.QueuePriority,
		"started_at":     c.StartedAt,
		"answered_at":    c.AnsweredAt,
		"ended_at":       c.EndedAt,
		"duration_ms":    c.Duration.Milliseconds(),
		"hangup_cause":   c.HangupCause,
		"amd_result":     c.AMDResult,
		"sentiment":      c.Sentiment,
		"transcript_ref": c.TranscriptRef,
		"transcript":     c.Transcript,
		"barged_in":      c.BargedIn,
		"last_error":     c.LastError,
		"cancel_reason":  c.CancelReason,
		"created_at":     c.CreatedAt,
		"updated_at":     c.UpdatedAt,
	}
}
