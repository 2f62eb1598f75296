package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

func setupMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "pgx"), mock
}

var claimColumns = []string{
	"id", "campaign_id", "contact_id", "channel_id", "status", "result", "retry_count", "max_retries",
	"scheduled_at", "queue_priority", "started_at", "answered_at", "ended_at", "duration_ms", "hangup_cause",
	"amd_result", "sentiment", "transcript_ref", "transcript", "barged_in", "last_error", "cancel_reason",
	"created_at", "updated_at",
	"contact_phone", "contact_first_name", "contact_last_name", "contact_company", "contact_email",
	"contact_last_result", "contact_blacklisted", "contact_opt_out",
}

func TestCallRepository_UpdateConflict(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCallRepository(db)

	call := domain.NewCall(uuid.New(), uuid.New(), 2, time.Now().UTC())
	call.Status = domain.CallStatusCalling

	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), call, domain.CallStatusQueued)
	require.ErrorIs(t, err, repository.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCallRepository_UpdateApplied(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCallRepository(db)

	call := domain.NewCall(uuid.New(), uuid.New(), 2, time.Now().UTC())
	mock.ExpectExec("UPDATE calls SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Update(context.Background(), call, domain.CallStatusPending))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCallRepository_ClaimEligibleSortsReturnedRows(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCallRepository(db)

	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	campaignID := uuid.New()
	low, high, early := uuid.New(), uuid.New(), uuid.New()

	row := func(id uuid.UUID, priority int, scheduled time.Time, phone string) []driver.Value {
		return []driver.Value{
			id.String(), campaignID.String(), uuid.NewString(), domain.Placeholder(id), "queued", "new", 0, 2,
			scheduled, priority, nil, nil, nil, int64(0), nil,
			nil, nil, nil, nil, false, nil, nil,
			now, now,
			phone, "Ada", nil, nil, nil,
			"new", false, false,
		}
	}
	rows := sqlmock.NewRows(claimColumns).
		AddRow(row(low, 0, now.Add(-time.Minute), "+15550001")...).
		AddRow(row(high, 5, now, "+15550002")...).
		AddRow(row(early, 0, now.Add(-time.Hour), "+15550003")...)

	mock.ExpectQuery("WITH picked AS").
		WithArgs(campaignID.String(), now, 3).
		WillReturnRows(rows)

	items, err := repo.ClaimEligible(context.Background(), campaignID, now, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, high, items[0].Call.ID)
	assert.Equal(t, early, items[1].Call.ID)
	assert.Equal(t, low, items[2].Call.ID)
	assert.Equal(t, "+15550002", items[0].Contact.Phone)
	assert.Equal(t, "Ada", items[0].Contact.FirstName)
	assert.Equal(t, domain.CallStatusQueued, items[0].Call.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCallRepository_ClaimEligibleZeroLimit(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCallRepository(db)

	items, err := repo.ClaimEligible(context.Background(), uuid.New(), time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_StopCommits(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepository(db)

	now := time.Now().UTC()
	campaign := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusRunning}
	require.NoError(t, domain.ApplyCampaignCommand(campaign, domain.CampaignStop, now))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("cancelled", sqlmock.AnyArg(), sqlmock.AnyArg(), campaign.ID.String(), "running").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE calls").
		WithArgs("operator", sqlmock.AnyArg(), campaign.ID.String()).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := repo.Stop(context.Background(), campaign, domain.CampaignStatusRunning, "operator")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_StopRollsBackOnConflict(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepository(db)

	campaign := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusRunning}
	require.NoError(t, domain.ApplyCampaignCommand(campaign, domain.CampaignStop, time.Now().UTC()))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaigns").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.Stop(context.Background(), campaign, domain.CampaignStatusRunning, "operator")
	require.ErrorIs(t, err, repository.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_StopRollsBackWhenCallsFail(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepository(db)

	campaign := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusPaused}
	require.NoError(t, domain.ApplyCampaignCommand(campaign, domain.CampaignStop, time.Now().UTC()))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaigns").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE calls").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := repo.Stop(context.Background(), campaign, domain.CampaignStatusPaused, "operator")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel calls")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_UpdateStatusDistinguishesMissing(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantErr error
	}{
		{name: "missing campaign", exists: false, wantErr: repository.ErrNotFound},
		{name: "status moved on", exists: true, wantErr: repository.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			repo := NewCampaignRepository(db)
			campaign := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusPaused, UpdatedAt: time.Now()}

			mock.ExpectExec("UPDATE campaigns").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs(campaign.ID.String()).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			err := repo.UpdateStatus(context.Background(), campaign, domain.CampaignStatusRunning)
			require.ErrorIs(t, err, tt.wantErr)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCampaignRepository_CompleteChecksOpenCallsUnderLock(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepository(db)

	campaign := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusRunning}
	require.NoError(t, domain.ApplyCampaignCommand(campaign, domain.CampaignComplete, time.Now().UTC()))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM campaigns WHERE id = \\$1 FOR UPDATE").
		WithArgs(campaign.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM calls").
		WithArgs(campaign.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg(), campaign.ID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Complete(context.Background(), campaign, domain.CampaignStatusRunning))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_CompleteRollsBack(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		open    int
		wantErr error
	}{
		{name: "calls still open", status: "running", open: 2, wantErr: repository.ErrInvalidTransition},
		{name: "status moved on", status: "paused", wantErr: repository.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			repo := NewCampaignRepository(db)
			campaign := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusRunning}
			require.NoError(t, domain.ApplyCampaignCommand(campaign, domain.CampaignComplete, time.Now().UTC()))

			mock.ExpectBegin()
			mock.ExpectQuery("FOR UPDATE").
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(tt.status))
			if tt.status == "running" {
				mock.ExpectQuery("SELECT COUNT").
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.open))
			}
			mock.ExpectRollback()

			err := repo.Complete(context.Background(), campaign, domain.CampaignStatusRunning)
			require.ErrorIs(t, err, tt.wantErr)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestBusinessHourRepository_ReplaceRoundTripsMinutes(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBusinessHourRepository(db)
	campaignID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM campaign_business_hours").
		WithArgs(campaignID.String()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO campaign_business_hours").
		WithArgs(campaignID.String(), 1, 9*60, 17*60+30).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Replace(context.Background(), campaignID, []domain.BusinessHourWindow{{
		DayOfWeek: time.Monday,
		Start:     clockAt(9 * 60),
		End:       clockAt(17*60 + 30),
	}})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT campaign_id, day_of_week").
		WithArgs(campaignID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "day_of_week", "start_minute", "end_minute"}).
			AddRow(campaignID.String(), 1, 9*60, 17*60+30))

	windows, err := repo.List(context.Background(), campaignID)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, time.Monday, windows[0].DayOfWeek)
	assert.Equal(t, 17, windows[0].End.Hour())
	assert.Equal(t, 30, windows[0].End.Minute())
	require.NoError(t, mock.ExpectationsWereMet())
}
