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

const contactColumns = `id, phone, first_name, last_name, company, email,
	last_result, blacklisted, opt_out, created_at, updated_at`

// ContactRepository persists contacts.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// BulkInsert stores contacts and returns the stored rows in input order.
// A phone number that already exists keeps its row, including its id and
// its blacklist and opt-out flags.
func (r *ContactRepository) BulkInsert(ctx context.Context, contacts []domain.Contact) ([]domain.Contact, error) {
	if len(contacts) == 0 {
		return nil, nil
	}

	rows := make([]map[string]any, 0, len(contacts))
	phones := make([]string, 0, len(contacts))
	for _, c := range contacts {
		rows = append(rows, map[string]any{
			"id":          c.ID,
			"phone":       c.Phone,
			"first_name":  c.FirstName,
			"last_name":   c.LastName,
			"company":     c.Company,
			"email":       c.Email,
			"last_result": string(c.LastResult),
			"blacklisted": c.Blacklisted,
			"opt_out":     c.OptOut,
			"created_at":  c.CreatedAt,
			"updated_at":  c.UpdatedAt,
		})
		phones = append(phones, c.Phone)
	}

	if _, err := r.db.NamedExecContext(ctx, `INSERT INTO contacts (
		id, phone, first_name, last_name, company, email, last_result, blacklisted, opt_out, created_at, updated_at
	) VALUES (:id, :phone, :first_name, :last_name, :company, :email, :last_result, :blacklisted, :opt_out, :created_at, :updated_at)
	ON CONFLICT (phone) DO NOTHING`, rows); err != nil {
		return nil, fmt.Errorf("contacts: bulk insert: %w", err)
	}

	q, args, err := sqlx.In(`SELECT `+contactColumns+` FROM contacts WHERE phone IN (?)`, phones)
	if err != nil {
		return nil, fmt.Errorf("contacts: build lookup: %w", err)
	}
	var records []contactRecord
	if err := r.db.SelectContext(ctx, &records, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("contacts: lookup: %w", err)
	}
	byPhone := make(map[string]domain.Contact, len(records))
	for _, rec := range records {
		byPhone[rec.Phone] = rec.toDomain()
	}

	stored := make([]domain.Contact, 0, len(contacts))
	for _, c := range contacts {
		got, ok := byPhone[c.Phone]
		if !ok {
			return nil, fmt.Errorf("contacts: %s missing after insert: %w", c.Phone, repository.ErrConflict)
		}
		stored = append(stored, got)
	}
	return stored, nil
}

// Get fetches a contact by id.
func (r *ContactRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	var record contactRecord
	err := r.db.GetContext(ctx, &record, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contacts: get: %w", err)
	}
	contact := record.toDomain()
	return &contact, nil
}

// UpdateLastResult stores the outcome of the latest closed call.
func (r *ContactRepository) UpdateLastResult(ctx context.Context, id uuid.UUID, result domain.CallResult) error {
	res, err := r.db.ExecContext(ctx, `UPDATE contacts SET last_result = $1, updated_at = $2 WHERE id = $3`,
		string(result), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("contacts: update last result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("contacts: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type contactRecord struct {
	ID          uuid.UUID      `db:"id"`
	Phone       string         `db:"phone"`
	FirstName   sql.NullString `db:"first_name"`
	LastName    sql.NullString `db:"last_name"`
	Company     sql.NullString `db:"company"`
	Email       sql.NullString `db:"email"`
	LastResult  string         `db:"last_result"`
	Blacklisted bool           `db:"blacklisted"`
	OptOut      bool           `db:"opt_out"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r contactRecord) toDomain() domain.Contact {
	return domain.Contact{
		ID:          r.ID,
		Phone:       r.Phone,
		FirstName:   r.FirstName.String,
		LastName:    r.LastName.String,
		Company:     r.Company.String,
		Email:       r.Email.String,
		LastResult:  domain.CallResult(r.LastResult),
		Blacklisted: r.Blacklisted,
		OptOut:      r.OptOut,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
