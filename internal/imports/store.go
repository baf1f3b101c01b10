package imports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when an import lookup misses.
var ErrNotFound = errors.New("imports: not found")

// ErrInvalidTransition is returned when a status change loses the race
// against another writer or the import is not in an allowed source state.
var ErrInvalidTransition = errors.New("imports: invalid status transition")

// Store provides data access for subscriber imports.
type Store struct {
	db *sql.DB
}

// NewStore creates a new imports store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const importColumns = `id, mailing_list_id, file_key, filename, status, target_status,
	field_mapping, has_header, total_rows, created_rows, updated_rows, skipped_rows,
	error_message, created_at, updated_at`

func scanImport(row interface{ Scan(...interface{}) error }) (*SubscriberImport, error) {
	var si SubscriberImport
	err := row.Scan(
		&si.ID, &si.MailingListID, &si.FileKey, &si.Filename, &si.Status, &si.TargetStatus,
		&si.Mapping, &si.HasHeader, &si.TotalRows, &si.CreatedRows, &si.UpdatedRows, &si.SkippedRows,
		&si.ErrorMessage, &si.CreatedAt, &si.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan import: %w", err)
	}
	return &si, nil
}

// Create inserts a new import record, defaulting to PENDING.
func (s *Store) Create(ctx context.Context, si *SubscriberImport) error {
	if si.ID == uuid.Nil {
		si.ID = uuid.New()
	}
	if si.Status == "" {
		si.Status = StatusPending
	}
	now := time.Now().UTC()
	si.CreatedAt = now
	si.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriber_imports (
			id, mailing_list_id, file_key, filename, status, target_status,
			field_mapping, has_header, total_rows, created_rows, updated_rows,
			skipped_rows, error_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0,0,0,'',$9,$10)`,
		si.ID, si.MailingListID, si.FileKey, si.Filename, si.Status, si.TargetStatus,
		si.Mapping, si.HasHeader, si.CreatedAt, si.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert import: %w", err)
	}
	return nil
}

// Get fetches an import by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*SubscriberImport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+importColumns+` FROM subscriber_imports WHERE id = $1`, id)
	return scanImport(row)
}

// SetMapping saves the operator's column mapping and target status while
// the import is still PENDING.
func (s *Store) SetMapping(ctx context.Context, id uuid.UUID, m FieldMapping, hasHeader bool, targetStatus string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriber_imports
		SET field_mapping = $2, has_header = $3, target_status = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, m, hasHeader, targetStatus, StatusPending)
	if err != nil {
		return fmt.Errorf("set import mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set import mapping: %w", err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// TransitionStatus moves the import to a new status if and only if its
// current status is one of the given source states. Losing the race
// returns ErrInvalidTransition.
func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, to string, from ...string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no source states given", to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriber_imports SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(from))
	if err != nil {
		return fmt.Errorf("transition import to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition import to %s: %w", to, err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetCounts writes the row counters after a run finishes or aborts.
func (s *Store) SetCounts(ctx context.Context, id uuid.UUID, total, created, updated, skipped int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriber_imports
		SET total_rows = $2, created_rows = $3, updated_rows = $4, skipped_rows = $5,
		    updated_at = NOW()
		WHERE id = $1`,
		id, total, created, updated, skipped)
	if err != nil {
		return fmt.Errorf("set import counts: %w", err)
	}
	return nil
}

// SetError moves the import to ERRORED and records the failure message.
func (s *Store) SetError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriber_imports
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`,
		id, StatusErrored, msg)
	if err != nil {
		return fmt.Errorf("set import error: %w", err)
	}
	return nil
}

// ForList returns the newest imports for a mailing list.
func (s *Store) ForList(ctx context.Context, listID uuid.UUID, limit int) ([]*SubscriberImport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+importColumns+` FROM subscriber_imports
		 WHERE mailing_list_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, listID, limit)
	if err != nil {
		return nil, fmt.Errorf("query imports: %w", err)
	}
	defer rows.Close()

	var out []*SubscriberImport
	for rows.Next() {
		si, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}
