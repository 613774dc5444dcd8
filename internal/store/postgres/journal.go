package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jobagent/internal/job"
	"jobagent/internal/store"

	"github.com/google/uuid"
)

const defaultListLimit = 50

// Record inserts an unreported outcome.
func (s *Store) Record(ctx context.Context, o *store.UnreportedOutcome) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}

	var errKind, errMsg sql.NullString
	if o.Error != nil {
		errKind = sql.NullString{String: string(o.Error.Kind), Valid: true}
		errMsg = sql.NullString{String: o.Error.Message, Valid: true}
	}

	var result any
	if len(o.Result) > 0 {
		result = []byte(o.Result)
	}

	query := `
		INSERT INTO unreported_outcomes
			(id, job_id, job_type, worker_id, status, result, error_kind, error_message, attempts, last_error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.JobID, o.JobType, o.WorkerID, string(o.Status), result,
		errKind, errMsg, o.Attempts, o.LastError, o.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for job %s: %w", o.JobID, err)
	}
	return nil
}

// Get returns one entry by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*store.UnreportedOutcome, error) {
	query := `
		SELECT id, job_id, job_type, worker_id, status, result, error_kind, error_message, attempts, last_error, recorded_at
		FROM unreported_outcomes
		WHERE id = $1
	`
	o, err := scanOutcome(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome %s: %w", id, err)
	}
	return o, nil
}

// List returns the most recent entries.
func (s *Store) List(ctx context.Context, limit int) ([]store.UnreportedOutcome, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, job_id, job_type, worker_id, status, result, error_kind, error_message, attempts, last_error, recorded_at
		FROM unreported_outcomes
		ORDER BY recorded_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []store.UnreportedOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM unreported_outcomes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete outcome %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (*store.UnreportedOutcome, error) {
	var (
		o       store.UnreportedOutcome
		status  string
		result  []byte
		errKind sql.NullString
		errMsg  sql.NullString
	)
	if err := row.Scan(
		&o.ID, &o.JobID, &o.JobType, &o.WorkerID, &status, &result,
		&errKind, &errMsg, &o.Attempts, &o.LastError, &o.RecordedAt,
	); err != nil {
		return nil, err
	}

	o.Status = job.Status(status)
	if len(result) > 0 {
		o.Result = result
	}
	if errKind.Valid {
		o.Error = &job.ErrorSummary{Kind: job.ErrorKind(errKind.String), Message: errMsg.String}
	}
	return &o, nil
}
