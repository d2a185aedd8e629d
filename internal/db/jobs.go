package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/models"
	"github.com/anstrom/scanwatch/internal/store"
)

const jobColumns = `id, targets, options, state, progress, current_task, error_detail,
	result, created_at, updated_at, started_at, finished_at`

// jobRow is the scan_jobs table representation of a models.ScanJob.
type jobRow struct {
	ID          string         `db:"id"`
	Targets     pq.StringArray `db:"targets"`
	Options     []byte         `db:"options"`
	State       string         `db:"state"`
	Progress    int            `db:"progress"`
	CurrentTask string         `db:"current_task"`
	ErrorDetail sql.NullString `db:"error_detail"`
	Result      []byte         `db:"result"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	FinishedAt  sql.NullTime   `db:"finished_at"`
}

func toRow(job *models.ScanJob) (*jobRow, error) {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	row := &jobRow{
		ID:          job.ID,
		Targets:     pq.StringArray(job.Targets),
		Options:     opts,
		State:       string(job.State),
		Progress:    job.Progress,
		CurrentTask: job.CurrentTask,
		ErrorDetail: sql.NullString{String: job.Error, Valid: job.Error != ""},
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if job.Result != nil {
		if row.Result, err = json.Marshal(job.Result); err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
	}
	if job.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *job.StartedAt, Valid: true}
	}
	if job.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *job.FinishedAt, Valid: true}
	}
	return row, nil
}

func (r *jobRow) toModel() (*models.ScanJob, error) {
	job := &models.ScanJob{
		ID:          r.ID,
		Targets:     []string(r.Targets),
		State:       models.JobState(r.State),
		Progress:    r.Progress,
		CurrentTask: r.CurrentTask,
		Error:       r.ErrorDetail.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &job.Options); err != nil {
			return nil, fmt.Errorf("failed to decode options of job %s: %w", r.ID, err)
		}
	}
	if len(r.Result) > 0 {
		job.Result = &models.ScanResult{}
		if err := json.Unmarshal(r.Result, job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", r.ID, err)
		}
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

// JobStore is a store.Store backed by the scan_jobs table.
type JobStore struct {
	db *DB
}

var _ store.Store = (*JobStore)(nil)

// NewJobStore creates a job store on an open connection.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// Create implements store.Store.
func (s *JobStore) Create(ctx context.Context, job *models.ScanJob) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO scan_jobs (id, targets, options, state, progress, current_task, error_detail,
			result, created_at, updated_at, started_at, finished_at)
		VALUES (:id, :targets, :options, :state, :progress, :current_task, :error_detail,
			:result, :created_at, :updated_at, :started_at, :finished_at)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		sanitized := sanitizeDBError("create scan job", err)
		if errors.IsCode(sanitized, errors.CodeConflict) {
			return errors.ErrConflict(job.ID)
		}
		return sanitized
	}
	return nil
}

// Update implements store.Store.
func (s *JobStore) Update(ctx context.Context, job *models.ScanJob) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	query := `
		UPDATE scan_jobs
		SET state = :state, progress = :progress, current_task = :current_task,
		    error_detail = :error_detail, result = :result, updated_at = :updated_at,
		    started_at = :started_at, finished_at = :finished_at
		WHERE id = :id`

	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return sanitizeDBError("update scan job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sanitizeDBError("update scan job rows affected", err)
	}
	if n == 0 {
		return errors.ErrNotFound(job.ID)
	}
	return nil
}

// Get implements store.Store.
func (s *JobStore) Get(ctx context.Context, id string) (*models.ScanJob, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM scan_jobs WHERE id = $1`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotFound(id)
		}
		return nil, sanitizeDBError("get scan job", err)
	}
	return row.toModel()
}

// ListActive implements store.Store.
func (s *JobStore) ListActive(ctx context.Context) ([]*models.ScanJob, error) {
	return s.List(ctx, store.ListFilter{States: []models.JobState{models.StateQueued, models.StateRunning}})
}

// List implements store.Store.
func (s *JobStore) List(ctx context.Context, filter store.ListFilter) ([]*models.ScanJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scan_jobs`
	var args []interface{}

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		query += fmt.Sprintf(" WHERE state = ANY($%d)", len(args))
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sanitizeDBError("list scan jobs", err)
	}

	jobs := make([]*models.ScanJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeleteFinishedBefore implements store.Store.
func (s *JobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM scan_jobs
		WHERE state IN ('completed', 'failed', 'cancelled') AND finished_at < $1`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, sanitizeDBError("delete finished scan jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, sanitizeDBError("delete finished scan jobs rows affected", err)
	}
	return int(n), nil
}

// Close implements store.Store.
func (s *JobStore) Close() error {
	return s.db.Close()
}
