package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `job_id, study_reference, model_name, model_version, parameters, image_references,
	priority, callback_url, status, progress, result, error_kind, error_message, request_hash,
	sequence, created_at, started_at, ended_at, expires_at, expired, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	params := job.Parameters
	if params == nil {
		params = map[string]any{}
	}
	images := job.ImageReferences
	if images == nil {
		images = []string{}
	}
	errKind, errMsg := splitJobError(job.Error)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		job.ID, job.StudyReference, job.ModelName, job.ModelVersion, params, images,
		string(job.Priority), job.CallbackURL, string(job.Status), job.Progress, rawJSON(job.Result),
		errKind, errMsg, job.RequestHash, job.Sequence, job.CreatedAt, job.StartedAt, job.EndedAt,
		job.ExpiresAt, job.Expired, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 AND NOT expired`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob locks the row with SELECT ... FOR UPDATE, applies fn and writes the
// mutable columns back in the same transaction.
func (s *PostgresStore) UpdateJob(ctx context.Context, id string, fn UpdateFunc) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin job update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 AND NOT expired FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if err := fn(job); err != nil {
		return nil, err
	}
	job.ID = id
	job.UpdatedAt = time.Now().UTC()
	errKind, errMsg := splitJobError(job.Error)

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $2, progress = $3, result = $4, error_kind = $5, error_message = $6,
		   sequence = $7, started_at = $8, ended_at = $9, expires_at = $10, updated_at = $11
		 WHERE job_id = $1`,
		id, string(job.Status), job.Progress, rawJSON(job.Result), errKind, errMsg,
		job.Sequence, job.StartedAt, job.EndedAt, job.ExpiresAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job update: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 AND NOT expired ORDER BY created_at ASC, job_id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ExpireJobs(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET expired = TRUE, parameters = '{}'::jsonb, image_references = '{}',
		   result = NULL, updated_at = $1
		 WHERE NOT expired AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j        models.Job
		priority string
		status   string
		result   []byte
		errKind  *string
		errMsg   *string
	)
	err := row.Scan(&j.ID, &j.StudyReference, &j.ModelName, &j.ModelVersion, &j.Parameters,
		&j.ImageReferences, &priority, &j.CallbackURL, &status, &j.Progress, &result,
		&errKind, &errMsg, &j.RequestHash, &j.Sequence, &j.CreatedAt, &j.StartedAt,
		&j.EndedAt, &j.ExpiresAt, &j.Expired, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Priority = models.Priority(priority)
	j.Status = models.JobStatus(status)
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	if errKind != nil || errMsg != nil {
		j.Error = &models.JobError{}
		if errKind != nil {
			j.Error.Kind = *errKind
		}
		if errMsg != nil {
			j.Error.Message = *errMsg
		}
	}
	return &j, nil
}

func splitJobError(e *models.JobError) (*string, *string) {
	if e == nil {
		return nil, nil
	}
	kind, msg := e.Kind, e.Message
	return &kind, &msg
}

// rawJSON hands pgx the result as JSON text, or SQL NULL when there is none.
func rawJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
