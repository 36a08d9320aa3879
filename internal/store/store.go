package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mediaops/transformd/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id          UUID PRIMARY KEY,
	idempotency_key TEXT,
	kind            TEXT NOT NULL,
	input_refs      JSONB NOT NULL,
	params          JSONB,
	state           TEXT NOT NULL,
	error_kind      TEXT,
	error_message   TEXT,
	output_ref      TEXT,
	webhook_url     TEXT,
	attempt_count   INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL,
	timeout_seconds INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	expires_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency_key_idx
	ON jobs (idempotency_key)
	WHERE idempotency_key IS NOT NULL AND state <> 'EXPIRED';

CREATE INDEX IF NOT EXISTS jobs_expires_at_idx
	ON jobs (expires_at)
	WHERE expires_at IS NOT NULL;
`

// ErrDuplicateKey is returned by Create when the idempotency key already
// belongs to a non-expired job.
var ErrDuplicateKey = errors.New("idempotency key already in use")

// Store is the durable job record store. CompareAndSet is the sole state
// mutation path; it is what makes double-claim and double-completion
// impossible across workers.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Store over an established database connection.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates the jobs table and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// record is the row-level representation of a job.
type record struct {
	JobID          string         `db:"job_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Kind           string         `db:"kind"`
	InputRefs      []byte         `db:"input_refs"`
	Params         []byte         `db:"params"`
	State          string         `db:"state"`
	ErrorKind      sql.NullString `db:"error_kind"`
	ErrorMessage   sql.NullString `db:"error_message"`
	OutputRef      sql.NullString `db:"output_ref"`
	WebhookURL     sql.NullString `db:"webhook_url"`
	AttemptCount   int            `db:"attempt_count"`
	MaxAttempts    int            `db:"max_attempts"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
	ExpiresAt      sql.NullTime   `db:"expires_at"`
}

func (r *record) toJob() (*jobs.Job, error) {
	job := &jobs.Job{
		ID:             r.JobID,
		IdempotencyKey: r.IdempotencyKey.String,
		Kind:           jobs.Kind(r.Kind),
		State:          jobs.State(r.State),
		OutputRef:      r.OutputRef.String,
		WebhookURL:     r.WebhookURL.String,
		AttemptCount:   r.AttemptCount,
		MaxAttempts:    r.MaxAttempts,
		TimeoutSeconds: r.TimeoutSeconds,
		CreatedAt:      r.CreatedAt,
	}

	if err := json.Unmarshal(r.InputRefs, &job.InputRefs); err != nil {
		return nil, fmt.Errorf("failed to decode input refs: %w", err)
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &job.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
	}
	if r.ErrorKind.Valid {
		job.Error = &jobs.Error{
			Kind:    jobs.ErrorKind(r.ErrorKind.String),
			Message: r.ErrorMessage.String,
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
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		job.ExpiresAt = &t
	}

	return job, nil
}

const selectColumns = `
	job_id, idempotency_key, kind, input_refs, params, state,
	error_kind, error_message, output_ref, webhook_url,
	attempt_count, max_attempts, timeout_seconds,
	created_at, started_at, finished_at, expires_at
`

// Create inserts a new PENDING job record. The insert is atomic: if the
// idempotency key collides with a live job, ErrDuplicateKey is returned and
// no record is written.
func (s *Store) Create(ctx context.Context, job *jobs.Job) error {
	inputRefs, err := json.Marshal(job.InputRefs)
	if err != nil {
		return fmt.Errorf("failed to encode input refs: %w", err)
	}

	var params []byte
	if job.Params != nil {
		params, err = json.Marshal(job.Params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
	}

	query := `
		INSERT INTO jobs (
			job_id, idempotency_key, kind, input_refs, params, state,
			webhook_url, attempt_count, max_attempts, timeout_seconds, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		nullString(job.IdempotencyKey),
		string(job.Kind),
		inputRefs,
		params,
		string(job.State),
		nullString(job.WebhookURL),
		job.AttemptCount,
		job.MaxAttempts,
		job.TimeoutSeconds,
		job.CreatedAt,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job record created",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
	)

	return nil
}

// Get retrieves one job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	var r record
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &r, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return r.toJob()
}

// GetByIdempotencyKey retrieves the live job holding the given key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*jobs.Job, error) {
	var r record
	query := `
		SELECT ` + selectColumns + `
		FROM jobs
		WHERE idempotency_key = $1 AND state <> $2
	`

	if err := s.db.GetContext(ctx, &r, query, key, string(jobs.StateExpired)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}

	return r.toJob()
}

// Update carries the optional fields written alongside a state transition.
type Update struct {
	Error        *jobs.Error
	OutputRef    string
	AttemptCount *int
	ExpiresAt    *time.Time
}

// CompareAndSet transitions the job from expected to next in one atomic
// statement. It returns false (and no error) when the stored state does not
// match expected; the loser of a claim race sees exactly that.
func (s *Store) CompareAndSet(ctx context.Context, jobID string, expected, next jobs.State, update Update) (bool, error) {
	query := `
		UPDATE jobs
		SET state = $1::text,
			error_kind = COALESCE($2, error_kind),
			error_message = COALESCE($3, error_message),
			output_ref = COALESCE($4, output_ref),
			attempt_count = COALESCE($5, attempt_count),
			expires_at = COALESCE($6, expires_at),
			started_at = CASE WHEN $1::text = 'RUNNING' THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $1::text IN ('DONE', 'FAILED') THEN NOW() ELSE finished_at END
		WHERE job_id = $7 AND state = $8
	`

	var errKind, errMsg, outputRef sql.NullString
	if update.Error != nil {
		errKind = sql.NullString{String: string(update.Error.Kind), Valid: true}
		errMsg = sql.NullString{String: update.Error.Message, Valid: true}
	}
	if update.OutputRef != "" {
		outputRef = sql.NullString{String: update.OutputRef, Valid: true}
	}

	var attemptCount sql.NullInt64
	if update.AttemptCount != nil {
		attemptCount = sql.NullInt64{Int64: int64(*update.AttemptCount), Valid: true}
	}

	var expiresAt sql.NullTime
	if update.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *update.ExpiresAt, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query,
		string(next), errKind, errMsg, outputRef, attemptCount, expiresAt,
		jobID, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		s.logger.Debug("Job state transition lost compare-and-set",
			slog.String("job_id", jobID),
			slog.String("expected", string(expected)),
			slog.String("next", string(next)),
		)
		return false, nil
	}

	s.logger.Info("Job state transition",
		slog.String("job_id", jobID),
		slog.String("from", string(expected)),
		slog.String("to", string(next)),
	)

	return true, nil
}

// ListExpired returns terminal jobs whose retention window elapsed before
// the given instant.
func (s *Store) ListExpired(ctx context.Context, before time.Time, limit int) ([]*jobs.Job, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM jobs
		WHERE state IN ('DONE', 'FAILED')
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`

	var rs []record
	if err := s.db.SelectContext(ctx, &rs, query, before, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	expired := make([]*jobs.Job, 0, len(rs))
	for i := range rs {
		job, err := rs[i].toJob()
		if err != nil {
			return nil, err
		}
		expired = append(expired, job)
	}

	return expired, nil
}

// Delete removes a job record. Used by the janitor after the EXPIRED
// transition and by the gateway when rolling back a failed enqueue.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Exists reports whether a record exists for the given job id.
func (s *Store) Exists(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to check job existence: %w", err)
	}
	return exists, nil
}

// CountByState returns the number of jobs currently in the given state.
func (s *Store) CountByState(ctx context.Context, state jobs.State) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs WHERE state = $1`, string(state))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
