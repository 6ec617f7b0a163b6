package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrJobNotFound is returned when a job ID resolves to nothing.
var ErrJobNotFound = errors.New("scheduled job not found")

// PostgresStore persists scheduled jobs and their execution history. Job
// config rides as a JSON column so handlers can carry free-form settings,
// like a pinned rollup month, without schema changes.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const scheduledJobColumns = `id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at`

// scheduledJobRecord is the row shape; config stays raw bytes until decode.
type scheduledJobRecord struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Description string     `db:"description"`
	Schedule    string     `db:"schedule"`
	JobType     string     `db:"job_type"`
	Config      []byte     `db:"config"`
	Enabled     bool       `db:"enabled"`
	LastRun     *time.Time `db:"last_run"`
	NextRun     *time.Time `db:"next_run"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *scheduledJobRecord) decode() (*Job, error) {
	var config map[string]string
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &config); err != nil {
			return nil, fmt.Errorf("decoding config for job %s: %w", r.ID, err)
		}
	}
	return &Job{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Schedule:    r.Schedule,
		JobType:     JobType(r.JobType),
		Config:      config,
		Enabled:     r.Enabled,
		LastRun:     r.LastRun,
		NextRun:     r.NextRun,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var record scheduledJobRecord
	err := s.db.GetContext(ctx, &record,
		`SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading scheduled job: %w", err)
	}
	return record.decode()
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var records []scheduledJobRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT `+scheduledJobColumns+` FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(records))
	for i := range records {
		job, err := records[i].decode()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encoding job config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, description, schedule, job_type, config, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Name, job.Description, job.Schedule, string(job.JobType),
		configJSON, job.Enabled, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting scheduled job: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encoding job config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			name = $2, description = $3, schedule = $4, job_type = $5,
			config = $6, enabled = $7, next_run = $8, updated_at = $9
		WHERE id = $1`,
		job.ID, job.Name, job.Description, job.Schedule, string(job.JobType),
		configJSON, job.Enabled, job.NextRun, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating scheduled job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting scheduled job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET last_run = $2, updated_at = NOW() WHERE id = $1`,
		id, lastRun)
	if err != nil {
		return fmt.Errorf("recording last run: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, started_at, error, output)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.JobID, string(exec.Status), exec.StartedAt, exec.Error, exec.Output)
	if err != nil {
		return fmt.Errorf("inserting job execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = $2, ended_at = $3, error = $4, output = $5
		WHERE id = $1`,
		exec.ID, string(exec.Status), exec.EndedAt, exec.Error, exec.Output)
	if err != nil {
		return fmt.Errorf("updating job execution: %w", err)
	}
	return nil
}

// GetJobExecutions returns the most recent executions of one job, newest
// first.
func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing job executions: %w", err)
	}
	return execs, nil
}

// ListExecutionsByType returns executions across every job of the given type
// started at or after since, newest first. Operators use it to audit one
// batch concern, like every rollup run this quarter, without enumerating
// job IDs.
func (s *PostgresStore) ListExecutionsByType(ctx context.Context, jobType JobType, since time.Time) ([]*JobExecution, error) {
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT e.id, e.job_id, e.status, e.started_at, e.ended_at, e.error, e.output
		FROM job_executions e
		JOIN scheduled_jobs j ON j.id = e.job_id
		WHERE j.job_type = $1 AND e.started_at >= $2
		ORDER BY e.started_at DESC`,
		string(jobType), since)
	if err != nil {
		return nil, fmt.Errorf("listing executions by type: %w", err)
	}
	return execs, nil
}
