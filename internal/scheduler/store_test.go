package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockJobStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestGetJobNotFound(t *testing.T) {
	st, mock := newMockJobStore(t)

	mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetJobDecodesConfig(t *testing.T) {
	st, mock := newMockJobStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "name", "description", "schedule", "job_type", "config",
		"enabled", "last_run", "next_run", "created_at", "updated_at",
	}).AddRow("job-1", "monthly-rollup", "", "0 0 2 1 * *", "monthly_rollup",
		[]byte(`{"month":"2026-07"}`), true, nil, nil, now, now)

	mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := st.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.JobType != JobTypeMonthlyRollup {
		t.Errorf("job type = %s, want monthly_rollup", job.JobType)
	}
	if job.Config["month"] != "2026-07" {
		t.Errorf("config month = %q, want 2026-07", job.Config["month"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateJobAssignsID(t *testing.T) {
	st, mock := newMockJobStore(t)

	mock.ExpectExec("INSERT INTO scheduled_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &Job{
		Name:     "purge-private",
		Schedule: "0 0 3 * * *",
		JobType:  JobTypePurgePrivate,
		Enabled:  true,
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be stamped")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteJobMissingReportsNotFound(t *testing.T) {
	st, mock := newMockJobStore(t)

	mock.ExpectExec("DELETE FROM scheduled_jobs").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.DeleteJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListExecutionsByTypeFiltersAndOrders(t *testing.T) {
	st, mock := newMockJobStore(t)

	since := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	started := since.Add(26 * time.Hour)
	rows := sqlmock.NewRows([]string{
		"id", "job_id", "status", "started_at", "ended_at", "error", "output",
	}).AddRow("exec-2", "job-1", "completed", started.Add(time.Hour), nil, "", "").
		AddRow("exec-1", "job-1", "failed", started, nil, "lock conflict", "")

	mock.ExpectQuery("FROM job_executions e").
		WithArgs("monthly_rollup", since).
		WillReturnRows(rows)

	execs, err := st.ListExecutionsByType(context.Background(), JobTypeMonthlyRollup, since)
	if err != nil {
		t.Fatalf("ListExecutionsByType: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("got %d executions, want 2", len(execs))
	}
	if execs[0].ID != "exec-2" {
		t.Errorf("first execution = %s, want newest first", execs[0].ID)
	}
	if execs[1].Status != StatusFailed {
		t.Errorf("second execution status = %s, want failed", execs[1].Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
