package scheduler

import (
	"context"
	"testing"
	"time"
)

type memJobStore struct {
	jobs      []*Job
	execs     []*JobExecution
	listErr   error
	createErr error
}

func (m *memJobStore) GetJob(_ context.Context, id string) (*Job, error) {
	for _, j := range m.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, ErrJobNotFound
}

func (m *memJobStore) ListJobs(_ context.Context) ([]*Job, error) {
	return m.jobs, m.listErr
}

func (m *memJobStore) CreateJob(_ context.Context, job *Job) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memJobStore) UpdateJob(_ context.Context, _ *Job) error { return nil }

func (m *memJobStore) DeleteJob(_ context.Context, _ string) error { return nil }

func (m *memJobStore) UpdateLastRun(_ context.Context, _ string, _ time.Time) error { return nil }

func (m *memJobStore) CreateExecution(_ context.Context, exec *JobExecution) error {
	m.execs = append(m.execs, exec)
	return nil
}

func (m *memJobStore) UpdateExecution(_ context.Context, _ *JobExecution) error { return nil }

func (m *memJobStore) GetJobExecutions(_ context.Context, _ string, _ int) ([]*JobExecution, error) {
	return m.execs, nil
}

func (m *memJobStore) ListExecutionsByType(_ context.Context, _ JobType, _ time.Time) ([]*JobExecution, error) {
	return m.execs, nil
}

func TestEnsureDefaultJobsSeedsRollup(t *testing.T) {
	st := &memJobStore{}

	if err := EnsureDefaultJobs(context.Background(), st, "0 0 2 1 * *"); err != nil {
		t.Fatalf("EnsureDefaultJobs: %v", err)
	}

	if len(st.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(st.jobs))
	}
	job := st.jobs[0]
	if job.JobType != JobTypeMonthlyRollup {
		t.Errorf("job type = %s, want monthly_rollup", job.JobType)
	}
	if job.Schedule != "0 0 2 1 * *" {
		t.Errorf("schedule = %q, want the configured one", job.Schedule)
	}
	if !job.Enabled {
		t.Error("seeded rollup job must be enabled")
	}
}

func TestEnsureDefaultJobsRespectsExisting(t *testing.T) {
	st := &memJobStore{jobs: []*Job{{
		ID:       "existing",
		Name:     "monthly-rollup",
		Schedule: "0 30 4 2 * *",
		JobType:  JobTypeMonthlyRollup,
		Enabled:  false,
	}}}

	if err := EnsureDefaultJobs(context.Background(), st, "0 0 2 1 * *"); err != nil {
		t.Fatalf("EnsureDefaultJobs: %v", err)
	}

	if len(st.jobs) != 1 {
		t.Fatalf("got %d jobs, want the existing job untouched", len(st.jobs))
	}
	if st.jobs[0].Enabled {
		t.Error("a deliberately disabled rollup job must stay disabled")
	}
}
