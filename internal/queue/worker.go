package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/events"
	"github.com/talkhaven/safeguard/internal/performance"
	"github.com/talkhaven/safeguard/internal/privacy"
)

// Worker drains the ingest queue and feeds the event and performance
// pipelines. Validation failures and privacy violations are terminal; only
// transient errors requeue.
type Worker struct {
	id          string
	queue       *Queue
	events      *events.Service
	performance *performance.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue       *Queue
	Events      *events.Service
	Performance *performance.Service
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		id:          workerID,
		queue:       cfg.Queue,
		events:      cfg.Events,
		performance: cfg.Performance,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.Printf("[%s] Worker starting", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.cleanupLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[%s] Worker stopping", w.id)
	w.cancel()
	w.wg.Wait()
	log.Printf("[%s] Worker stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(w.ctx, w.id)
			if err != nil {
				log.Printf("[%s] Error dequeuing job: %v", w.id, err)
				time.Sleep(5 * time.Second)
				continue
			}

			if job == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			if err := w.processJob(job); err != nil {
				if terminal(err) {
					log.Printf("[%s] Job %s rejected: %v", w.id, job.ID, err)
					w.queue.CompleteJob(w.ctx, job, false)
				} else {
					log.Printf("[%s] Job %s failed: %v", w.id, job.ID, err)
					w.queue.RequeueJob(w.ctx, job, err.Error())
				}
			} else {
				w.queue.CompleteJob(w.ctx, job, true)
			}
		}
	}
}

func (w *Worker) processJob(job *Job) error {
	switch job.Type {
	case JobTypeClassification:
		if job.Classification == nil {
			return fmt.Errorf("classification job %s has no payload", job.ID)
		}
		_, _, err := w.events.RecordEvent(w.ctx, job.Classification)
		var eerr *events.EscalationError
		if errors.As(err, &eerr) {
			// The event is already stored; a requeue would write it twice.
			log.Printf("[%s] Job %s stored event %s without an alert decision: %v", w.id, job.ID, eerr.EventID, eerr.Err)
			return nil
		}
		return err

	case JobTypePerformance:
		if job.Performance == nil {
			return fmt.Errorf("performance job %s has no payload", job.ID)
		}
		_, err := w.performance.RecordPerformance(w.ctx, job.Performance)
		return err

	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// terminal reports whether retrying could ever succeed. A privacy violation
// or a malformed payload fails the same way every time.
func terminal(err error) bool {
	if privacy.IsViolation(err) {
		return true
	}
	var eventErr *events.ValidationError
	if errors.As(err, &eventErr) {
		return true
	}
	var perfErr *performance.ValidationError
	return errors.As(err, &perfErr)
}

func (w *Worker) cleanupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 30*time.Minute)
			if err != nil {
				log.Printf("[%s] Error cleaning stale jobs: %v", w.id, err)
			} else if cleaned > 0 {
				log.Printf("[%s] Cleaned up %d stale jobs", w.id, cleaned)
			}
		}
	}
}
