package queue

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxqueue/voxqueue/internal/bus"
	. "github.com/voxqueue/voxqueue/internal/logging"
	"github.com/voxqueue/voxqueue/internal/orchestrator"
	"github.com/voxqueue/voxqueue/internal/stt"
)

// Transcriber runs one transcription end to end. Satisfied by
// *orchestrator.Orchestrator; tests substitute fakes.
type Transcriber interface {
	Run(ctx context.Context, audioPath string, cfg stt.Config, progress stt.ProgressFunc) (orchestrator.Result, error)
}

// ProgressEvent is the payload published on bus.TopicJobProgress.
type ProgressEvent struct {
	JobID    string
	Status   Status
	Progress float64
	Stage    string
}

// activeJob is the cancel handle for the job currently being processed.
// userCancelled distinguishes an explicit Cancel(id) from the daemon's
// run context ending: only the former makes the job terminally cancelled.
type activeJob struct {
	cancel        context.CancelFunc
	userCancelled atomic.Bool
}

// Worker drains the job queue one job at a time. A single goroutine owns
// the loop, so at most one job is ever active; concurrent enqueues only
// grow the backlog.
type Worker struct {
	store       *Store
	transcriber Transcriber
	bus         *bus.Bus
	config      func() stt.Config // snapshot taken once per job

	wake chan struct{} // buffered 1; a pending wake is never lost

	// mu serializes the claim step (NextPending + active-map insert)
	// against Cancel, so a pending delete can never race the dequeue.
	mu     sync.Mutex
	active map[string]*activeJob
}

// NewWorker creates a worker over the given store and transcriber.
// config is called at the start of each job, so edits made while a job
// runs apply from the next job onward.
func NewWorker(store *Store, transcriber Transcriber, eventBus *bus.Bus, config func() stt.Config) *Worker {
	return &Worker{
		store:       store,
		transcriber: transcriber,
		bus:         eventBus,
		config:      config,
		wake:        make(chan struct{}, 1),
		active:      make(map[string]*activeJob),
	}
}

// Enqueue adds a new recording to the queue and wakes the loop.
func (w *Worker) Enqueue(audioPath string, durationHint time.Duration) (*Job, error) {
	job := &Job{
		AudioPath:    audioPath,
		DurationHint: durationHint,
		Status:       StatusPending,
	}
	if err := w.store.Insert(job); err != nil {
		return nil, err
	}
	L_info("queue: job enqueued", "id", job.ID, "path", audioPath)
	w.bus.Publish(bus.TopicJobList, job.ID)
	w.notify()
	return job, nil
}

// Regenerate puts a finished job back into the queue for a fresh
// transcription attempt under the current configuration.
func (w *Worker) Regenerate(id string) error {
	if err := w.store.ResetForRegeneration(id); err != nil {
		return err
	}
	L_info("queue: job queued for regeneration", "id", id)
	w.bus.Publish(bus.TopicJobList, id)
	w.notify()
	return nil
}

// Cancel stops a job. A pending job is removed outright; the active job
// gets its context cancelled and lands in the cancelled state once the
// providers unwind. Cancelled jobs are never auto-retried.
func (w *Worker) Cancel(id string) error {
	w.mu.Lock()
	if a, ok := w.active[id]; ok {
		a.userCancelled.Store(true)
		a.cancel()
		w.mu.Unlock()
		L_info("queue: cancelling active job", "id", id)
		return nil
	}
	// Still holding mu: the loop cannot claim the job mid-delete.
	removed, err := w.store.DeletePending(id)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	if !removed {
		return nil // already finished or gone; nothing to stop
	}
	L_info("queue: pending job removed", "id", id)
	w.bus.Publish(bus.TopicJobList, id)
	return nil
}

// Run is the worker loop. It requeues work interrupted by a previous
// crash, then drains the queue oldest-first, suspending between jobs
// until woken by an enqueue or a regeneration. Returns when ctx ends.
func (w *Worker) Run(ctx context.Context) {
	if _, err := w.store.RequeueInterrupted(); err != nil {
		L_error("queue: failed to requeue interrupted jobs", "error", err)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		job, jobCtx, entry, err := w.claim(ctx)
		if err != nil {
			L_error("queue: failed to fetch next job", "error", err)
			// Transient DB errors shouldn't spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		if job == nil {
			select {
			case <-w.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		w.processJob(ctx, jobCtx, job, entry)
	}
}

// claim fetches the next job and registers it as active in one critical
// section, so Cancel observes either a pending row or an active entry,
// never neither.
func (w *Worker) claim(ctx context.Context) (*Job, context.Context, *activeJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	job, err := w.store.NextPending()
	if err != nil || job == nil {
		return nil, nil, nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	entry := &activeJob{cancel: cancel}
	w.active[job.ID] = entry
	return job, jobCtx, entry, nil
}

// processJob runs one job through the transcriber and persists its
// outcome. ctx is the worker's run context; jobCtx additionally ends on
// a per-job Cancel.
func (w *Worker) processJob(ctx, jobCtx context.Context, job *Job, entry *activeJob) {
	defer entry.cancel()
	defer func() {
		w.mu.Lock()
		delete(w.active, job.ID)
		w.mu.Unlock()
	}()

	L_info("queue: job started", "id", job.ID, "regeneration", job.IsRegeneration)
	started := time.Now()
	w.setProgress(job.ID, StatusConverting, 0, "starting")

	cfg := w.config()
	result, err := w.transcriber.Run(jobCtx, job.AudioPath, cfg, func(u stt.ProgressUpdate) {
		status := StatusTranscribing
		if strings.Contains(u.Stage, "converting") {
			status = StatusConverting
		}
		w.setProgress(job.ID, status, u.Percent, u.Stage)
	})

	switch {
	case err == nil:
		if ferr := w.store.Finish(job.ID, StatusCompleted, 1.0, result.Text, result.Provider); ferr != nil {
			L_error("queue: failed to persist result", "id", job.ID, "error", ferr)
		}
		L_elapsed(started, "queue: job completed", "id", job.ID, "provider", result.Provider)
		w.publishProgress(job.ID, StatusCompleted, 1.0, "done")

	case stt.KindOf(err) == stt.KindCancelled && !entry.userCancelled.Load() && ctx.Err() != nil:
		// Daemon shutdown, not a user cancel: the job goes back to
		// pending so the next start picks it up, same as a crash.
		if serr := w.store.SetProgress(job.ID, StatusPending, 0); serr != nil {
			L_error("queue: failed to requeue job on shutdown", "id", job.ID, "error", serr)
		}
		L_info("queue: job returned to queue for restart", "id", job.ID)

	case stt.KindOf(err) == stt.KindCancelled:
		if ferr := w.store.Finish(job.ID, StatusCancelled, 0, "", ""); ferr != nil {
			L_error("queue: failed to persist cancellation", "id", job.ID, "error", ferr)
		}
		L_info("queue: job cancelled", "id", job.ID)
		w.publishProgress(job.ID, StatusCancelled, 0, "cancelled")

	default:
		// The failure summary stands in for the transcript so a UI has
		// something to show without inspecting logs.
		if ferr := w.store.Finish(job.ID, StatusFailed, 0, stt.Summary(err), ""); ferr != nil {
			L_error("queue: failed to persist failure", "id", job.ID, "error", ferr)
		}
		L_warn("queue: job failed", "id", job.ID, "kind", stt.KindOf(err), "error", err)
		w.publishProgress(job.ID, StatusFailed, 0, "failed")
	}

	w.bus.Publish(bus.TopicJobList, job.ID)
}

// setProgress persists and publishes an in-flight progress update.
func (w *Worker) setProgress(id string, status Status, progress float64, stage string) {
	if err := w.store.SetProgress(id, status, progress); err != nil {
		L_warn("queue: failed to persist progress", "id", id, "error", err)
	}
	w.publishProgress(id, status, progress, stage)
}

func (w *Worker) publishProgress(id string, status Status, progress float64, stage string) {
	w.bus.Publish(bus.TopicJobProgress, ProgressEvent{
		JobID:    id,
		Status:   status,
		Progress: progress,
		Stage:    stage,
	})
}

// notify wakes the loop; a no-op when a wake is already pending.
func (w *Worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
