package hub

import (
	"fmt"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/protocol"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// JobRegistry tracks background-task jobs reported by the plugin. It is
// owned by the hub executor and unsynchronized.
//
// State machine: (absent) -> running -> ok|error|skipped. Terminal statuses
// are write-once; frames that would thaw a terminal job are dropped with
// ErrStateConflict. While a job runs, job.output keeps the in-memory summary
// current; the store is written only on terminal transitions.
type JobRegistry struct {
	userID string
	jobs   map[string]*storage.Job
}

// NewJobRegistry creates a registry for one user's jobs.
func NewJobRegistry(userID string) *JobRegistry {
	return &JobRegistry{
		userID: userID,
		jobs:   make(map[string]*storage.Job),
	}
}

// Update applies a job.update frame. Repeated running updates are
// idempotent. The returned job reflects the post-transition state; on a
// terminal transition the caller persists it.
func (r *JobRegistry) Update(f *protocol.JobUpdate) (*storage.Job, error) {
	existing := r.jobs[f.JobID]

	if existing != nil && storage.TerminalJobStatus(existing.Status) {
		return nil, fmt.Errorf("job %s already %s: %w", f.JobID, existing.Status, errors.ErrStateConflict)
	}

	if f.Status == protocol.JobRunning {
		if existing != nil {
			return existing, nil
		}
		job := &storage.Job{
			ID:         f.JobID,
			TaskID:     f.TaskID,
			UserID:     r.userID,
			SessionKey: f.SessionKey,
			Status:     protocol.JobRunning,
			StartedAt:  f.StartedAt,
			Summary:    f.Summary,
		}
		r.jobs[f.JobID] = job
		return job, nil
	}

	if !f.Terminal() {
		return nil, fmt.Errorf("job %s: unknown status %q: %w", f.JobID, f.Status, errors.ErrProtocol)
	}

	job := existing
	if job == nil {
		// Terminal for a job this hub never saw running, e.g. after a hub
		// restart mid-job. Accept it so the result is not lost.
		job = &storage.Job{
			ID:         f.JobID,
			TaskID:     f.TaskID,
			UserID:     r.userID,
			SessionKey: f.SessionKey,
			StartedAt:  f.StartedAt,
		}
		r.jobs[f.JobID] = job
	}

	job.Status = f.Status
	if f.FinishedAt != 0 {
		job.FinishedAt = f.FinishedAt
	}
	if f.DurationMs != 0 {
		job.DurationMs = f.DurationMs
	}
	if len(f.Summary) >= len(job.Summary) {
		job.Summary = f.Summary
	}
	return job, nil
}

// Output applies a job.output frame. Text is the cumulative summary
// snapshot; it replaces, never appends. Output for a terminal or unknown
// job fails with ErrStateConflict and the frame is dropped.
func (r *JobRegistry) Output(jobID, text string) (*storage.Job, error) {
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not running: %w", jobID, errors.ErrStateConflict)
	}
	if storage.TerminalJobStatus(job.Status) {
		return nil, fmt.Errorf("job %s already %s: %w", jobID, job.Status, errors.ErrStateConflict)
	}
	job.Summary = text
	return job, nil
}

// Reconcile merges a store row into the in-memory view, preferring the
// longer summary. Used when serving job reads through the hub.
func (r *JobRegistry) Reconcile(stored *storage.Job) *storage.Job {
	live, ok := r.jobs[stored.ID]
	if !ok {
		return stored
	}
	merged := *stored
	if len(live.Summary) > len(merged.Summary) {
		merged.Summary = live.Summary
	}
	if !storage.TerminalJobStatus(merged.Status) {
		merged.Status = live.Status
	}
	return &merged
}
