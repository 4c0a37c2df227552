// Package queue provides the durable transcription job queue: a SQLite
// store of recordings and their processing status, and the single
// sequential worker loop that drains it.
package queue

import "time"

// Status is a job's position in its processing lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConverting   Status = "converting"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	// StatusCancelled is terminal like failed, but a cancelled job is
	// never auto-retried by the worker loop.
	StatusCancelled Status = "cancelled"
)

// Active reports whether the status occupies the single active slot.
func (s Status) Active() bool {
	return s == StatusConverting || s == StatusTranscribing
}

// Terminal reports whether the status ends the job's lifecycle
// (regeneration excepted).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidTransition enforces the allowed job state machine edges.
// Terminal states may only be left through regeneration back to pending.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusConverting || to == StatusCancelled
	case StatusConverting:
		return to == StatusTranscribing || to == StatusFailed || to == StatusCancelled
	case StatusTranscribing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		return to == StatusPending
	default:
		return false
	}
}

// Job is one audio-to-text work item.
type Job struct {
	ID           string        // assigned at creation, immutable
	AudioPath    string        // opaque handle to the source audio, owned by the caller
	DurationHint time.Duration // optional, from the audio source collaborator
	Status       Status
	// Progress is in [0, 1]; meaningful only while the job is active,
	// 0 at pending and 1 at completed. It may reset to a lower value
	// when a fallback provider starts a fresh attempt.
	Progress float64
	// ResultText holds the transcript once completed; on failure it holds
	// a short human-readable error summary instead.
	ResultText string
	Provider   string // provider that produced ResultText, if completed
	// IsRegeneration distinguishes a user-requested re-transcription from
	// the first run of a new recording. Display only - orchestration
	// ignores it.
	IsRegeneration bool
	CreatedAtMs    int64 // immutable, queue ordering is oldest-first
	UpdatedAtMs    int64
}

// CreatedAt returns the creation time.
func (j *Job) CreatedAt() time.Time {
	return time.UnixMilli(j.CreatedAtMs)
}
