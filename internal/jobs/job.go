package jobs

import "time"

// Kind identifies a supported media transform. New kinds are explicit
// additions to this set and to the recipe table.
type Kind string

const (
	KindCaption        Kind = "caption"
	KindOverlay        Kind = "overlay"
	KindConcatenate    Kind = "concatenate"
	KindExtractAudio   Kind = "extract-audio"
	KindConvert        Kind = "convert"
	KindTranscribePrep Kind = "transcribe-prep"
	KindAnimatedText   Kind = "animated-text"
)

// KnownKinds lists every transform the service accepts.
var KnownKinds = []Kind{
	KindCaption,
	KindOverlay,
	KindConcatenate,
	KindExtractAudio,
	KindConvert,
	KindTranscribePrep,
	KindAnimatedText,
}

// IsKnownKind reports whether k names a supported transform.
func IsKnownKind(k Kind) bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// State is a job lifecycle state.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
	StateExpired State = "EXPIRED"
)

// IsTerminal reports whether no further worker-driven transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateExpired
}

// CanTransition reports whether from -> to is a legal state transition.
// States move monotonically PENDING -> RUNNING -> {DONE, FAILED} -> EXPIRED.
// PENDING -> FAILED is the cancellation path for jobs never claimed.
// RUNNING -> PENDING is a retry re-enqueue and keeps the same job id.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateDone || to == StateFailed || to == StatePending
	case StateDone, StateFailed:
		return to == StateExpired
	default:
		return false
	}
}

// Job is one accepted transform request tracked through its lifecycle.
// Mutation after creation happens only through the record store's
// compare-and-set, driven by the worker pool and the janitor.
type Job struct {
	ID             string         `db:"job_id" json:"job_id"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Kind           Kind           `db:"kind" json:"kind"`
	InputRefs      []string       `db:"-" json:"input_refs"`
	Params         map[string]any `db:"-" json:"params,omitempty"`
	State          State          `db:"state" json:"state"`
	Error          *Error         `db:"-" json:"error,omitempty"`
	OutputRef      string         `db:"output_ref" json:"output_ref,omitempty"`
	WebhookURL     string         `db:"webhook_url" json:"webhook_url,omitempty"`
	AttemptCount   int            `db:"attempt_count" json:"attempt_count"`
	MaxAttempts    int            `db:"max_attempts" json:"max_attempts"`
	TimeoutSeconds int            `db:"timeout_seconds" json:"timeout_seconds,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	ExpiresAt      *time.Time     `db:"expires_at" json:"expires_at,omitempty"`
}

// HasAttemptsLeft reports whether a failed attempt may be re-enqueued.
func (j *Job) HasAttemptsLeft() bool {
	return j.AttemptCount+1 < j.MaxAttempts
}
