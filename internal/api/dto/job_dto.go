package dto

type SubmitJobRequest struct {
	Kind           string         `json:"kind" binding:"required"`
	InputRefs      []string       `json:"input_refs" binding:"required"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key"`
	WebhookURL     string         `json:"webhook_url"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type JobStatusResponse struct {
	JobID        string    `json:"job_id"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	OutputURL    string    `json:"output_url,omitempty"`
	Error        *JobError `json:"error,omitempty"`
	CreatedAt    string    `json:"created_at"`
	StartedAt    string    `json:"started_at,omitempty"`
	FinishedAt   string    `json:"finished_at,omitempty"`
	ExpiresAt    string    `json:"expires_at,omitempty"`
}

type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	Database   string `json:"database"`
	Queue      string `json:"queue"`
	QueueDepth int    `json:"queue_depth"`
	Running    int    `json:"running_jobs"`
}
