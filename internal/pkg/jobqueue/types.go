package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeSubscriptionWebhook JobType = "subscription_webhook"
	JobTypeSubscriptionMail    JobType = "subscription_mail"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// SubscriptionWebhookJobPayload carries one signed outbound webhook delivery.
// Body is the exact JSON that gets signed and posted.
type SubscriptionWebhookJobPayload struct {
	DeliveryID string `json:"delivery_id"`
	Event      string `json:"event"`
	Body       string `json:"body"`
}

// ToMap converts the payload to a map for storage
func (p SubscriptionWebhookJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"delivery_id": p.DeliveryID,
		"event":       p.Event,
		"body":        p.Body,
	}
}

// SubscriptionWebhookJobPayloadFromMap creates a payload from a map
func SubscriptionWebhookJobPayloadFromMap(data map[string]interface{}) (*SubscriptionWebhookJobPayload, error) {
	var payload SubscriptionWebhookJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SubscriptionMailJobPayload contains what is needed to mail a user about their subscription
type SubscriptionMailJobPayload struct {
	UserID       uint       `json:"user_id"`
	Event        string     `json:"event"`
	ExpiresAt    time.Time  `json:"expires_at"`
	TrialEndDate *time.Time `json:"trial_end_date,omitempty"`
}

func (p SubscriptionMailJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"user_id":    p.UserID,
		"event":      p.Event,
		"expires_at": p.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if p.TrialEndDate != nil {
		m["trial_end_date"] = p.TrialEndDate.UTC().Format(time.RFC3339)
	}
	return m
}

func SubscriptionMailJobPayloadFromMap(data map[string]interface{}) (*SubscriptionMailJobPayload, error) {
	var payload SubscriptionMailJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
