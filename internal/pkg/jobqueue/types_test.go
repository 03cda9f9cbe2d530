package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	tests := []struct {
		name     string
		jobType  JobType
		expected string
	}{
		{"Subscription Webhook", JobTypeSubscriptionWebhook, "subscription_webhook"},
		{"Subscription Mail", JobTypeSubscriptionMail, "subscription_mail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.jobType))
		})
	}
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{"Pending", JobStatusPending, "pending"},
		{"Processing", JobStatusProcessing, "processing"},
		{"Completed", JobStatusCompleted, "completed"},
		{"Failed", JobStatusFailed, "failed"},
		{"Retrying", JobStatusRetrying, "retrying"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.status))
		})
	}
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{"Failed job with retries remaining", &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3}, true},
		{"Failed job with no retries remaining", &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3}, false},
		{"Completed job", &Job{Status: JobStatusCompleted, RetryCount: 1, MaxRetries: 3}, false},
		{"Pending job", &Job{Status: JobStatusPending, MaxRetries: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_StatusTransitions(t *testing.T) {
	job := &Job{Status: JobStatusPending}

	before := time.Now()
	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)
	assert.False(t, job.ProcessedAt.Before(before))

	job.MarkAsFailed("connection refused")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "connection refused", job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)
	assert.False(t, job.UpdatedAt.Before(before))
}

func TestSubscriptionWebhookJobPayloadFromMap(t *testing.T) {
	payload, err := SubscriptionWebhookJobPayloadFromMap(map[string]interface{}{
		"delivery_id": "abc",
		"event":       "SUBSCRIPTION_CANCELED",
		"body":        `{"userId":7}`,
	})
	require.NoError(t, err)

	assert.Equal(t, &SubscriptionWebhookJobPayload{
		DeliveryID: "abc",
		Event:      "SUBSCRIPTION_CANCELED",
		Body:       `{"userId":7}`,
	}, payload)
}

func TestSubscriptionMailJobPayload_SurvivesJobJSON(t *testing.T) {
	trialEnd := time.Date(2026, 5, 8, 12, 0, 0, 0, time.UTC)
	original := SubscriptionMailJobPayload{
		UserID:       9,
		Event:        "TRIAL_WILL_END",
		ExpiresAt:    time.Date(2026, 5, 8, 12, 0, 0, 0, time.UTC),
		TrialEndDate: &trialEnd,
	}

	// Jobs pass through Redis as JSON, so numbers come back as float64.
	raw, err := json.Marshal(Job{Payload: original.ToMap()})
	require.NoError(t, err)
	var job Job
	require.NoError(t, json.Unmarshal(raw, &job))

	payload, err := SubscriptionMailJobPayloadFromMap(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint(9), payload.UserID)
	assert.True(t, payload.ExpiresAt.Equal(original.ExpiresAt))
	require.NotNil(t, payload.TrialEndDate)
	assert.True(t, payload.TrialEndDate.Equal(trialEnd))
}

func TestSubscriptionMailJobPayloadFromMap_InvalidData(t *testing.T) {
	payload, err := SubscriptionMailJobPayloadFromMap(map[string]interface{}{
		"user_id": make(chan int),
	})
	assert.Error(t, err)
	assert.Nil(t, payload)
}
