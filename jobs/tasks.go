// Package jobs wires background task processing over Asynq.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskResetEmail is the task type for delivering password reset tokens.
	TaskResetEmail = "auth:reset_email"
)

// ResetEmailPayload describes the information required to deliver a password
// reset token. The token itself is the only secret in transit; no password
// material ever enters a payload.
type ResetEmailPayload struct {
	Email      string `json:"email"`
	ResetToken string `json:"reset_token"`
}

// NewResetEmailTask constructs an Asynq task for a reset email.
func NewResetEmailTask(payload ResetEmailPayload) (*asynq.Task, error) {
	if payload.Email == "" || payload.ResetToken == "" {
		return nil, fmt.Errorf("jobs: reset email payload incomplete")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskResetEmail, data), nil
}

// ResetEmailJob sends reset emails through a Mailer.
type ResetEmailJob struct {
	mailer Mailer
}

// NewResetEmailJob constructs the job handler.
func NewResetEmailJob(mailer Mailer) *ResetEmailJob {
	return &ResetEmailJob{mailer: mailer}
}

// Handle processes TaskResetEmail tasks. A malformed payload is dropped
// without retry; delivery failures are returned so Asynq retries them.
func (j *ResetEmailJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ResetEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Email == "" || payload.ResetToken == "" {
		return asynq.SkipRetry
	}
	subject := "Password reset requested"
	body := fmt.Sprintf("A password reset was requested for this account.\n\nReset token: %s\n\nIf you did not request this, ignore this message.", payload.ResetToken)
	if err := j.mailer.Send(ctx, payload.Email, subject, body); err != nil {
		return fmt.Errorf("jobs: send reset email: %w", err)
	}
	return nil
}
