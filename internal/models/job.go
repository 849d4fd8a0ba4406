package models

import (
	"time"
)

// JobState represents the lifecycle of a publish job in the ledger.
// Pending is implicit: an occasion with no ledger row has not been claimed yet.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateAbandoned JobState = "abandoned"
)

// Terminal reports whether the state can never change again
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateAbandoned
}

// Reasons recorded on abandoned or failed rows
const (
	ReasonMissedWindow = "missed window"
	ReasonInterrupted  = "interrupted"
	ReasonExhausted    = "retries exhausted"
	ReasonPermanent    = "permanent error"
)

// PublishJob is one ledger row, keyed by the occasion's idempotency key
type PublishJob struct {
	IdempotencyKey string     `gorm:"primaryKey;size:64" json:"idempotency_key"`
	AccountID      string     `gorm:"size:64;not null;index:idx_jobs_account_scheduled,priority:1" json:"account_id"`
	Category       Category   `gorm:"size:32;not null" json:"category"`
	SlotDate       string     `gorm:"size:10;not null" json:"slot_date"` // YYYY-MM-DD in the account's timezone
	Slot           string     `gorm:"size:5;not null" json:"slot"`       // HH:MM
	ScheduledFor   time.Time  `gorm:"not null;index:idx_jobs_account_scheduled,priority:2" json:"scheduled_for"`
	State          JobState   `gorm:"size:16;not null;index" json:"state"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts    int        `gorm:"not null;default:3" json:"max_attempts"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	Reason         string     `gorm:"size:64" json:"reason,omitempty"`
	ArtifactRef    string     `gorm:"type:text" json:"artifact_ref,omitempty"`
	ExternalPostID string     `gorm:"size:64" json:"external_post_id,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	TerminalAt     *time.Time `json:"terminal_at,omitempty"`
}

// TableName pins the ledger table name
func (PublishJob) TableName() string { return "publish_jobs" }

// CanRetry returns true if the job may be re-claimed for another attempt
func (j *PublishJob) CanRetry() bool {
	return j.State == JobStateFailed && j.Attempts < j.MaxAttempts
}

// JobAttempt is an append-only record of one execution attempt
type JobAttempt struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	IdempotencyKey string     `gorm:"size:64;not null;index" json:"idempotency_key"`
	Attempt        int        `gorm:"not null" json:"attempt"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Outcome        JobState   `gorm:"size:16" json:"outcome"`
	Error          string     `gorm:"type:text" json:"error,omitempty"`
	ArtifactRef    string     `gorm:"type:text" json:"artifact_ref,omitempty"`
}

// TableName pins the attempts table name
func (JobAttempt) TableName() string { return "job_attempts" }

// SchedulerCheckpoint records the end of the last processed tick window
type SchedulerCheckpoint struct {
	Name      string    `gorm:"primaryKey;size:64"`
	LastTick  time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
