package storage

import (
	"context"
	"errors"
	"time"

	"github.com/instagram-autoposter/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("not found")

	// ErrNotRunning is returned when a terminal write targets a job that is not running
	ErrNotRunning = errors.New("job is not running")
)

// AccountRegistry holds the linked publishing accounts and their schedules
type AccountRegistry interface {
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
	SetAccountActive(ctx context.Context, id string, active bool) error
}

// ClaimRequest identifies one publishing occasion
type ClaimRequest struct {
	Key          string
	AccountID    string
	Category     models.Category
	SlotDate     string
	Slot         string
	ScheduledFor time.Time
	MaxAttempts  int
}

// Ledger is the durable record of publish jobs and the sole deduplication primitive
type Ledger interface {
	// TryClaim atomically moves an occasion to running. claimed is false when the
	// occasion is already running, terminal, or out of attempts.
	TryClaim(ctx context.Context, req ClaimRequest) (job *models.PublishJob, claimed bool, err error)

	// CompleteJob moves a running job to succeeded
	CompleteJob(ctx context.Context, key, externalPostID, artifactRef string) error

	// FailJob moves a running job to failed, or abandoned when permanent or out of attempts
	FailJob(ctx context.Context, key, errMsg string, permanent bool) (models.JobState, error)

	// RecordMissed marks an occasion abandoned without running it
	RecordMissed(ctx context.Context, req ClaimRequest, reason string) (bool, error)

	// RecoverInterrupted resolves rows left running by a crashed process
	RecoverInterrupted(ctx context.Context, staleBefore, retryAfter time.Time) (failed int, abandoned int, err error)

	AppendAttempt(ctx context.Context, attempt *models.JobAttempt) error
	Attempts(ctx context.Context, key string) ([]*models.JobAttempt, error)

	GetJob(ctx context.Context, key string) (*models.PublishJob, error)
	History(ctx context.Context, accountID string, from, to time.Time) ([]*models.PublishJob, error)
	RecentFailures(ctx context.Context, accountID string, limit int) ([]*models.PublishJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.PublishJob, error)

	GetCheckpoint(ctx context.Context, name string) (time.Time, error)
	SaveCheckpoint(ctx context.Context, name string, t time.Time) error
}

// Repository defines the interface for data persistence
type Repository interface {
	AccountRegistry
	Ledger

	// Maintenance
	Close() error
	Migrate() error
}

// JobFilter defines filtering options for ledger queries
type JobFilter struct {
	AccountID string
	State     *models.JobState
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
	OrderDesc bool
}

// DefaultJobFilter returns a filter with sensible defaults
func DefaultJobFilter() JobFilter {
	return JobFilter{
		Limit:     50,
		OrderDesc: true,
	}
}
