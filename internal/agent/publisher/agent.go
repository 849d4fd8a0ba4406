package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/instagram-autoposter/internal/instagram"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/pkg/logger"
)

// Producer generates and uploads the artifact for one post
type Producer interface {
	Produce(ctx context.Context, account *models.Account, category models.Category) (*models.Artifact, error)
}

// Poster publishes an artifact to an account's feed
type Poster interface {
	Publish(ctx context.Context, account *models.Account, artifact *models.Artifact) (string, error)
}

// OutcomeRecorder mirrors terminal job outcomes somewhere outside the ledger
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, job *models.PublishJob) error
}

// Agent runs single publish attempts for claimed jobs
type Agent struct {
	repository     storage.Repository
	producer       Producer
	poster         Poster
	tracker        OutcomeRecorder
	metrics        *metrics.Metrics
	publishTimeout time.Duration
	log            *logger.Logger
	now            func() time.Time
}

// NewAgent creates a new publisher agent. tracker and m may be nil.
func NewAgent(
	repository storage.Repository,
	producer Producer,
	poster Poster,
	tracker OutcomeRecorder,
	m *metrics.Metrics,
	publishTimeout time.Duration,
	log *logger.Logger,
) *Agent {
	if publishTimeout <= 0 {
		publishTimeout = 3 * time.Minute
	}
	return &Agent{
		repository:     repository,
		producer:       producer,
		poster:         poster,
		tracker:        tracker,
		metrics:        m,
		publishTimeout: publishTimeout,
		log:            log.WithComponent("publisher"),
		now:            time.Now,
	}
}

// Execute runs one attempt of a job that the caller has already claimed. It writes the
// outcome to the ledger and returns the resulting state: succeeded, failed (retry
// eligible) or abandoned. The returned error is the attempt's failure, if any.
func (a *Agent) Execute(ctx context.Context, job *models.PublishJob) (models.JobState, error) {
	started := a.now()
	log := a.log.WithJob(job.IdempotencyKey, job.AccountID)

	log.Info().
		Str("category", string(job.Category)).
		Time("scheduled_for", job.ScheduledFor).
		Int("attempt", job.Attempts).
		Msg("Publishing job")

	postID, artifact, permanent, err := a.attempt(ctx, job)

	// Ledger writes must land even when shutdown cancels the attempt
	wctx := context.WithoutCancel(ctx)

	record := &models.JobAttempt{
		ID:             uuid.NewString(),
		IdempotencyKey: job.IdempotencyKey,
		Attempt:        job.Attempts,
		StartedAt:      started.UTC(),
	}
	if artifact != nil {
		record.ArtifactRef = artifactRef(artifact)
	}

	var state models.JobState
	if err == nil {
		state = models.JobStateSucceeded
		if werr := a.repository.CompleteJob(wctx, job.IdempotencyKey, postID, record.ArtifactRef); werr != nil {
			// Already posted: report success so nothing retries into a duplicate
			log.Error().Err(werr).Str("media_id", postID).Msg("Failed to record successful publish")
		}
	} else {
		record.Error = err.Error()
		next, werr := a.repository.FailJob(wctx, job.IdempotencyKey, err.Error(), permanent)
		switch {
		case werr != nil:
			log.Error().Err(werr).Msg("Failed to record failed attempt")
			state = models.JobStateAbandoned
			if errors.Is(werr, storage.ErrNotRunning) && next != "" {
				state = next
			}
		default:
			state = next
		}
	}

	finished := a.now()
	record.FinishedAt = &finished
	record.Outcome = state
	if werr := a.repository.AppendAttempt(wctx, record); werr != nil {
		log.Warn().Err(werr).Msg("Failed to append attempt history")
	}
	a.metrics.ObserveAttempt(string(job.Category), string(state), finished.Sub(started))

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err).Bool("permanent", permanent)
	}
	ev.Str("state", string(state)).
		Dur("duration", finished.Sub(started)).
		Msg("Publish attempt finished")

	if state.Terminal() && a.tracker != nil {
		a.track(wctx, log, job.IdempotencyKey)
	}
	return state, err
}

// attempt produces and publishes. permanent reports that retrying cannot help.
func (a *Agent) attempt(ctx context.Context, job *models.PublishJob) (string, *models.Artifact, bool, error) {
	account, err := a.repository.GetAccount(ctx, job.AccountID)
	if err != nil {
		return "", nil, errors.Is(err, storage.ErrNotFound), fmt.Errorf("load account: %w", err)
	}

	artifact, err := a.producer.Produce(ctx, account, job.Category)
	if err != nil {
		return "", nil, isPermanent(err), err
	}

	pctx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()

	postID, err := a.poster.Publish(pctx, account, artifact)
	if err != nil {
		return "", artifact, !instagram.IsTransient(err), err
	}
	return postID, artifact, false, nil
}

func (a *Agent) track(ctx context.Context, log *logger.Logger, key string) {
	job, err := a.repository.GetJob(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load job for tracker")
		return
	}
	if err := a.tracker.RecordOutcome(ctx, job); err != nil {
		log.Warn().Err(err).Msg("Failed to record outcome in tracker")
	}
}

// isPermanent reports whether err carries a permanent mark, such as a content
// configuration error
func isPermanent(err error) bool {
	var p interface{ IsPermanent() bool }
	return errors.As(err, &p) && p.IsPermanent()
}

func artifactRef(artifact *models.Artifact) string {
	if artifact.BlobKey != "" {
		return artifact.BlobKey
	}
	return artifact.URL
}
