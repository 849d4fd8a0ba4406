package publisher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instagram-autoposter/internal/content"
	"github.com/instagram-autoposter/internal/instagram"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/internal/storage/sqlite"
	"github.com/instagram-autoposter/pkg/logger"
)

type fakeProducer struct {
	err   error
	calls int
}

func (f *fakeProducer) Produce(ctx context.Context, account *models.Account, category models.Category) (*models.Artifact, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Artifact{
		URL:       "https://cdn.example.com/artifacts/acct-1/a.png",
		BlobKey:   "artifacts/acct-1/a.png",
		Caption:   "hello",
		MediaType: models.MediaTypeImage,
	}, nil
}

type fakePoster struct {
	errs  []error
	calls int
}

func (f *fakePoster) Publish(ctx context.Context, account *models.Account, artifact *models.Artifact) (string, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "media-1", nil
}

type fakeTracker struct {
	mu   sync.Mutex
	jobs []*models.PublishJob
}

func (f *fakeTracker) RecordOutcome(ctx context.Context, job *models.PublishJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func setup(t *testing.T, maxAttempts int) (*sqlite.Repository, *models.PublishJob) {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	require.NoError(t, repo.SaveAccount(ctx, &models.Account{
		ID:             "acct-1",
		PlatformUserID: "1789",
		Timezone:       "UTC",
		IsActive:       true,
		AccessToken:    "tok",
	}))

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job, claimed, err := repo.TryClaim(ctx, storage.ClaimRequest{
		Key:          "k1",
		AccountID:    "acct-1",
		Category:     models.CategoryPortrait,
		SlotDate:     "2026-03-01",
		Slot:         "09:00",
		ScheduledFor: at,
		MaxAttempts:  maxAttempts,
	})
	require.NoError(t, err)
	require.True(t, claimed)
	return repo, job
}

func TestExecuteSuccess(t *testing.T) {
	repo, job := setup(t, 3)
	tracker := &fakeTracker{}
	agent := NewAgent(repo, &fakeProducer{}, &fakePoster{}, tracker, nil, time.Second, logger.Nop())

	state, err := agent.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, state)

	stored, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "media-1", stored.ExternalPostID)
	assert.Equal(t, "artifacts/acct-1/a.png", stored.ArtifactRef)
	assert.NotNil(t, stored.TerminalAt)

	attempts, err := repo.Attempts(context.Background(), "k1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.JobStateSucceeded, attempts[0].Outcome)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.NotEmpty(t, attempts[0].ID)

	require.Len(t, tracker.jobs, 1)
	assert.Equal(t, "media-1", tracker.jobs[0].ExternalPostID)
}

func TestExecuteTransientFailureIsRetryable(t *testing.T) {
	repo, job := setup(t, 3)
	tracker := &fakeTracker{}
	poster := &fakePoster{errs: []error{&instagram.Error{Op: "media_publish", StatusCode: 503, Transient: true}}}
	agent := NewAgent(repo, &fakeProducer{}, poster, tracker, nil, time.Second, logger.Nop())

	state, err := agent.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, models.JobStateFailed, state)

	stored, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, stored.State)
	assert.Contains(t, stored.LastError, "transient")
	assert.Empty(t, tracker.jobs)

	attempts, err := repo.Attempts(context.Background(), "k1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "artifacts/acct-1/a.png", attempts[0].ArtifactRef)
}

func TestExecutePermanentFailureAbandons(t *testing.T) {
	repo, job := setup(t, 3)
	tracker := &fakeTracker{}
	poster := &fakePoster{errs: []error{&instagram.Error{Op: "create_container", StatusCode: 400, Code: 190, Message: "token expired"}}}
	agent := NewAgent(repo, &fakeProducer{}, poster, tracker, nil, time.Second, logger.Nop())

	state, err := agent.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, models.JobStateAbandoned, state)

	stored, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateAbandoned, stored.State)
	assert.Equal(t, models.ReasonPermanent, stored.Reason)
	assert.Equal(t, 1, stored.Attempts)
	require.Len(t, tracker.jobs, 1)
}

func TestExecuteGenerationErrorSkipsPublish(t *testing.T) {
	repo, job := setup(t, 1)
	producer := &fakeProducer{err: &content.GenerationError{Category: models.CategoryPortrait, Step: "generate", Err: errors.New("503")}}
	poster := &fakePoster{}
	agent := NewAgent(repo, producer, poster, nil, nil, time.Second, logger.Nop())

	state, err := agent.Execute(context.Background(), job)
	var genErr *content.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 0, poster.calls)
	// single attempt allowed, so a transient failure exhausts the job
	assert.Equal(t, models.JobStateAbandoned, state)

	stored, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonExhausted, stored.Reason)
}

func TestExecuteContentConfigErrorIsPermanent(t *testing.T) {
	repo, job := setup(t, 3)
	producer := &fakeProducer{err: &content.GenerationError{
		Category:  models.CategoryPortrait,
		Step:      "config",
		Err:       errors.New("no content settings for category"),
		Permanent: true,
	}}
	poster := &fakePoster{}
	agent := NewAgent(repo, producer, poster, nil, nil, time.Second, logger.Nop())

	state, err := agent.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, models.JobStateAbandoned, state)
	assert.Equal(t, 0, poster.calls)

	stored, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonPermanent, stored.Reason)
	assert.Equal(t, 1, stored.Attempts)
}

func TestExecuteMissingAccountIsPermanent(t *testing.T) {
	repo, job := setup(t, 3)
	job.AccountID = "acct-gone"
	agent := NewAgent(repo, &fakeProducer{}, &fakePoster{}, nil, nil, time.Second, logger.Nop())

	// the ledger row belongs to acct-1, so only the account lookup fails
	state, err := agent.Execute(context.Background(), job)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, models.JobStateAbandoned, state)
}

func TestExecuteCancelledContextStillRecords(t *testing.T) {
	repo, job := setup(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	producer := &fakeProducer{err: &content.GenerationError{Category: models.CategoryPortrait, Step: "generate", Err: context.Canceled}}
	agent := NewAgent(repo, producer, &fakePoster{}, nil, nil, time.Second, logger.Nop())

	state, err := agent.Execute(ctx, job)
	require.Error(t, err)
	assert.Equal(t, models.JobStateFailed, state)

	stored, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, stored.State)
}
