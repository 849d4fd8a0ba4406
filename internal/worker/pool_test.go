package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/internal/storage/sqlite"
	"github.com/instagram-autoposter/pkg/logger"
)

var errTransient = errors.New("rate limited")

type permanentError struct{ error }

// scriptedExecutor plays back per-key outcomes and records concurrency
type scriptedExecutor struct {
	repo *sqlite.Repository

	mu            sync.Mutex
	outcomes      map[string][]error
	calls         []string
	perAccount    map[string]int
	maxPerAccount int
	inFlight      int
	maxInFlight   int

	started chan string
	gate    chan struct{}
	hold    time.Duration
}

func newExecutor(repo *sqlite.Repository) *scriptedExecutor {
	return &scriptedExecutor{
		repo:       repo,
		outcomes:   make(map[string][]error),
		perAccount: make(map[string]int),
	}
}

func (e *scriptedExecutor) Execute(ctx context.Context, job *models.PublishJob) (models.JobState, error) {
	e.mu.Lock()
	e.calls = append(e.calls, job.IdempotencyKey)
	e.perAccount[job.AccountID]++
	e.maxPerAccount = max(e.maxPerAccount, e.perAccount[job.AccountID])
	e.inFlight++
	e.maxInFlight = max(e.maxInFlight, e.inFlight)
	var outcome error
	if q := e.outcomes[job.IdempotencyKey]; len(q) > 0 {
		outcome, e.outcomes[job.IdempotencyKey] = q[0], q[1:]
	}
	e.mu.Unlock()

	if e.started != nil {
		e.started <- job.IdempotencyKey
	}
	if e.gate != nil {
		<-e.gate
	}
	if e.hold > 0 {
		time.Sleep(e.hold)
	}

	e.mu.Lock()
	e.perAccount[job.AccountID]--
	e.inFlight--
	e.mu.Unlock()

	if outcome == nil {
		return models.JobStateSucceeded, e.repo.CompleteJob(ctx, job.IdempotencyKey, "media-"+job.IdempotencyKey, "")
	}
	var perm permanentError
	state, err := e.repo.FailJob(ctx, job.IdempotencyKey, outcome.Error(), errors.As(outcome, &perm))
	if err != nil {
		return models.JobStateAbandoned, err
	}
	return state, outcome
}

func (e *scriptedExecutor) callOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) afterFunc(d time.Duration, f func()) *time.Timer {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return time.AfterFunc(time.Millisecond, f)
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// flakyLedger fails the first n re-claims
type flakyLedger struct {
	*sqlite.Repository

	mu    sync.Mutex
	fails int
}

func (l *flakyLedger) TryClaim(ctx context.Context, req storage.ClaimRequest) (*models.PublishJob, bool, error) {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return nil, false, errors.New("database is locked")
	}
	l.mu.Unlock()
	return l.Repository.TryClaim(ctx, req)
}

func newTestRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func claim(t *testing.T, repo *sqlite.Repository, key, accountID string, at time.Time) *models.PublishJob {
	t.Helper()
	job, ok, err := repo.TryClaim(context.Background(), storage.ClaimRequest{
		Key:          key,
		AccountID:    accountID,
		Category:     models.CategoryPortrait,
		SlotDate:     at.Format("2006-01-02"),
		Slot:         at.Format("15:04"),
		ScheduledFor: at,
		MaxAttempts:  3,
	})
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func newTestPool(exec Executor, repo *sqlite.Repository, concurrency int) (*Pool, *delayRecorder) {
	rec := &delayRecorder{}
	p := NewPool(exec, repo, config.WorkerConfig{
		Concurrency: concurrency,
		MaxAttempts: 3,
		BaseDelay:   10 * time.Second,
		MaxDelay:    time.Minute,
	}, nil, logger.Nop())
	p.afterFunc = rec.afterFunc
	return p, rec
}

func waitIdle(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

var nine = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestPoolRetriesTransientFailuresUntilSuccess(t *testing.T) {
	repo := newTestRepo(t)
	exec := newExecutor(repo)
	exec.outcomes["k1"] = []error{errTransient, errTransient, nil}
	pool, rec := newTestPool(exec, repo, 2)

	require.NoError(t, pool.Submit(claim(t, repo, "k1", "acct-1", nine)))
	waitIdle(t, pool)

	job, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, rec.recorded())
	assert.Equal(t, []string{"k1", "k1", "k1"}, exec.callOrder())
}

func TestPoolAbandonsAfterMaxAttempts(t *testing.T) {
	repo := newTestRepo(t)
	exec := newExecutor(repo)
	exec.outcomes["k1"] = []error{errTransient, errTransient, errTransient}
	pool, rec := newTestPool(exec, repo, 2)

	require.NoError(t, pool.Submit(claim(t, repo, "k1", "acct-1", nine)))
	waitIdle(t, pool)

	job, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateAbandoned, job.State)
	assert.Equal(t, models.ReasonExhausted, job.Reason)
	assert.Equal(t, 3, job.Attempts)
	assert.Len(t, rec.recorded(), 2)
}

func TestPoolPermanentErrorSkipsBackoff(t *testing.T) {
	repo := newTestRepo(t)
	exec := newExecutor(repo)
	exec.outcomes["k1"] = []error{permanentError{errors.New("invalid media")}}
	pool, rec := newTestPool(exec, repo, 2)

	require.NoError(t, pool.Submit(claim(t, repo, "k1", "acct-1", nine)))
	waitIdle(t, pool)

	job, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateAbandoned, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, rec.recorded())
}

func TestPoolReschedulesRetryWhenReclaimFails(t *testing.T) {
	repo := newTestRepo(t)
	exec := newExecutor(repo)
	exec.outcomes["k1"] = []error{errTransient, nil}
	pool, rec := newTestPool(exec, repo, 2)
	pool.ledger = &flakyLedger{Repository: repo, fails: 1}

	require.NoError(t, pool.Submit(claim(t, repo, "k1", "acct-1", nine)))
	waitIdle(t, pool)

	job, err := repo.GetJob(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, rec.recorded())
	assert.Equal(t, []string{"k1", "k1"}, exec.callOrder())
}

func TestPoolSerializesAccountInScheduledOrder(t *testing.T) {
	repo := newTestRepo(t)
	exec := newExecutor(repo)
	exec.started = make(chan string, 8)
	exec.gate = make(chan struct{})
	pool, _ := newTestPool(exec, repo, 4)

	require.NoError(t, pool.Submit(claim(t, repo, "k-11", "acct-1", nine.Add(2*time.Hour))))
	require.Equal(t, "k-11", <-exec.started)

	require.NoError(t, pool.Submit(claim(t, repo, "k-10", "acct-1", nine.Add(time.Hour))))
	require.NoError(t, pool.Submit(claim(t, repo, "k-09", "acct-1", nine)))
	close(exec.gate)
	waitIdle(t, pool)

	assert.Equal(t, []string{"k-11", "k-09", "k-10"}, exec.callOrder())
	assert.Equal(t, 1, exec.maxPerAccount)
}

func TestPoolRunsAccountsInParallel(t *testing.T) {
	repo := newTestRepo(t)
	exec := newExecutor(repo)
	exec.started = make(chan string, 8)
	exec.gate = make(chan struct{})
	pool, _ := newTestPool(exec, repo, 4)

	require.NoError(t, pool.Submit(claim(t, repo, "a-1", "acct-a", nine)))
	require.NoError(t, pool.Submit(claim(t, repo, "b-1", "acct-b", nine)))

	// both start before either is released
	<-exec.started
	<-exec.started
	close(exec.gate)
	waitIdle(t, pool)

	assert.Equal(t, 2, exec.maxInFlight)
	assert.Equal(t, 1, exec.maxPerAccount)
}

func TestPoolRespectsConcurrencyCap(t *testing.T) {
	repo := newTestRepo(t)
	exec := newExecutor(repo)
	exec.hold = 20 * time.Millisecond
	pool, _ := newTestPool(exec, repo, 1)

	for _, acct := range []string{"acct-a", "acct-b", "acct-c"} {
		require.NoError(t, pool.Submit(claim(t, repo, acct+"-k", acct, nine)))
	}
	waitIdle(t, pool)

	assert.Equal(t, 1, exec.maxInFlight)
	assert.Len(t, exec.callOrder(), 3)
}

func TestPoolStopReleasesQueuedJobs(t *testing.T) {
	repo := newTestRepo(t)
	exec := newExecutor(repo)
	exec.started = make(chan string, 8)
	exec.gate = make(chan struct{})
	pool, _ := newTestPool(exec, repo, 1)

	require.NoError(t, pool.Submit(claim(t, repo, "a-1", "acct-a", nine)))
	require.Equal(t, "a-1", <-exec.started)
	require.NoError(t, pool.Submit(claim(t, repo, "b-1", "acct-b", nine)))

	late := claim(t, repo, "c-1", "acct-c", nine)

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return pool.stopped
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, pool.Submit(late), ErrStopped)
	close(exec.gate)
	require.NoError(t, <-stopped)

	running, err := repo.GetJob(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, running.State)

	queued, err := repo.GetJob(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, queued.State)
	assert.Equal(t, models.ReasonInterrupted, queued.LastError)
	assert.Equal(t, []string{"a-1"}, exec.callOrder())
}

func TestBackoff(t *testing.T) {
	base, maxDelay := time.Second, 5*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, base, maxDelay, 0, nil), "attempt %d", tt.attempt)
	}

	assert.Equal(t, 800*time.Millisecond, Backoff(1, base, maxDelay, 0.2, func() float64 { return 0 }))
	assert.Equal(t, time.Second, Backoff(1, base, maxDelay, 0.2, func() float64 { return 0.5 }))
	for i := 0; i < 100; i++ {
		d := Backoff(2, base, maxDelay, 0.2, nil)
		assert.Equal(t, 2*time.Second, d)
	}
}
