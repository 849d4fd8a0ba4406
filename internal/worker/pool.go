package worker

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/pkg/logger"
)

// ErrStopped is returned by Submit after Stop has been called
var ErrStopped = errors.New("worker pool stopped")

// Executor runs one attempt of a claimed job and records its outcome
type Executor interface {
	Execute(ctx context.Context, job *models.PublishJob) (models.JobState, error)
}

// Ledger is the subset of the job ledger the pool needs for retries and shutdown
type Ledger interface {
	TryClaim(ctx context.Context, req storage.ClaimRequest) (*models.PublishJob, bool, error)
	FailJob(ctx context.Context, key, errMsg string, permanent bool) (models.JobState, error)
}

// Pool executes claimed jobs. Jobs for one account run one at a time in
// scheduled order; different accounts run in parallel up to the concurrency cap.
type Pool struct {
	executor Executor
	ledger   Ledger
	cfg      config.WorkerConfig
	metrics  *metrics.Metrics
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string][]*models.PublishJob
	running map[string]bool
	timers  map[string]*time.Timer
	inRun   int
	active  int // queued + running + waiting for retry
	idle    chan struct{}
	stopped bool

	afterFunc func(d time.Duration, f func()) *time.Timer
	random    func() float64
}

// NewPool creates a worker pool
func NewPool(executor Executor, ledger Ledger, cfg config.WorkerConfig, m *metrics.Metrics, log *logger.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Pool{
		executor:  executor,
		ledger:    ledger,
		cfg:       cfg,
		metrics:   m,
		log:       log.WithComponent("worker"),
		ctx:       ctx,
		cancel:    cancel,
		sem:       make(chan struct{}, cfg.Concurrency),
		queues:    make(map[string][]*models.PublishJob),
		running:   make(map[string]bool),
		timers:    make(map[string]*time.Timer),
		idle:      idle,
		afterFunc: time.AfterFunc,
		random:    rand.Float64,
	}
}

// Submit queues a claimed job
func (p *Pool) Submit(job *models.PublishJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	q := append(p.queues[job.AccountID], job)
	sort.SliceStable(q, func(i, j int) bool { return q[i].ScheduledFor.Before(q[j].ScheduledFor) })
	p.queues[job.AccountID] = q
	p.addActiveLocked(1)

	if !p.running[job.AccountID] {
		p.running[job.AccountID] = true
		p.wg.Add(1)
		go p.drain(job.AccountID)
	}
	p.reportLoadLocked()
	return nil
}

// drain runs an account's queued jobs one at a time until the queue is empty
func (p *Pool) drain(accountID string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		q := p.queues[accountID]
		if len(q) == 0 || p.stopped {
			delete(p.running, accountID)
			p.mu.Unlock()
			return
		}
		job := q[0]
		p.queues[accountID] = q[1:]
		if len(p.queues[accountID]) == 0 {
			delete(p.queues, accountID)
		}
		p.mu.Unlock()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			p.release(job)
			continue
		}

		p.mu.Lock()
		stopped := p.stopped
		if !stopped {
			p.inRun++
			p.reportLoadLocked()
		}
		p.mu.Unlock()

		if stopped {
			<-p.sem
			p.release(job)
			continue
		}

		p.execute(job)
		<-p.sem
	}
}

func (p *Pool) execute(job *models.PublishJob) {
	state, err := p.executor.Execute(p.ctx, job)
	if state == models.JobStateFailed {
		p.scheduleRetry(job, err)
	}

	p.mu.Lock()
	p.inRun--
	p.addActiveLocked(-1)
	p.reportLoadLocked()
	p.mu.Unlock()
}

// scheduleRetry re-claims the job after a backoff delay without holding a worker
func (p *Pool) scheduleRetry(job *models.PublishJob, cause error) {
	delay := Backoff(job.Attempts, p.cfg.BaseDelay, p.cfg.MaxDelay, p.cfg.Jitter, p.random)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.addActiveLocked(1)
	p.timers[job.IdempotencyKey] = p.afterFunc(delay, func() { p.retry(job) })
	p.metrics.ObserveRetryDelay(delay)

	ev := p.log.WithJob(job.IdempotencyKey, job.AccountID).Info()
	if cause != nil {
		ev = ev.Str("last_error", cause.Error())
	}
	ev.Int("attempt", job.Attempts).
		Dur("delay", delay).
		Msg("Retry scheduled")
}

func (p *Pool) retry(job *models.PublishJob) {
	p.mu.Lock()
	delete(p.timers, job.IdempotencyKey)
	if p.stopped {
		p.addActiveLocked(-1)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	log := p.log.WithJob(job.IdempotencyKey, job.AccountID)
	claimed, ok, err := p.ledger.TryClaim(p.ctx, storage.ClaimRequest{
		Key:          job.IdempotencyKey,
		AccountID:    job.AccountID,
		Category:     job.Category,
		SlotDate:     job.SlotDate,
		Slot:         job.Slot,
		ScheduledFor: job.ScheduledFor,
		MaxAttempts:  job.MaxAttempts,
	})
	switch {
	case err != nil:
		p.metrics.ObserveClaim(metrics.SourceRetry, metrics.ClaimError)
		log.Error().Err(err).Msg("Failed to re-claim job for retry")
		// the row is still failed, so try again after another delay
		p.scheduleRetry(job, err)
	case !ok:
		p.metrics.ObserveClaim(metrics.SourceRetry, metrics.ClaimConflict)
		log.Debug().Msg("Retry already handled elsewhere")
	default:
		p.metrics.ObserveClaim(metrics.SourceRetry, metrics.ClaimClaimed)
		if err := p.Submit(claimed); err != nil {
			p.handBack(claimed)
		}
	}

	p.mu.Lock()
	p.addActiveLocked(-1)
	p.mu.Unlock()
}

// release drops a queued job and hands it back to the ledger
func (p *Pool) release(job *models.PublishJob) {
	p.handBack(job)
	p.mu.Lock()
	p.addActiveLocked(-1)
	p.mu.Unlock()
}

// handBack marks a claimed but unstarted job failed so a later tick can re-claim it
func (p *Pool) handBack(job *models.PublishJob) {
	if _, err := p.ledger.FailJob(context.Background(), job.IdempotencyKey, models.ReasonInterrupted, false); err != nil {
		p.log.WithJob(job.IdempotencyKey, job.AccountID).Warn().Err(err).Msg("Failed to release queued job")
	}
}

// Wait blocks until no job is queued, running, or waiting for a retry
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new work, cancels pending retries, and waits for running jobs.
// Jobs still queued are released back to the ledger. If ctx expires first,
// running jobs are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for key, t := range p.timers {
		if t.Stop() {
			p.addActiveLocked(-1)
		}
		delete(p.timers, key)
	}
	var queued []*models.PublishJob
	for id, q := range p.queues {
		queued = append(queued, q...)
		delete(p.queues, id)
	}
	p.mu.Unlock()

	for _, job := range queued {
		p.release(job)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats reports the pool's current load
func (p *Pool) Stats() (running, queued, retrying int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.queues {
		queued += len(q)
	}
	return p.inRun, queued, len(p.timers)
}

func (p *Pool) addActiveLocked(n int) {
	if p.active == 0 && n > 0 {
		p.idle = make(chan struct{})
	}
	p.active += n
	if p.active <= 0 {
		p.active = 0
		select {
		case <-p.idle:
		default:
			close(p.idle)
		}
	}
}

func (p *Pool) reportLoadLocked() {
	queued := 0
	for _, q := range p.queues {
		queued += len(q)
	}
	p.metrics.SetWorkerLoad(p.inRun, queued)
}
