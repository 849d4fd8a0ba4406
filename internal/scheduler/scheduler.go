package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/pkg/logger"
)

// CheckpointName is the ledger checkpoint holding the end of the last tick window
const CheckpointName = "scheduler"

// Submitter accepts claimed jobs for execution
type Submitter interface {
	Submit(job *models.PublishJob) error
}

// Gate decides whether this process may tick. Used for leader election.
type Gate interface {
	Acquire(ctx context.Context) (bool, error)
}

// TickResult summarizes one tick window
type TickResult struct {
	From    time.Time
	To      time.Time
	Due     int
	Claimed int
	Skipped int
	Errors  []error
	// Pending is the earliest occurrence left unclaimed by a ledger error, zero if none
	Pending time.Time
}

func (r *TickResult) holdBack(at time.Time) {
	if r.Pending.IsZero() || at.Before(r.Pending) {
		r.Pending = at
	}
}

// Scheduler turns account slots into claimed publish jobs
type Scheduler struct {
	repo        storage.Repository
	pool        Submitter
	cfg         config.SchedulerConfig
	maxAttempts int
	metrics     *metrics.Metrics
	log         *logger.Logger
	gate        Gate

	cron *cron.Cron
	now  func() time.Time

	mu       sync.Mutex
	lastTick time.Time
}

// New creates a scheduler. m may be nil.
func New(repo storage.Repository, pool Submitter, cfg config.SchedulerConfig, maxAttempts int, m *metrics.Metrics, log *logger.Logger) *Scheduler {
	if cfg.TickCron == "" {
		cfg.TickCron = "@every 1m"
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 2 * time.Hour
	}
	if cfg.MissedScanLimit < cfg.Lookback {
		cfg.MissedScanLimit = cfg.Lookback
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Scheduler{
		repo:        repo,
		pool:        pool,
		cfg:         cfg,
		maxAttempts: maxAttempts,
		metrics:     m,
		log:         log.WithComponent("scheduler"),
		now:         time.Now,
	}
}

// SetGate makes ticks conditional on holding the gate
func (s *Scheduler) SetGate(g Gate) {
	s.gate = g
}

// Start recovers state left by a previous run, marks missed slots, and begins ticking
func (s *Scheduler) Start(ctx context.Context) error {
	if err := config.ValidateTickCron(s.cfg.TickCron); err != nil {
		return err
	}
	if err := s.Prepare(ctx); err != nil {
		return err
	}

	s.cron = cron.New(
		cron.WithLogger(s.log.Cron()),
		cron.WithChain(cron.SkipIfStillRunning(s.log.Cron())),
	)
	if _, err := s.cron.AddFunc(s.cfg.TickCron, func() {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error().Err(err).Msg("Scheduler tick failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	s.cron.Start()
	s.log.Info().Str("cron", s.cfg.TickCron).Msg("Scheduler started")
	return nil
}

// Stop halts ticking and waits for a running tick to return
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Prepare resolves jobs a crashed process left running, records slots that are
// too old to catch up as missed, and rewinds the tick window to the look-back
// boundary so recent slots are caught up on the next tick.
func (s *Scheduler) Prepare(ctx context.Context) error {
	now := s.now().UTC()
	catchUp := now.Add(-s.cfg.Lookback)

	if s.cfg.StaleRunning > 0 {
		failed, abandoned, err := s.repo.RecoverInterrupted(ctx, now.Add(-s.cfg.StaleRunning), catchUp)
		if err != nil {
			return fmt.Errorf("failed to recover interrupted jobs: %w", err)
		}
		s.metrics.ObserveRecovered(failed, abandoned)
		if failed+abandoned > 0 {
			s.log.Warn().
				Int("failed", failed).
				Int("abandoned", abandoned).
				Msg("Recovered jobs left running by a previous run")
		}
	}

	checkpoint, err := s.repo.GetCheckpoint(ctx, CheckpointName)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	scanFrom := now.Add(-s.cfg.MissedScanLimit)
	if checkpoint.After(scanFrom) {
		scanFrom = checkpoint
	}
	if scanFrom.Before(catchUp) {
		missed, err := s.MarkMissed(ctx, scanFrom, catchUp)
		if err != nil {
			return err
		}
		if missed > 0 {
			s.log.Warn().
				Int("missed", missed).
				Time("from", scanFrom).
				Time("to", catchUp).
				Msg("Slots outside the look-back window recorded as missed")
		}
	}

	s.mu.Lock()
	s.lastTick = catchUp
	s.mu.Unlock()
	return nil
}

// MarkMissed records every occurrence in [from, to) that has no terminal row as
// abandoned with reason "missed window". Slots before an account existed are ignored.
func (s *Scheduler) MarkMissed(ctx context.Context, from, to time.Time) (int, error) {
	accounts, err := s.repo.ListActiveAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts: %w", err)
	}

	missed := 0
	for _, acct := range accounts {
		start := from
		if acct.CreatedAt.After(start) {
			start = acct.CreatedAt
		}
		occs, err := Occurrences(acct, start, to)
		if err != nil {
			s.log.WithAccount(acct.ID).Warn().Err(err).Msg("Skipping account with invalid schedule")
			continue
		}
		for _, occ := range occs {
			created, err := s.repo.RecordMissed(ctx, occ.ClaimRequest(s.maxAttempts), models.ReasonMissedWindow)
			if err != nil {
				return missed, fmt.Errorf("failed to record missed slot %s: %w", occ.Key, err)
			}
			if created {
				missed++
			}
		}
	}
	s.metrics.ObserveMissed(missed)
	return missed, nil
}

// Tick processes the window since the previous tick
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	if s.gate != nil {
		ok, err := s.gate.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check leadership: %w", err)
		}
		if !ok {
			s.log.Debug().Msg("Not the leader, skipping tick")
			return &TickResult{}, nil
		}
	}

	now := s.now().UTC()
	s.mu.Lock()
	from := s.lastTick
	s.mu.Unlock()
	if floor := now.Add(-s.cfg.Lookback); from.Before(floor) {
		from = floor
	}

	started := time.Now()
	result, err := s.TickWindow(ctx, from, now)
	s.metrics.ObserveTick(time.Since(started), err)
	if err != nil {
		return result, err
	}

	// the next window starts at the earliest slot a ledger error kept from being claimed
	next := now
	if !result.Pending.IsZero() && result.Pending.Before(next) {
		next = result.Pending
		s.log.Warn().Time("pending", next).Msg("Tick window held back for unclaimed slots")
	}

	s.mu.Lock()
	s.lastTick = next
	s.mu.Unlock()
	if err := s.repo.SaveCheckpoint(ctx, CheckpointName, next); err != nil {
		s.log.Warn().Err(err).Msg("Failed to save scheduler checkpoint")
	}
	return result, nil
}

// TickWindow claims and submits every due occurrence in [from, to) for active accounts.
// Occurrences already claimed or finished are skipped.
func (s *Scheduler) TickWindow(ctx context.Context, from, to time.Time) (*TickResult, error) {
	result := &TickResult{From: from, To: to}

	accounts, err := s.repo.ListActiveAccounts(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list accounts: %w", err)
	}

	for _, acct := range accounts {
		log := s.log.WithAccount(acct.ID)
		start := from
		if acct.CreatedAt.After(start) {
			start = acct.CreatedAt
		}
		occs, err := Occurrences(acct, start, to)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping account with invalid schedule")
			result.Errors = append(result.Errors, err)
			continue
		}
		if len(occs) == 0 {
			continue
		}

		taken, err := s.occupied(ctx, acct.ID, from, to)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read account history")
			result.Errors = append(result.Errors, err)
			result.holdBack(occs[0].At)
			continue
		}

		for _, occ := range occs {
			result.Due++
			if key, ok := taken[occ.Date+" "+occ.Slot.String()]; ok && key != occ.Key {
				// the slot already ran under an earlier category choice
				result.Skipped++
				continue
			}
			s.claim(ctx, log, occ, result)
		}
	}

	s.log.Info().
		Time("from", from).
		Time("to", to).
		Int("due", result.Due).
		Int("claimed", result.Claimed).
		Int("skipped", result.Skipped).
		Int("errors", len(result.Errors)).
		Msg("Tick processed")
	return result, nil
}

func (s *Scheduler) claim(ctx context.Context, log *logger.Logger, occ Occurrence, result *TickResult) {
	job, claimed, err := s.repo.TryClaim(ctx, occ.ClaimRequest(s.maxAttempts))
	switch {
	case err != nil:
		s.metrics.ObserveClaim(metrics.SourceScheduler, metrics.ClaimError)
		log.Error().Err(err).Str("job_key", occ.Key).Msg("Failed to claim slot")
		result.Errors = append(result.Errors, err)
		result.holdBack(occ.At)
		return
	case !claimed:
		s.metrics.ObserveClaim(metrics.SourceScheduler, metrics.ClaimConflict)
		result.Skipped++
		return
	}
	s.metrics.ObserveClaim(metrics.SourceScheduler, metrics.ClaimClaimed)

	if err := s.pool.Submit(job); err != nil {
		// the claimed row stays running until recovery resolves it
		log.Error().Err(err).Str("job_key", occ.Key).Msg("Failed to submit claimed job")
		result.Errors = append(result.Errors, err)
		return
	}
	result.Claimed++
	log.Info().
		Str("job_key", occ.Key).
		Str("category", string(occ.Category)).
		Str("slot", occ.Slot.String()).
		Time("scheduled_for", occ.At).
		Msg("Slot claimed")
}

// occupied maps "date slot" to the key of any ledger row for the account in the window
func (s *Scheduler) occupied(ctx context.Context, accountID string, from, to time.Time) (map[string]string, error) {
	jobs, err := s.repo.History(ctx, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", accountID, err)
	}
	taken := make(map[string]string, len(jobs))
	for _, j := range jobs {
		taken[j.SlotDate+" "+j.Slot] = j.IdempotencyKey
	}
	return taken, nil
}
