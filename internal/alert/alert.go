package alert

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/scheduler"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/pkg/logger"
)

// Policy holds alerting thresholds
type Policy struct {
	FailureThreshold int
	Grace            time.Duration
	Window           time.Duration
}

// PolicyFromConfig builds a policy with defaults for unset values
func PolicyFromConfig(cfg config.AlertsConfig) Policy {
	p := Policy{FailureThreshold: cfg.FailureThreshold, Grace: cfg.Grace, Window: cfg.Window}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 3
	}
	if p.Grace <= 0 {
		p.Grace = 15 * time.Minute
	}
	if p.Window <= p.Grace {
		p.Window = 24 * time.Hour
	}
	return p
}

// Snapshot is the ledger view of one account
type Snapshot struct {
	Account *models.Account
	Recent  []*models.PublishJob // latest terminal rows, any order
	Window  []*models.PublishJob // rows scheduled inside the stall window
}

// Evaluate derives advisory alerts from ledger snapshots. It has no side effects.
func Evaluate(now time.Time, policy Policy, snapshots []Snapshot) []models.Alert {
	var alerts []models.Alert
	for _, snap := range snapshots {
		acct := snap.Account

		if streak, last := failureStreak(snap.Recent); streak >= policy.FailureThreshold {
			msg := fmt.Sprintf("%d consecutive failed posts", streak)
			if last != nil && last.LastError != "" {
				msg += ": " + last.LastError
			}
			alerts = append(alerts, models.Alert{
				AccountID:  acct.ID,
				Kind:       models.AlertConsecutiveFailures,
				Message:    msg,
				Count:      streak,
				DetectedAt: now,
			})
		}

		if acct.IsActive {
			alerts = append(alerts, stalledSlots(now, policy, acct, snap.Window)...)
		}
	}
	return alerts
}

// failureStreak counts abandoned rows from the newest terminal row back to the
// latest success, and returns the newest of them
func failureStreak(rows []*models.PublishJob) (int, *models.PublishJob) {
	sorted := make([]*models.PublishJob, 0, len(rows))
	for _, j := range rows {
		if j.State.Terminal() {
			sorted = append(sorted, j)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ScheduledFor.After(sorted[j].ScheduledFor) })

	n := 0
	for _, j := range sorted {
		if j.State != models.JobStateAbandoned {
			break
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, sorted[0]
}

// stalledSlots flags occurrences past their grace period that have no ledger row at all
func stalledSlots(now time.Time, policy Policy, acct *models.Account, rows []*models.PublishJob) []models.Alert {
	from := now.Add(-policy.Window)
	if acct.CreatedAt.After(from) {
		from = acct.CreatedAt
	}
	occs, err := scheduler.Occurrences(acct, from, now.Add(-policy.Grace))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool, len(rows))
	for _, j := range rows {
		seen[j.SlotDate+" "+j.Slot] = true
	}

	var alerts []models.Alert
	for _, occ := range occs {
		if seen[occ.Date+" "+occ.Slot.String()] {
			continue
		}
		scheduledFor := occ.At
		alerts = append(alerts, models.Alert{
			AccountID:    acct.ID,
			Kind:         models.AlertStalledSlot,
			Message:      fmt.Sprintf("slot %s on %s never ran", occ.Slot, occ.Date),
			Slot:         occ.Slot.String(),
			ScheduledFor: &scheduledFor,
			DetectedAt:   now,
		})
	}
	return alerts
}

// Aggregator reads the ledger and reports alerts. It never writes.
type Aggregator struct {
	repo    storage.Repository
	policy  Policy
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewAggregator creates an alert aggregator. m may be nil.
func NewAggregator(repo storage.Repository, cfg config.AlertsConfig, m *metrics.Metrics, log *logger.Logger) *Aggregator {
	return &Aggregator{
		repo:    repo,
		policy:  PolicyFromConfig(cfg),
		metrics: m,
		log:     log.WithComponent("alerts"),
		now:     time.Now,
	}
}

// Scan evaluates every account against the current ledger
func (a *Aggregator) Scan(ctx context.Context) ([]models.Alert, error) {
	now := a.now().UTC()

	accounts, err := a.repo.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	limit := max(a.policy.FailureThreshold*2, 10)
	snapshots := make([]Snapshot, 0, len(accounts))
	for _, acct := range accounts {
		recent, err := a.repo.RecentFailures(ctx, acct.ID, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to read failures for %s: %w", acct.ID, err)
		}
		window, err := a.repo.History(ctx, acct.ID, now.Add(-a.policy.Window), now)
		if err != nil {
			return nil, fmt.Errorf("failed to read history for %s: %w", acct.ID, err)
		}
		snapshots = append(snapshots, Snapshot{Account: acct, Recent: recent, Window: window})
	}

	alerts := Evaluate(now, a.policy, snapshots)

	counts := map[string]int{
		string(models.AlertConsecutiveFailures): 0,
		string(models.AlertStalledSlot):         0,
	}
	for _, al := range alerts {
		counts[string(al.Kind)]++
	}
	a.metrics.SetAlerts(counts)
	return alerts, nil
}

// Run scans and logs each alert. Used by the daemon's cron.
func (a *Aggregator) Run(ctx context.Context) {
	alerts, err := a.Scan(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Alert scan failed")
		return
	}
	for _, al := range alerts {
		a.log.WithAccount(al.AccountID).Warn().
			Str("kind", string(al.Kind)).
			Int("count", al.Count).
			Msg(al.Message)
	}
	a.log.Debug().Int("alerts", len(alerts)).Msg("Alert scan completed")
}
