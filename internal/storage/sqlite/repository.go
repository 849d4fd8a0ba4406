package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
)

// Repository implements storage.Repository using SQLite
type Repository struct {
	db *gorm.DB
}

var _ storage.Repository = (*Repository)(nil)

// New creates a new SQLite repository
func New(dsn string) (*Repository, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		dir := filepath.Dir(dsn)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "_pragma=") {
			// The daemon and the CLI may share the file
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// SQLite serializes writers anyway; one connection also keeps :memory: databases alive
	sqlDB.SetMaxOpenConns(1)

	return &Repository{db: db}, nil
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Account{},
		&models.PublishJob{},
		&models.JobAttempt{},
		&models.SchedulerCheckpoint{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// Account operations

func (r *Repository) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *Repository) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *Repository) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// SaveAccount inserts or updates an account, preserving its creation time
func (r *Repository) SaveAccount(ctx context.Context, account *models.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	account.Slots.Sort()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"platform_user_id", "display_name", "timezone", "is_active",
				"slots", "category_weights", "access_token", "updated_at",
			}),
		}).
		Create(account).Error
}

func (r *Repository) SetAccountActive(ctx context.Context, id string, active bool) error {
	res := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Ledger operations

// TryClaim inserts the occasion as running, or re-claims a failed row that still has
// attempts left. Both paths are single conditional statements, so concurrent callers
// see exactly one winner per transition.
func (r *Repository) TryClaim(ctx context.Context, req storage.ClaimRequest) (*models.PublishJob, bool, error) {
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 1
	}
	now := time.Now().UTC()

	job := &models.PublishJob{
		IdempotencyKey: req.Key,
		AccountID:      req.AccountID,
		Category:       req.Category,
		SlotDate:       req.SlotDate,
		Slot:           req.Slot,
		ScheduledFor:   req.ScheduledFor.UTC(),
		State:          models.JobStateRunning,
		Attempts:       1,
		MaxAttempts:    req.MaxAttempts,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if res.Error != nil {
		return nil, false, fmt.Errorf("claim insert %s: %w", req.Key, res.Error)
	}
	if res.RowsAffected == 1 {
		return job, true, nil
	}

	res = r.db.WithContext(ctx).
		Model(&models.PublishJob{}).
		Where("idempotency_key = ? AND state = ? AND attempts < max_attempts", req.Key, models.JobStateFailed).
		Updates(map[string]interface{}{
			"state":      models.JobStateRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("claim retry %s: %w", req.Key, res.Error)
	}

	existing, err := r.GetJob(ctx, req.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, res.RowsAffected == 1, nil
}

func (r *Repository) CompleteJob(ctx context.Context, key, externalPostID, artifactRef string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.PublishJob{}).
		Where("idempotency_key = ? AND state = ?", key, models.JobStateRunning).
		Updates(map[string]interface{}{
			"state":            models.JobStateSucceeded,
			"external_post_id": externalPostID,
			"artifact_ref":     artifactRef,
			"last_error":       "",
			"terminal_at":      now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.missingOrNotRunning(ctx, key)
	}
	return nil
}

func (r *Repository) FailJob(ctx context.Context, key, errMsg string, permanent bool) (models.JobState, error) {
	job, err := r.GetJob(ctx, key)
	if err != nil {
		return "", err
	}
	if job.State != models.JobStateRunning {
		return job.State, storage.ErrNotRunning
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"last_error": errMsg,
		"updated_at": now,
	}
	next := models.JobStateFailed
	switch {
	case permanent:
		next = models.JobStateAbandoned
		updates["reason"] = models.ReasonPermanent
	case job.Attempts >= job.MaxAttempts:
		next = models.JobStateAbandoned
		updates["reason"] = models.ReasonExhausted
	}
	updates["state"] = next
	if next.Terminal() {
		updates["terminal_at"] = now
	}

	res := r.db.WithContext(ctx).
		Model(&models.PublishJob{}).
		Where("idempotency_key = ? AND state = ? AND attempts = ?", key, models.JobStateRunning, job.Attempts).
		Updates(updates)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", storage.ErrNotRunning
	}
	return next, nil
}

func (r *Repository) RecordMissed(ctx context.Context, req storage.ClaimRequest, reason string) (bool, error) {
	now := time.Now().UTC()
	job := &models.PublishJob{
		IdempotencyKey: req.Key,
		AccountID:      req.AccountID,
		Category:       req.Category,
		SlotDate:       req.SlotDate,
		Slot:           req.Slot,
		ScheduledFor:   req.ScheduledFor.UTC(),
		State:          models.JobStateAbandoned,
		MaxAttempts:    max(req.MaxAttempts, 1),
		Reason:         reason,
		TerminalAt:     &now,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = r.db.WithContext(ctx).
		Model(&models.PublishJob{}).
		Where("idempotency_key = ? AND state = ?", req.Key, models.JobStateFailed).
		Updates(map[string]interface{}{
			"state":       models.JobStateAbandoned,
			"reason":      reason,
			"terminal_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) RecoverInterrupted(ctx context.Context, staleBefore, retryAfter time.Time) (int, int, error) {
	now := time.Now().UTC()
	stale := r.db.WithContext(ctx).
		Model(&models.PublishJob{}).
		Where("state = ? AND updated_at < ?", models.JobStateRunning, staleBefore.UTC())

	res := stale.Session(&gorm.Session{}).
		Where("scheduled_for < ? OR attempts >= max_attempts", retryAfter.UTC()).
		Updates(map[string]interface{}{
			"state":       models.JobStateAbandoned,
			"reason":      models.ReasonInterrupted,
			"last_error":  models.ReasonInterrupted,
			"terminal_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, 0, res.Error
	}
	abandoned := int(res.RowsAffected)

	res = stale.Session(&gorm.Session{}).
		Updates(map[string]interface{}{
			"state":      models.JobStateFailed,
			"reason":     models.ReasonInterrupted,
			"last_error": models.ReasonInterrupted,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, abandoned, res.Error
	}
	return int(res.RowsAffected), abandoned, nil
}

func (r *Repository) AppendAttempt(ctx context.Context, attempt *models.JobAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *Repository) Attempts(ctx context.Context, key string) ([]*models.JobAttempt, error) {
	var attempts []*models.JobAttempt
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Order("attempt ASC, started_at ASC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *Repository) GetJob(ctx context.Context, key string) (*models.PublishJob, error) {
	var job models.PublishJob
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (r *Repository) History(ctx context.Context, accountID string, from, to time.Time) ([]*models.PublishJob, error) {
	var jobs []*models.PublishJob
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND scheduled_for >= ? AND scheduled_for < ?", accountID, from.UTC(), to.UTC()).
		Order("scheduled_for ASC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// RecentFailures returns the current streak of abandoned jobs, newest first.
// The streak ends at the most recent succeeded job.
func (r *Repository) RecentFailures(ctx context.Context, accountID string, limit int) ([]*models.PublishJob, error) {
	if limit <= 0 {
		limit = 10
	}
	var jobs []*models.PublishJob
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND state IN ?", accountID, []models.JobState{models.JobStateSucceeded, models.JobStateAbandoned}).
		Order("scheduled_for DESC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}

	streak := make([]*models.PublishJob, 0, len(jobs))
	for _, j := range jobs {
		if j.State != models.JobStateAbandoned {
			break
		}
		streak = append(streak, j)
	}
	return streak, nil
}

func (r *Repository) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*models.PublishJob, error) {
	var jobs []*models.PublishJob
	query := r.db.WithContext(ctx).Model(&models.PublishJob{})

	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.State != nil {
		query = query.Where("state = ?", *filter.State)
	}
	if filter.From != nil {
		query = query.Where("scheduled_for >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		query = query.Where("scheduled_for < ?", filter.To.UTC())
	}

	if filter.OrderDesc {
		query = query.Order("scheduled_for DESC")
	} else {
		query = query.Order("scheduled_for ASC")
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Checkpoint operations

func (r *Repository) GetCheckpoint(ctx context.Context, name string) (time.Time, error) {
	var cp models.SchedulerCheckpoint
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&cp).Error; err != nil {
		return time.Time{}, notFound(err)
	}
	return cp.LastTick.UTC(), nil
}

func (r *Repository) SaveCheckpoint(ctx context.Context, name string, t time.Time) error {
	cp := &models.SchedulerCheckpoint{Name: name, LastTick: t.UTC()}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_tick", "updated_at"}),
		}).
		Create(cp).Error
}

func (r *Repository) missingOrNotRunning(ctx context.Context, key string) error {
	if _, err := r.GetJob(ctx, key); err != nil {
		return err
	}
	return storage.ErrNotRunning
}
