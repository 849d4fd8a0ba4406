package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/instagram-autoposter/internal/agent/publisher"
	"github.com/instagram-autoposter/internal/ai"
	"github.com/instagram-autoposter/internal/alert"
	"github.com/instagram-autoposter/internal/blob"
	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/content"
	"github.com/instagram-autoposter/internal/instagram"
	"github.com/instagram-autoposter/internal/media/imagegen"
	"github.com/instagram-autoposter/internal/media/unsplash"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/scheduler"
	"github.com/instagram-autoposter/internal/source"
	"github.com/instagram-autoposter/internal/source/custom"
	"github.com/instagram-autoposter/internal/source/rss"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/internal/storage/sqlite"
	"github.com/instagram-autoposter/internal/tracker"
	"github.com/instagram-autoposter/internal/worker"
	"github.com/instagram-autoposter/pkg/logger"
	"github.com/instagram-autoposter/pkg/ratelimit"
)

// App holds the wired publishing pipeline
type App struct {
	Config    *config.Config
	Repo      storage.Repository
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Store     blob.Store
	Provider  *content.Provider
	Instagram *instagram.Client
	Tracker   *tracker.SheetsTracker
	Publisher *publisher.Agent
	Pool      *worker.Pool
	Scheduler *scheduler.Scheduler
	Alerts    *alert.Aggregator
}

// OpenRepository connects to the configured database and applies migrations
func OpenRepository(cfg config.DatabaseConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	repo, err := sqlite.New(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// NewLimiter builds the per-service rate limiter from config
func NewLimiter(cfg config.RateLimitConfig) *ratelimit.MultiLimiter {
	return ratelimit.New(ratelimit.Limits{
		AnthropicPerMinute: cfg.AnthropicRequestsPerMinute,
		ImageGenPerMinute:  cfg.ImageGenRequestsPerMinute,
		UnsplashPerHour:    cfg.UnsplashRequestsPerHour,
		InstagramPerHour:   cfg.InstagramRequestsPerHour,
	})
}

// Build wires content production, publishing, the worker pool, the scheduler and
// the alert aggregator on top of repo
func Build(ctx context.Context, cfg *config.Config, repo storage.Repository, log *logger.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	limiter := NewLimiter(cfg.RateLimit)

	store, err := blob.New(ctx, cfg.Blob, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	quotes := source.NewManager()
	for _, src := range rss.NewMultiple(cfg.Quotes, limiter, log) {
		quotes.Register(src)
	}
	if len(cfg.Quotes.Static) > 0 {
		quotes.Register(custom.New(cfg.Quotes.Static, log))
	}

	opts := content.Options{
		Categories: cfg.Categories,
		Images:     imagegen.NewClient(cfg.ImageGen, limiter, log),
		Quotes:     quotes,
		Store:      store,
		KeyPrefix:  cfg.Blob.Prefix,
		Timeouts: content.Timeouts{
			Refine:   cfg.Worker.RefineTimeout,
			Generate: cfg.Worker.GenerateTimeout,
			Upload:   cfg.Worker.UploadTimeout,
		},
		Metrics: m,
		Log:     log,
	}
	if cfg.Anthropic.APIKey != "" {
		aiClient := ai.NewClient(cfg.Anthropic, limiter, log)
		opts.Refiner = aiClient
		opts.Captioner = aiClient
	} else {
		log.Warn().Msg("No Anthropic API key, prompts are used verbatim and captions come from templates")
	}
	if cfg.Unsplash.AccessKey != "" {
		opts.Photos = unsplash.NewClient(cfg.Unsplash, limiter, log)
	}
	provider := content.NewProvider(opts)

	ig := instagram.NewClient(cfg.Instagram, limiter, m, log)

	sheetsTracker, err := tracker.NewSheetsTracker(ctx, cfg.Tracker, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets tracker: %w", err)
	}
	var recorder publisher.OutcomeRecorder
	if sheetsTracker != nil {
		recorder = sheetsTracker
	}

	agent := publisher.NewAgent(repo, provider, ig, recorder, m, cfg.Worker.PublishTimeout, log)
	pool := worker.NewPool(agent, repo, cfg.Worker, m, log)
	sched := scheduler.New(repo, pool, cfg.Scheduler, cfg.Worker.MaxAttempts, m, log)

	return &App{
		Config:    cfg,
		Repo:      repo,
		Registry:  reg,
		Metrics:   m,
		Store:     store,
		Provider:  provider,
		Instagram: ig,
		Tracker:   sheetsTracker,
		Publisher: agent,
		Pool:      pool,
		Scheduler: sched,
		Alerts:    alert.NewAggregator(repo, cfg.Alerts, m, log),
	}, nil
}
