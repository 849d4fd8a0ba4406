package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/instagram-autoposter/internal/api"
	"github.com/instagram-autoposter/internal/app"
	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/lease"
	"github.com/instagram-autoposter/pkg/logger"
)

const shutdownTimeout = 2 * time.Minute

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoposter-scheduler",
		Short: "Background scheduler for the Instagram auto-poster",
		Long: `Runs the slot scheduler, the publish worker pool and the alert scan.
This daemon should be run as a service for autonomous operation.`,
		RunE:         runScheduler,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidatePublishing(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	log.Info().Msg("Starting Instagram auto-poster scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := app.OpenRepository(cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()

	a, err := app.Build(ctx, cfg, repo, log)
	if err != nil {
		return err
	}

	if a.Tracker != nil {
		if err := a.Tracker.InitializeSheet(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracker sheet, outcomes may not be recorded")
		}
	}

	var leader *lease.Lease
	if cfg.Lease.Enabled {
		client, err := lease.Connect(ctx, cfg.Lease)
		if err != nil {
			return err
		}
		defer client.Close()
		leader = lease.New(client, cfg.Lease.Key, cfg.Lease.TTL, log)
		a.Scheduler.SetGate(leader)
		log.Info().Str("owner", leader.Owner()).Str("key", cfg.Lease.Key).Msg("Leader lease enabled")
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	alertCron := cron.New(cron.WithLogger(log.Cron()))
	if _, err := alertCron.AddFunc(cfg.Alerts.Cron, func() { a.Alerts.Run(ctx) }); err != nil {
		a.Scheduler.Stop()
		return fmt.Errorf("failed to schedule alert scan: %w", err)
	}
	alertCron.Start()
	log.Info().Str("cron", cfg.Alerts.Cron).Msg("Alert scan scheduled")

	g, gctx := errgroup.WithContext(ctx)

	var server *api.Server
	if cfg.Server.Enabled {
		opts := api.Options{
			Repo:    repo,
			Alerts:  a.Alerts,
			Media:   a.Store,
			Pool:    a.Pool,
			Metrics: a.Metrics,
		}
		if leader != nil {
			opts.Leader = leader
		}
		server = api.NewServer(opts, log)
		g.Go(func() error {
			return server.ListenAndServe(cfg.Server.Addr)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down scheduler")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		<-alertCron.Stop().Done()
		a.Scheduler.Stop()
		if err := a.Pool.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Worker pool did not drain before the deadline")
		}
		if leader != nil {
			if err := leader.Release(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to release leader lease")
			}
		}
		if server != nil {
			return server.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Scheduler stopped")
	return nil
}
