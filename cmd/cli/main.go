package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/instagram-autoposter/internal/alert"
	"github.com/instagram-autoposter/internal/app"
	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/internal/tracker"
	"github.com/instagram-autoposter/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	repo    storage.Repository
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoposter",
		Short: "Instagram auto-poster administration",
		Long: `Manages linked Instagram accounts and their posting schedules,
inspects the publish ledger and runs one-off scheduler ticks.`,
		PersistentPreRunE:  initializeApp,
		PersistentPostRunE: closeApp,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(trackerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	repo, err = app.OpenRepository(cfg.Database)
	return err
}

func closeApp(cmd *cobra.Command, args []string) error {
	if repo == nil {
		return nil
	}
	return repo.Close()
}

// ============ ACCOUNT COMMANDS ============

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage linked Instagram accounts",
	}

	cmd.AddCommand(accountsListCmd())
	cmd.AddCommand(accountsAddCmd())
	cmd.AddCommand(accountsSlotsCmd())
	cmd.AddCommand(accountsWeightsCmd())
	cmd.AddCommand(accountsActiveCmd("activate", true))
	cmd.AddCommand(accountsActiveCmd("deactivate", false))
	return cmd
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List linked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := repo.ListAccounts(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Accounts (%d) ===\n\n", len(accounts))
			for _, a := range accounts {
				status := "active"
				if !a.IsActive {
					status = "inactive"
				}
				fmt.Printf("[%s] %s | %s | %s\n", a.ID, a.DisplayName, a.Timezone, status)
				fmt.Printf("    Instagram user: %s\n", a.PlatformUserID)
				fmt.Printf("    Slots: %s\n", strings.Join(a.Slots.Strings(), ", "))
				fmt.Printf("    Weights: %s\n", formatWeights(a.CategoryWeights))
				fmt.Println()
			}
			return nil
		},
	}
}

func accountsAddCmd() *cobra.Command {
	var (
		igUser   string
		name     string
		timezone string
		token    string
		slots    []string
		weights  []string
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "add [account-id]",
		Short: "Link an account or replace its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedSlots, err := models.ParseSlots(slots)
			if err != nil {
				return err
			}
			parsedWeights, err := models.ParseWeights(weights)
			if err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv("INSTAGRAM_ACCESS_TOKEN")
			}

			acct := &models.Account{
				ID:              args[0],
				PlatformUserID:  igUser,
				DisplayName:     name,
				Timezone:        timezone,
				IsActive:        !inactive,
				Slots:           parsedSlots,
				CategoryWeights: parsedWeights,
				AccessToken:     token,
			}
			if err := acct.Validate(); err != nil {
				return err
			}
			if acct.AccessToken == "" {
				fmt.Println("Warning: no access token set, publishing will fail until one is provided")
			}

			if err := repo.SaveAccount(context.Background(), acct); err != nil {
				return err
			}

			fmt.Printf("Account %s saved with %d slot(s) in %s\n", acct.ID, len(acct.Slots), acct.Timezone)
			return nil
		},
	}

	cmd.Flags().StringVar(&igUser, "ig-user", "", "Instagram business account ID")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&timezone, "tz", "UTC", "IANA timezone for the slots")
	cmd.Flags().StringVar(&token, "token", "", "Graph API access token (default $INSTAGRAM_ACCESS_TOKEN)")
	cmd.Flags().StringSliceVar(&slots, "slots", nil, "Daily slots as HH:MM, comma separated")
	cmd.Flags().StringSliceVar(&weights, "weights", nil, "Category weights as category=weight, comma separated")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the account paused")
	cmd.MarkFlagRequired("ig-user")

	return cmd
}

func accountsSlotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slots [account-id] [HH:MM...]",
		Short: "Replace an account's daily slots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slots, err := models.ParseSlots(args[1:])
			if err != nil {
				return err
			}
			return updateAccount(args[0], func(a *models.Account) {
				a.Slots = slots
			})
		},
	}
}

func accountsWeightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weights [account-id] [category=weight...]",
		Short: "Replace an account's category weights",
		Long: `Replace an account's category weights. With no weights every known
category is picked equally. All-zero weights pause posting without
deactivating the account.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			weights, err := models.ParseWeights(args[1:])
			if err != nil {
				return err
			}
			return updateAccount(args[0], func(a *models.Account) {
				a.CategoryWeights = weights
			})
		},
	}
}

func accountsActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [account-id]",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := repo.SetAccountActive(context.Background(), args[0], active); err != nil {
				return err
			}
			fmt.Printf("Account %s %sd\n", args[0], use)
			return nil
		},
	}
}

func updateAccount(id string, mutate func(*models.Account)) error {
	ctx := context.Background()

	acct, err := repo.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("account %s: %w", id, err)
	}
	mutate(acct)
	if err := acct.Validate(); err != nil {
		return err
	}
	if err := repo.SaveAccount(ctx, acct); err != nil {
		return err
	}

	fmt.Printf("Account %s updated\n", id)
	fmt.Printf("    Slots: %s\n", strings.Join(acct.Slots.Strings(), ", "))
	fmt.Printf("    Weights: %s\n", formatWeights(acct.CategoryWeights))
	return nil
}

func formatWeights(w models.Weights) string {
	if len(w) == 0 {
		return "uniform"
	}
	parts := make([]string, 0, len(models.KnownCategories))
	for _, c := range models.KnownCategories {
		if n, ok := w[c]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", c, n))
		}
	}
	return strings.Join(parts, ", ")
}

// ============ JOB COMMANDS ============

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the publish ledger",
	}

	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsHistoryCmd())
	cmd.AddCommand(jobsAttemptsCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var account, state string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.DefaultJobFilter()
			filter.AccountID = account
			filter.Limit = limit
			if state != "" {
				s := models.JobState(state)
				filter.State = &s
			}

			jobs, err := repo.ListJobs(context.Background(), filter)
			if err != nil {
				return err
			}
			printJobs(jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Filter by account")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (running, succeeded, failed, abandoned)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to show")
	return cmd
}

func jobsHistoryCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "history [account-id]",
		Short: "Show an account's jobs in a time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			start := end.AddDate(0, 0, -7)

			var err error
			if from != "" {
				if start, err = time.Parse("2006-01-02", from); err != nil {
					return fmt.Errorf("invalid --from, use YYYY-MM-DD")
				}
			}
			if to != "" {
				if end, err = time.Parse("2006-01-02", to); err != nil {
					return fmt.Errorf("invalid --to, use YYYY-MM-DD")
				}
			}

			jobs, err := repo.History(context.Background(), args[0], start, end)
			if err != nil {
				return err
			}
			printJobs(jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Start date, inclusive (YYYY-MM-DD, default 7 days ago)")
	cmd.Flags().StringVar(&to, "to", "", "End date, exclusive (YYYY-MM-DD, default now)")
	return cmd
}

func jobsAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts [job-key]",
		Short: "Show every attempt of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			job, err := repo.GetJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			attempts, err := repo.Attempts(ctx, args[0])
			if err != nil {
				return err
			}

			printJobs([]*models.PublishJob{job})
			for _, a := range attempts {
				fmt.Printf("  #%d %s | started %s\n", a.Attempt, a.Outcome, a.StartedAt.Format(time.RFC1123))
				if a.ArtifactRef != "" {
					fmt.Printf("      Artifact: %s\n", a.ArtifactRef)
				}
				if a.Error != "" {
					fmt.Printf("      Error: %s\n", a.Error)
				}
			}
			return nil
		},
	}
}

func printJobs(jobs []*models.PublishJob) {
	fmt.Printf("\n=== Jobs (%d) ===\n\n", len(jobs))
	for _, j := range jobs {
		fmt.Printf("[%s] %s %s | %s | %s\n", j.IdempotencyKey, j.SlotDate, j.Slot, j.Category, j.State)
		fmt.Printf("    Account: %s | Attempts: %d/%d\n", j.AccountID, j.Attempts, j.MaxAttempts)
		fmt.Printf("    Scheduled: %s\n", j.ScheduledFor.Format(time.RFC1123))
		if j.ExternalPostID != "" {
			fmt.Printf("    Media ID: %s\n", j.ExternalPostID)
		}
		if j.Reason != "" {
			fmt.Printf("    Reason: %s\n", j.Reason)
		}
		if j.LastError != "" {
			fmt.Printf("    Error: %s\n", j.LastError)
		}
		fmt.Println()
	}
}

// ============ ALERT COMMANDS ============

func alertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Show current advisory alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			alerts, err := alert.NewAggregator(repo, cfg.Alerts, nil, log).Scan(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Alerts (%d) ===\n\n", len(alerts))
			for _, al := range alerts {
				fmt.Printf("[%s] %s: %s\n", al.AccountID, al.Kind, al.Message)
			}
			return nil
		},
	}
}

// ============ TICK COMMAND ============

func tickCmd() *cobra.Command {
	var from, to string
	var prepare bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler window in the foreground",
		Long: `Claims and publishes every due slot in [from, to) and waits for the
jobs, including retries, to finish. Slots already claimed are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidatePublishing(); err != nil {
				return err
			}

			end := time.Now().UTC()
			start := end.Add(-cfg.Scheduler.Lookback)
			var err error
			if from != "" {
				if start, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("invalid --from, use RFC3339")
				}
			}
			if to != "" {
				if end, err = time.Parse(time.RFC3339, to); err != nil {
					return fmt.Errorf("invalid --to, use RFC3339")
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			a, err := app.Build(ctx, cfg, repo, log)
			if err != nil {
				return err
			}
			defer a.Pool.Stop(context.Background())

			if prepare {
				if err := a.Scheduler.Prepare(ctx); err != nil {
					return err
				}
			}

			result, err := a.Scheduler.TickWindow(ctx, start, end)
			if err != nil {
				return err
			}
			fmt.Printf("Window %s - %s: %d due, %d claimed, %d skipped\n",
				start.Format(time.RFC3339), end.Format(time.RFC3339), result.Due, result.Claimed, result.Skipped)
			for _, e := range result.Errors {
				fmt.Printf("  error: %v\n", e)
			}

			if err := a.Pool.Wait(ctx); err != nil {
				return fmt.Errorf("jobs still running: %w", err)
			}
			fmt.Println("All jobs finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Window start (RFC3339, default now minus lookback)")
	cmd.Flags().StringVar(&to, "to", "", "Window end (RFC3339, default now)")
	cmd.Flags().BoolVar(&prepare, "prepare", false, "Recover interrupted jobs and record missed slots first")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Maximum time to wait for jobs")
	return cmd
}

// ============ TRACKER COMMANDS ============

func trackerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Google Sheets outcome tracker",
	}

	cmd.AddCommand(trackerInitCmd())
	return cmd
}

func trackerInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Google Sheet with headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if !cfg.Tracker.Enabled {
				return fmt.Errorf("tracker is not enabled in config - set tracker.enabled=true and tracker.spreadsheet_id")
			}

			t, err := tracker.NewSheetsTracker(ctx, cfg.Tracker, log)
			if err != nil {
				return fmt.Errorf("failed to create tracker: %w", err)
			}
			if err := t.InitializeSheet(ctx); err != nil {
				return fmt.Errorf("failed to initialize sheet: %w", err)
			}

			fmt.Println("Google Sheet initialized successfully!")
			fmt.Printf("Spreadsheet ID: %s\n", cfg.Tracker.SpreadsheetID)
			fmt.Printf("Sheet Name: %s\n", cfg.Tracker.SheetName)
			fmt.Println("\nColumns created:")
			for i, col := range tracker.SheetColumns {
				fmt.Printf("  %d. %s\n", i+1, col)
			}
			return nil
		},
	}
}
