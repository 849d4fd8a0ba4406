package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/instagram-autoposter/internal/models"
)

// MaxTickInterval is the finest slot granularity. A slower tick could step over a slot.
const MaxTickInterval = 15 * time.Minute

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig            `mapstructure:"database"`
	Anthropic  AnthropicConfig           `mapstructure:"anthropic"`
	ImageGen   ImageGenConfig            `mapstructure:"imagegen"`
	Unsplash   UnsplashConfig            `mapstructure:"unsplash"`
	Quotes     QuotesConfig              `mapstructure:"quotes"`
	Blob       BlobConfig                `mapstructure:"blob"`
	Instagram  InstagramConfig           `mapstructure:"instagram"`
	Scheduler  SchedulerConfig           `mapstructure:"scheduler"`
	Worker     WorkerConfig              `mapstructure:"worker"`
	Alerts     AlertsConfig              `mapstructure:"alerts"`
	RateLimit  RateLimitConfig           `mapstructure:"rate_limit"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Server     ServerConfig              `mapstructure:"server"`
	Lease      LeaseConfig               `mapstructure:"lease"`
	Tracker    TrackerConfig             `mapstructure:"tracker"`
	Categories map[string]CategoryConfig `mapstructure:"categories"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite
	DSN    string `mapstructure:"dsn"`    // Connection string
}

// AnthropicConfig holds Claude API settings
type AnthropicConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// ImageGenConfig holds settings for the OpenAI-compatible image generation API
type ImageGenConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	Size    string `mapstructure:"size"`
}

// UnsplashConfig holds Unsplash API settings
type UnsplashConfig struct {
	AccessKey string `mapstructure:"access_key"`
	BaseURL   string `mapstructure:"base_url"`
}

// QuotesConfig holds motivational quote sources
type QuotesConfig struct {
	Feeds  []RSSFeed `mapstructure:"feeds"`
	Static []string  `mapstructure:"static"`
}

// RSSFeed represents a single RSS feed
type RSSFeed struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// BlobConfig selects and configures the artifact store
type BlobConfig struct {
	Driver        string        `mapstructure:"driver"` // local or s3
	LocalDir      string        `mapstructure:"local_dir"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	Bucket        string        `mapstructure:"bucket"`
	Region        string        `mapstructure:"region"`
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	UsePathStyle  bool          `mapstructure:"use_path_style"`
	PresignTTL    time.Duration `mapstructure:"presign_ttl"`
	Prefix        string        `mapstructure:"prefix"`
}

// InstagramConfig holds Graph API settings
type InstagramConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIVersion         string        `mapstructure:"api_version"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ContainerPollEvery time.Duration `mapstructure:"container_poll_every"`
	ContainerPollMax   int           `mapstructure:"container_poll_max"`
	BreakerFailures    uint          `mapstructure:"breaker_failures"`
	BreakerWindow      uint          `mapstructure:"breaker_window"`
	BreakerDelay       time.Duration `mapstructure:"breaker_delay"`
}

// SchedulerConfig holds scheduler settings
type SchedulerConfig struct {
	TickCron        string        `mapstructure:"tick_cron"`
	Lookback        time.Duration `mapstructure:"lookback"`
	MissedScanLimit time.Duration `mapstructure:"missed_scan_limit"`
	StaleRunning    time.Duration `mapstructure:"stale_running"`
}

// WorkerConfig holds publish worker pool settings
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Jitter          float64       `mapstructure:"jitter"`
	RefineTimeout   time.Duration `mapstructure:"refine_timeout"`
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
}

// AlertsConfig holds alert aggregation settings
type AlertsConfig struct {
	Cron             string        `mapstructure:"cron"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Grace            time.Duration `mapstructure:"grace"`
	Window           time.Duration `mapstructure:"window"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	AnthropicRequestsPerMinute int `mapstructure:"anthropic_requests_per_minute"`
	ImageGenRequestsPerMinute  int `mapstructure:"imagegen_requests_per_minute"`
	UnsplashRequestsPerHour    int `mapstructure:"unsplash_requests_per_hour"`
	InstagramRequestsPerHour   int `mapstructure:"instagram_requests_per_hour"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// ServerConfig holds the status API settings
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LeaseConfig holds Redis leader lease settings
type LeaseConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Key       string        `mapstructure:"key"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// TrackerConfig holds Google Sheets tracker settings
type TrackerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	SheetName          string `mapstructure:"sheet_name"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// CategoryConfig describes how content for one category is produced
type CategoryConfig struct {
	Strategy        string   `mapstructure:"strategy"` // ai-image or quote
	Prompts         []string `mapstructure:"prompts"`
	CaptionTemplate string   `mapstructure:"caption_template"`
	Hashtags        []string `mapstructure:"hashtags"`
	PhotoQuery      string   `mapstructure:"photo_query"`
}

// Content strategies
const (
	StrategyAIImage = "ai-image"
	StrategyQuote   = "quote"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".autoposter"))
		}
	}

	v.SetEnvPrefix("AUTOPOSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for secrets that usually only live in the environment
	v.BindEnv("anthropic.api_key", "AUTOPOSTER_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("imagegen.api_key", "AUTOPOSTER_IMAGEGEN_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("unsplash.access_key", "AUTOPOSTER_UNSPLASH_ACCESS_KEY")
	v.BindEnv("blob.access_key", "AUTOPOSTER_BLOB_ACCESS_KEY")
	v.BindEnv("blob.secret_key", "AUTOPOSTER_BLOB_SECRET_KEY")
	v.BindEnv("database.dsn", "AUTOPOSTER_DATABASE_DSN")
	v.BindEnv("lease.redis_addr", "AUTOPOSTER_LEASE_REDIS_ADDR")
	v.BindEnv("lease.password", "AUTOPOSTER_LEASE_PASSWORD")
	v.BindEnv("tracker.spreadsheet_id", "AUTOPOSTER_TRACKER_SPREADSHEET_ID")
	v.BindEnv("tracker.credentials_file", "AUTOPOSTER_TRACKER_CREDENTIALS_FILE")
	v.BindEnv("tracker.service_account_json", "AUTOPOSTER_TRACKER_SERVICE_ACCOUNT_JSON")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/autoposter.db")

	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("anthropic.temperature", 0.7)

	v.SetDefault("imagegen.base_url", "https://api.openai.com/v1")
	v.SetDefault("imagegen.model", "gpt-image-1")
	v.SetDefault("imagegen.size", "1024x1024")

	v.SetDefault("unsplash.base_url", "https://api.unsplash.com")

	v.SetDefault("quotes.static", []string{
		"The secret of getting ahead is getting started. - Mark Twain",
		"It always seems impossible until it's done. - Nelson Mandela",
		"Well done is better than well said. - Benjamin Franklin",
	})

	v.SetDefault("blob.driver", "local")
	v.SetDefault("blob.local_dir", "./data/media")
	v.SetDefault("blob.public_base_url", "http://localhost:8080/media")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.presign_ttl", "24h")
	v.SetDefault("blob.prefix", "artifacts")

	v.SetDefault("instagram.base_url", "https://graph.facebook.com")
	v.SetDefault("instagram.api_version", "v21.0")
	v.SetDefault("instagram.request_timeout", "30s")
	v.SetDefault("instagram.container_poll_every", "5s")
	v.SetDefault("instagram.container_poll_max", 24)
	v.SetDefault("instagram.breaker_failures", 5)
	v.SetDefault("instagram.breaker_window", 10)
	v.SetDefault("instagram.breaker_delay", "1m")

	v.SetDefault("scheduler.tick_cron", "@every 1m")
	v.SetDefault("scheduler.lookback", "2h")
	v.SetDefault("scheduler.missed_scan_limit", "24h")
	v.SetDefault("scheduler.stale_running", "30m")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.base_delay", "30s")
	v.SetDefault("worker.max_delay", "10m")
	v.SetDefault("worker.jitter", 0.2)
	v.SetDefault("worker.refine_timeout", "20s")
	v.SetDefault("worker.generate_timeout", "2m")
	v.SetDefault("worker.upload_timeout", "1m")
	v.SetDefault("worker.publish_timeout", "3m")

	v.SetDefault("alerts.cron", "*/15 * * * *")
	v.SetDefault("alerts.failure_threshold", 3)
	v.SetDefault("alerts.grace", "15m")
	v.SetDefault("alerts.window", "24h")

	v.SetDefault("rate_limit.anthropic_requests_per_minute", 10)
	v.SetDefault("rate_limit.imagegen_requests_per_minute", 5)
	v.SetDefault("rate_limit.unsplash_requests_per_hour", 50)
	v.SetDefault("rate_limit.instagram_requests_per_hour", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("lease.enabled", false)
	v.SetDefault("lease.redis_addr", "localhost:6379")
	v.SetDefault("lease.key", "autoposter:scheduler:leader")
	v.SetDefault("lease.ttl", "90s")

	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.sheet_name", "Jobs")

	v.SetDefault("categories", map[string]interface{}{
		string(models.CategoryPortrait): map[string]interface{}{
			"strategy": StrategyAIImage,
			"prompts": []string{
				"studio portrait of a confident entrepreneur, soft window light, 85mm",
				"candid portrait of a street musician at golden hour",
			},
			"caption_template": "Faces tell stories.",
			"hashtags":         []string{"#portrait", "#photography"},
		},
		string(models.CategoryCharacterScene): map[string]interface{}{
			"strategy": StrategyAIImage,
			"prompts": []string{
				"a lone explorer standing at the edge of a glowing canyon, cinematic",
				"a small robot reading in a cozy library, warm light, illustration",
			},
			"caption_template": "Every scene holds a story.",
			"hashtags":         []string{"#digitalart", "#storytelling"},
		},
		string(models.CategoryMotivationalQuote): map[string]interface{}{
			"strategy":         StrategyQuote,
			"photo_query":      "mountain sunrise",
			"caption_template": "Your daily dose of motivation.",
			"hashtags":         []string{"#motivation", "#quotes"},
		},
	})
}

// Category returns the settings for a category
func (c *Config) Category(cat models.Category) (CategoryConfig, bool) {
	cc, ok := c.Categories[string(cat)]
	return cc, ok
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := ValidateTickCron(c.Scheduler.TickCron); err != nil {
		return err
	}
	if c.Scheduler.Lookback <= 0 {
		return fmt.Errorf("scheduler.lookback must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	if c.Worker.Jitter < 0 || c.Worker.Jitter >= 1 {
		return fmt.Errorf("worker.jitter must be in [0, 1)")
	}
	if c.Alerts.FailureThreshold < 1 {
		return fmt.Errorf("alerts.failure_threshold must be at least 1")
	}
	switch c.Blob.Driver {
	case "local":
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("blob.driver must be local or s3, got %q", c.Blob.Driver)
	}
	for name, cc := range c.Categories {
		if !models.Category(name).Valid() {
			return fmt.Errorf("categories: unknown category %q", name)
		}
		switch cc.Strategy {
		case StrategyAIImage:
			if len(cc.Prompts) == 0 {
				return fmt.Errorf("categories.%s: ai-image strategy needs at least one prompt", name)
			}
		case StrategyQuote:
		default:
			return fmt.Errorf("categories.%s: unknown strategy %q", name, cc.Strategy)
		}
	}
	if c.Lease.Enabled && c.Lease.RedisAddr == "" {
		return fmt.Errorf("lease.redis_addr is required when the lease is enabled")
	}
	return nil
}

// ValidatePublishing checks the secrets the publishing daemon cannot run without
func (c *Config) ValidatePublishing() error {
	if c.ImageGen.APIKey == "" {
		return fmt.Errorf("imagegen.api_key is required")
	}
	return nil
}

// ValidateTickCron accepts cron expressions that never leave more than
// MaxTickInterval between two ticks. Gaps are measured over eight days so
// weekday restrictions are caught.
func ValidateTickCron(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("scheduler.tick_cron is required")
	}
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return fmt.Errorf("scheduler.tick_cron: %w", err)
		}
		if d <= 0 || d > MaxTickInterval {
			return fmt.Errorf("scheduler.tick_cron: interval %s must be within (0, %s]", d, MaxTickInterval)
		}
		return nil
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("scheduler.tick_cron: %w", err)
	}
	prev := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := prev.AddDate(0, 0, 8)
	for prev.Before(end) {
		next := schedule.Next(prev)
		if next.IsZero() {
			return fmt.Errorf("scheduler.tick_cron: %q never fires", spec)
		}
		if gap := next.Sub(prev); gap > MaxTickInterval {
			return fmt.Errorf("scheduler.tick_cron: %q leaves %s between ticks, more than %s", spec, gap, MaxTickInterval)
		}
		prev = next
	}
	return nil
}
