package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ServerConfig holds the HTTP trigger surface settings.
type ServerConfig struct {
	Addr      string `env:"ATTENDANCE_ADDR" envDefault:"0.0.0.0:5000"`
	AuthToken string `env:"ATTENDANCE_AUTH_TOKEN"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `env:"ATTENDANCE_LOG_LEVEL" envDefault:"info"`
	Format string `env:"ATTENDANCE_LOG_FORMAT" envDefault:"text"`
}

// PortalConfig locates the attendance portal. Password is base64 encoded.
type PortalConfig struct {
	URL            string        `env:"GREYTHR_URL"`
	Username       string        `env:"GREYTHR_USERNAME"`
	Password       string        `env:"GREYTHR_PASSWORD"`
	RequestTimeout time.Duration `env:"ATTENDANCE_REQUEST_TIMEOUT" envDefault:"30s"`
}

// EngineConfig tunes the job coordinator.
type EngineConfig struct {
	MaxRetries   int           `env:"ATTENDANCE_MAX_RETRIES" envDefault:"2"`
	RetryBackoff time.Duration `env:"ATTENDANCE_RETRY_BACKOFF" envDefault:"5s"`
	Workers      int           `env:"ATTENDANCE_WORKERS" envDefault:"2"`
	JobRetention time.Duration `env:"ATTENDANCE_JOB_RETENTION" envDefault:"1h"`
	LockTTL      time.Duration `env:"ATTENDANCE_LOCK_TTL" envDefault:"10m"`
	SignInCron   string        `env:"ATTENDANCE_SIGNIN_CRON"`
	SignOutCron  string        `env:"ATTENDANCE_SIGNOUT_CRON"`
}

// BrowserConfig controls the headless login.
type BrowserConfig struct {
	ExecPath        string        `env:"BROWSER_EXEC_PATH"`
	Headless        bool          `env:"BROWSER_HEADLESS" envDefault:"true"`
	NoSandbox       bool          `env:"BROWSER_NO_SANDBOX"`
	PageLoadTimeout time.Duration `env:"BROWSER_PAGE_LOAD_TIMEOUT" envDefault:"30s"`
	FieldTimeout    time.Duration `env:"BROWSER_FIELD_TIMEOUT" envDefault:"10s"`
	LoginTimeout    time.Duration `env:"BROWSER_LOGIN_TIMEOUT" envDefault:"45s"`
	SuccessMarkers  []string      `env:"BROWSER_SUCCESS_MARKERS" envDefault:"dashboard,home" envSeparator:","`
	SuccessSelector string        `env:"BROWSER_SUCCESS_SELECTOR"`
	ErrorSelector   string        `env:"BROWSER_ERROR_SELECTOR"`
}

// NotificationConfig holds operator channel settings. Empty channels are skipped.
type NotificationConfig struct {
	TelegramBotToken string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string        `env:"TELEGRAM_CHAT_ID"`
	BarkURL          string        `env:"BARK_URL"`
	Tries            int           `env:"ATTENDANCE_NOTIFY_TRIES" envDefault:"3"`
	Backoff          time.Duration `env:"ATTENDANCE_NOTIFY_BACKOFF" envDefault:"2s"`
}

// RedisConfig enables the cross-process gate when Addr is set.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Enabled       bool          `env:"ATTENDANCE_ENABLED" envDefault:"true"`
	Mode          string        `env:"ATTENDANCE_MODE" envDefault:"http"`
	StateDir      string        `env:"ATTENDANCE_STATE_DIR"`
	Timezone      string        `env:"ATTENDANCE_TIMEZONE" envDefault:"Asia/Kolkata"`
	ShutdownGrace time.Duration `env:"ATTENDANCE_SHUTDOWN_GRACE" envDefault:"30s"`

	Server       ServerConfig
	Log          LogConfig
	Portal       PortalConfig
	Engine       EngineConfig
	Browser      BrowserConfig
	Notification NotificationConfig
	Redis        RedisConfig

	Location *time.Location `env:"-"`
}

const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// Parse reads configuration for the process.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "attendanced", ".env"))
	}
	for _, file := range envFiles {
		// godotenv never overrides variables that are already set.
		_ = godotenv.Load(file)
	}
	return Load(os.Args[1:])
}

// Load builds a Config from the current environment and args.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	fs := flag.NewFlagSet("attendanced", flag.ContinueOnError)
	var (
		addr, mode, stateDir, logLevel, logFormat, timezone string
		shutdownGrace                                       time.Duration
		disabled                                            bool
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	fs.StringVar(&stateDir, "state-dir", "", "Directory for the attempt ledger")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&timezone, "timezone", "", "IANA zone that defines the attendance day")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period for in-flight jobs when shutting down")
	fs.BoolVar(&disabled, "disabled", false, "Start with the automation engine disabled")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if timezone != "" {
		cfg.Timezone = timezone
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "disabled":
			cfg.Enabled = !disabled
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q (want http, mcp or both)", c.Mode))
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	}
	c.Location = loc
	if c.Enabled {
		if c.Portal.URL == "" {
			errs = append(errs, errors.New("GREYTHR_URL is required"))
		}
		if c.Portal.Username == "" {
			errs = append(errs, errors.New("GREYTHR_USERNAME is required"))
		}
		if c.Portal.Password == "" {
			errs = append(errs, errors.New("GREYTHR_PASSWORD is required"))
		}
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("ATTENDANCE_WORKERS must be at least 1, got %d", c.Engine.Workers))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("ATTENDANCE_MAX_RETRIES must not be negative, got %d", c.Engine.MaxRetries))
	}
	if (c.Notification.TelegramBotToken == "") != (c.Notification.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	if c.Redis.Addr != "" {
		if worst := c.WorstCaseRun(); c.Engine.LockTTL < worst {
			errs = append(errs, fmt.Errorf("ATTENDANCE_LOCK_TTL %s is shorter than a worst-case run of %s; the lock could expire mid-run", c.Engine.LockTTL, worst))
		}
	}
	return errors.Join(errs...)
}

// finalizeAllowance covers recording the attempt and notifying after the last try.
const finalizeAllowance = 30 * time.Second

// WorstCaseRun bounds one job: every try waits out each browser and request
// timeout, plus the linear backoff between tries.
func (c *Config) WorstCaseRun() time.Duration {
	perTry := c.Browser.PageLoadTimeout + c.Browser.FieldTimeout + c.Browser.LoginTimeout + c.Portal.RequestTimeout
	retries := c.Engine.MaxRetries
	if retries < 0 {
		retries = 0
	}
	backoff := time.Duration(retries*(retries+1)/2) * c.Engine.RetryBackoff
	return time.Duration(retries+1)*perTry + backoff + finalizeAllowance
}

// LogValue lists the settings worth logging at startup; secrets are left out.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("enabled", c.Enabled),
		slog.String("mode", c.Mode),
		slog.String("addr", c.Server.Addr),
		slog.String("state_dir", c.StateDir),
		slog.String("timezone", c.Timezone),
		slog.String("portal", c.Portal.URL),
		slog.Int("workers", c.Engine.Workers),
		slog.Int("max_retries", c.Engine.MaxRetries),
		slog.Duration("retry_backoff", c.Engine.RetryBackoff),
		slog.Bool("telegram", c.Notification.TelegramBotToken != ""),
		slog.Bool("bark", c.Notification.BarkURL != ""),
		slog.Bool("redis_lock", c.Redis.Addr != ""),
		slog.Bool("auth", c.Server.AuthToken != ""),
	)
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "attendanced")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
