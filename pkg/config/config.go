package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Assistant   AssistantConfig   `mapstructure:"assistant"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Mailbox     MailboxConfig     `mapstructure:"mailbox"`
	Budget      BudgetConfig      `mapstructure:"budget"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
}

type AssistantConfig struct {
	Name     string `mapstructure:"name"`
	Trigger  string `mapstructure:"trigger"`
	Timezone string `mapstructure:"timezone"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres | memory
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type DispatchConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	AlertAfterFailures int           `mapstructure:"alert_after_failures"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
}

type SandboxConfig struct {
	Runtime          string        `mapstructure:"runtime"` // docker | bwrap | direct
	Image            string        `mapstructure:"image"`
	Command          []string      `mapstructure:"command"`
	Network          string        `mapstructure:"network"`
	Memory           string        `mapstructure:"memory"`
	CPUs             string        `mapstructure:"cpus"`
	ProjectRoot      string        `mapstructure:"project_root"`
	DataDir          string        `mapstructure:"data_dir"`
	ConversationsDir string        `mapstructure:"conversations_dir"`
	SharedNotesDir   string        `mapstructure:"shared_notes_dir"`
	ToolingDir       string        `mapstructure:"tooling_dir"`
	Timeout          time.Duration `mapstructure:"timeout"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxOutputBytes   int           `mapstructure:"max_output_bytes"`
	MaxChunkBytes    int           `mapstructure:"max_chunk_bytes"`
	MountAllowlist   []string      `mapstructure:"mount_allowlist"`
	KeepLogs         bool          `mapstructure:"keep_logs"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	CloseDelay   time.Duration `mapstructure:"close_delay"`
}

type MailboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RecentActivity int           `mapstructure:"recent_activity"`
}

type BudgetConfig struct {
	DailyLimitUSD float64               `mapstructure:"daily_limit_usd"`
	Timezone      string                `mapstructure:"timezone"`
	DefaultModel  string                `mapstructure:"default_model"`
	ModelBudgets  map[string]float64    `mapstructure:"model_budgets"`
	Prices        map[string]ModelPrice `mapstructure:"prices"`
}

// ModelPrice is expressed in USD per million tokens
type ModelPrice struct {
	Input      float64 `mapstructure:"input"`
	Output     float64 `mapstructure:"output"`
	CacheRead  float64 `mapstructure:"cache_read"`
	CacheWrite float64 `mapstructure:"cache_write"`
}

type CredentialsConfig struct {
	EnvFile      string              `mapstructure:"env_file"`
	SealedFile   string              `mapstructure:"sealed_file"`
	IdentityFile string              `mapstructure:"identity_file"`
	Baseline     []string            `mapstructure:"baseline"`
	Scopes       map[string][]string `mapstructure:"scopes"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("assistant.name", "Andy")
	v.SetDefault("assistant.trigger", "@Andy")
	v.SetDefault("assistant.timezone", "UTC")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "store/sandbot.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "sandbot")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("dispatch.poll_interval", 2*time.Second)
	v.SetDefault("dispatch.idle_timeout", 30*time.Minute)
	v.SetDefault("dispatch.staleness_threshold", 2*time.Hour)
	v.SetDefault("dispatch.alert_after_failures", 3)
	v.SetDefault("dispatch.max_retries", 5)
	v.SetDefault("dispatch.retry_base", 5*time.Second)

	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.image", "sandbot-agent:latest")
	v.SetDefault("sandbox.command", []string{"/usr/local/bin/sandbox-worker"})
	v.SetDefault("sandbox.network", "bridge")
	v.SetDefault("sandbox.project_root", ".")
	v.SetDefault("sandbox.data_dir", "data")
	v.SetDefault("sandbox.conversations_dir", "conversations")
	v.SetDefault("sandbox.shared_notes_dir", "conversations/global")
	v.SetDefault("sandbox.tooling_dir", "tools")
	v.SetDefault("sandbox.timeout", 30*time.Minute)
	v.SetDefault("sandbox.stop_grace", 15*time.Second)
	v.SetDefault("sandbox.max_concurrent", 5)
	v.SetDefault("sandbox.max_output_bytes", 10*1024*1024)
	v.SetDefault("sandbox.max_chunk_bytes", 1024*1024)
	v.SetDefault("sandbox.keep_logs", true)

	v.SetDefault("scheduler.poll_interval", time.Minute)
	v.SetDefault("scheduler.close_delay", 10*time.Second)

	v.SetDefault("mailbox.poll_interval", time.Second)
	v.SetDefault("mailbox.recent_activity", 20)

	v.SetDefault("budget.daily_limit_usd", 0.0)
	v.SetDefault("budget.timezone", "UTC")
	v.SetDefault("budget.default_model", "default")
	v.SetDefault("budget.prices", map[string]any{
		"default": map[string]any{"input": 3.0, "output": 15.0, "cache_read": 0.3, "cache_write": 3.75},
	})

	v.SetDefault("credentials.env_file", ".env")
	v.SetDefault("credentials.baseline", []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN", "OPENAI_API_KEY", "OPENAI_BASE_URL"})
}

// LoadConfig reads the YAML file at path (a missing file is allowed) and
// applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvPrefix("sandbot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Sandbox.Runtime {
	case "docker", "bwrap", "direct":
	default:
		return fmt.Errorf("unknown sandbox runtime %q", c.Sandbox.Runtime)
	}
	if len(c.Sandbox.Command) == 0 {
		return errors.New("sandbox.command must not be empty")
	}

	positive := map[string]time.Duration{
		"dispatch.poll_interval":  c.Dispatch.PollInterval,
		"dispatch.idle_timeout":   c.Dispatch.IdleTimeout,
		"scheduler.poll_interval": c.Scheduler.PollInterval,
		"mailbox.poll_interval":   c.Mailbox.PollInterval,
		"sandbox.timeout":         c.Sandbox.Timeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got %d", c.Sandbox.MaxConcurrent)
	}
	if c.Budget.DailyLimitUSD < 0 {
		return fmt.Errorf("budget.daily_limit_usd must not be negative")
	}
	for _, tz := range []string{c.Assistant.Timezone, c.Budget.Timezone} {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}
	return nil
}
