// Package config defines configuration parsing and helpers.
//
// Boot configuration comes from ~/.scalyclaw/scalyclaw.json overlaid with
// environment variables; runtime (hot-reloadable) configuration lives in
// Redis and is owned by the store adapter.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// RedisConfig locates the Redis instance every process shares.
type RedisConfig struct {
	Host     string `json:"host" env:"REDIS_HOST"`
	Port     int    `json:"port" env:"REDIS_PORT"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	TLS      bool   `json:"tls" env:"REDIS_TLS"`
}

// Addr returns host:port for client dialing.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// GatewayConfig holds the node's HTTP surface settings.
type GatewayConfig struct {
	Port             int           `json:"port" env:"PORT"`
	Token            string        `json:"token" env:"GATEWAY_TOKEN"`
	CORSAllowOrigins string        `json:"corsAllowOrigins" env:"CORS_ALLOW_ORIGINS"`
	RateLimitPerMin  int           `json:"rateLimitPerMin" env:"RATE_LIMIT_PER_MIN"`
	ChatWaitTimeout  time.Duration `json:"-" env:"CHAT_WAIT_TIMEOUT"`
}

// LLMConfig configures the chat-completions provider.
type LLMConfig struct {
	BaseURL       string  `json:"baseUrl" env:"LLM_BASE_URL"`
	Model         string  `json:"model" env:"LLM_MODEL"`
	APIKeySecret  string  `json:"apiKeySecret" env:"LLM_API_KEY_SECRET"`
	MaxTokens     int     `json:"maxTokens" env:"LLM_MAX_TOKENS"`
	Temperature   float64 `json:"temperature" env:"LLM_TEMPERATURE"`
	MaxIterations int     `json:"maxIterations" env:"LLM_MAX_ITERATIONS"`
	// MaxConsecutiveErrs aborts an orchestration after this many provider or
	// tool failures in a row.
	MaxConsecutiveErrs int `json:"maxConsecutiveErrs" env:"LLM_MAX_CONSECUTIVE_ERRS"`

	BackoffMaxElapsedTime  time.Duration `json:"-" env:"LLM_BACKOFF_MAX_ELAPSED_TIME"`
	BackoffInitialInterval time.Duration `json:"-" env:"LLM_BACKOFF_INITIAL_INTERVAL"`
	BackoffMaxInterval     time.Duration `json:"-" env:"LLM_BACKOFF_MAX_INTERVAL"`
	BackoffMultiplier      float64       `json:"-" env:"LLM_BACKOFF_MULTIPLIER"`
}

// BudgetConfig caps provider spend per day and per calendar month. Zero
// limits disable the corresponding cap. SoftThresholdPct is the fraction of
// a hard limit that triggers a warning alert without blocking; zero disables
// alerts. Prices are USD per million tokens and only feed the cost estimate.
type BudgetConfig struct {
	DailyTokenLimit        int64   `json:"dailyTokenLimit" env:"BUDGET_DAILY_TOKEN_LIMIT"`
	DailyCostUSD           float64 `json:"dailyCostUsd" env:"BUDGET_DAILY_COST_USD"`
	MonthlyTokenLimit      int64   `json:"monthlyTokenLimit" env:"BUDGET_MONTHLY_TOKEN_LIMIT"`
	MonthlyCostUSD         float64 `json:"monthlyCostUsd" env:"BUDGET_MONTHLY_COST_USD"`
	SoftThresholdPct       float64 `json:"softThresholdPct" env:"BUDGET_SOFT_THRESHOLD_PCT"`
	PromptPricePerMTok     float64 `json:"promptPricePerMTok" env:"BUDGET_PROMPT_PRICE_PER_MTOK"`
	CompletionPricePerMTok float64 `json:"completionPricePerMTok" env:"BUDGET_COMPLETION_PRICE_PER_MTOK"`
}

// GuardConfig tunes the inbound guard pipeline.
type GuardConfig struct {
	MaxMessageBytes int  `json:"maxMessageBytes" env:"GUARD_MAX_MESSAGE_BYTES"`
	UseClassifier   bool `json:"useClassifier" env:"GUARD_USE_CLASSIFIER"`
}

// ProactiveConfig tunes proactive contact checks.
type ProactiveConfig struct {
	Enabled  bool          `json:"enabled" env:"PROACTIVE_ENABLED"`
	Cooldown time.Duration `json:"-" env:"PROACTIVE_COOLDOWN"`
	DailyCap int           `json:"dailyCap" env:"PROACTIVE_DAILY_CAP"`
}

// Config is the node boot configuration.
type Config struct {
	AppEnv  string `json:"-" env:"APP_ENV" envDefault:"dev"`
	HomeDir string `json:"homeDir" env:"SCALYCLAW_HOME"`

	Redis     RedisConfig     `json:"redis"`
	Gateway   GatewayConfig   `json:"gateway"`
	LLM       LLMConfig       `json:"llm"`
	Budget    BudgetConfig    `json:"budget"`
	Guard     GuardConfig     `json:"guard"`
	Proactive ProactiveConfig `json:"proactive"`

	OTLPEndpoint    string `json:"-" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `json:"-" env:"OTEL_SERVICE_NAME"`

	ServerShutdownTimeout time.Duration `json:"-" env:"SERVER_SHUTDOWN_TIMEOUT"`
	QueueDrainTimeout     time.Duration `json:"-" env:"QUEUE_DRAIN_TIMEOUT"`
	HTTPReadTimeout       time.Duration `json:"-" env:"HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout      time.Duration `json:"-" env:"HTTP_WRITE_TIMEOUT"`
	HTTPIdleTimeout       time.Duration `json:"-" env:"HTTP_IDLE_TIMEOUT"`
}

func defaults() Config {
	return Config{
		AppEnv: "dev",
		Redis:  RedisConfig{Host: "127.0.0.1", Port: 6379},
		Gateway: GatewayConfig{
			Port:             4817,
			CORSAllowOrigins: "*",
			RateLimitPerMin:  60,
			ChatWaitTimeout:  120 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:                "https://openrouter.ai/api/v1",
			Model:                  "anthropic/claude-sonnet-4",
			APIKeySecret:           "openrouter-api-key",
			MaxTokens:              4096,
			Temperature:            0.7,
			MaxIterations:          24,
			MaxConsecutiveErrs:     3,
			BackoffMaxElapsedTime:  180 * time.Second,
			BackoffInitialInterval: 2 * time.Second,
			BackoffMaxInterval:     20 * time.Second,
			BackoffMultiplier:      1.5,
		},
		Budget: BudgetConfig{
			SoftThresholdPct:       0.8,
			PromptPricePerMTok:     3.0,
			CompletionPricePerMTok: 15.0,
		},
		Guard:     GuardConfig{MaxMessageBytes: 64 * 1024},
		Proactive: ProactiveConfig{Cooldown: 4 * time.Hour, DailyCap: 3},

		OTELServiceName:       "scalyclaw",
		ServerShutdownTimeout: 10 * time.Second,
		QueueDrainTimeout:     30 * time.Second,
		HTTPReadTimeout:       15 * time.Second,
		// Must outlast the chat long-poll; the socket is exempt once hijacked.
		HTTPWriteTimeout:      150 * time.Second,
		HTTPIdleTimeout:       60 * time.Second,
	}
}

// ConfigDir returns the fixed directory holding scalyclaw.json.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("op=config.ConfigDir: %w", err)
	}
	return filepath.Join(home, ".scalyclaw"), nil
}

// Load builds the node configuration: defaults, then the JSON file when one
// exists, then environment overrides. A missing file is fine; an unreadable
// or malformed one is a boot failure.
func Load() (Config, error) {
	cfg := defaults()

	dir, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	path := filepath.Join(dir, "scalyclaw.json")
	if p := os.Getenv("SCALYCLAW_CONFIG"); p != "" {
		path = p
	}
	if err := decodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.HomeDir == "" {
		cfg.HomeDir = dir
	}
	return cfg, nil
}

func decodeFile(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("op=config.decodeFile: %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("op=config.decodeFile: %s: %w", path, err)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// SkillsDir is where the node keeps installable skill bundles.
func (c Config) SkillsDir() string { return filepath.Join(c.HomeDir, "skills") }

// WorkspaceDir is the node-side scratch area exposed via /api/workspace.
func (c Config) WorkspaceDir() string { return filepath.Join(c.HomeDir, "workspace") }

// MindDir holds the identity documents folded into the system prompt.
func (c Config) MindDir() string { return filepath.Join(c.HomeDir, "mind") }

// PasswordFile is the vault key material path.
func (c Config) PasswordFile() string { return filepath.Join(c.HomeDir, "scalyclaw.ps") }

// BackoffConfig returns provider retry settings for the current environment.
// Test environments use much shorter timeouts for fast test execution.
func (c Config) BackoffConfig() (maxElapsedTime, initialInterval, maxInterval time.Duration, multiplier float64) {
	if c.IsTest() {
		return 5 * time.Second, 100 * time.Millisecond, 1 * time.Second, 2.0
	}
	return c.LLM.BackoffMaxElapsedTime, c.LLM.BackoffInitialInterval, c.LLM.BackoffMaxInterval, c.LLM.BackoffMultiplier
}
