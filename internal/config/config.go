// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Agent() AgentConfig
	LLM() LLMConfig
	Trainer() TrainerConfig
	Audit() AuditConfig

	// Run-level overrides driven by CLI flags.
	SetAgentMaxIterations(int)
	SetAgentInitialURL(string)
	SetBrowserHeadless(bool)
	SetTrainerWorkflowDir(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	AgentCfg   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	LLMCfg     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	TrainerCfg TrainerConfig `mapstructure:"trainer" yaml:"trainer"`
	AuditCfg   AuditConfig   `mapstructure:"audit" yaml:"audit"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Agent() AgentConfig     { return c.AgentCfg }
func (c *Config) LLM() LLMConfig         { return c.LLMCfg }
func (c *Config) Trainer() TrainerConfig { return c.TrainerCfg }
func (c *Config) Audit() AuditConfig     { return c.AuditCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetAgentMaxIterations(n int)     { c.AgentCfg.MaxIterations = n }
func (c *Config) SetAgentInitialURL(u string)     { c.AgentCfg.InitialURL = u }
func (c *Config) SetBrowserHeadless(b bool)       { c.BrowserCfg.Headless = b }
func (c *Config) SetTrainerWorkflowDir(d string)  { c.TrainerCfg.WorkflowDir = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig configures the headless browser session.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	// WaitUntil is the document-ready condition navigate waits for:
	// "domcontentloaded", "load" or "none".
	WaitUntil     string `mapstructure:"wait_until" yaml:"wait_until"`
	StorageState  string `mapstructure:"storage_state" yaml:"storage_state"`
	ScreenshotDir string `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width" json:"width"`
	Height int `mapstructure:"height" yaml:"height" json:"height"`
}

// AgentConfig configures the perceive-decide-act loop.
type AgentConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	InitialURL      string        `mapstructure:"initial_url" yaml:"initial_url"`
	StuckCheckAfter int           `mapstructure:"stuck_check_after" yaml:"stuck_check_after"`
	DecisionTimeout time.Duration `mapstructure:"decision_timeout" yaml:"decision_timeout"`
	RunTimeout      time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	ContextMaxChars int           `mapstructure:"context_max_chars" yaml:"context_max_chars"`
	Vision          bool          `mapstructure:"vision" yaml:"vision"`
	Parallelism     int           `mapstructure:"parallelism" yaml:"parallelism"`
	Loop            LoopConfig    `mapstructure:"loop" yaml:"loop"`
}

// LoopConfig tunes the stuck detector.
type LoopConfig struct {
	WindowSize      int `mapstructure:"window_size" yaml:"window_size"`
	RepeatThreshold int `mapstructure:"repeat_threshold" yaml:"repeat_threshold"`
	ScrollThreshold int `mapstructure:"scroll_threshold" yaml:"scroll_threshold"`
}

// Supported decision model providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	// DefaultBaseURL is the OpenAI-compatible endpoint used when none is configured.
	DefaultBaseURL = "https://api.together.xyz/v1"
)

// LLMConfig configures the decision model endpoint.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RateLimit is the maximum number of decision calls per second. Zero disables limiting.
	RateLimit float64     `mapstructure:"rate_limit" yaml:"rate_limit"`
	Retry     RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig bounds the exponential backoff around a decision call.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

// TrainerConfig configures supervised training and workflow persistence.
type TrainerConfig struct {
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	WorkflowDir string `mapstructure:"workflow_dir" yaml:"workflow_dir"`
	// Store selects the workflow backend: "file" or "postgres".
	Store       string `mapstructure:"store" yaml:"store"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url"`
	HistoryFile string `mapstructure:"history_file" yaml:"history_file"`
}

// AuditConfig configures the per-run audit trail.
type AuditConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseDir  string `mapstructure:"base_dir" yaml:"base_dir"`
	Tenant   string `mapstructure:"tenant" yaml:"tenant"`
	KeepRuns int    `mapstructure:"keep_runs" yaml:"keep_runs"`
}

// NewDefaultConfig creates a configuration populated with every default value.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "aml-agent")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.wait_until", "domcontentloaded")
	v.SetDefault("browser.storage_state", "")
	v.SetDefault("browser.screenshot_dir", "screenshots")

	// -- Agent --
	v.SetDefault("agent.max_iterations", 50)
	v.SetDefault("agent.initial_url", "")
	v.SetDefault("agent.stuck_check_after", 4)
	v.SetDefault("agent.decision_timeout", "60s")
	v.SetDefault("agent.run_timeout", "30m")
	v.SetDefault("agent.context_max_chars", 4000)
	v.SetDefault("agent.vision", true)
	v.SetDefault("agent.parallelism", 1)
	v.SetDefault("agent.loop.window_size", 5)
	v.SetDefault("agent.loop.repeat_threshold", 3)
	v.SetDefault("agent.loop.scroll_threshold", 4)

	// -- LLM --
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "meta-llama/Llama-4-Maverick-17B-128E-Instruct-FP8")
	v.SetDefault("llm.base_url", DefaultBaseURL)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "90s")
	v.SetDefault("llm.rate_limit", 2.0)
	v.SetDefault("llm.retry.initial_interval", "1s")
	v.SetDefault("llm.retry.max_interval", "15s")
	v.SetDefault("llm.retry.max_elapsed_time", "2m")

	// -- Trainer --
	v.SetDefault("trainer.max_attempts", 5)
	v.SetDefault("trainer.workflow_dir", "workflows/learned")
	v.SetDefault("trainer.store", "file")
	v.SetDefault("trainer.postgres_url", "")
	v.SetDefault("trainer.history_file", "~/.aml-agent_history")

	// -- Audit --
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.base_dir", "audit_logs")
	v.SetDefault("audit.tenant", "default")
	v.SetDefault("audit.keep_runs", 2)
}

// NewConfigFromViper unmarshals, normalizes and validates a configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "AML_AGENT_LLM_API_KEY", "TOGETHER_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("trainer.postgres_url", "AML_AGENT_TRAINER_POSTGRES_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("TOGETHER_API_KEY")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every configured filesystem path.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.LoggerCfg.LogFile,
		&c.BrowserCfg.StorageState,
		&c.BrowserCfg.ScreenshotDir,
		&c.TrainerCfg.WorkflowDir,
		&c.TrainerCfg.HistoryFile,
		&c.AuditCfg.BaseDir,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.AgentCfg.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be a positive integer")
	}
	if err := c.AgentCfg.Loop.Validate(); err != nil {
		return fmt.Errorf("agent.loop configuration invalid: %w", err)
	}
	if c.AgentCfg.Parallelism <= 0 {
		return fmt.Errorf("agent.parallelism must be a positive integer")
	}
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.TrainerCfg.Validate(); err != nil {
		return fmt.Errorf("trainer configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the loop detector tuning.
func (l *LoopConfig) Validate() error {
	if l.WindowSize <= 0 {
		return fmt.Errorf("window_size must be a positive integer")
	}
	if l.RepeatThreshold <= 0 || l.RepeatThreshold > l.WindowSize {
		return fmt.Errorf("repeat_threshold must be between 1 and window_size (%d)", l.WindowSize)
	}
	if l.ScrollThreshold <= 0 {
		return fmt.Errorf("scroll_threshold must be a positive integer")
	}
	return nil
}

// Validate checks the browser configuration.
func (b *BrowserConfig) Validate() error {
	switch strings.ToLower(b.WaitUntil) {
	case "domcontentloaded", "load", "none":
	default:
		return fmt.Errorf("wait_until must be one of domcontentloaded, load, none; got %q", b.WaitUntil)
	}
	if b.Viewport.Width <= 0 || b.Viewport.Height <= 0 {
		return fmt.Errorf("viewport dimensions must be positive")
	}
	return nil
}

// Validate checks the LLM configuration.
func (l *LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unsupported provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required")
	}
	if l.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}

// Validate checks the trainer configuration.
func (t *TrainerConfig) Validate() error {
	if t.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be a positive integer")
	}
	switch t.Store {
	case "file":
		if t.WorkflowDir == "" {
			return fmt.Errorf("workflow_dir is required for the file store")
		}
	case "postgres":
		if t.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store %q", t.Store)
	}
	return nil
}
