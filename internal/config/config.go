// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Sections map 1:1 to the
// top-level keys of the YAML config file; every key can also be supplied via
// the IPHONECLAW_ environment prefix (dots become underscores).
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Model      ModelConfig      `mapstructure:"model" yaml:"model"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Record     RecordConfig     `mapstructure:"record" yaml:"record"`
	Script     ScriptConfig     `mapstructure:"script" yaml:"script"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ModelConfig points the decision client at an OpenAI-compatible
// chat-completions endpoint.
type ModelConfig struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Name        string        `mapstructure:"name" yaml:"name"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float64       `mapstructure:"top_p" yaml:"top_p"`
}

// AgentConfig tunes the control loop itself.
type AgentConfig struct {
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
	StepDelay         time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	TailRounds        int           `mapstructure:"tail_rounds" yaml:"tail_rounds"`
	ParseErrorLimit   int           `mapstructure:"parse_error_limit" yaml:"parse_error_limit"`
	RepeatActionLimit int           `mapstructure:"repeat_action_limit" yaml:"repeat_action_limit"`
	HangOnFinished    bool          `mapstructure:"hang_on_finished" yaml:"hang_on_finished"`
	HangOnCallUser    bool          `mapstructure:"hang_on_call_user" yaml:"hang_on_call_user"`
	NudgeOnASCIIType  bool          `mapstructure:"nudge_on_ascii_type" yaml:"nudge_on_ascii_type"`
	ActivityPause     bool          `mapstructure:"activity_pause" yaml:"activity_pause"`
}

// AutomationConfig tunes the replay cache and the driver.
type AutomationConfig struct {
	CacheEnabled    bool   `mapstructure:"cache_enabled" yaml:"cache_enabled"`
	CacheThreshold  int    `mapstructure:"cache_threshold" yaml:"cache_threshold"`
	CacheMaxReuse   int    `mapstructure:"cache_max_reuse" yaml:"cache_max_reuse"`
	CachePolicy     string `mapstructure:"cache_policy" yaml:"cache_policy"`
	FrameDir        string `mapstructure:"frame_dir" yaml:"frame_dir"`
	DryRun          bool   `mapstructure:"dry_run" yaml:"dry_run"`
	TypeIntervalMs  int    `mapstructure:"type_interval_ms" yaml:"type_interval_ms"`
	SwipeDurationMs int    `mapstructure:"swipe_duration_ms" yaml:"swipe_duration_ms"`
}

// SupervisorConfig controls the embedded HTTP control surface.
type SupervisorConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Token   string `mapstructure:"token" yaml:"-"`
}

// RecordConfig controls per-run event recording.
type RecordConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// ScriptConfig configures the action-script compiler.
type ScriptConfig struct {
	RegistryPath string `mapstructure:"registry_path" yaml:"registry_path"`
	MaxDepth     int    `mapstructure:"max_depth" yaml:"max_depth"`
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "iphoneclaw")
	v.SetDefault("logger.log_file", "iphoneclaw.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Model --
	v.SetDefault("model.base_url", "http://localhost:8000/v1")
	v.SetDefault("model.name", "ui-tars")
	v.SetDefault("model.timeout", "120s")
	v.SetDefault("model.max_tokens", 1024)
	v.SetDefault("model.temperature", 0.0)
	v.SetDefault("model.top_p", 0.9)

	// -- Agent --
	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.step_delay", "1s")
	v.SetDefault("agent.tail_rounds", 5)
	v.SetDefault("agent.parse_error_limit", 3)
	v.SetDefault("agent.repeat_action_limit", 4)
	v.SetDefault("agent.hang_on_finished", false)
	v.SetDefault("agent.hang_on_call_user", true)
	v.SetDefault("agent.nudge_on_ascii_type", true)
	v.SetDefault("agent.activity_pause", false)

	// -- Automation --
	v.SetDefault("automation.cache_enabled", true)
	v.SetDefault("automation.cache_threshold", 5)
	v.SetDefault("automation.cache_max_reuse", 50)
	v.SetDefault("automation.cache_policy", "evict")
	v.SetDefault("automation.frame_dir", "")
	v.SetDefault("automation.dry_run", false)
	v.SetDefault("automation.type_interval_ms", 30)
	v.SetDefault("automation.swipe_duration_ms", 300)

	// -- Supervisor --
	v.SetDefault("supervisor.enabled", false)
	v.SetDefault("supervisor.listen", "127.0.0.1:8787")

	// -- Record --
	v.SetDefault("record.enabled", true)
	v.SetDefault("record.dir", "runs")

	// -- Script --
	v.SetDefault("script.registry_path", "scripts/registry.json")
	v.SetDefault("script.max_depth", 5)
}

// NewDefaultConfig creates a new configuration struct populated with default values.
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

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("model.api_key", "IPHONECLAW_MODEL_API_KEY")
	v.BindEnv("supervisor.token", "IPHONECLAW_SUPERVISOR_TOKEN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load secrets if Unmarshal didn't pick them up
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("IPHONECLAW_MODEL_API_KEY")
	}
	if cfg.Supervisor.Enabled && cfg.Supervisor.Token == "" {
		cfg.Supervisor.Token = os.Getenv("IPHONECLAW_SUPERVISOR_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.TailRounds <= 0 {
		return fmt.Errorf("agent.tail_rounds must be a positive integer")
	}
	if c.Agent.ParseErrorLimit <= 0 {
		return fmt.Errorf("agent.parse_error_limit must be a positive integer")
	}
	if c.Agent.RepeatActionLimit <= 0 {
		return fmt.Errorf("agent.repeat_action_limit must be a positive integer")
	}
	if c.Automation.CachePolicy != "evict" && c.Automation.CachePolicy != "reset" {
		return fmt.Errorf("automation.cache_policy must be %q or %q", "evict", "reset")
	}
	if c.Script.MaxDepth <= 0 {
		return fmt.Errorf("script.max_depth must be a positive integer")
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is a required configuration field")
	}
	if c.Supervisor.Enabled && c.Supervisor.Listen == "" {
		return fmt.Errorf("supervisor.listen is required when the supervisor is enabled")
	}
	return nil
}
