package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the Ashley assistant core.
// It is loaded from ~/.ashley/config.yaml and can be overridden by environment
// variables with the ASHLEY_ prefix.
type Config struct {
	Models     ModelsConfig     `mapstructure:"models" yaml:"models"`
	Inference  InferenceConfig  `mapstructure:"inference" yaml:"inference"`
	Moderation ModerationConfig `mapstructure:"moderation" yaml:"moderation"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Search     SearchConfig     `mapstructure:"search" yaml:"search"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox" yaml:"sandbox"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Usage      UsageConfig      `mapstructure:"usage" yaml:"usage"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// ModelsConfig is the routing tier catalog plus persona-forced assignments.
type ModelsConfig struct {
	// Default is the baseline model for short, non-technical turns
	Default string `mapstructure:"default" yaml:"default"`
	// MidTier handles long inputs and long conversation histories
	MidTier string `mapstructure:"mid_tier" yaml:"mid_tier"`
	// Advanced is the highest-capability model, used for technical content
	Advanced string `mapstructure:"advanced" yaml:"advanced"`
	// Vision handles turns with image attachments
	Vision string `mapstructure:"vision" yaml:"vision"`
	// Fallback is used when the chosen model is unavailable
	Fallback string `mapstructure:"fallback" yaml:"fallback"`
	// PersonaModels maps persona id to a forced model for that persona
	PersonaModels map[string]string `mapstructure:"persona_models" yaml:"persona_models,omitempty"`
}

// InferenceConfig configures the inference backend and default generation
// parameters applied to new sessions.
type InferenceConfig struct {
	// Endpoint is the OpenAI-compatible API base URL
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// APIKey authenticates against the inference backend
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Temperature is the default sampling temperature for new sessions
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	// MaxOutputTokens caps completion length per turn
	MaxOutputTokens int `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	// TimeoutSec bounds each HTTP call to the backend
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// ModerationConfig seeds the moderation policy. The live policy is persisted
// separately and may be mutated at runtime; these values apply on first run.
type ModerationConfig struct {
	// Enabled gates whether new sessions run the moderation check
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// DefaultAction applies to flagged categories with no explicit entry
	// ("allow", "flag", or "block")
	DefaultAction string `mapstructure:"default_action" yaml:"default_action"`
	// Categories maps category name to its configured action
	Categories map[string]string `mapstructure:"categories" yaml:"categories,omitempty"`
}

// MemoryConfig controls the two-tier conversational memory.
type MemoryConfig struct {
	// Enabled gates memory for new sessions
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// PromotionInterval promotes an assistant summary to long-term memory
	// every Nth turn
	PromotionInterval int `mapstructure:"promotion_interval" yaml:"promotion_interval"`
}

// SearchConfig configures the web search collaborator.
type SearchConfig struct {
	// Enabled gates the search tool entirely
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// TavilyAPIKey enables the Tavily provider when set
	TavilyAPIKey string `mapstructure:"tavily_api_key" yaml:"tavily_api_key,omitempty"`
	// DefaultProvider is the provider used when a session asks for "auto"
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`
}

// SandboxConfig configures the code execution collaborator.
type SandboxConfig struct {
	// Enabled gates the code tool entirely
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// TimeoutSec is the hard wall-clock limit per execution
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// StorageConfig locates on-disk state.
type StorageConfig struct {
	// DataDir holds the session database, usage ledger, and audit log
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// PersonaDir holds the persona registry and prompt files
	PersonaDir string `mapstructure:"persona_dir" yaml:"persona_dir"`
}

// UsageConfig controls process-wide usage accounting.
type UsageConfig struct {
	// MonthlySoftCapUSD surfaces an alert when a month's spend crosses it;
	// zero disables the cap. Alerts never block turns.
	MonthlySoftCapUSD float64 `mapstructure:"monthly_soft_cap_usd" yaml:"monthly_soft_cap_usd"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file; empty logs to stderr
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// MaxPromptTokens is the prompt budget derived from the output cap: four
// input tokens per output token, clamped to an absolute ceiling.
func (c *Config) MaxPromptTokens() int {
	budget := c.Inference.MaxOutputTokens * 4
	if budget > 6000 {
		budget = 6000
	}
	return budget
}

// Default returns the configuration used when no config file exists yet.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".ashley")
	return &Config{
		Models: ModelsConfig{
			Default:  "gpt-4o-mini",
			MidTier:  "gpt-4o",
			Advanced: "gpt-5",
			Vision:   "gpt-4o",
			Fallback: "gpt-3.5-turbo",
		},
		Inference: InferenceConfig{
			Endpoint:        "https://api.openai.com/v1",
			Temperature:     0.7,
			MaxOutputTokens: 1024,
			TimeoutSec:      120,
		},
		Moderation: ModerationConfig{
			Enabled:       true,
			DefaultAction: "flag",
		},
		Memory: MemoryConfig{
			Enabled:           true,
			PromotionInterval: 8,
		},
		Search: SearchConfig{
			Enabled:         true,
			DefaultProvider: "auto",
		},
		Sandbox: SandboxConfig{
			Enabled:    true,
			TimeoutSec: 5,
		},
		Storage: StorageConfig{
			DataDir:    dataDir,
			PersonaDir: filepath.Join(dataDir, "personas"),
		},
		Usage: UsageConfig{},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "ashley.log"),
		},
	}
}

// Load reads configuration from the default location (~/.ashley/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".ashley", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: ASHLEY_INFERENCE_API_KEY
	v.SetEnvPrefix("ASHLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Storage.PersonaDir = expandPath(cfg.Storage.PersonaDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// EnsureDirectories creates the on-disk layout the core expects.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir, c.Storage.PersonaDir}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Models.Default == "" {
		return fmt.Errorf("models.default cannot be empty")
	}
	if c.Models.MidTier == "" || c.Models.Advanced == "" || c.Models.Vision == "" {
		return fmt.Errorf("models catalog requires mid_tier, advanced, and vision entries")
	}
	for persona, model := range c.Models.PersonaModels {
		if strings.TrimSpace(persona) == "" || strings.TrimSpace(model) == "" {
			return fmt.Errorf("persona_models entries must have non-empty persona and model")
		}
	}

	validActions := map[string]bool{"allow": true, "flag": true, "monitor": true, "block": true}
	if !validActions[c.Moderation.DefaultAction] {
		return fmt.Errorf("invalid moderation default_action '%s', must be one of: allow, flag, block", c.Moderation.DefaultAction)
	}
	for category, action := range c.Moderation.Categories {
		if !validActions[action] {
			return fmt.Errorf("invalid action '%s' for moderation category '%s'", action, category)
		}
	}

	if c.Inference.MaxOutputTokens <= 0 {
		return fmt.Errorf("inference.max_output_tokens must be positive")
	}
	if c.Inference.Temperature < 0 || c.Inference.Temperature > 2 {
		return fmt.Errorf("inference.temperature must be between 0 and 2")
	}
	if c.Memory.PromotionInterval <= 0 {
		return fmt.Errorf("memory.promotion_interval must be positive")
	}
	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive")
	}
	if c.Usage.MonthlySoftCapUSD < 0 {
		return fmt.Errorf("usage.monthly_soft_cap_usd cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
