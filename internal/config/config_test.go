package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "gpt-4o-mini", cfg.Models.Default)
	assert.Equal(t, 1024, cfg.Inference.MaxOutputTokens)
	assert.True(t, cfg.Moderation.Enabled)
	assert.Equal(t, "flag", cfg.Moderation.DefaultAction)
	assert.Equal(t, 8, cfg.Memory.PromotionInterval)
	assert.NoError(t, cfg.Validate())
}

func TestMaxPromptTokens(t *testing.T) {
	tests := []struct {
		name            string
		maxOutputTokens int
		want            int
	}{
		{"small output cap scales up", 256, 1024},
		{"default cap hits the ceiling", 1024, 4096},
		{"large cap is clamped", 4096, 6000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Inference.MaxOutputTokens = tt.maxOutputTokens
			assert.Equal(t, tt.want, cfg.MaxPromptTokens())
		})
	}
}

func TestLoadFromPathCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.Models.Default)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config file should be written")
}

func TestLoadFromPathReadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
models:
  default: custom-small
  mid_tier: custom-mid
  advanced: custom-big
  vision: custom-vision
  fallback: custom-small
inference:
  endpoint: http://localhost:8080/v1
  temperature: 0.3
  max_output_tokens: 2048
  timeout_sec: 60
moderation:
  enabled: false
  default_action: allow
memory:
  enabled: true
  promotion_interval: 4
search:
  enabled: false
  default_provider: duckduckgo
sandbox:
  enabled: false
  timeout_sec: 3
storage:
  data_dir: /tmp/ashley-test
  persona_dir: /tmp/ashley-test/personas
usage:
  monthly_soft_cap_usd: 25
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-small", cfg.Models.Default)
	assert.Equal(t, "custom-big", cfg.Models.Advanced)
	assert.Equal(t, "http://localhost:8080/v1", cfg.Inference.Endpoint)
	assert.False(t, cfg.Moderation.Enabled)
	assert.Equal(t, 4, cfg.Memory.PromotionInterval)
	assert.Equal(t, 25.0, cfg.Usage.MonthlySoftCapUSD)
}

func TestLoadFromPathEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	// The key must appear in the file for the env override to bind to it.
	cfg := Default()
	cfg.Inference.APIKey = "sk-from-file"
	require.NoError(t, cfg.SaveToPath(path))
	t.Setenv("ASHLEY_INFERENCE_API_KEY", "sk-from-env")

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", loaded.Inference.APIKey)
}

func TestSaveToPathRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Models.Default = "saved-model"
	cfg.Moderation.Categories = map[string]string{"hate": "block"}
	require.NoError(t, cfg.SaveToPath(path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "saved-model", loaded.Models.Default)
	assert.Equal(t, "block", loaded.Moderation.Categories["hate"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty default model", func(c *Config) { c.Models.Default = "" }, "models.default"},
		{"missing tier", func(c *Config) { c.Models.Vision = "" }, "models catalog"},
		{"blank persona model", func(c *Config) { c.Models.PersonaModels = map[string]string{"tutor": " "} }, "persona_models"},
		{"bad default action", func(c *Config) { c.Moderation.DefaultAction = "reject" }, "default_action"},
		{"bad category action", func(c *Config) { c.Moderation.Categories = map[string]string{"hate": "nuke"} }, "category"},
		{"zero output tokens", func(c *Config) { c.Inference.MaxOutputTokens = 0 }, "max_output_tokens"},
		{"temperature out of range", func(c *Config) { c.Inference.Temperature = 3 }, "temperature"},
		{"zero promotion interval", func(c *Config) { c.Memory.PromotionInterval = 0 }, "promotion_interval"},
		{"zero sandbox timeout", func(c *Config) { c.Sandbox.TimeoutSec = 0 }, "timeout_sec"},
		{"negative soft cap", func(c *Config) { c.Usage.MonthlySoftCapUSD = -1 }, "soft_cap"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("monitor is accepted as an action alias", func(t *testing.T) {
		cfg := Default()
		cfg.Moderation.Categories = map[string]string{"political": "monitor"}
		assert.NoError(t, cfg.Validate())
	})
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.PersonaDir = filepath.Join(dir, "data", "personas")
	cfg.Logging.File = filepath.Join(dir, "logs", "ashley.log")

	require.NoError(t, cfg.EnsureDirectories())
	for _, want := range []string{cfg.Storage.DataDir, cfg.Storage.PersonaDir, filepath.Dir(cfg.Logging.File)} {
		info, err := os.Stat(want)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
