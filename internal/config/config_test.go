// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "iphoneclaw", cfg.Logger.ServiceName)
	assert.Equal(t, "ui-tars", cfg.Model.Name)
	assert.Equal(t, 120*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 50, cfg.Agent.MaxSteps)
	assert.Equal(t, 5, cfg.Agent.TailRounds)
	assert.True(t, cfg.Agent.HangOnCallUser)
	assert.False(t, cfg.Agent.HangOnFinished)
	assert.False(t, cfg.Agent.ActivityPause)
	assert.True(t, cfg.Automation.CacheEnabled)
	assert.Equal(t, "evict", cfg.Automation.CachePolicy)
	assert.Equal(t, 5, cfg.Script.MaxDepth)
	assert.False(t, cfg.Supervisor.Enabled)
	assert.Equal(t, "runs", cfg.Record.Dir)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	base := NewDefaultConfig()
	require.NoError(t, base.Validate(), "defaults must validate")

	t.Run("max steps", func(t *testing.T) {
		cfg := *base
		cfg.Agent.MaxSteps = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.max_steps")
	})

	t.Run("cache policy", func(t *testing.T) {
		cfg := *base
		cfg.Automation.CachePolicy = "forget"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "automation.cache_policy")
	})

	t.Run("script depth", func(t *testing.T) {
		cfg := *base
		cfg.Script.MaxDepth = -1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "script.max_depth")
	})

	t.Run("model base url", func(t *testing.T) {
		cfg := *base
		cfg.Model.BaseURL = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model.base_url")
	})

	t.Run("supervisor listen", func(t *testing.T) {
		cfg := *base
		cfg.Supervisor.Enabled = true
		cfg.Supervisor.Listen = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "supervisor.listen")
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")

	yaml := []byte(`
model:
  name: custom-model
  timeout: 45s
agent:
  max_steps: 7
automation:
  cache_policy: reset
`)
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yaml)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", cfg.Model.Name)
	assert.Equal(t, 45*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 7, cfg.Agent.MaxSteps)
	assert.Equal(t, "reset", cfg.Automation.CachePolicy)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Agent.TailRounds)
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("agent.max_steps", 0)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv("IPHONECLAW_MODEL_API_KEY", "sk-test-123")

	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Model.APIKey)
}
