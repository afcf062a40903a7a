package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("PESTWATCH_AUTH_JWTSECRET", "test-secret")
	t.Setenv("PESTWATCH_REDIS_PORT", "6380")
	t.Setenv("PESTWATCH_DETECTION_EMPTYPOLICY", "sentinel")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "sentinel", cfg.Detection.EmptyPolicy)
	assert.Equal(t, 24*7, cfg.Auth.TokenTTLHours)
	assert.Equal(t, "qwen-plus", cfg.LLM.Model)
	assert.True(t, cfg.LLM.ReuseClient)
	assert.InDelta(t, 0.25, cfg.Inference.ConfidenceThreshold, 1e-9)
	assert.NotEmpty(t, cfg.LLM.SystemPrompt)
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("PESTWATCH_AUTH_JWTSECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwtSecret")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad policy", func(c *Config) { c.Detection.EmptyPolicy = "always" }, "emptyPolicy"},
		{"threshold above one", func(c *Config) { c.Inference.ConfidenceThreshold = 1.5 }, "confidenceThreshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Detection: DetectionConfig{EmptyPolicy: "skip"},
				Auth:      AuthConfig{JWTSecret: "s"},
				Inference: InferenceConfig{ConfidenceThreshold: 0.3},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
