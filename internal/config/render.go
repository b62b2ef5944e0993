package config

import (
	"fmt"
	"os"
	"time"
)

// RenderConfig groups the video render backends and the polling policy.
type RenderConfig struct {
	PollInterval time.Duration       `mapstructure:"poll_interval"`
	MaxPolls     int                 `mapstructure:"max_polls"`
	StageTimeout time.Duration       `mapstructure:"stage_timeout"` // deadline for the steps before polling
	Clips        RenderBackendConfig `mapstructure:"clips"`
	Expressives  RenderBackendConfig `mapstructure:"expressives"`
}

// RenderBackendConfig configures one D-ID style render API.
type RenderBackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`     // Basic auth credential, as issued
	APIKeyEnv      string        `mapstructure:"api_key_env"` // Environment variable name for API key
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxScriptChars int           `mapstructure:"max_script_chars"`
}

// ResolveEnvVars loads the API key from APIKeyEnv when no direct value is set.
func (c *RenderBackendConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
}

// Configured reports whether the backend can be called.
func (c *RenderBackendConfig) Configured() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// Validate checks polling bounds and per-backend limits.
func (c *RenderConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("render.poll_interval must be positive")
	}
	if c.MaxPolls <= 0 {
		return fmt.Errorf("render.max_polls must be positive")
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("render.stage_timeout must be positive")
	}
	for name, b := range map[string]RenderBackendConfig{"clips": c.Clips, "expressives": c.Expressives} {
		if b.MaxScriptChars <= 0 {
			return fmt.Errorf("render.%s.max_script_chars must be positive", name)
		}
	}
	return nil
}

// ScriptConfig configures the OpenAI-compatible chat endpoint used to write scripts.
type ScriptConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APIKeyEnv      string        `mapstructure:"api_key_env"`
	Referer        string        `mapstructure:"referer"`
	Title          string        `mapstructure:"title"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxSourceChars int           `mapstructure:"max_source_chars"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// ResolveEnvVars loads the API key from APIKeyEnv when no direct value is set.
func (c *ScriptConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
}

func (c *ScriptConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("script.base_url is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("script.max_retries must not be negative")
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("script.retry_base_delay must not be negative")
	}
	if c.MaxSourceChars <= 0 {
		return fmt.Errorf("script.max_source_chars must be positive")
	}
	return nil
}
