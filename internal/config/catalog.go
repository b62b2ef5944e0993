package config

import "fmt"

// AvatarsConfig maps request avatar keys to backend identifiers.
// Unknown keys fall back to DefaultKey.
type AvatarsConfig struct {
	DefaultKey string                  `mapstructure:"default_key"`
	Items      map[string]AvatarConfig `mapstructure:"items"`
}

type AvatarConfig struct {
	PresenterID string `mapstructure:"presenter_id"` // clips
	AvatarID    string `mapstructure:"avatar_id"`    // expressives
	SentimentID string `mapstructure:"sentiment_id"` // expressives default sentiment
	VoiceID     string `mapstructure:"voice_id"`
}

func (c *AvatarsConfig) Validate() error {
	if _, ok := c.Items[c.DefaultKey]; !ok {
		return fmt.Errorf("avatars.default_key %q is not in avatars.items", c.DefaultKey)
	}
	return nil
}

// ModelConfig is one entry of the script model catalog.
type ModelConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Cost string `mapstructure:"cost"` // free or paid
}

// DefaultModels is the catalog used when none is configured.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{ID: "meta-llama/llama-3.3-70b-instruct:free", Name: "Llama 3.3 70B", Cost: "free"},
		{ID: "google/gemini-2.0-flash-exp:free", Name: "Gemini 2.0 Flash", Cost: "free"},
		{ID: "deepseek/deepseek-chat-v3-0324:free", Name: "DeepSeek V3", Cost: "free"},
		{ID: "openai/gpt-4o-mini", Name: "GPT-4o mini", Cost: "paid"},
		{ID: "anthropic/claude-3.5-haiku", Name: "Claude 3.5 Haiku", Cost: "paid"},
	}
}

// DefaultAvatars is the avatar set used when none is configured.
func DefaultAvatars() AvatarsConfig {
	return AvatarsConfig{
		DefaultKey: "amy",
		Items: map[string]AvatarConfig{
			"amy": {
				PresenterID: "amy-jcwCkr1grs",
				AvatarID:    "public_amy",
				SentimentID: "neutral",
				VoiceID:     "en-US-JennyNeural",
			},
			"william": {
				PresenterID: "william-H_2NPTw8UQ",
				AvatarID:    "public_william",
				SentimentID: "neutral",
				VoiceID:     "en-US-GuyNeural",
			},
		},
	}
}
