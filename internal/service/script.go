package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"github.com/fislearning/fischat/internal/prompts"
	"github.com/fislearning/fischat/internal/retry"
)

// ErrEmptyScript is returned when the model answers with no text.
var ErrEmptyScript = errors.New("model returned an empty script")

// ScriptService writes narration scripts through an OpenAI-compatible
// chat completion endpoint such as OpenRouter.
type ScriptService struct {
	client      *resty.Client
	endpoint    string
	maxTokens   int
	temperature float64
}

// ScriptServiceConfig holds configuration for ScriptService.
type ScriptServiceConfig struct {
	BaseURL     string
	APIKey      string
	Referer     string // sent as HTTP-Referer for OpenRouter attribution
	Title       string // sent as X-Title
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// NewScriptService creates a new script generation client.
// Parameters:
//   - cfg: endpoint, credentials and sampling settings.
// Returns:
//   - *ScriptService: initialized client.
func NewScriptService(cfg *ScriptServiceConfig) *ScriptService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.Referer != "" {
		client.SetHeader("HTTP-Referer", cfg.Referer)
	}
	if cfg.Title != "" {
		client.SetHeader("X-Title", cfg.Title)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 800
	}

	return &ScriptService{
		client:      client,
		endpoint:    baseURL + "/chat/completions",
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// GenerateScript asks modelID for a script. Rate limiting and server errors
// are returned as retryable; other client errors and empty answers are
// marked permanent with retry.Permanent.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - promptTemplate: system prompt for the category.
//   - sourceText: extracted document text.
//   - modelID: catalog model id.
// Returns:
//   - string: trimmed script text.
//   - error: non-nil if the call fails or the answer is empty.
func (s *ScriptService) GenerateScript(ctx context.Context, promptTemplate, sourceText, modelID string) (string, error) {
	req := chatRequest{
		Model: modelID,
		Messages: []chatMessage{
			{Role: "system", Content: promptTemplate},
			{Role: "user", Content: prompts.ScriptUserMessage(sourceText)},
		},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}

	var resp chatResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("call chat completion API: %w", err)
	}

	if status := httpResp.StatusCode(); status < 200 || status >= 300 {
		msg := strings.TrimSpace(string(httpResp.Body()))
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		apiErr := fmt.Errorf("chat completion API returned HTTP %d: %s", status, truncate(msg, 300))
		if status == http.StatusTooManyRequests || status >= 500 {
			return "", apiErr
		}
		return "", retry.Permanent(apiErr)
	}

	if resp.Error != nil {
		return "", fmt.Errorf("chat completion API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion API returned no choices")
	}

	script := strings.TrimSpace(resp.Choices[0].Message.Content)
	if script == "" {
		return "", retry.Permanent(ErrEmptyScript)
	}
	return script, nil
}

// truncate cuts s to max runes and marks the cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return truncateRunes(s, max) + "..."
}
