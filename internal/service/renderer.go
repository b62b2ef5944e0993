package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fislearning/fischat/internal/domain"
)

// RendererConfig configures a D-ID style render API.
type RendererConfig struct {
	BaseURL string
	APIKey  string // sent as "Authorization: Basic <APIKey>", the format the API issues keys in
	Timeout time.Duration
}

func newRenderClient(cfg *RendererConfig) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	client.SetHeader("Authorization", "Basic "+cfg.APIKey)
	return client
}

type renderScript struct {
	Type     string          `json:"type"`
	Input    string          `json:"input"`
	Provider *renderProvider `json:"provider,omitempty"`
}

type renderProvider struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

func newRenderScript(script, voiceID string) renderScript {
	rs := renderScript{Type: "text", Input: script}
	if voiceID != "" {
		rs.Provider = &renderProvider{Type: "microsoft", VoiceID: voiceID}
	}
	return rs
}

type renderCreated struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type renderJob struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

type renderAPIError struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (e renderAPIError) String() string {
	switch {
	case e.Description != "":
		return e.Description
	case e.Message != "":
		return e.Message
	default:
		return e.Kind
	}
}

// toRenderStatus maps a provider status onto the pipeline's three states.
func toRenderStatus(job renderJob) RenderStatus {
	switch strings.ToLower(job.Status) {
	case "done":
		if job.ResultURL == "" {
			return RenderStatus{State: RenderError, Message: "render finished without a result url"}
		}
		return RenderStatus{State: RenderDone, ResultURL: job.ResultURL}
	case "error", "rejected":
		msg := job.Status
		if job.Error != nil {
			if job.Error.Description != "" {
				msg = job.Error.Description
			} else if job.Error.Kind != "" {
				msg = job.Error.Kind
			}
		}
		return RenderStatus{State: RenderError, Message: msg}
	default:
		return RenderStatus{State: RenderPending}
	}
}

// didRenderer carries the HTTP plumbing shared by both backends.
type didRenderer struct {
	name     string
	client   *resty.Client
	resource string
}

func (r *didRenderer) create(ctx context.Context, body any) (string, error) {
	var created renderCreated
	var apiErr renderAPIError
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&created).
		SetError(&apiErr).
		Post("/" + r.resource)
	if err != nil {
		return "", fmt.Errorf("call %s API: %w", r.name, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%s API returned HTTP %d: %s", r.name, resp.StatusCode(), apiErr)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%s API returned no render id", r.name)
	}
	return created.ID, nil
}

func (r *didRenderer) status(ctx context.Context, renderJobID string) (RenderStatus, error) {
	var job renderJob
	var apiErr renderAPIError
	resp, err := r.client.R().
		SetContext(ctx).
		SetResult(&job).
		SetError(&apiErr).
		Get("/" + r.resource + "/" + url.PathEscape(renderJobID))
	if err != nil {
		return RenderStatus{}, fmt.Errorf("call %s API: %w", r.name, err)
	}
	if resp.IsError() {
		return RenderStatus{}, fmt.Errorf("%s API returned HTTP %d: %s", r.name, resp.StatusCode(), apiErr)
	}
	return toRenderStatus(job), nil
}

// ClipsRenderer renders through the presenter-based clips API.
type ClipsRenderer struct {
	api *didRenderer
}

func NewClipsRenderer(cfg *RendererConfig) *ClipsRenderer {
	return &ClipsRenderer{api: &didRenderer{name: "clips", client: newRenderClient(cfg), resource: "clips"}}
}

type clipsRequest struct {
	PresenterID string       `json:"presenter_id"`
	Script      renderScript `json:"script"`
	Config      struct {
		ResultFormat string `json:"result_format"`
	} `json:"config"`
}

// Submit requests a clip for the avatar's presenter.
func (r *ClipsRenderer) Submit(ctx context.Context, script string, avatar domain.AvatarConfig) (string, error) {
	if avatar.PresenterID == "" {
		return "", fmt.Errorf("avatar %q has no presenter id", avatar.Key)
	}
	req := clipsRequest{
		PresenterID: avatar.PresenterID,
		Script:      newRenderScript(script, avatar.VoiceID),
	}
	req.Config.ResultFormat = "mp4"
	return r.api.create(ctx, req)
}

// PollStatus fetches the clip state.
func (r *ClipsRenderer) PollStatus(ctx context.Context, renderJobID string) (RenderStatus, error) {
	return r.api.status(ctx, renderJobID)
}

// ExpressivesRenderer renders through the scene-based expressive avatars API.
type ExpressivesRenderer struct {
	api *didRenderer
}

func NewExpressivesRenderer(cfg *RendererConfig) *ExpressivesRenderer {
	return &ExpressivesRenderer{api: &didRenderer{name: "expressives", client: newRenderClient(cfg), resource: "scenes"}}
}

type scenesRequest struct {
	AvatarID    string       `json:"avatar_id"`
	SentimentID string       `json:"sentiment_id,omitempty"`
	Script      renderScript `json:"script"`
}

// Submit requests a scene for the avatar with its sentiment.
func (r *ExpressivesRenderer) Submit(ctx context.Context, script string, avatar domain.AvatarConfig) (string, error) {
	if avatar.AvatarID == "" {
		return "", fmt.Errorf("avatar %q has no expressive avatar id", avatar.Key)
	}
	return r.api.create(ctx, scenesRequest{
		AvatarID:    avatar.AvatarID,
		SentimentID: avatar.SentimentID,
		Script:      newRenderScript(script, avatar.VoiceID),
	})
}

// PollStatus fetches the scene state.
func (r *ExpressivesRenderer) PollStatus(ctx context.Context, renderJobID string) (RenderStatus, error) {
	return r.api.status(ctx, renderJobID)
}
