package service

import (
	"context"

	"github.com/fislearning/fischat/internal/domain"
)

// TextExtractor turns an uploaded document into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, document []byte) (string, error)
}

// ScriptGenerator writes a narration script for the given source text.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, promptTemplate, sourceText, modelID string) (string, error)
}

// RenderState is the coarse state reported by a render backend.
type RenderState string

const (
	RenderPending RenderState = "pending"
	RenderDone    RenderState = "done"
	RenderError   RenderState = "error"
)

// RenderStatus is one poll result. ResultURL is set when State is RenderDone,
// Message when State is RenderError.
type RenderStatus struct {
	State     RenderState
	ResultURL string
	Message   string
}

// VideoRenderer submits a script for rendering and reports progress.
type VideoRenderer interface {
	Submit(ctx context.Context, script string, avatar domain.AvatarConfig) (string, error)
	PollStatus(ctx context.Context, renderJobID string) (RenderStatus, error)
}
