package prompts

import (
	"strings"

	"github.com/fislearning/fischat/internal/domain"
)

// ============================================================================
// Narration Script Prompts
// ============================================================================

// scriptRules are shared by every category. The limits sit inside the
// script gate (50-350 words, at most 1500 characters) with headroom.
const scriptRules = `
Rules for the script:
- Write plain spoken sentences only. No headings, lists, markdown, emojis, stage directions or speaker labels.
- Aim for 120 to 200 words and never exceed 230 words or 1300 characters.
- Write in the same language as the document (for Arabic documents, use Modern Standard Arabic).
- Do not mention that you are reading a document or that you are an AI.
- Output the script text and nothing else.`

// ScriptSummarizePrompt asks for a short presenter-style summary.
const ScriptSummarizePrompt = `You are a scriptwriter for short talking-head explainer videos.
A presenter avatar will read your script aloud to a general audience.

Summarize the document that follows: open with one sentence stating what it is about,
cover its three to five most important points in order, and close with a one-sentence takeaway.` + scriptRules

// ScriptExplanationPrompt asks for a teaching-style walkthrough.
const ScriptExplanationPrompt = `You are a patient teacher writing the narration for a short educational video.
A presenter avatar will read your script aloud to a learner meeting the topic for the first time.

Explain the core idea of the document that follows: define any key term in simple words,
walk through the reasoning step by step, use one concrete everyday example,
and end by restating the idea in a single sentence.` + scriptRules

// ScriptUserPrefix introduces the source text in the user message.
const ScriptUserPrefix = "Document text:\n\n"

// ScriptPrompt returns the system prompt for a category.
// Unknown categories fall back to the summary prompt.
func ScriptPrompt(category domain.Category) string {
	if category == domain.CategoryExplanation {
		return ScriptExplanationPrompt
	}
	return ScriptSummarizePrompt
}

// ScriptUserMessage wraps extracted document text for the chat request.
func ScriptUserMessage(sourceText string) string {
	return ScriptUserPrefix + strings.TrimSpace(sourceText)
}
