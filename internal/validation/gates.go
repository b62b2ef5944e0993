// Package validation holds the pure quality gates applied to extracted text
// and generated scripts. Nothing here performs I/O.
package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fislearning/fischat/internal/domain"
)

const (
	MinExtractedChars = 50
	MinReadableRatio  = 0.30
	MinScriptWords    = 50
	MaxScriptWords    = 350
	DefaultMaxChars   = 1500
	SpokenWordsPerMin = 150
	MinSpokenSeconds  = 20.0
	MaxSpokenSeconds  = 150.0
)

// Result is a gate verdict. Reason is empty when Valid.
type Result struct {
	Valid  bool
	Reason string
}

func invalid(format string, args ...interface{}) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// ValidateExtraction rejects empty, short or mostly unreadable text, such as
// the output of a scanned PDF without a text layer.
func ValidateExtraction(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return invalid("no text could be extracted from the document")
	}

	length := utf8.RuneCountInString(trimmed)
	if length < MinExtractedChars {
		return invalid("extracted text is too short (%d characters, minimum %d)", length, MinExtractedChars)
	}

	readable := 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			readable++
		}
	}
	if ratio := float64(readable) / float64(length); ratio < MinReadableRatio {
		return invalid("extracted text looks garbled (%.0f%% readable characters, minimum %.0f%%)",
			ratio*100, MinReadableRatio*100)
	}
	return Result{Valid: true}
}

// ScriptResult is the script gate verdict plus the measured stats.
type ScriptResult struct {
	Result
	Stats domain.ScriptStats
}

// ValidateScript checks word count, character ceiling and estimated spoken
// duration, in that order. maxChars <= 0 uses DefaultMaxChars.
func ValidateScript(script string, maxChars int) ScriptResult {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	trimmed := strings.TrimSpace(script)
	stats := ScriptStats(trimmed)
	out := ScriptResult{Stats: stats}

	switch {
	case stats.Words < MinScriptWords:
		out.Result = invalid("script is too short (%d words, minimum %d)", stats.Words, MinScriptWords)
	case stats.Words > MaxScriptWords:
		out.Result = invalid("script is too long (%d words, maximum %d)", stats.Words, MaxScriptWords)
	case stats.Characters > maxChars:
		out.Result = invalid("script exceeds the backend limit (%d characters, maximum %d)", stats.Characters, maxChars)
	case stats.EstimatedSeconds < MinSpokenSeconds || stats.EstimatedSeconds > MaxSpokenSeconds:
		out.Result = invalid("estimated narration of %.0fs is outside %.0fs-%.0fs",
			stats.EstimatedSeconds, MinSpokenSeconds, MaxSpokenSeconds)
	default:
		out.Result = Result{Valid: true}
	}
	return out
}

// ScriptStats measures a script at the speaking rate of SpokenWordsPerMin.
func ScriptStats(script string) domain.ScriptStats {
	trimmed := strings.TrimSpace(script)
	words := len(strings.Fields(trimmed))
	return domain.ScriptStats{
		Words:            words,
		Characters:       utf8.RuneCountInString(trimmed),
		EstimatedSeconds: float64(words) / SpokenWordsPerMin * 60,
	}
}
