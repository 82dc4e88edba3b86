// Package summarize condenses sets of memories into short summaries,
// either through Claude or a local extractive fallback.
package summarize

import (
	"context"
	"strings"

	"github.com/becomeliminal/memoryd/internal/model"
)

// Summarizer condenses memories into a single summary string.
type Summarizer interface {
	Summarize(ctx context.Context, memories []model.MemoryEntry) (string, error)
}

// Extractive is a model-free fallback: it keeps the first sentence of
// each memory, newest last, capped to a budget.
type Extractive struct {
	// MaxChars caps the output; defaults to 1000.
	MaxChars int
}

// Summarize joins leading sentences of the given memories.
func (e *Extractive) Summarize(_ context.Context, memories []model.MemoryEntry) (string, error) {
	maxChars := e.MaxChars
	if maxChars <= 0 {
		maxChars = 1000
	}

	var b strings.Builder
	for i := len(memories) - 1; i >= 0; i-- {
		sentence := firstSentence(memories[i].Content.Text)
		if sentence == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sentence)
		if b.Len() >= maxChars {
			break
		}
	}

	out := b.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out, nil
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
		if r == '\n' {
			return text[:i]
		}
	}
	return text
}
