package summarize

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/memoryd/internal/model"
)

func mem(text string) model.MemoryEntry {
	return model.MemoryEntry{Content: model.Content{Text: text}}
}

func TestExtractiveKeepsFirstSentences(t *testing.T) {
	e := &Extractive{}
	// Store order is newest first; the summary reads oldest to newest.
	out, err := e.Summarize(context.Background(), []model.MemoryEntry{
		mem("Decided on the blue theme. Rationale follows."),
		mem("User asked about themes? Then changed topic."),
	})
	require.NoError(t, err)
	assert.Equal(t, "User asked about themes? Decided on the blue theme.", out)
}

func TestExtractiveNewlineBoundsSentence(t *testing.T) {
	e := &Extractive{}
	out, err := e.Summarize(context.Background(), []model.MemoryEntry{
		mem("heading without punctuation\nbody continues here"),
	})
	require.NoError(t, err)
	assert.Equal(t, "heading without punctuation", out)
}

func TestExtractiveSkipsEmptyMemories(t *testing.T) {
	e := &Extractive{}
	out, err := e.Summarize(context.Background(), []model.MemoryEntry{
		mem("   "),
		mem("Only real content."),
		mem(""),
	})
	require.NoError(t, err)
	assert.Equal(t, "Only real content.", out)
}

func TestExtractiveCapsOutput(t *testing.T) {
	e := &Extractive{MaxChars: 20}
	out, err := e.Summarize(context.Background(), []model.MemoryEntry{
		mem("Second sentence that will not fit."),
		mem("First sentence here."),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 20)
	assert.True(t, strings.HasPrefix(out, "First sentence here."[:20]))
}

func TestExtractiveEmptyInput(t *testing.T) {
	e := &Extractive{}
	out, err := e.Summarize(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
