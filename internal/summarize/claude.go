package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/memoryd/internal/model"
)

const summarySystemPrompt = `You summarize an agent's session memory.
Given a list of memory entries, produce a concise summary (3-5 sentences)
capturing decisions made, facts learned, and open items. Output only the
summary text.`

// Claude summarizes sessions through the Anthropic Messages API.
type Claude struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewClaude builds a Claude summarizer. model defaults to
// claude-sonnet-4-20250514.
func NewClaude(client *anthropic.Client, model string) *Claude {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Claude{client: client, model: model, maxTokens: 1024}
}

// Summarize sends the memories to Claude and returns the text response.
func (c *Claude) Summarize(ctx context.Context, memories []model.MemoryEntry) (string, error) {
	if len(memories) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, mem := range memories {
		fmt.Fprintf(&b, "[%s] %s\n", mem.MemoryType, mem.Content.Text)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(b.String())),
		},
		System: []anthropic.TextBlockParam{
			{Text: summarySystemPrompt},
		},
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude summarize: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return strings.TrimSpace(text), nil
}
