// Package turnclassifier provides an optional LLM-based heuristic for
// deciding whether an agent's turn has ended, for tools whose output has no
// structured end-of-turn marker (the `custom` tool, driven through the
// generic ANSI parser). It is never required: callers that don't configure a
// Classifier fall back to the generic parser's blank-line/EOF heuristic.
package turnclassifier

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are watching the terminal output of a coding agent. " +
	"Given the most recent output, answer with exactly one word: " +
	"DONE if the agent has finished its turn and is waiting for new input, " +
	"or WORKING if it is still producing output. No other text."

// Classifier asks a chat-completion model whether a transcript tail
// represents a finished agent turn.
type Classifier struct {
	client *openai.Client
	model  string
}

// New constructs a Classifier against the standard OpenAI API using apiKey.
// model is typically a small, fast model since this is called on a tight
// polling loop.
func New(apiKey, model string) *Classifier {
	return &Classifier{client: openai.NewClient(apiKey), model: model}
}

// IsTurnComplete reports whether tailText — the most recent slice of an
// agent's raw output — reads like the end of a turn.
func (c *Classifier) IsTurnComplete(ctx context.Context, tailText string) (bool, error) {
	if strings.TrimSpace(tailText) == "" {
		return false, nil
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: tailText},
		},
		Temperature: 0,
		MaxTokens:   4,
	})
	if err != nil {
		return false, fmt.Errorf("turnclassifier: classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("turnclassifier: empty response")
	}
	verdict := strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))
	return strings.HasPrefix(verdict, "DONE"), nil
}
