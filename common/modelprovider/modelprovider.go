// Package modelprovider defines the GenerateText collaborator the ai-step
// node handler calls against, plus a production adapter over
// anthropics/anthropic-sdk-go and a deterministic fake for tests.
package modelprovider

import (
	"context"
)

// Message is one turn in a chat-style prompt.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// ToolSpec describes one tool the model may call, in the shape ai-step
// nodes declare it.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is one tool invocation the model requested instead of (or in
// addition to) text output.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// GenerateRequest is the input to GenerateText. Model, Temperature, and
// MaxTokens correspond directly to the ai-step node config fields of the
// same names, so per-node settings override any provider-level default.
type GenerateRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int

	Messages []Message
	Tools    []ToolSpec
	// JSONSchema, if set, requires the model's text response to validate
	// against it (ai-step's JSON-mode output contract).
	JSONSchema map[string]any
}

// Usage reports the token accounting for one Generate call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateResult is the output of GenerateText.
type GenerateResult struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// GenerateText is the collaborator interface ai-step nodes depend on. The
// engine never imports a concrete model SDK directly — only this
// interface — so the production Anthropic adapter and the test fake are
// interchangeable.
type GenerateText interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}
