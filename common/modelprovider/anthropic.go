package modelprovider

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements GenerateText over the real Anthropic API.
type AnthropicProvider struct {
	apiKey    string
	modelName string
}

// NewAnthropicProvider builds a provider for the given model; an empty
// modelName uses the engine's default model.
func NewAnthropicProvider(apiKey, modelName string) *AnthropicProvider {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicProvider{apiKey: apiKey, modelName: modelName}
}

// Generate sends req to Claude and flattens the response into a
// GenerateResult.
func (p *AnthropicProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if p.apiKey == "" {
		return GenerateResult{}, errors.New("modelprovider: ANTHROPIC_API_KEY is required")
	}
	if ctx.Err() != nil {
		return GenerateResult{}, ctx.Err()
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(p.apiKey))

	systemPrompt, conversation := extractSystemPrompt(req.Messages)

	model := p.modelName
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := int64(4096)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  convertMessages(conversation),
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(req.Temperature)
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("modelprovider: anthropic api error: %w", err)
	}

	return convertResponse(resp), nil
}

func extractSystemPrompt(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func convertMessages(messages []Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, len(messages))
	for i, m := range messages {
		switch m.Role {
		case "assistant":
			out[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content))
		default:
			out[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content))
		}
	}
	return out
}

func convertTools(tools []ToolSpec) []anthropicsdk.ToolUnionParam {
	out := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, t := range tools {
		var properties any
		var required []string
		if t.Schema != nil {
			if props, ok := t.Schema["properties"]; ok {
				properties = props
			}
			if req, ok := t.Schema["required"].([]string); ok {
				required = req
			}
		}
		schema := anthropicsdk.ToolInputSchemaParam{Properties: properties}
		if required != nil {
			schema.ExtraFields = map[string]interface{}{"required": required}
		}
		out[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: schema,
			},
		}
	}
	return out
}

func convertToolInput(input any) map[string]any {
	if input == nil {
		return nil
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	return map[string]any{"_raw": input}
}

func convertResponse(resp *anthropicsdk.Message) GenerateResult {
	var out GenerateResult
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		case anthropicsdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{Name: b.Name, Input: convertToolInput(b.Input)})
		}
	}
	out.Usage = Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	return out
}
