package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/modelprovider"
)

// AIStepHandler calls the injected GenerateText collaborator. When the node
// declares an outputSchema, the system prompt is augmented with a JSON-mode
// directive and the response is parsed and field-checked against the
// schema; a parse or type mismatch is retryable so the executor's retry
// policy can re-invoke the model.
type AIStepHandler struct{}

func (AIStepHandler) Handle(ctx context.Context, hc *HandlerContext) (any, error) {
	data := hc.data()

	prompt, _ := hc.Resolver.ResolveConfig(stringField(data, "prompt")).(string)
	systemPrompt, _ := hc.Resolver.ResolveConfig(stringField(data, "systemPrompt")).(string)
	schema := mapField(data, "outputSchema")

	if schema != nil {
		systemPrompt = augmentWithJSONDirective(systemPrompt, schema)
	}

	messages := make([]modelprovider.Message, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, modelprovider.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, modelprovider.Message{Role: "user", Content: prompt})

	req := modelprovider.GenerateRequest{
		Model:       stringField(data, "model"),
		Temperature: floatField(data, "temperature", 0),
		MaxTokens:   intField(data, "maxTokens", 0),
		Messages:    messages,
	}
	if schema != nil {
		req.JSONSchema = schema
	}

	result, err := hc.Models.Generate(ctx, req)
	if err != nil {
		return nil, engineerrors.NewModelFailure("ai-step generation failed", err)
	}

	usage := map[string]any{
		"promptTokens":     result.Usage.PromptTokens,
		"completionTokens": result.Usage.CompletionTokens,
		"totalTokens":      result.Usage.TotalTokens,
	}

	if schema == nil {
		return map[string]any{"text": result.Text, "usage": usage}, nil
	}

	parsed, err := parseAndValidateJSON(result.Text, schema)
	if err != nil {
		return nil, engineerrors.NewModelFailure("ai-step JSON output failed validation", err)
	}
	parsed["usage"] = usage
	return parsed, nil
}

func augmentWithJSONDirective(systemPrompt string, schema map[string]any) string {
	directive := "Respond with valid JSON matching this shape, and nothing else."
	if b, err := json.Marshal(schema); err == nil {
		directive = fmt.Sprintf("%s Schema: %s", directive, string(b))
	}
	if systemPrompt == "" {
		return directive
	}
	return systemPrompt + "\n\n" + directive
}

// parseAndValidateJSON parses text as a JSON object and checks that every
// field named in schema's top-level "properties" is present and matches the
// declared "type" ("string", "number", "boolean", "object", "array").
func parseAndValidateJSON(text string, schema map[string]any) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}

	props, _ := schema["properties"].(map[string]any)
	for field, rawField := range props {
		fieldSchema, _ := rawField.(map[string]any)
		wantType, _ := fieldSchema["type"].(string)

		val, present := obj[field]
		if !present {
			return nil, fmt.Errorf("field %q missing from response", field)
		}
		if wantType == "" {
			continue
		}
		if !matchesJSONType(val, wantType) {
			return nil, fmt.Errorf("field %q has wrong type: want %s", field, wantType)
		}
	}
	return obj, nil
}

func matchesJSONType(v any, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	default:
		return true
	}
}
