package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/workflows/common/engineerrors"
)

// WebhookHandler issues an outbound HTTP request: resolve the config,
// build the request, execute, parse the response body as JSON falling back
// to a raw string. Every candidate URL passes through the injected SSRF
// guard before the request is ever attempted, and the call itself runs
// through the breaker registry per destination.
type WebhookHandler struct{}

func (WebhookHandler) Handle(ctx context.Context, hc *HandlerContext) (any, error) {
	data := hc.data()

	url, _ := hc.Resolver.ResolveConfig(stringField(data, "url")).(string)
	if url == "" {
		return nil, engineerrors.NewValidation("webhook node missing url")
	}

	method := stringField(data, "method")
	if method == "" {
		method = http.MethodGet
	}

	headers, _ := hc.Resolver.ResolveConfig(mapField(data, "headers")).(map[string]any)
	bodyVal := hc.Resolver.ResolveConfig(mapField(data, "body"))
	allowNon2xx := boolField(data, "allowNon2xx")

	if err := hc.URLGuard.Validate(url); err != nil {
		return nil, engineerrors.NewValidation("webhook url rejected: " + err.Error())
	}

	var bodyBytes []byte
	if bodyVal != nil {
		b, err := json.Marshal(bodyVal)
		if err != nil {
			return nil, engineerrors.NewValidation("webhook body is not JSON-serializable: " + err.Error())
		}
		bodyBytes = b
	}

	raw, err := hc.Breakers.Do(ctx, "webhook:"+url, func(ctx context.Context) (any, error) {
		return doWebhookRequest(ctx, hc.WebhookRequestTimeout, method, url, headers, bodyBytes)
	})
	if err != nil {
		return nil, engineerrors.NewToolFailure("webhook request failed", err)
	}

	result := raw.(map[string]any)
	if !allowNon2xx {
		if status, ok := result["status"].(int); ok && (status < 200 || status >= 300) {
			return nil, engineerrors.NewToolFailure(fmt.Sprintf("webhook returned non-2xx status %d", status), nil)
		}
	}
	return result, nil
}

func doWebhookRequest(ctx context.Context, timeout time.Duration, method, url string, headers map[string]any, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "workflows-engine/1.0")
	for k, v := range headers {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = string(respBody)
	}

	return map[string]any{
		"status":  resp.StatusCode,
		"headers": resp.Header,
		"body":    parsed,
	}, nil
}
