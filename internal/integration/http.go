package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tenantry/loom/pkg/schema"
)

const defaultCallTimeout = 10 * time.Second

// NewHTTPConnector returns an Executor that posts the call input as JSON to
// the endpoint declared in the bound integration's definition. Resolved
// secrets become request headers; the "token" key is sent as a bearer
// Authorization header, any other key verbatim. Responses with status 429
// or 5xx produce retryable errors so the guard's retry policy applies.
func NewHTTPConnector(client *http.Client) Executor {
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	return func(ctx context.Context, binding schema.ResolvedIntegration, secrets map[string]string, input map[string]any) (map[string]any, error) {
		endpoint, _ := binding.Spec.Definition["endpoint"].(string)
		if endpoint == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"integration %q declares no endpoint", binding.Spec.Meta.Key)
		}

		if input == nil {
			input = map[string]any{}
		}
		body, err := json.Marshal(input)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeIntegration, "marshal call input").WithCause(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeIntegration, "build call request").WithCause(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for key, value := range secrets {
			if key == "token" {
				req.Header.Set("Authorization", "Bearer "+value)
				continue
			}
			req.Header.Set(key, value)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeIntegration,
				"call to %q failed: %s", binding.Spec.Meta.Key, err.Error()).
				WithCause(err).WithRetryable(true)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeIntegration, "read call response").WithCause(err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, schema.NewErrorf(schema.ErrCodeIntegration,
				"integration %q returned status %d", binding.Spec.Meta.Key, resp.StatusCode).
				WithRetryable(true)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, schema.NewErrorf(schema.ErrCodeIntegration,
				"integration %q returned status %d", binding.Spec.Meta.Key, resp.StatusCode)
		}

		if len(bytes.TrimSpace(payload)) == 0 {
			return map[string]any{}, nil
		}
		var out map[string]any
		if err := json.Unmarshal(payload, &out); err != nil {
			// Non-object responses pass through under a single key.
			return map[string]any{"body": string(payload)}, nil
		}
		return out, nil
	}
}
