package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tenantry/loom/pkg/schema"
)

// OPAClient sends a decision input to an external policy evaluator and
// returns its decision, or nil when the evaluator has no opinion.
type OPAClient interface {
	Evaluate(ctx context.Context, in schema.DecisionContext) (*schema.PolicyDecision, error)
}

// HTTPOPAClient queries an Open Policy Agent data API endpoint.
type HTTPOPAClient struct {
	endpoint string
	path     string
	client   *http.Client
}

// NewHTTPOPAClient creates a client for the OPA instance at endpoint
// evaluating the document at path (e.g. "loom/authz/decision").
func NewHTTPOPAClient(endpoint, path string) *HTTPOPAClient {
	return &HTTPOPAClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		path:     strings.Trim(path, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// opaResult is the OPA data API response envelope.
type opaResult struct {
	Result *schema.PolicyDecision `json:"result"`
}

// Evaluate posts the decision context as OPA input and decodes the result.
// An absent result means OPA had no opinion (nil, nil).
func (c *HTTPOPAClient) Evaluate(ctx context.Context, in schema.DecisionContext) (*schema.PolicyDecision, error) {
	body, err := json.Marshal(map[string]any{"input": in})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePolicy, "marshal OPA input").WithCause(err)
	}

	url := fmt.Sprintf("%s/v1/data/%s", c.endpoint, c.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePolicy, "build OPA request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePolicy, "OPA request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodePolicy, "OPA returned status %d", resp.StatusCode)
	}

	var out opaResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, schema.NewError(schema.ErrCodePolicy, "decode OPA response").WithCause(err)
	}
	return out.Result, nil
}

// DecideWithOPA combines the engine's decision with an external evaluator.
// The engine decision is the fallback when the client is nil, errors, or
// returns no result. When OPA does return a decision its effect and reason
// override the engine's, field decisions are overlaid, and required-consent
// lists from both sources are merged and deduplicated by id.
func DecideWithOPA(ctx context.Context, engine *Engine, client OPAClient, in schema.DecisionContext) (schema.PolicyDecision, error) {
	decision, err := engine.Decide(ctx, in)
	if err != nil {
		return schema.PolicyDecision{}, err
	}
	if client == nil {
		return decision, nil
	}

	opaDecision, opaErr := client.Evaluate(ctx, in)
	if opaErr != nil || opaDecision == nil {
		return decision, nil
	}

	merged := decision
	merged.Effect = opaDecision.Effect
	if opaDecision.Reason != "" {
		merged.Reason = opaDecision.Reason
	}
	if opaDecision.Escalate {
		merged.Escalate = true
	}
	if opaDecision.RateLimit != nil {
		merged.RateLimit = opaDecision.RateLimit
	}
	if len(opaDecision.FieldDecisions) > 0 {
		if merged.FieldDecisions == nil {
			merged.FieldDecisions = make(map[string]schema.PolicyEffect, len(opaDecision.FieldDecisions))
		}
		for field, effect := range opaDecision.FieldDecisions {
			merged.FieldDecisions[field] = effect
		}
	}
	merged.RequiredConsents = mergeConsents(decision.RequiredConsents, opaDecision.RequiredConsents)
	return merged, nil
}

// mergeConsents unions two consent lists, deduplicated by id, preserving
// first-seen order.
func mergeConsents(a, b []schema.ConsentDef) []schema.ConsentDef {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]schema.ConsentDef, 0, len(a)+len(b))
	for _, def := range append(append([]schema.ConsentDef{}, a...), b...) {
		if _, ok := seen[def.ID]; ok {
			continue
		}
		seen[def.ID] = struct{}{}
		out = append(out, def)
	}
	return out
}
