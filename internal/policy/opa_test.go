package policy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantry/loom/pkg/schema"
)

type stubOPAClient struct {
	decision *schema.PolicyDecision
	err      error
}

func (c *stubOPAClient) Evaluate(_ context.Context, _ schema.DecisionContext) (*schema.PolicyDecision, error) {
	return c.decision, c.err
}

func allowEverything(key string) schema.PolicySpec {
	return schema.PolicySpec{
		Meta:  schema.SpecMeta{Key: key, Version: 1},
		Rules: []schema.PolicyRule{{Effect: schema.EffectAllow, Reason: "open"}},
	}
}

func TestDecideWithOPA_NilClientFallsBack(t *testing.T) {
	e := newTestEngine(t, allowEverything("open"))

	decision, err := DecideWithOPA(context.Background(), e, nil, schema.DecisionContext{
		Action:     "read",
		PolicyRefs: refs("open"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.EffectAllow, decision.Effect)
}

func TestDecideWithOPA_ClientErrorFallsBack(t *testing.T) {
	e := newTestEngine(t, allowEverything("open"))
	client := &stubOPAClient{err: errors.New("opa unreachable")}

	decision, err := DecideWithOPA(context.Background(), e, client, schema.DecisionContext{
		Action:     "read",
		PolicyRefs: refs("open"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.EffectAllow, decision.Effect)
	assert.Equal(t, "open", decision.Reason)
}

func TestDecideWithOPA_OverridesEffectAndMergesConsents(t *testing.T) {
	spec := schema.PolicySpec{
		Meta: schema.SpecMeta{Key: "marketing", Version: 1},
		Rules: []schema.PolicyRule{{
			Effect:          schema.EffectAllow,
			RequiresConsent: []string{"tracking"},
		}},
	}
	e := newTestEngine(t, spec)
	client := &stubOPAClient{decision: &schema.PolicyDecision{
		Effect:           schema.EffectDeny,
		Reason:           "external block",
		RequiredConsents: []schema.ConsentDef{{ID: "tracking"}, {ID: "profiling"}},
		FieldDecisions:   map[string]schema.PolicyEffect{"email": schema.EffectDeny},
	}}

	decision, err := DecideWithOPA(context.Background(), e, client, schema.DecisionContext{
		Action:     "email",
		PolicyRefs: refs("marketing"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.EffectDeny, decision.Effect)
	assert.Equal(t, "external block", decision.Reason)
	assert.Equal(t, schema.EffectDeny, decision.FieldDecisions["email"])

	ids := make([]string, len(decision.RequiredConsents))
	for i, c := range decision.RequiredConsents {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"tracking", "profiling"}, ids)
}

func TestHTTPOPAClient_Evaluate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/data/loom/authz/decision", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"effect":"deny","reason":"rego said no"}}`))
	}))
	defer srv.Close()

	client := NewHTTPOPAClient(srv.URL, "loom/authz/decision")
	decision, err := client.Evaluate(context.Background(), schema.DecisionContext{Action: "read"})
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, schema.EffectDeny, decision.Effect)
	assert.Equal(t, "rego said no", decision.Reason)
}

func TestHTTPOPAClient_NoOpinion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewHTTPOPAClient(srv.URL, "loom/authz/decision")
	decision, err := client.Evaluate(context.Background(), schema.DecisionContext{Action: "read"})
	require.NoError(t, err)
	assert.Nil(t, decision)
}
