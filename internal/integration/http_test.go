package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantry/loom/pkg/schema"
)

func httpBinding(endpoint string) schema.ResolvedIntegration {
	return schema.ResolvedIntegration{
		Spec: schema.IntegrationSpec{
			Meta:       schema.SpecMeta{Key: "crm", Version: 1},
			Definition: map[string]any{"endpoint": endpoint},
		},
		Connection: "conn-1",
		Status:     "connected",
	}
}

func TestHTTPConnector_PostsInputAndDecodesResponse(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotTenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTenant = r.Header.Get("X-Tenant")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"contact_id":"c-9"}`))
	}))
	defer srv.Close()

	connect := NewHTTPConnector(srv.Client())
	out, err := connect(context.Background(), httpBinding(srv.URL),
		map[string]string{"token": "t-abc", "X-Tenant": "acme"},
		map[string]any{"email": "a@example.com"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"contact_id": "c-9"}, out)
	assert.Equal(t, map[string]any{"email": "a@example.com"}, gotBody)
	assert.Equal(t, "Bearer t-abc", gotAuth)
	assert.Equal(t, "acme", gotTenant)
}

func TestHTTPConnector_ServerErrorsAreRetryable(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		connect := NewHTTPConnector(srv.Client())
		_, err := connect(context.Background(), httpBinding(srv.URL), nil, nil)
		srv.Close()

		require.Error(t, err)
		var le *schema.LoomError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, schema.ErrCodeIntegration, le.Code)
		assert.True(t, le.Retryable, "status %d must be retryable", status)
	}
}

func TestHTTPConnector_ClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	connect := NewHTTPConnector(srv.Client())
	_, err := connect(context.Background(), httpBinding(srv.URL), nil, nil)
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.False(t, le.Retryable)
}

func TestHTTPConnector_MissingEndpointRejected(t *testing.T) {
	binding := httpBinding("")
	binding.Spec.Definition = map[string]any{}

	connect := NewHTTPConnector(nil)
	_, err := connect(context.Background(), binding, nil, nil)
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeValidation, le.Code)
}

func TestHTTPConnector_NonJSONAndEmptyBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	connect := NewHTTPConnector(srv.Client())

	out, err := connect(context.Background(), httpBinding(srv.URL+"/empty"), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = connect(context.Background(), httpBinding(srv.URL+"/text"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"body": "plain text"}, out)
}

func TestHTTPConnector_RetriesThroughGuard(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := &schema.ResolvedAppConfig{
		Integrations: map[string]schema.ResolvedIntegration{"crm": httpBinding(srv.URL)},
	}
	guard := NewGuard(GuardConfig{
		Sleep: func(context.Context, time.Duration) error { return nil },
	})

	res := guard.Execute(context.Background(), cfg, Request{Slot: "crm"}, NewHTTPConnector(srv.Client()))
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)
}
