package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDsRoundtrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, StepID(ctx))
	assert.Empty(t, TenantID(ctx))

	ctx = WithIDs(ctx, "wf-1", "review", "acme")
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "review", StepID(ctx))
	assert.Equal(t, "acme", TenantID(ctx))
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "wf-1", "review", "acme")
	logger.InfoContext(ctx, "step executed")

	record := logLine(t, &buf)
	assert.Equal(t, "step executed", record["msg"])
	assert.Equal(t, "wf-1", record["workflow_id"])
	assert.Equal(t, "review", record["step_id"])
	assert.Equal(t, "acme", record["tenant_id"])
}

func TestCorrelationHandler_SkipsEmptyIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithWorkflowID(context.Background(), "wf-1")
	logger.InfoContext(ctx, "started")

	record := logLine(t, &buf)
	assert.Equal(t, "wf-1", record["workflow_id"])
	assert.NotContains(t, record, "step_id")
	assert.NotContains(t, record, "tenant_id")
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))
	logger = logger.With(slog.String("component", "runner")).WithGroup("detail")

	ctx := WithTenantID(context.Background(), "acme")
	logger.InfoContext(ctx, "ready", slog.Int("steps", 3))

	record := logLine(t, &buf)
	assert.Equal(t, "runner", record["component"])
	detail, ok := record["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), detail["steps"])
	assert.Equal(t, "acme", detail["tenant_id"])
}

func TestLogWith_EnrichesLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithIDs(context.Background(), "wf-9", "", "globex")
	LogWith(ctx, base).Info("resolved config")

	record := logLine(t, &buf)
	assert.Equal(t, "wf-9", record["workflow_id"])
	assert.Equal(t, "globex", record["tenant_id"])
	assert.NotContains(t, record, "step_id")
}
