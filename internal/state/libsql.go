package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tenantry/loom/pkg/schema"
)

// casRetries bounds how many times Update re-reads and re-applies the
// closure after a version-stamp conflict.
const casRetries = 5

// LibSQLStore is a durable Store backed by libSQL (embedded SQLite fork).
// States are persisted as JSON rows with a version column used for
// compare-and-swap updates, preventing lost updates under concurrent
// executeStep calls.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and applies the
// schema. The path should be a file URI, e.g. "file:/path/to/loom.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs; some return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &LibSQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_states (
			workflow_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_states_status ON workflow_states(status)`,
		`CREATE INDEX IF NOT EXISTS idx_states_name ON workflow_states(workflow_name)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			step_id TEXT,
			event_type TEXT NOT NULL,
			payload TEXT,
			timestamp TIMESTAMP NOT NULL,
			sequence INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow ON events(workflow_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "migrate: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// Create persists a new instance. Fails with CONFLICT if the id exists.
func (s *LibSQLStore) Create(ctx context.Context, state *schema.WorkflowState) error {
	if state == nil || state.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "state requires a workflow id")
	}

	cp := state.Clone()
	cp.StoreVersion = 1
	payload, err := json.Marshal(cp)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal state").WithCause(err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_states
		 (workflow_id, workflow_name, workflow_version, status, state, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		cp.WorkflowID, cp.WorkflowName, cp.WorkflowVersion, string(cp.Status),
		string(payload), cp.CreatedAt.UTC(), cp.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", cp.WorkflowID)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "insert state: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Get returns the instance, or (nil, nil) when absent.
func (s *LibSQLStore) Get(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	state, _, err := s.load(ctx, workflowID)
	return state, err
}

func (s *LibSQLStore) load(ctx context.Context, workflowID string) (*schema.WorkflowState, int64, error) {
	var payload string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM workflow_states WHERE workflow_id = ?`, workflowID,
	).Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "read state: %s", err.Error()).WithCause(err)
	}

	var state schema.WorkflowState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, 0, schema.NewError(schema.ErrCodeStore, "unmarshal state").WithCause(err)
	}
	state.StoreVersion = version
	return &state, version, nil
}

// Update applies the closure under a version-stamped compare-and-swap,
// retrying with a fresh read when a concurrent writer won the race.
func (s *LibSQLStore) Update(ctx context.Context, workflowID string, fn UpdateFunc) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		current, version, err := s.load(ctx, workflowID)
		if err != nil {
			return err
		}
		if current == nil {
			return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return schema.NewError(schema.ErrCodeStore, "update closure returned nil state")
		}
		next.WorkflowID = workflowID
		next.StoreVersion = version + 1

		payload, err := json.Marshal(next)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal state").WithCause(err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE workflow_states
			 SET status = ?, state = ?, version = ?, updated_at = ?
			 WHERE workflow_id = ? AND version = ?`,
			string(next.Status), string(payload), next.StoreVersion,
			next.UpdatedAt.UTC(), workflowID, version,
		)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "update state: %s", err.Error()).WithCause(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "update state: %s", err.Error()).WithCause(err)
		}
		if affected == 1 {
			return nil
		}
		// Version conflict: re-read and retry.
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"workflow %q update lost %d CAS races", workflowID, casRetries)
}

// List returns instances matching the filter, ordered by creation time.
func (s *LibSQLStore) List(ctx context.Context, filter Filter) ([]*schema.WorkflowState, error) {
	query := `SELECT state, version FROM workflow_states`
	var clauses []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Name != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.Name)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list states: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*schema.WorkflowState
	for rows.Next() {
		var payload string
		var version int64
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan state: %s", err.Error()).WithCause(err)
		}
		var state schema.WorkflowState
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "unmarshal state").WithCause(err)
		}
		state.StoreVersion = version
		out = append(out, &state)
	}
	return out, rows.Err()
}

// AppendEvent records a lifecycle event with a monotonically increasing
// per-workflow sequence. Usable as the runner's event sink for durable
// audit trails.
func (s *LibSQLStore) AppendEvent(ctx context.Context, workflowID, eventType string, payload map[string]any) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal event payload").WithCause(err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin event tx: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, workflowID,
	).Scan(&seq)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "next event sequence: %s", err.Error()).WithCause(err)
	}

	stepID, _ := payloadString(payload, "step_id")
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		workflowID, stepID, eventType, nullableString(raw), time.Now().UTC(), seq,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "insert event: %s", err.Error()).WithCause(err)
	}
	return tx.Commit()
}

// StoreSecret upserts encrypted secret material under the key.
func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "store secret: %s", err.Error()).WithCause(err)
	}
	return nil
}

// GetSecret returns the stored material for the key.
func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read secret: %s", err.Error()).WithCause(err)
	}
	return value, nil
}

// DeleteSecret removes the key. Deleting an absent key is a no-op.
func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete secret: %s", err.Error()).WithCause(err)
	}
	return nil
}

// ListSecrets returns all stored secret keys.
func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list secrets: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan secret key: %s", err.Error()).WithCause(err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func payloadString(payload map[string]any, key string) (string, bool) {
	if payload == nil {
		return "", false
	}
	v, ok := payload[key].(string)
	return v, ok
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ Store = (*LibSQLStore)(nil)
