// Package audit persists the outcome of every action (redacted parameters,
// final status and the full state-transition history) for later review.
// Redaction happens here, before anything leaves the process.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/zia/backend/internal/action"
)

// sensitiveFields are redacted from params before the audit row is written.
var sensitiveFields = map[string]bool{
	"password":      true,
	"body":          true,
	"content":       true,
	"access_token":  true,
	"refresh_token": true,
	"secret":        true,
}

// RedactParams returns a copy of params with sensitive fields replaced by a
// placeholder. Nested maps are redacted recursively.
func RedactParams(params map[string]any) map[string]any {
	redacted := make(map[string]any, len(params))
	for key, val := range params {
		switch {
		case sensitiveFields[strings.ToLower(key)]:
			redacted[key] = "***REDACTED***"
		default:
			if nested, ok := val.(map[string]any); ok {
				redacted[key] = RedactParams(nested)
			} else {
				redacted[key] = val
			}
		}
	}
	return redacted
}

// Entry is one audit record for an action execution.
type Entry struct {
	ExecutionID  string
	UserID       string
	ActionType   string
	Params       map[string]any // already redacted by Record
	RiskLevel    action.RiskLevel
	Status       action.Status
	Source       string
	Error        string
	DurationMs   int64
	StateHistory []action.TransitionRecord
	CreatedAt    time.Time
}

// Recorder receives audit entries for persistence.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// NopRecorder drops audit entries; used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) error { return nil }

// PostgresRecorder writes audit entries to the action_logs table.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder opens a Postgres connection and verifies it.
func NewPostgresRecorder(databaseURL string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	slog.Info("Audit database connected")
	return &PostgresRecorder{db: db}, nil
}

// Close releases the database connection pool.
func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}

// Record inserts one audit row. Params are redacted here so an unredacted
// map can never reach the database regardless of the caller.
func (r *PostgresRecorder) Record(ctx context.Context, entry Entry) error {
	paramsJSON, err := json.Marshal(RedactParams(entry.Params))
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	historyJSON, err := json.Marshal(entry.StateHistory)
	if err != nil {
		return fmt.Errorf("marshal state history: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO action_logs
			(execution_id, user_id, action_type, params, risk_level, status,
			 source, error, duration_ms, state_history, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ExecutionID, entry.UserID, entry.ActionType, paramsJSON,
		string(entry.RiskLevel), string(entry.Status), entry.Source,
		entry.Error, entry.DurationMs, historyJSON, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert action_log: %w", err)
	}
	return nil
}
