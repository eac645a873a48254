// Package executor defines the boundary to the systems that actually carry
// actions out. Real integrations (Gmail, Twilio, browser automation, shell)
// live behind this interface; the stub below only logs, so the dispatch
// contract can be exercised end to end without external credentials.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Executor runs one action and returns its result payload.
type Executor interface {
	Execute(ctx context.Context, actionType string, params map[string]any, userID string) (map[string]any, error)
}

// Registry maps executor keys to implementations.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates an executor registry.
func NewRegistry(executors map[string]Executor) *Registry {
	return &Registry{executors: executors}
}

// ForActionType picks the executor for an action type by its namespace
// prefix. Twilio splits by action: calls go to twilio_voice, everything else
// to twilio_whatsapp.
func (r *Registry) ForActionType(actionType string) (Executor, error) {
	key := strings.SplitN(actionType, ".", 2)[0]
	if key == "twilio" {
		if strings.Contains(actionType, "call") {
			key = "twilio_voice"
		} else {
			key = "twilio_whatsapp"
		}
	}
	if key == "macro" {
		key = "macros"
	}
	ex, ok := r.executors[key]
	if !ok {
		return nil, fmt.Errorf("no executor for action type %s", actionType)
	}
	return ex, nil
}

// LogExecutor is a stand-in that logs the action and reports success.
type LogExecutor struct {
	Name string
}

func (e *LogExecutor) Execute(_ context.Context, actionType string, params map[string]any, userID string) (map[string]any, error) {
	slog.Info("executing action", "executor", e.Name, "action_type", actionType, "user_id", userID)
	return map[string]any{"status": "ok", "executor": e.Name}, nil
}

// DefaultRegistry wires a LogExecutor for every known executor key.
func DefaultRegistry() *Registry {
	keys := []string{"gmail", "twilio_voice", "twilio_whatsapp", "filesystem", "browser", "system", "macros"}
	executors := make(map[string]Executor, len(keys))
	for _, k := range keys {
		executors[k] = &LogExecutor{Name: k}
	}
	return NewRegistry(executors)
}
