// Package action defines the core admission-pipeline domain: action schemas,
// execution records, the confirmation rules engine, the lifecycle state
// machine, and the one-time confirmation token service.
package action

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel classifies how dangerous an action is. Levels are ordered:
// low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the ordering position of a risk level. Unknown levels rank
// below RiskLow so a malformed schema never bypasses confirmation checks
// that compare against high/critical.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is one of the four known levels.
func (r RiskLevel) Valid() bool {
	return r.Rank() > 0
}

// Dispatch queue names, in priority order.
const (
	QueueHigh    = "zia:tasks:high"
	QueueDefault = "zia:tasks:default"
	QueueLow     = "zia:tasks:low"
)

// QueueName maps a risk level to the dispatch queue its executions go to.
func (r RiskLevel) QueueName() string {
	switch r {
	case RiskCritical:
		return QueueHigh
	case RiskHigh, RiskMedium:
		return QueueDefault
	default:
		return QueueLow
	}
}

// Status is the lifecycle state of an action execution. The thirteen values
// mirror the state machine states exactly; an execution's Status is always
// the state machine's current state.
type Status string

const (
	StatusCreated      Status = "created"
	StatusRulesEval    Status = "rules_eval"
	StatusAutoApproved Status = "auto_approved"
	StatusPending      Status = "pending_confirmation"
	StatusConfirmed    Status = "confirmed"
	StatusRejected     Status = "rejected"
	StatusExpired      Status = "expired"
	StatusEscalated    Status = "escalated"
	StatusQueued       Status = "queued"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusRetrying     Status = "retrying"
)

// Schema is a registered action definition. Schemas are built at startup and
// never mutated afterwards; the engine copies what it needs onto each
// Execution so later redeploys cannot change in-flight records.
type Schema struct {
	ActionType           string    `json:"action_type" yaml:"action_type"`
	DisplayName          string    `json:"display_name" yaml:"display_name"`
	Description          string    `json:"description" yaml:"description"`
	RiskLevel            RiskLevel `json:"risk_level" yaml:"risk_level"`
	RequiresConfirmation bool      `json:"requires_confirmation" yaml:"requires_confirmation"`
	RequiredParams       []string  `json:"required_params" yaml:"required_params"`
	OptionalParams       []string  `json:"optional_params,omitempty" yaml:"optional_params"`
	Executor             string    `json:"executor" yaml:"executor"`
	CooldownSeconds      int       `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds"`
	MaxDailyExecutions   int       `json:"max_daily_executions,omitempty" yaml:"max_daily_executions"` // 0 = unlimited
	AllowedRoles         []string  `json:"allowed_roles" yaml:"allowed_roles"`
}

// RoleAllowed reports whether the given role may invoke this action.
func (s Schema) RoleAllowed(role string) bool {
	for _, r := range s.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Requester identifies who is asking for an action to run.
type Requester struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Request is an incoming action request: either free text to resolve into an
// action type, or an explicit action type plus parameters.
type Request struct {
	InputText  string         `json:"input_text,omitempty"`
	ActionType string         `json:"action_type,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Source     string         `json:"source,omitempty"` // voice | text | api | macro
}

// Preview is the human-readable summary shown to an approver alongside the
// confirmation token.
type Preview struct {
	Action           string         `json:"action"`
	Description      string         `json:"description"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	Params           map[string]any `json:"params"`
	Reasons          []string       `json:"reasons"`
	ExpiresInSeconds int            `json:"expires_in_seconds"`
}

// Response is returned to the client after an action submission or a
// confirm/reject call. ConfirmationToken is set in exactly one response: the
// one that put the execution into pending state.
type Response struct {
	ExecutionID          string         `json:"execution_id"`
	Status               Status         `json:"status"`
	Message              string         `json:"message"`
	Data                 map[string]any `json:"data,omitempty"`
	ConfirmationRequired bool           `json:"confirmation_required,omitempty"`
	ConfirmationToken    string         `json:"confirmation_token,omitempty"`
	ActionPreview        *Preview       `json:"action_preview,omitempty"`
}

// Execution is the internal record tracking one action through its lifecycle.
// It is owned by a single in-flight request (or the worker, once queued) and
// is never shared across concurrent callers.
type Execution struct {
	ExecutionID             string         `json:"execution_id"`
	ActionType              string         `json:"action_type"`
	Params                  map[string]any `json:"params"`
	RiskLevel               RiskLevel      `json:"risk_level"`
	Status                  Status         `json:"status"`
	ConfirmationTokenDigest string         `json:"-"` // set only while awaiting confirmation
	UserID                  string         `json:"user_id"`
	Source                  string         `json:"source"`
	CreatedAt               time.Time      `json:"created_at"`
	ExecutedAt              *time.Time     `json:"executed_at,omitempty"`
	CompletedAt             *time.Time     `json:"completed_at,omitempty"`
	Result                  map[string]any `json:"result,omitempty"`
	Error                   string         `json:"error,omitempty"`
}

// Clone returns a deep copy of the execution. Read surfaces hand clones to
// callers so a snapshot can be serialized while the live record keeps
// transitioning under its own lock.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Params = cloneMap(e.Params)
	c.Result = cloneMap(e.Result)
	if e.ExecutedAt != nil {
		t := *e.ExecutedAt
		c.ExecutedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// NewExecution creates an execution record in the initial lifecycle state,
// copying the risk level off the schema.
func NewExecution(schema Schema, params map[string]any, requester Requester, source string) *Execution {
	if params == nil {
		params = map[string]any{}
	}
	if source == "" {
		source = "text"
	}
	return &Execution{
		ExecutionID: uuid.NewString(),
		ActionType:  schema.ActionType,
		Params:      params,
		RiskLevel:   schema.RiskLevel,
		Status:      StatusCreated,
		UserID:      requester.ID,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
}
