// Package engine orchestrates the action admission pipeline: intent
// resolution, schema lookup, RBAC, rate limiting, confirmation rules, the
// lifecycle state machine, and the handoff to the dispatch queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zia/backend/internal/action"
	"github.com/zia/backend/internal/audit"
	"github.com/zia/backend/internal/dispatch"
	"github.com/zia/backend/internal/events"
	"github.com/zia/backend/internal/ratelimit"
)

// Config carries the engine's collaborators. Everything is injected; the
// engine owns no global state.
type Config struct {
	Registry *action.Registry
	Rules    *action.RulesEngine
	Tokens   *action.TokenService
	Limiter  *ratelimit.Limiter
	Store    ExecutionStore
	Queue    dispatch.Queue
	Recorder audit.Recorder
	Bus      *events.Bus
	Intents  IntentResolver
	Metrics  *Metrics

	// FailOpen controls what happens when the counter store is
	// unreachable: true lets the request through with a warning, false
	// (default) rejects it. RBAC runs before the limiter either way.
	FailOpen bool
}

// Engine is the only component in the pipeline with caller-visible side
// effects (counter mutations, token issuance, queue handoffs), each at most
// once per call.
type Engine struct {
	registry *action.Registry
	rules    *action.RulesEngine
	tokens   *action.TokenService
	limiter  *ratelimit.Limiter
	store    ExecutionStore
	queue    dispatch.Queue
	recorder audit.Recorder
	bus      *events.Bus
	intents  IntentResolver
	metrics  *Metrics
	failOpen bool
}

// New builds an engine, filling in defaults for optional collaborators.
func New(cfg Config) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = action.DefaultRegistry()
	}
	if cfg.Rules == nil {
		cfg.Rules = action.NewRulesEngine(action.DefaultRules())
	}
	if cfg.Tokens == nil {
		cfg.Tokens = action.NewTokenService(0)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore())
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Queue == nil {
		cfg.Queue = dispatch.NewMemoryQueue()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = audit.NopRecorder{}
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Intents == nil {
		cfg.Intents = NewKeywordResolver()
	}
	return &Engine{
		registry: cfg.Registry,
		rules:    cfg.Rules,
		tokens:   cfg.Tokens,
		limiter:  cfg.Limiter,
		store:    cfg.Store,
		queue:    cfg.Queue,
		recorder: cfg.Recorder,
		bus:      cfg.Bus,
		intents:  cfg.Intents,
		metrics:  cfg.Metrics,
		failOpen: cfg.FailOpen,
	}
}

// Registry exposes the schema catalog for the transport layer.
func (e *Engine) Registry() *action.Registry { return e.registry }

// Bus exposes the transition event bus for the transport layer.
func (e *Engine) Bus() *events.Bus { return e.bus }

// ConfirmationTTL returns the configured token lifetime.
func (e *Engine) ConfirmationTTL() time.Duration { return e.tokens.TTL() }

// ProcessAction runs one request through the admission pipeline and returns
// the caller-facing response. Admission failures (unknown type, RBAC denial)
// create no execution record and touch no counters.
func (e *Engine) ProcessAction(ctx context.Context, req action.Request, requester action.Requester) *action.Response {
	start := time.Now()
	defer func() {
		e.metrics.ObservePipeline(time.Since(start))
	}()

	// 1. Resolve action type.
	actionType := req.ActionType
	if actionType == "" && req.InputText != "" {
		if resolved, ok := e.intents.Resolve(req.InputText); ok {
			actionType = resolved
		}
	}
	if actionType == "" {
		e.metrics.RecordAction("", "unresolved")
		return &action.Response{
			Status:  action.StatusFailed,
			Message: "Could not determine action type from input.",
		}
	}

	// 2. Registry lookup.
	schema, ok := e.registry.Lookup(actionType)
	if !ok {
		e.metrics.RecordAction(actionType, "unknown_type")
		return &action.Response{
			Status:  action.StatusFailed,
			Message: fmt.Sprintf("Unknown action type: %s", actionType),
		}
	}

	// 3. RBAC runs before the rate limiter, so a denied request never
	// consumes a quota slot.
	role := requester.Role
	if role == "" {
		role = "user"
	}
	if !schema.RoleAllowed(role) {
		e.metrics.RecordAction(actionType, "rbac_denied")
		return &action.Response{
			Status:  action.StatusRejected,
			Message: fmt.Sprintf("Insufficient permissions for %s", schema.DisplayName),
		}
	}

	// 4. Rate limiting.
	if err := e.limiter.Check(ctx, requester.ID, schema); err != nil {
		var throttled *ratelimit.ThrottledError
		if errors.As(err, &throttled) {
			gate := "daily_cap"
			if throttled.RetryAfter > 0 {
				gate = "cooldown"
			}
			e.metrics.RecordThrottle(gate)
			e.metrics.RecordAction(actionType, "throttled")
			return &action.Response{
				Status:  action.StatusRejected,
				Message: throttled.Message,
			}
		}
		var storeErr *ratelimit.StoreError
		if errors.As(err, &storeErr) {
			e.metrics.RecordThrottle("store_error")
			if e.failOpen {
				slog.Warn("counter store unavailable, failing open",
					"action_type", actionType, "user_id", requester.ID, "error", err)
			} else {
				slog.Error("counter store unavailable, failing closed",
					"action_type", actionType, "user_id", requester.ID, "error", err)
				return &action.Response{
					Status:  action.StatusRejected,
					Message: "Action temporarily unavailable. Please try again.",
				}
			}
		}
	}

	// 5. Execution record + state machine.
	exec := action.NewExecution(schema, req.Params, requester, req.Source)
	rec := &Record{Execution: exec, Machine: action.NewStateMachine()}

	// 6. Rules evaluation.
	if err := e.transition(rec, action.StatusRulesEval, "evaluating rules"); err != nil {
		return e.internalFailure(exec, err)
	}
	needsConfirm, reasons := e.rules.Evaluate(schema, exec.Params, requester)

	// 7. Confirmation required: issue a token, hold the execution.
	if needsConfirm {
		if err := e.transition(rec, action.StatusPending, "confirmation required"); err != nil {
			return e.internalFailure(exec, err)
		}
		rawToken, digest, err := e.tokens.Issue()
		if err != nil {
			slog.Error("token issuance failed", "execution_id", exec.ExecutionID, "error", err)
			return e.internalFailure(exec, err)
		}
		exec.ConfirmationTokenDigest = digest
		e.store.Save(rec)
		e.metrics.RecordAction(actionType, "pending")

		ttlSeconds := int(e.tokens.TTL().Seconds())
		return &action.Response{
			ExecutionID:          exec.ExecutionID,
			Status:               action.StatusPending,
			Message:              "Confirmation required",
			ConfirmationRequired: true,
			ConfirmationToken:    rawToken,
			ActionPreview: &action.Preview{
				Action:           schema.DisplayName,
				Description:      schema.Description,
				RiskLevel:        schema.RiskLevel,
				Params:           exec.Params,
				Reasons:          reasons,
				ExpiresInSeconds: ttlSeconds,
			},
		}
	}

	// 8. Auto-approved: straight to the dispatch queue.
	if err := e.transition(rec, action.StatusAutoApproved, "no rules triggered"); err != nil {
		return e.internalFailure(exec, err)
	}
	if err := e.transition(rec, action.StatusQueued, "dispatching to worker"); err != nil {
		return e.internalFailure(exec, err)
	}
	e.store.Save(rec)
	e.enqueue(ctx, rec)
	e.recordAudit(ctx, rec)
	e.metrics.RecordAction(actionType, "queued")

	return &action.Response{
		ExecutionID: exec.ExecutionID,
		Status:      action.StatusQueued,
		Message:     fmt.Sprintf("%s queued for execution", schema.DisplayName),
	}
}

// Confirm validates a presented confirmation token and, on success, moves the
// execution to CONFIRMED and queues it. An expired token expires the
// execution; a mismatched token is rejected without consuming the pending
// state, so the real token can still be presented within the TTL.
func (e *Engine) Confirm(ctx context.Context, executionID, rawToken string) *action.Response {
	rec, ok := e.store.Get(executionID)
	if !ok {
		return &action.Response{
			ExecutionID: executionID,
			Status:      action.StatusFailed,
			Message:     "Unknown execution",
		}
	}

	rec.Lock()
	defer rec.Unlock()
	exec := rec.Execution

	if !rec.Machine.AwaitingConfirmation() {
		e.metrics.RecordConfirmation("invalid_token")
		return &action.Response{
			ExecutionID: executionID,
			Status:      exec.Status,
			Message:     "Action is not awaiting confirmation",
		}
	}

	if e.tokens.Expired(exec.CreatedAt) {
		// EXPIRED is only reachable from PENDING; an escalated execution
		// stays escalated until an explicit confirm or reject.
		if rec.Machine.State() == action.StatusPending {
			if err := e.transition(rec, action.StatusExpired, "confirmation window elapsed"); err != nil {
				return e.internalFailure(exec, err)
			}
			exec.ConfirmationTokenDigest = ""
			e.recordAudit(ctx, rec)
		}
		e.metrics.RecordConfirmation("expired")
		return &action.Response{
			ExecutionID: executionID,
			Status:      exec.Status,
			Message:     "Confirmation token expired",
		}
	}

	if !e.tokens.Validate(rawToken, exec.ConfirmationTokenDigest, exec.CreatedAt) {
		e.metrics.RecordConfirmation("invalid_token")
		return &action.Response{
			ExecutionID: executionID,
			Status:      exec.Status,
			Message:     "Invalid confirmation token",
		}
	}

	if err := e.transition(rec, action.StatusConfirmed, "token validated"); err != nil {
		return e.internalFailure(exec, err)
	}
	exec.ConfirmationTokenDigest = ""
	if err := e.transition(rec, action.StatusQueued, "dispatching to worker"); err != nil {
		return e.internalFailure(exec, err)
	}
	e.enqueue(ctx, rec)
	e.recordAudit(ctx, rec)
	e.metrics.RecordConfirmation("confirmed")

	return &action.Response{
		ExecutionID: executionID,
		Status:      action.StatusQueued,
		Message:     "Action confirmed and queued for execution",
	}
}

// Reject declines a pending or escalated execution.
func (e *Engine) Reject(ctx context.Context, executionID, reason string) *action.Response {
	rec, ok := e.store.Get(executionID)
	if !ok {
		return &action.Response{
			ExecutionID: executionID,
			Status:      action.StatusFailed,
			Message:     "Unknown execution",
		}
	}

	rec.Lock()
	defer rec.Unlock()

	if !rec.Machine.AwaitingConfirmation() {
		return &action.Response{
			ExecutionID: executionID,
			Status:      rec.Execution.Status,
			Message:     "Action is not awaiting confirmation",
		}
	}

	if reason == "" {
		reason = "rejected by user"
	}
	if err := e.transition(rec, action.StatusRejected, reason); err != nil {
		return e.internalFailure(rec.Execution, err)
	}
	rec.Execution.ConfirmationTokenDigest = ""
	e.recordAudit(ctx, rec)
	e.metrics.RecordConfirmation("rejected")

	return &action.Response{
		ExecutionID: executionID,
		Status:      action.StatusRejected,
		Message:     "Action rejected",
	}
}

// Escalate hands a pending confirmation to a higher authority. The trigger
// is always an external actor; the engine only enforces the transition.
func (e *Engine) Escalate(ctx context.Context, executionID, reason string) error {
	rec, ok := e.store.Get(executionID)
	if !ok {
		return fmt.Errorf("escalate: unknown execution %s", executionID)
	}
	rec.Lock()
	defer rec.Unlock()
	if reason == "" {
		reason = "escalated for review"
	}
	if err := e.transition(rec, action.StatusEscalated, reason); err != nil {
		return err
	}
	e.metrics.RecordConfirmation("escalated")
	return nil
}

// MarkExecuting records that the worker picked the execution up.
func (e *Engine) MarkExecuting(_ context.Context, executionID string) error {
	rec, ok := e.store.Get(executionID)
	if !ok {
		return fmt.Errorf("mark executing: unknown execution %s", executionID)
	}
	rec.Lock()
	defer rec.Unlock()
	if err := e.transition(rec, action.StatusExecuting, "picked up by worker"); err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Execution.ExecutedAt = &now
	return nil
}

// Complete finalizes a successful execution.
func (e *Engine) Complete(ctx context.Context, executionID string, result map[string]any) error {
	rec, ok := e.store.Get(executionID)
	if !ok {
		return fmt.Errorf("complete: unknown execution %s", executionID)
	}
	rec.Lock()
	defer rec.Unlock()
	if err := e.transition(rec, action.StatusCompleted, "execution succeeded"); err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Execution.CompletedAt = &now
	rec.Execution.Result = result
	e.recordAudit(ctx, rec)
	return nil
}

// Fail records an execution failure. When retry is true the execution moves
// to RETRYING and the worker may re-run it via MarkExecuting; otherwise it
// is terminal.
func (e *Engine) Fail(ctx context.Context, executionID, errMsg string, retry bool) error {
	rec, ok := e.store.Get(executionID)
	if !ok {
		return fmt.Errorf("fail: unknown execution %s", executionID)
	}
	rec.Lock()
	defer rec.Unlock()
	rec.Execution.Error = errMsg

	if retry {
		return e.transition(rec, action.StatusRetrying, "execution failed, retrying")
	}
	if err := e.transition(rec, action.StatusFailed, "execution failed"); err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Execution.CompletedAt = &now
	e.recordAudit(ctx, rec)
	return nil
}

// ExpirePending sweeps pending confirmations whose token TTL has elapsed and
// returns how many were expired. Escalated executions are not swept.
func (e *Engine) ExpirePending(ctx context.Context) int {
	expired := 0
	for _, rec := range e.store.ListPending() {
		rec.Lock()
		if rec.Machine.State() == action.StatusPending && e.tokens.Expired(rec.Execution.CreatedAt) {
			if err := e.transition(rec, action.StatusExpired, "confirmation window elapsed"); err == nil {
				rec.Execution.ConfirmationTokenDigest = ""
				e.recordAudit(ctx, rec)
				expired++
			}
		}
		rec.Unlock()
	}
	if expired > 0 {
		slog.Info("expired stale confirmations", "count", expired)
	}
	return expired
}

// Pending returns snapshots of executions awaiting confirmation, oldest
// first. Copies, not live records: the caller may serialize them while
// confirm/reject/sweep keep transitioning the originals.
func (e *Engine) Pending() []*action.Execution {
	recs := e.store.ListPending()
	out := make([]*action.Execution, len(recs))
	for i, rec := range recs {
		rec.Lock()
		out[i] = rec.Execution.Clone()
		rec.Unlock()
	}
	return out
}

// History returns snapshots of a user's executions, newest first.
func (e *Engine) History(userID string, limit int) []*action.Execution {
	recs := e.store.ListByUser(userID, limit)
	out := make([]*action.Execution, len(recs))
	for i, rec := range recs {
		rec.Lock()
		out[i] = rec.Execution.Clone()
		rec.Unlock()
	}
	return out
}

// transition drives the record's state machine, mirrors the new state onto
// the execution, and publishes the event.
func (e *Engine) transition(rec *Record, to action.Status, reason string) error {
	from := rec.Machine.State()
	if err := rec.Machine.Transition(to, reason); err != nil {
		slog.Error("illegal state transition", "execution_id", rec.Execution.ExecutionID, "error", err)
		return err
	}
	rec.Execution.Status = to
	e.bus.Publish(events.TransitionEvent{
		ExecutionID: rec.Execution.ExecutionID,
		ActionType:  rec.Execution.ActionType,
		UserID:      rec.Execution.UserID,
		From:        from,
		To:          to,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// enqueue hands the execution to the dispatch queue for its risk-derived
// priority. A handoff failure is logged, not retried; the expiry sweep and
// audit trail keep the record observable.
func (e *Engine) enqueue(ctx context.Context, rec *Record) {
	exec := rec.Execution
	job := dispatch.Job{
		ExecutionID: exec.ExecutionID,
		ActionType:  exec.ActionType,
		Params:      exec.Params,
		UserID:      exec.UserID,
	}
	if err := e.queue.Enqueue(ctx, exec.RiskLevel.QueueName(), job); err != nil {
		slog.Error("queue handoff failed", "execution_id", exec.ExecutionID, "error", err)
	}
}

func (e *Engine) recordAudit(ctx context.Context, rec *Record) {
	exec := rec.Execution
	entry := audit.Entry{
		ExecutionID:  exec.ExecutionID,
		UserID:       exec.UserID,
		ActionType:   exec.ActionType,
		Params:       exec.Params,
		RiskLevel:    exec.RiskLevel,
		Status:       exec.Status,
		Source:       exec.Source,
		Error:        exec.Error,
		StateHistory: rec.Machine.History(),
		CreatedAt:    exec.CreatedAt,
	}
	if exec.CompletedAt != nil {
		entry.DurationMs = exec.CompletedAt.Sub(exec.CreatedAt).Milliseconds()
	}
	if err := e.recorder.Record(ctx, entry); err != nil {
		slog.Error("audit record failed", "execution_id", exec.ExecutionID, "error", err)
	}
}

func (e *Engine) internalFailure(exec *action.Execution, err error) *action.Response {
	var illegal *action.IllegalTransitionError
	if errors.As(err, &illegal) {
		slog.Error("pipeline integration error", "execution_id", exec.ExecutionID, "error", err)
	}
	return &action.Response{
		ExecutionID: exec.ExecutionID,
		Status:      exec.Status,
		Message:     "Something went wrong. Please try again.",
	}
}
