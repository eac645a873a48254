package action

import (
	"fmt"
	"sort"
	"time"
)

// transitions maps each state to the set of states it may move to.
// States absent from the map (REJECTED, EXPIRED, COMPLETED, FAILED) are
// terminal and have no outgoing transitions.
var transitions = map[Status][]Status{
	StatusCreated:      {StatusRulesEval},
	StatusRulesEval:    {StatusAutoApproved, StatusPending},
	StatusAutoApproved: {StatusQueued},
	StatusPending:      {StatusConfirmed, StatusRejected, StatusExpired, StatusEscalated},
	StatusEscalated:    {StatusConfirmed, StatusRejected},
	StatusConfirmed:    {StatusQueued},
	StatusQueued:       {StatusExecuting},
	StatusExecuting:    {StatusCompleted, StatusFailed, StatusRetrying},
	StatusRetrying:     {StatusExecuting, StatusFailed},
}

// IllegalTransitionError reports a transition attempt not present in the
// transition table. It carries the states that would have been legal so the
// caller can tell a programming error from a stale record, but must not
// retry blindly.
type IllegalTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// TransitionRecord is one entry in a state machine's append-only history.
type TransitionRecord struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StateMachine enforces the legal lifecycle transitions for one action
// execution. Each execution owns exactly one instance; the machine is used by
// a single goroutine at a time and therefore takes no locks.
type StateMachine struct {
	state   Status
	history []TransitionRecord
}

// NewStateMachine returns a machine in the initial CREATED state.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StatusCreated}
}

// ResumeStateMachine returns a machine positioned at a previously persisted
// state, for executions picked back up by the worker or a confirm call.
func ResumeStateMachine(state Status) *StateMachine {
	return &StateMachine{state: state}
}

// Transition moves the machine to target if the transition table allows it,
// appending a history record. On an illegal request the state is left
// unchanged and an *IllegalTransitionError is returned.
func (sm *StateMachine) Transition(target Status, reason string) error {
	allowed := transitions[sm.state]
	legal := false
	for _, s := range allowed {
		if s == target {
			legal = true
			break
		}
	}
	if !legal {
		return &IllegalTransitionError{From: sm.state, To: target, Allowed: allowed}
	}
	sm.history = append(sm.history, TransitionRecord{
		From:      sm.state,
		To:        target,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	sm.state = target
	return nil
}

// State returns the current state.
func (sm *StateMachine) State() Status {
	return sm.state
}

// IsTerminal reports whether the current state has no outgoing transitions.
func (sm *StateMachine) IsTerminal() bool {
	_, ok := transitions[sm.state]
	return !ok
}

// AwaitingConfirmation reports whether the execution is waiting on a human
// decision (PENDING or ESCALATED).
func (sm *StateMachine) AwaitingConfirmation() bool {
	return sm.state == StatusPending || sm.state == StatusEscalated
}

// History returns a copy of the transition history for audit export.
func (sm *StateMachine) History() []TransitionRecord {
	out := make([]TransitionRecord, len(sm.history))
	copy(out, sm.history)
	return out
}

// AllStates returns every lifecycle state, sorted, for exhaustive checks.
func AllStates() []Status {
	set := map[Status]bool{}
	for from, tos := range transitions {
		set[from] = true
		for _, to := range tos {
			set[to] = true
		}
	}
	out := make([]Status, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
