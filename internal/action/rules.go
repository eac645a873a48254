package action

import (
	"fmt"
	"log/slog"
	"strings"
)

// Rule is a single confirmation predicate. Rules are stateless and
// side-effect-free; Reason is the string shown to the human approver when
// the rule triggers.
type Rule struct {
	Name      string
	Reason    string
	Condition func(schema Schema, params map[string]any, requester Requester) bool
}

// RulesEngine evaluates an ordered rule list against an action. The order is
// fixed at construction so the reasons in a preview are reproducible.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine builds an engine over the given rules, evaluated in slice
// order. Pass DefaultRules() for the built-in set.
func NewRulesEngine(rules []Rule) *RulesEngine {
	return &RulesEngine{rules: rules}
}

// Evaluate runs every rule against the action. It returns whether at least
// one rule triggered and the triggered rules' reasons in rule order. A rule
// that panics is treated as not triggered: a faulty rule degrades to a
// missing reason, never to a failed request.
func (e *RulesEngine) Evaluate(schema Schema, params map[string]any, requester Requester) (bool, []string) {
	var reasons []string
	for _, rule := range e.rules {
		if e.safeCheck(rule, schema, params, requester) {
			reasons = append(reasons, rule.Reason)
		}
	}
	return len(reasons) > 0, reasons
}

func (e *RulesEngine) safeCheck(rule Rule, schema Schema, params map[string]any, requester Requester) (triggered bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("confirmation rule panicked, treating as not triggered",
				"rule", rule.Name, "action_type", schema.ActionType, "panic", r)
			triggered = false
		}
	}()
	return rule.Condition(schema, params, requester)
}

var destructiveKeywords = []string{"delete", "remove", "rmdir", "unlink"}

// DefaultRules returns the built-in confirmation rule set, in evaluation
// order: high_risk, schema_requires, external_recipient,
// destructive_filesystem, system_command.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:   "high_risk",
			Reason: "This action is classified as high-risk.",
			Condition: func(schema Schema, _ map[string]any, _ Requester) bool {
				return schema.RiskLevel.Rank() >= RiskHigh.Rank()
			},
		},
		{
			Name:   "schema_requires",
			Reason: "This action type always requires confirmation.",
			Condition: func(schema Schema, _ map[string]any, _ Requester) bool {
				return schema.RequiresConfirmation
			},
		},
		{
			Name:   "external_recipient",
			Reason: "Action targets an external recipient.",
			Condition: func(_ Schema, params map[string]any, _ Requester) bool {
				v, ok := params["recipient"]
				return ok && strings.Contains(fmt.Sprint(v), "@")
			},
		},
		{
			Name:   "destructive_filesystem",
			Reason: "Destructive file operation detected.",
			Condition: func(schema Schema, params map[string]any, _ Requester) bool {
				if !strings.HasPrefix(schema.ActionType, "filesystem.") {
					return false
				}
				blob := strings.ToLower(fmt.Sprint(params))
				for _, kw := range destructiveKeywords {
					if strings.Contains(blob, kw) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:   "system_command",
			Reason: "System command execution requires explicit approval.",
			Condition: func(schema Schema, _ map[string]any, _ Requester) bool {
				return schema.ActionType == "system.run_command"
			},
		},
	}
}
