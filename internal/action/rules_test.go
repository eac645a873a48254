package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultEngine() *RulesEngine {
	return NewRulesEngine(DefaultRules())
}

func TestNoRulesTriggeredForLowRiskRead(t *testing.T) {
	schema := Schema{ActionType: "filesystem.read_file", RiskLevel: RiskLow}
	needs, reasons := defaultEngine().Evaluate(schema, map[string]any{"path": "/tmp/a.txt"}, Requester{})
	assert.False(t, needs)
	assert.Empty(t, reasons)
}

// Every HIGH or CRITICAL schema requires confirmation no matter the params.
func TestHighRiskAlwaysRequiresConfirmation(t *testing.T) {
	paramSets := []map[string]any{
		nil,
		{},
		{"recipient": "nobody"},
		{"anything": 42},
	}
	for _, level := range []RiskLevel{RiskHigh, RiskCritical} {
		schema := Schema{ActionType: "x.y", RiskLevel: level}
		for _, params := range paramSets {
			needs, reasons := defaultEngine().Evaluate(schema, params, Requester{})
			require.True(t, needs, "risk=%s params=%v", level, params)
			assert.Contains(t, reasons, "This action is classified as high-risk.")
		}
	}
}

func TestSchemaRequiresConfirmationFlag(t *testing.T) {
	schema := Schema{ActionType: "macro.work_mode", RiskLevel: RiskMedium, RequiresConfirmation: true}
	needs, reasons := defaultEngine().Evaluate(schema, nil, Requester{})
	assert.True(t, needs)
	assert.Equal(t, []string{"This action type always requires confirmation."}, reasons)
}

func TestExternalRecipientRule(t *testing.T) {
	schema := Schema{ActionType: "twilio.send_whatsapp", RiskLevel: RiskLow}

	needs, reasons := defaultEngine().Evaluate(schema, map[string]any{"recipient": "bob@example.com"}, Requester{})
	assert.True(t, needs)
	assert.Equal(t, []string{"Action targets an external recipient."}, reasons)

	needs, _ = defaultEngine().Evaluate(schema, map[string]any{"recipient": "+15551234"}, Requester{})
	assert.False(t, needs)
}

func TestDestructiveFilesystemRule(t *testing.T) {
	schema := Schema{ActionType: "filesystem.search", RiskLevel: RiskLow}

	needs, reasons := defaultEngine().Evaluate(schema, map[string]any{"query": "DELETE old backups"}, Requester{})
	assert.True(t, needs)
	assert.Equal(t, []string{"Destructive file operation detected."}, reasons)

	// Same keyword outside the filesystem namespace does not trigger.
	other := Schema{ActionType: "browser.open_url", RiskLevel: RiskLow}
	needs, _ = defaultEngine().Evaluate(other, map[string]any{"url": "delete"}, Requester{})
	assert.False(t, needs)
}

func TestSystemCommandRule(t *testing.T) {
	schema := Schema{ActionType: "system.run_command", RiskLevel: RiskCritical, RequiresConfirmation: true}
	needs, reasons := defaultEngine().Evaluate(schema, map[string]any{"command": "ls"}, Requester{})
	assert.True(t, needs)
	// Reasons come back in rule-definition order.
	assert.Equal(t, []string{
		"This action is classified as high-risk.",
		"This action type always requires confirmation.",
		"System command execution requires explicit approval.",
	}, reasons)
}

// A panicking rule degrades to "did not trigger"; the rest still evaluate.
func TestPanickingRuleDoesNotAbortEvaluation(t *testing.T) {
	rules := []Rule{
		{
			Name:   "broken",
			Reason: "should never appear",
			Condition: func(Schema, map[string]any, Requester) bool {
				panic("rule bug")
			},
		},
	}
	rules = append(rules, DefaultRules()...)
	eng := NewRulesEngine(rules)

	schema := Schema{ActionType: "system.run_command", RiskLevel: RiskCritical}
	needs, reasons := eng.Evaluate(schema, nil, Requester{})
	assert.True(t, needs)
	assert.NotContains(t, reasons, "should never appear")
	assert.Contains(t, reasons, "System command execution requires explicit approval.")
}
