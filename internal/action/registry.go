package action

import (
	"fmt"
	"sort"
)

// Registry is the static catalog of action schemas. It is built once at
// startup and exposes no mutation API afterwards; adding an action type
// means redeploying with a new registry.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry builds a registry from the given schemas. It rejects duplicate
// action types and schemas that fail basic validation, so a misconfigured
// deployment dies at startup rather than at request time.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		if s.ActionType == "" {
			return nil, fmt.Errorf("registry: schema with empty action type (display_name=%q)", s.DisplayName)
		}
		if !s.RiskLevel.Valid() {
			return nil, fmt.Errorf("registry: %s: invalid risk level %q", s.ActionType, s.RiskLevel)
		}
		if s.CooldownSeconds < 0 || s.MaxDailyExecutions < 0 {
			return nil, fmt.Errorf("registry: %s: negative cooldown or daily cap", s.ActionType)
		}
		if _, dup := r.schemas[s.ActionType]; dup {
			return nil, fmt.Errorf("registry: duplicate action type %s", s.ActionType)
		}
		if len(s.AllowedRoles) == 0 {
			s.AllowedRoles = []string{"user", "admin"}
		}
		r.schemas[s.ActionType] = s
	}
	return r, nil
}

// Lookup returns the schema for an action type. The second return value is
// false for unknown types; lookup never fails any other way.
func (r *Registry) Lookup(actionType string) (Schema, bool) {
	s, ok := r.schemas[actionType]
	return s, ok
}

// List returns all registered schemas sorted by action type, so schema
// listings are reproducible across calls.
func (r *Registry) List() []Schema {
	out := make([]Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	return len(r.schemas)
}

// DefaultSchemas returns the built-in action catalog.
func DefaultSchemas() []Schema {
	return []Schema{
		{
			ActionType:           "gmail.send_email",
			DisplayName:          "Send Email",
			Description:          "Send an email via Gmail API",
			RiskLevel:            RiskHigh,
			RequiresConfirmation: true,
			RequiredParams:       []string{"recipient", "subject", "body"},
			Executor:             "gmail",
			MaxDailyExecutions:   50,
		},
		{
			ActionType:     "gmail.read_inbox",
			DisplayName:    "Read Inbox",
			Description:    "Read recent emails from Gmail inbox",
			RiskLevel:      RiskLow,
			RequiredParams: []string{},
			OptionalParams: []string{"limit", "query"},
			Executor:       "gmail",
		},
		{
			ActionType:           "twilio.make_call",
			DisplayName:          "Make Phone Call",
			Description:          "Make a voice call via Twilio",
			RiskLevel:            RiskHigh,
			RequiresConfirmation: true,
			RequiredParams:       []string{"recipient"},
			OptionalParams:       []string{"message"},
			Executor:             "twilio_voice",
			CooldownSeconds:      30,
			MaxDailyExecutions:   20,
		},
		{
			ActionType:           "twilio.send_whatsapp",
			DisplayName:          "Send WhatsApp Message",
			Description:          "Send a WhatsApp message via Twilio",
			RiskLevel:            RiskMedium,
			RequiresConfirmation: true,
			RequiredParams:       []string{"recipient", "content"},
			Executor:             "twilio_whatsapp",
		},
		{
			ActionType:     "filesystem.read_file",
			DisplayName:    "Read File",
			Description:    "Read contents of a local file",
			RiskLevel:      RiskLow,
			RequiredParams: []string{"path"},
			Executor:       "filesystem",
		},
		{
			ActionType:     "filesystem.search",
			DisplayName:    "Search Files",
			Description:    "Search for files by name or content",
			RiskLevel:      RiskLow,
			RequiredParams: []string{"query"},
			OptionalParams: []string{"directory", "extension"},
			Executor:       "filesystem",
		},
		{
			ActionType:     "filesystem.open_file",
			DisplayName:    "Open File",
			Description:    "Open a file or folder with default application",
			RiskLevel:      RiskLow,
			RequiredParams: []string{"path"},
			Executor:       "filesystem",
		},
		{
			ActionType:     "browser.open_url",
			DisplayName:    "Open URL",
			Description:    "Open a URL in the browser",
			RiskLevel:      RiskLow,
			RequiredParams: []string{"url"},
			Executor:       "browser",
		},
		{
			ActionType:     "browser.youtube_play",
			DisplayName:    "Play YouTube",
			Description:    "Search and play a YouTube video",
			RiskLevel:      RiskLow,
			RequiredParams: []string{"query"},
			Executor:       "browser",
		},
		{
			ActionType:           "system.run_command",
			DisplayName:          "Run System Command",
			Description:          "Run a non-privileged system command",
			RiskLevel:            RiskCritical,
			RequiresConfirmation: true,
			RequiredParams:       []string{"command"},
			Executor:             "system",
			MaxDailyExecutions:   100,
			AllowedRoles:         []string{"admin"},
		},
		{
			ActionType:           "macro.work_mode",
			DisplayName:          "Work Mode",
			Description:          "Activate work routine: open workspace, play music, send notification",
			RiskLevel:            RiskMedium,
			RequiresConfirmation: true,
			RequiredParams:       []string{},
			Executor:             "macros",
		},
	}
}

// DefaultRegistry builds a registry with the built-in action catalog.
// It panics on error since the defaults are compiled in.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultSchemas()...)
	if err != nil {
		panic(err)
	}
	return r
}
