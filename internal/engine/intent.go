package engine

import "strings"

// IntentResolver maps free-text input to an action type. It is a deliberate
// placeholder boundary: the keyword matcher below stands in for a future NLU
// component and should stay trivial.
type IntentResolver interface {
	// Resolve returns the matched action type, or ok=false when the input
	// matched nothing.
	Resolve(text string) (actionType string, ok bool)
}

type keywordGroup struct {
	actionType string
	keywords   []string
}

// KeywordResolver matches input against ordered keyword groups; the first
// group with a matching keyword wins, so registration order decides ties.
type KeywordResolver struct {
	groups []keywordGroup
}

// NewKeywordResolver returns the built-in keyword matcher.
func NewKeywordResolver() *KeywordResolver {
	return &KeywordResolver{groups: []keywordGroup{
		{"gmail.send_email", []string{"send email", "email", "mail", "write to"}},
		{"gmail.read_inbox", []string{"read email", "check mail", "inbox"}},
		{"twilio.make_call", []string{"call", "dial", "phone"}},
		{"twilio.send_whatsapp", []string{"whatsapp", "message"}},
		{"filesystem.read_file", []string{"read file", "open file", "show file"}},
		{"filesystem.search", []string{"search file", "find file", "locate"}},
		{"browser.youtube_play", []string{"youtube", "play video", "play music"}},
		{"browser.open_url", []string{"open url", "browse", "open website"}},
		{"system.run_command", []string{"run command", "execute command", "terminal"}},
		{"macro.work_mode", []string{"work mode", "start working"}},
	}}
}

func (r *KeywordResolver) Resolve(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, g := range r.groups {
		for _, kw := range g.keywords {
			if strings.Contains(lower, kw) {
				return g.actionType, true
			}
		}
	}
	return "", false
}
