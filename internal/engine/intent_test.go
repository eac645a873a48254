package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordResolver(t *testing.T) {
	r := NewKeywordResolver()

	cases := map[string]string{
		"send email to the team": "gmail.send_email",
		"CALL my dentist":        "twilio.make_call",
		"play music please":      "browser.youtube_play",
		"open the terminal":      "system.run_command",
		"start working now":      "macro.work_mode",
	}
	for input, want := range cases {
		got, ok := r.Resolve(input)
		require.True(t, ok, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}

	_, ok := r.Resolve("completely unrelated gibberish")
	assert.False(t, ok)
}

// The first registered group wins ties: "email" belongs to send_email, which
// is registered before read_inbox.
func TestKeywordResolverOrderIsDeterministic(t *testing.T) {
	r := NewKeywordResolver()
	got, ok := r.Resolve("read email")
	require.True(t, ok)
	assert.Equal(t, "gmail.send_email", got)
}
