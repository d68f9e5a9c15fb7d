package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromptSectionsOrderedByPriority(t *testing.T) {
	b := NewPromptBuilder()
	v := &View{
		AgentID: "alice",
		Scrip:   50,
		History: []HistoryEntry{{Action: "noop", OK: true}},
	}
	prompt := b.Build(v)

	identity := strings.Index(prompt, "You are alice")
	economy := strings.Index(prompt, "Scrip balance: 50")
	history := strings.Index(prompt, "Your recent actions")
	actions := strings.Index(prompt, "exactly one action")
	assert.True(t, identity >= 0 && identity < economy)
	assert.True(t, economy < history)
	assert.True(t, history < actions)
}

func TestPromptDisableAndReprioritize(t *testing.T) {
	b := NewPromptBuilder()
	b.Disable("recent_events")
	b.SetPriority("history", 5)

	v := &View{
		AgentID:      "alice",
		RecentEvents: []string{"#1 action"},
		History:      []HistoryEntry{{Action: "transfer", Target: "bob", OK: false, Error: "insufficient scrip"}},
	}
	prompt := b.Build(v)

	assert.NotContains(t, prompt, "Recent world events")
	history := strings.Index(prompt, "Your recent actions")
	economy := strings.Index(prompt, "Scrip balance")
	assert.True(t, history < economy, "history moved ahead of economy")
	assert.Contains(t, prompt, "FAILED: insufficient scrip")
}

func TestPromptSkipsEmptySections(t *testing.T) {
	b := NewPromptBuilder()
	prompt := b.Build(&View{AgentID: "alice"})
	assert.NotContains(t, prompt, "Open mint tasks")
	assert.NotContains(t, prompt, "Subscription updates")
	assert.NotContains(t, prompt, "\n\n\n")
}

func TestCustomSection(t *testing.T) {
	b := NewPromptBuilder()
	b.Add(Section{Name: "handbook", Priority: 15, Render: func(v *View) string {
		return "House rule: be polite."
	}})
	prompt := b.Build(&View{AgentID: "alice"})
	assert.Contains(t, prompt, "House rule")
}
