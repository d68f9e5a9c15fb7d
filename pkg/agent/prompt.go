package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Section is one block of agent context. Priority orders sections in the
// assembled prompt, 0 first, 100 last; equal priorities keep registration
// order. Disabled sections are skipped without renumbering the rest.
type Section struct {
	Name     string
	Priority int
	Disabled bool
	Render   func(v *View) string
}

// View is the world snapshot a prompt is rendered from. The scheduler fills
// it before each turn; renderers never touch the kernel directly.
type View struct {
	AgentID       string
	Scrip         int64
	Quotas        []QuotaLine
	RecentEvents  []string
	History       []HistoryEntry
	Failures      []string
	Notifications []string
	MintTasks     []string
	Goal          string
}

type QuotaLine struct {
	Resource string
	Used     int64
	Limit    int64
}

// HistoryEntry is one past action and its outcome, kept in the agent's ring.
type HistoryEntry struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	EventNo uint64 `json:"event_number"`
}

// PromptBuilder assembles the per-turn prompt from its registered sections.
type PromptBuilder struct {
	sections []Section
}

// NewPromptBuilder returns a builder with the default section set. Callers
// can disable sections by name or add their own before the world starts.
func NewPromptBuilder() *PromptBuilder {
	b := &PromptBuilder{}
	b.Add(Section{Name: "identity", Priority: 0, Render: renderIdentity})
	b.Add(Section{Name: "goal", Priority: 10, Render: renderGoal})
	b.Add(Section{Name: "economy", Priority: 20, Render: renderEconomy})
	b.Add(Section{Name: "mint_tasks", Priority: 30, Render: renderMintTasks})
	b.Add(Section{Name: "notifications", Priority: 40, Render: renderNotifications})
	b.Add(Section{Name: "recent_events", Priority: 50, Render: renderRecentEvents})
	b.Add(Section{Name: "history", Priority: 60, Render: renderHistory})
	b.Add(Section{Name: "failures", Priority: 70, Render: renderFailures})
	b.Add(Section{Name: "actions", Priority: 90, Render: renderActions})
	return b
}

// Add registers a section.
func (b *PromptBuilder) Add(s Section) {
	b.sections = append(b.sections, s)
}

// Disable turns a named section off. Unknown names are a no-op.
func (b *PromptBuilder) Disable(name string) {
	for i := range b.sections {
		if b.sections[i].Name == name {
			b.sections[i].Disabled = true
		}
	}
}

// SetPriority moves a named section. Unknown names are a no-op.
func (b *PromptBuilder) SetPriority(name string, priority int) {
	for i := range b.sections {
		if b.sections[i].Name == name {
			b.sections[i].Priority = priority
		}
	}
}

// Build renders the enabled sections in priority order.
func (b *PromptBuilder) Build(v *View) string {
	ordered := make([]Section, 0, len(b.sections))
	for _, s := range b.sections {
		if !s.Disabled {
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	var out strings.Builder
	for _, s := range ordered {
		text := s.Render(v)
		if text == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(text)
	}
	return out.String()
}

func renderIdentity(v *View) string {
	return fmt.Sprintf("You are %s, an agent in a shared artifact economy. "+
		"Everything you can see or touch is an artifact; you act once per turn.", v.AgentID)
}

func renderGoal(v *View) string {
	if v.Goal == "" {
		return ""
	}
	return "Your goal: " + v.Goal
}

func renderEconomy(v *View) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Scrip balance: %d", v.Scrip)
	for _, q := range v.Quotas {
		fmt.Fprintf(&out, "\n%s: %d/%d used", q.Resource, q.Used, q.Limit)
	}
	return out.String()
}

func renderMintTasks(v *View) string {
	if len(v.MintTasks) == 0 {
		return ""
	}
	return "Open mint tasks (solve one to earn newly minted scrip):\n- " +
		strings.Join(v.MintTasks, "\n- ")
}

func renderNotifications(v *View) string {
	if len(v.Notifications) == 0 {
		return ""
	}
	return "Subscription updates since your last turn:\n- " +
		strings.Join(v.Notifications, "\n- ")
}

func renderRecentEvents(v *View) string {
	if len(v.RecentEvents) == 0 {
		return ""
	}
	return "Recent world events:\n- " + strings.Join(v.RecentEvents, "\n- ")
}

func renderHistory(v *View) string {
	if len(v.History) == 0 {
		return ""
	}
	lines := make([]string, 0, len(v.History))
	for _, h := range v.History {
		status := "ok"
		if !h.OK {
			status = "FAILED: " + h.Error
		}
		target := h.Target
		if target != "" {
			target = " " + target
		}
		lines = append(lines, fmt.Sprintf("%s%s (%s)", h.Action, target, status))
	}
	return "Your recent actions, oldest first:\n- " + strings.Join(lines, "\n- ")
}

func renderFailures(v *View) string {
	if len(v.Failures) == 0 {
		return ""
	}
	return "Recent failures to avoid repeating:\n- " + strings.Join(v.Failures, "\n- ")
}

func renderActions(v *View) string {
	return `Respond with a single JSON object choosing exactly one action:
noop, read_artifact, write_artifact, edit_artifact, delete_artifact,
invoke_artifact, transfer, mint, query_kernel, subscribe_artifact,
unsubscribe_artifact. Every response must include "action_type" and a
non-empty "reasoning" field. Use query_kernel to discover artifacts,
balances, mint tasks, and your own quotas.`
}

// describe renders any value compactly for prompt inclusion.
func describe(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
