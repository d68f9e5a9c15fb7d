// Package executor implements the action narrow waist: the small closed set
// of primitives through which every agent effect flows. Each action runs the
// same pipeline (permission check, payer resolution, delegation verification,
// quota check, atomic settlement, effect, logging, trigger dispatch), so no
// artifact ever touches the store or the ledger directly.
package executor

import "encoding/json"

// ActionType is the closed action enumeration.
type ActionType string

const (
	ActionNoop        ActionType = "noop"
	ActionRead        ActionType = "read_artifact"
	ActionWrite       ActionType = "write_artifact"
	ActionEdit        ActionType = "edit_artifact"
	ActionDelete      ActionType = "delete_artifact"
	ActionInvoke      ActionType = "invoke_artifact"
	ActionTransfer    ActionType = "transfer"
	ActionMint        ActionType = "mint"
	ActionQuery       ActionType = "query_kernel"
	ActionSubscribe   ActionType = "subscribe_artifact"
	ActionUnsubscribe ActionType = "unsubscribe_artifact"
)

// ActionTypes lists every valid action, for schema generation and error
// messages.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionNoop, ActionRead, ActionWrite, ActionEdit, ActionDelete,
		ActionInvoke, ActionTransfer, ActionMint, ActionQuery,
		ActionSubscribe, ActionUnsubscribe,
	}
}

// ActionIntent is one proposed action, as parsed from an agent's LLM output
// or constructed by kernel components. Reasoning is required on agent-issued
// intents and carried verbatim into the event log.
type ActionIntent struct {
	ActionType ActionType `json:"action_type"`
	Reasoning  string     `json:"reasoning,omitempty"`

	// OODA cognitive schema fields, logged alongside the action.
	SituationAssessment string `json:"situation_assessment,omitempty"`
	ActionRationale     string `json:"action_rationale,omitempty"`

	Target           string         `json:"target,omitempty"`
	Content          any            `json:"content,omitempty"`
	AccessContractID string         `json:"access_contract_id,omitempty"`
	HasStanding      bool           `json:"has_standing,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Patch            map[string]any `json:"patch,omitempty"`
	Method           string         `json:"method,omitempty"`
	Args             []any          `json:"args,omitempty"`
	Recipient        string         `json:"recipient,omitempty"`
	Amount           int64          `json:"amount,omitempty"`
	Memo             string         `json:"memo,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	QueryType        string         `json:"query_type,omitempty"`
	Params           map[string]any `json:"params,omitempty"`

	// Depth counts nested contract and invocation chains. Zero for
	// agent-issued actions; kernel-internal re-entry increments it.
	Depth int `json:"-"`
}

// ActionResult is what the caller gets back. Exactly one of OK or ErrorKind
// is meaningful; failures always carry a stable kind plus a readable message.
type ActionResult struct {
	OK         bool       `json:"ok"`
	ActionType ActionType `json:"action_type"`
	Target     string     `json:"target,omitempty"`
	EventNo    uint64     `json:"event_number"`
	Data       any        `json:"data,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ParseIntent decodes an agent's raw JSON action.
func ParseIntent(raw []byte) (*ActionIntent, error) {
	var intent ActionIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// NormalizeArgs applies the wire convention for invoke arguments: an argument
// that is a JSON string is parsed if and only if it parses to an object or an
// array. Scalar-looking strings stay strings.
func NormalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
		s, ok := a.(string)
		if !ok {
			continue
		}
		trimmed := trimLeadingSpace(s)
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			switch parsed.(type) {
			case map[string]any, []any:
				out[i] = parsed
			}
		}
	}
	return out
}

func trimLeadingSpace(s string) string {
	for len(s) > 0 {
		switch s[0] {
		case ' ', '\t', '\n', '\r':
			s = s[1:]
		default:
			return s
		}
	}
	return s
}
