// Package llm provides the model client used by agent minds, the contract
// advisor, and the llm_gateway host artifact. Every call is metered: token
// usage is charged against the caller's ledger quotas so model spend is a
// scarce resource like any other.
package llm

import (
	"context"
	"fmt"
)

// Reasoning effort levels accepted by configuration and per-request overrides.
const (
	EffortNone   = "none"
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// ValidEffort reports whether s names a supported reasoning effort.
func ValidEffort(s string) bool {
	switch s {
	case "", EffortNone, EffortLow, EffortMedium, EffortHigh:
		return true
	}
	return false
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. ResponseSchema, when set, asks the provider
// for a JSON object conforming to the schema.
type Request struct {
	System          string         `json:"system,omitempty"`
	Messages        []Message      `json:"messages"`
	ResponseSchema  map[string]any `json:"response_schema,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
	MaxTokens       int            `json:"max_tokens,omitempty"`
	Temperature     float64        `json:"temperature,omitempty"`
}

// Usage is the provider-reported token consumption for one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

func (u Usage) Total() int64 { return u.PromptTokens + u.CompletionTokens }

type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client is the provider abstraction. Implementations must honor ctx
// cancellation; the scheduler cancels in-flight calls on shutdown.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Pricing converts token usage to scrip-denominated model spend, in
// micro-dollars per token so integer math suffices.
type Pricing struct {
	PromptMicroPerToken     int64 `json:"prompt_micro_per_token" yaml:"prompt_micro_per_token"`
	CompletionMicroPerToken int64 `json:"completion_micro_per_token" yaml:"completion_micro_per_token"`
}

// Cost returns the micro-dollar cost of a call.
func (p Pricing) Cost(u Usage) int64 {
	return u.PromptTokens*p.PromptMicroPerToken + u.CompletionTokens*p.CompletionMicroPerToken
}

// ScriptedClient replays canned responses in order. Test double; it also backs
// deterministic replay runs where no provider is configured.
type ScriptedClient struct {
	Responses []*Response
	Requests  []*Request
	next      int
}

func (s *ScriptedClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.Requests = append(s.Requests, req)
	if s.next >= len(s.Responses) {
		return nil, fmt.Errorf("scripted client exhausted after %d responses", len(s.Responses))
	}
	r := s.Responses[s.next]
	s.next++
	return r, nil
}
