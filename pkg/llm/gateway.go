package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
)

// Resource names the gateway charges against.
const (
	ResourceTokens = "llm_tokens"
	ResourceMicro  = "llm_micro_dollars"
)

// Gateway meters model access for everything in the world: agent minds, the
// contract advisor, and the llm_gateway host artifact that lets executables
// buy completions. Usage is charged to the calling principal after the
// provider reports it; the rolling window then throttles subsequent calls.
type Gateway struct {
	client   Client
	ledger   *ledger.Ledger
	pricing  Pricing
	effort   string
	recorder ChargeRecorder
	logger   *slog.Logger
}

// ChargeRecorder observes every applied model charge. Wired at bootstrap so
// the kernel can mirror gateway spending onto the event log.
type ChargeRecorder func(principal string, tokens, microDollars int64)

func NewGateway(client Client, led *ledger.Ledger, pricing Pricing, defaultEffort string, logger *slog.Logger) (*Gateway, error) {
	if !ValidEffort(defaultEffort) {
		return nil, fmt.Errorf("invalid reasoning_effort %q, valid: none, low, medium, high", defaultEffort)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:  client,
		ledger:  led,
		pricing: pricing,
		effort:  defaultEffort,
		logger:  logger.With("component", "llm"),
	}, nil
}

// Complete runs one metered completion on behalf of a principal.
func (g *Gateway) Complete(ctx context.Context, principal string, req *Request) (*Response, error) {
	if req.ReasoningEffort == "" {
		req.ReasoningEffort = g.effort
	}
	if !ValidEffort(req.ReasoningEffort) {
		return nil, fmt.Errorf("invalid reasoning_effort %q, valid: none, low, medium, high", req.ReasoningEffort)
	}

	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	g.charge(principal, resp.Usage)
	return resp, nil
}

// charge debits the principal's model quotas. The call already happened, so a
// quota breach here is logged and the overage still lands on the window,
// throttling the next call rather than this one.
func (g *Gateway) charge(principal string, u Usage) {
	if g.ledger == nil || !g.ledger.Enrolled(principal) {
		return
	}
	if err := g.ledger.ReserveAndCharge(principal, ResourceTokens, u.Total()); err != nil {
		g.logger.Warn("llm token quota exceeded", "principal", principal,
			"tokens", u.Total(), "error", err)
	}
	cost := g.pricing.Cost(u)
	if cost > 0 {
		if err := g.ledger.ReserveAndCharge(principal, ResourceMicro, cost); err != nil {
			g.logger.Warn("llm spend quota exceeded", "principal", principal,
				"micro_dollars", cost, "error", err)
		}
	}
	if g.recorder != nil {
		g.recorder(principal, u.Total(), cost)
	}
}

// SetRecorder installs the charge observer. Bootstrap-time only.
func (g *Gateway) SetRecorder(r ChargeRecorder) { g.recorder = r }

// Remaining reports how many tokens the principal may still spend in the
// current window. Used by the scheduler to suspend over-budget agents.
func (g *Gateway) Remaining(principal string) (int64, error) {
	q, err := g.ledger.Quota(principal, ResourceTokens)
	if err != nil {
		return 0, err
	}
	return q.Limit - q.Used, nil
}

// HostFunc adapts the gateway into the executor's host registry so a kernel
// artifact can expose completions to executables. The caller pays.
func (g *Gateway) HostFunc() func(ctx context.Context, caller, method string, args []any, depth int) (any, error) {
	return func(ctx context.Context, caller, method string, args []any, depth int) (any, error) {
		if method != "complete" {
			return nil, fmt.Errorf("llm_gateway has no method %q, interface: [complete]", method)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("complete requires an argument object")
		}
		params, ok := args[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("complete argument must be an object")
		}
		prompt, _ := params["prompt"].(string)
		if prompt == "" {
			return nil, fmt.Errorf("complete requires a prompt")
		}
		req := &Request{Messages: []Message{{Role: "user", Content: prompt}}}
		if system, _ := params["system"].(string); system != "" {
			req.System = system
		}
		if effort, _ := params["reasoning_effort"].(string); effort != "" {
			req.ReasoningEffort = effort
		}
		if maxTokens, ok := params["max_tokens"].(float64); ok && maxTokens > 0 {
			req.MaxTokens = int(maxTokens)
		}

		// Pre-flight: a principal with no window headroom is refused before
		// the provider is called.
		if remaining, err := g.Remaining(caller); err == nil && remaining <= 0 {
			return nil, fmt.Errorf("llm token window exhausted for %s", caller)
		}

		resp, err := g.Complete(ctx, caller, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"content":           resp.Content,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		}, nil
	}
}

// Advisor adapts the gateway for the permission engine: contract advice is
// paid by a fixed principal, normally the contract's creator.
type Advisor struct {
	gateway *Gateway
	payer   string
}

func NewAdvisor(g *Gateway, payer string) *Advisor {
	return &Advisor{gateway: g, payer: payer}
}

func (a *Advisor) Advise(ctx context.Context, prompt string) (string, error) {
	resp, err := a.gateway.Complete(ctx, a.payer, &Request{
		Messages:        []Message{{Role: "user", Content: prompt}},
		ReasoningEffort: EffortLow,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
