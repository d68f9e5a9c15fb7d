package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/sandbox"
	gocache "github.com/patrickmn/go-cache"
)

// Advisor answers free-form questions for contracts that carry the call_llm
// capability. Wired to the LLM gateway at bootstrap; nil disables advice.
type Advisor interface {
	Advise(ctx context.Context, prompt string) (string, error)
}

// Config holds the permission engine knobs. Everything is settable from the
// configuration tree; nothing here is a hidden default.
type Config struct {
	MaxDepth           int
	FallbackContractID string
	DanglingOpen       bool
	EvalTimeout        time.Duration
	AdvisorTimeout     time.Duration
}

// Request identifies one gated operation.
type Request struct {
	Caller      string
	Action      string
	Target      *artifacts.Artifact
	EventNumber uint64
	Depth       int
	Context     map[string]any
}

// Engine resolves and evaluates access contracts. Decisions may be cached per
// contract (opt-in via cache_policy.ttl_seconds in the contract content);
// cache keys include the contract content fingerprint, so editing a contract
// invalidates its cached decisions without an explicit flush.
type Engine struct {
	store   *artifacts.Store
	eval    *sandbox.Evaluator
	cache   *gocache.Cache
	advisor Advisor
	config  Config
	logger  *slog.Logger
}

// NewEngine wires the permission engine.
func NewEngine(store *artifacts.Store, eval *sandbox.Evaluator, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 10
	}
	if config.EvalTimeout <= 0 {
		config.EvalTimeout = 5 * time.Second
	}
	if config.AdvisorTimeout <= 0 {
		config.AdvisorTimeout = 30 * time.Second
	}
	return &Engine{
		store:  store,
		eval:   eval,
		cache:  gocache.New(5*time.Minute, 10*time.Minute),
		config: config,
		logger: logger.With("component", "contracts"),
	}
}

// SetAdvisor installs the LLM advisor. Called once at bootstrap.
func (e *Engine) SetAdvisor(a Advisor) { e.advisor = a }

// Check evaluates the target's access contract for one request.
func (e *Engine) Check(ctx context.Context, req Request) (PermissionResult, error) {
	if req.Depth > e.config.MaxDepth {
		return PermissionResult{}, fmt.Errorf("%w: depth %d > max %d",
			ErrDepthExceeded, req.Depth, e.config.MaxDepth)
	}

	contract, err := e.resolve(req)
	if err != nil {
		return PermissionResult{}, err
	}
	if contract == nil {
		// Dangling and configured fail-open: allow, loudly.
		e.logger.Warn("dangling access contract, failing open",
			"target", req.Target.ID, "contract", req.Target.AccessContractID,
			"caller", req.Caller, "action", req.Action)
		return PermissionResult{Allow: true, Reason: "dangling contract, default open"}, nil
	}

	content := contract.ContentMap()
	expr, _ := content["check_permission"].(string)
	if expr == "" {
		return PermissionResult{}, fmt.Errorf("%w: contract %s has no check_permission",
			ErrMalformed, contract.ID)
	}

	key, ttl := e.cacheKey(req, contract, content)
	if ttl > 0 {
		if hit, ok := e.cache.Get(key); ok {
			return hit.(PermissionResult), nil
		}
	}

	vars := e.activation(req, content)
	if e.advisor != nil && contract.HasCapability("call_llm") {
		if prompt, ok := content["advisor_prompt"].(string); ok && prompt != "" {
			e.advise(ctx, contract.ID, prompt, vars)
		}
	}

	timeout := e.config.EvalTimeout
	if contract.HasCapability("call_llm") {
		timeout = e.config.AdvisorTimeout
	}
	raw, err := e.eval.Eval(ctx, expr, vars, timeout)
	if err != nil {
		return PermissionResult{}, fmt.Errorf("contract %s: %w", contract.ID, err)
	}
	res, err := parseResult(raw)
	if err != nil {
		return PermissionResult{}, fmt.Errorf("contract %s: %w", contract.ID, err)
	}
	res.ContractID = contract.ID
	res.ContractCreator = contract.CreatedBy

	if ttl > 0 && len(res.StateUpdates) == 0 {
		// Stateful decisions are never cached: replaying them would skip
		// their state transitions.
		e.cache.Set(key, res, ttl)
	}
	return res, nil
}

// resolve finds the live contract artifact, walking to the configured
// fallback when the named contract has been deleted. Returns (nil, nil) when
// nothing is live and the engine is configured to fail open, and ErrDangling
// when it is not.
func (e *Engine) resolve(req Request) (*artifacts.Artifact, error) {
	id := req.Target.AccessContractID
	if id != "" {
		if c, err := e.store.Get(id); err == nil {
			return c, nil
		}
	}
	if fb := e.config.FallbackContractID; fb != "" && fb != id {
		if c, err := e.store.Get(fb); err == nil {
			e.logger.Warn("access contract missing, using fallback",
				"target", req.Target.ID, "contract", id, "fallback", fb)
			return c, nil
		}
	}
	if e.config.DanglingOpen {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrDangling, id, req.Target.ID)
}

// activation builds the variable set a contract sees. Only kernel-verified
// facts are included; target metadata is deliberately absent because any
// writer can set it.
func (e *Engine) activation(req Request, content map[string]any) map[string]any {
	state, _ := content["state"].(map[string]any)
	if state == nil {
		state = map[string]any{}
	}
	reqCtx := req.Context
	if reqCtx == nil {
		reqCtx = map[string]any{}
	}
	return map[string]any{
		"caller":       req.Caller,
		"action":       req.Action,
		"target":       req.Target.ID,
		"created_by":   req.Target.CreatedBy,
		"event_number": int64(req.EventNumber),
		"state":        state,
		"context":      reqCtx,
	}
}

func (e *Engine) advise(ctx context.Context, contractID, prompt string, vars map[string]any) {
	actx, cancel := context.WithTimeout(ctx, e.config.AdvisorTimeout)
	defer cancel()
	advice, err := e.advisor.Advise(actx, prompt)
	if err != nil {
		e.logger.Warn("contract advisor call failed", "contract", contractID, "error", err)
		advice = ""
	}
	reqCtx := vars["context"].(map[string]any)
	merged := make(map[string]any, len(reqCtx)+1)
	for k, v := range reqCtx {
		merged[k] = v
	}
	merged["llm_advice"] = advice
	vars["context"] = merged
}

func (e *Engine) cacheKey(req Request, contract *artifacts.Artifact, content map[string]any) (string, time.Duration) {
	policy, _ := content["cache_policy"].(map[string]any)
	if policy == nil {
		return "", 0
	}
	ttlSec, ok := policy["ttl_seconds"].(float64)
	if !ok {
		if n, isInt := policy["ttl_seconds"].(int); isInt {
			ttlSec = float64(n)
		} else {
			return "", 0
		}
	}
	if ttlSec <= 0 {
		return "", 0
	}
	key := fmt.Sprintf("%s|%s|%s|%s", req.Target.ID, req.Action, req.Caller,
		artifacts.ContentFingerprint(contract.Content))
	return key, time.Duration(ttlSec * float64(time.Second))
}
