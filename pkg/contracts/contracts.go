// Package contracts implements contract-driven permissions. Every gated
// kernel action asks the target's access contract for a decision; the
// contract is itself an artifact whose content carries a check_permission
// expression. Decisions may attach scrip and resource charges, which the
// executor settles atomically with the gated operation.
package contracts

import (
	"fmt"
	"strings"
)

// Permission errors surfaced to the executor.
var (
	ErrDepthExceeded = fmt.Errorf("contract depth exceeded")
	ErrDangling      = fmt.Errorf("dangling contract")
	ErrMalformed     = fmt.Errorf("malformed contract decision")
)

// Payer designators a contract may name. pool:<id> designates an arbitrary
// enrolled principal.
const (
	PayerCaller   = "caller"
	PayerTarget   = "target"
	PayerContract = "contract"
	payerPoolPfx  = "pool:"
)

// PermissionResult is the contract's decision plus its attached costs. The
// executor, not the contract, applies StateUpdates, atomically with the gated
// operation.
type PermissionResult struct {
	Allow         bool             `json:"allow"`
	Reason        string           `json:"reason,omitempty"`
	ScripCost     int64            `json:"scrip_cost,omitempty"`
	Payer         string           `json:"payer,omitempty"`
	Beneficiary   string           `json:"beneficiary,omitempty"`
	ResourceCosts map[string]int64 `json:"resource_costs,omitempty"`
	StateUpdates  map[string]any   `json:"state_updates,omitempty"`

	// Filled by the engine after evaluation: which contract decided, and who
	// created it. The executor needs these to resolve the "contract" payer
	// and to apply state updates to the right artifact.
	ContractID      string `json:"contract_id,omitempty"`
	ContractCreator string `json:"contract_creator,omitempty"`
}

// ValidPayer reports whether a payer designator is well formed.
func ValidPayer(p string) bool {
	switch p {
	case "", PayerCaller, PayerTarget, PayerContract:
		return true
	}
	return strings.HasPrefix(p, payerPoolPfx) && len(p) > len(payerPoolPfx)
}

// PoolID extracts the principal id from a pool:<id> designator, or "".
func PoolID(p string) string {
	if strings.HasPrefix(p, payerPoolPfx) {
		return p[len(payerPoolPfx):]
	}
	return ""
}

// parseResult normalizes a raw evaluation result. A bare boolean is a plain
// allow/deny; a map carries the full decision.
func parseResult(raw any) (PermissionResult, error) {
	switch v := raw.(type) {
	case bool:
		return PermissionResult{Allow: v}, nil
	case map[string]any:
		res := PermissionResult{}
		allow, ok := v["allow"].(bool)
		if !ok {
			return res, fmt.Errorf("%w: missing boolean allow", ErrMalformed)
		}
		res.Allow = allow
		if s, ok := v["reason"].(string); ok {
			res.Reason = s
		}
		if n, ok := asInt64(v["scrip_cost"]); ok {
			if n < 0 {
				return res, fmt.Errorf("%w: negative scrip_cost %d", ErrMalformed, n)
			}
			res.ScripCost = n
		}
		if s, ok := v["payer"].(string); ok {
			if !ValidPayer(s) {
				return res, fmt.Errorf("%w: payer %q", ErrMalformed, s)
			}
			res.Payer = s
		}
		if s, ok := v["beneficiary"].(string); ok {
			res.Beneficiary = s
		}
		if m, ok := v["resource_costs"].(map[string]any); ok {
			res.ResourceCosts = make(map[string]int64, len(m))
			for name, amt := range m {
				n, ok := asInt64(amt)
				if !ok || n < 0 {
					return res, fmt.Errorf("%w: resource_costs[%s]", ErrMalformed, name)
				}
				res.ResourceCosts[name] = n
			}
		}
		if m, ok := v["state_updates"].(map[string]any); ok {
			res.StateUpdates = m
		}
		return res, nil
	default:
		return PermissionResult{}, fmt.Errorf("%w: decision is %T, want bool or map", ErrMalformed, raw)
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
