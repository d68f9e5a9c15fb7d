package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/mint"
)

// queryParams enumerates the accepted params per query type. Unknown types
// and unknown params both produce errors that list the valid values.
var queryParams = map[string][]string{
	"artifacts":    {"owner", "type", "executable", "name_pattern", "limit", "offset"},
	"artifact":     {"id"},
	"principals":   {},
	"principal":    {"id"},
	"balances":     {},
	"resources":    {},
	"quotas":       {"principal"},
	"mint":         {},
	"events":       {"start", "end", "limit"},
	"invocations":  {"artifact", "limit"},
	"frozen":       {},
	"libraries":    {},
	"dependencies": {"id", "direction"},
}

// SetMintQuery installs the mint task view used by query_kernel. Bootstrap
// wiring.
func (x *Executor) SetMintQuery(fn func() []mint.PublicView) { x.mintTasks = fn }

// SetFrozenQuery installs the scheduler's frozen-agent view.
func (x *Executor) SetFrozenQuery(fn func() []string) { x.frozen = fn }

func (x *Executor) doQuery(caller string, intent *ActionIntent) *ActionResult {
	if err := validateQuery(intent.QueryType, intent.Params); err != nil {
		return x.fail(caller, intent, KindNotFound, err.Error())
	}
	data, err := x.runQuery(caller, intent.QueryType, intent.Params)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	e := &events.Event{
		Type: events.TypeAction, PrincipalID: caller,
		ActionType: string(ActionQuery), Reasoning: intent.Reasoning,
		Payload: map[string]any{"query_type": intent.QueryType},
	}
	x.emit(withCognition(e, intent))
	return &ActionResult{OK: true, ActionType: ActionQuery, EventNo: e.Number, Data: data}
}

func validateQuery(queryType string, params map[string]any) error {
	allowed, ok := queryParams[queryType]
	if !ok {
		return fmt.Errorf("unknown query_type %q, valid: %s",
			queryType, strings.Join(queryTypes(), ", "))
	}
	for p := range params {
		found := false
		for _, a := range allowed {
			if p == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown param %q for query_type %q, valid: %s",
				p, queryType, strings.Join(allowed, ", "))
		}
	}
	return nil
}

func queryTypes() []string {
	types := make([]string, 0, len(queryParams))
	for t := range queryParams {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (x *Executor) runQuery(caller, queryType string, params map[string]any) (any, error) {
	switch queryType {
	case "artifacts":
		return x.queryArtifacts(params), nil

	case "artifact":
		id, _ := params["id"].(string)
		a, err := x.store.Get(id)
		if err != nil {
			return nil, err
		}
		// Summary only; content requires a contract-gated read_artifact.
		return map[string]any{
			"id": a.ID, "type": a.Type, "created_by": a.CreatedBy,
			"access_contract_id": a.AccessContractID,
			"has_standing":       a.HasStanding,
			"interface":          a.Interface,
			"metadata":           a.Metadata,
			"size_bytes":         artifacts.ContentSize(a.Content),
		}, nil

	case "principals":
		return x.store.Principals(), nil

	case "principal":
		id, _ := params["id"].(string)
		if id == "" {
			id = caller
		}
		bal, err := x.ledger.Balance(id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"id": id, "scrip": bal, "quotas": x.ledger.Quotas(id),
		}, nil

	case "balances":
		return x.ledger.Balances(), nil

	case "resources":
		return x.ledger.Policies(), nil

	case "quotas":
		principal, _ := params["principal"].(string)
		if principal == "" {
			principal = caller
		}
		return x.ledger.Quotas(principal), nil

	case "mint":
		if x.mintTasks == nil {
			return []mint.PublicView{}, nil
		}
		return x.mintTasks(), nil

	case "events":
		start := uintParam(params, "start")
		end := uintParam(params, "end")
		limit := int(uintParam(params, "limit"))
		if start == 0 && end == 0 {
			if limit <= 0 {
				limit = 50
			}
			return x.log.Recent(limit), nil
		}
		if end == 0 {
			end = x.log.LastNumber()
		}
		out := x.log.Range(start, end)
		if limit > 0 && limit < len(out) {
			out = out[:limit]
		}
		return out, nil

	case "invocations":
		if artifact, ok := params["artifact"].(string); ok && artifact != "" {
			return x.invReg.StatsFor(artifact), nil
		}
		if limit := int(uintParam(params, "limit")); limit > 0 {
			return x.invReg.Recent(limit), nil
		}
		return x.invReg.All(), nil

	case "frozen":
		if x.frozen == nil {
			return []string{}, nil
		}
		return x.frozen(), nil

	case "libraries":
		return map[string]any{
			"languages": []string{"cel", "wasm"},
			"helpers":   []string{"sort"},
		}, nil

	case "dependencies":
		id, _ := params["id"].(string)
		if !x.store.Exists(id) {
			return nil, fmt.Errorf("%w: %s", artifacts.ErrNotFound, id)
		}
		direction, _ := params["direction"].(string)
		switch direction {
		case "", "out":
			return x.store.Dependencies(id), nil
		case "in":
			return x.store.Dependents(id), nil
		case "both":
			return map[string]any{
				"out": x.store.Dependencies(id),
				"in":  x.store.Dependents(id),
			}, nil
		default:
			return nil, fmt.Errorf("unknown direction %q, valid: out, in, both", direction)
		}
	}
	return nil, fmt.Errorf("unknown query_type %q", queryType)
}

func (x *Executor) queryArtifacts(params map[string]any) []map[string]any {
	owner, _ := params["owner"].(string)
	typ, _ := params["type"].(string)
	pattern, _ := params["name_pattern"].(string)
	executable, wantExec := params["executable"].(bool)
	offset := int(uintParam(params, "offset"))
	limit := int(uintParam(params, "limit"))
	if limit <= 0 {
		limit = 100
	}

	matched := x.store.List(func(a *artifacts.Artifact) bool {
		if owner != "" && a.CreatedBy != owner {
			return false
		}
		if typ != "" && a.Type != typ {
			return false
		}
		if pattern != "" && !artifacts.MatchName(pattern, a.ID) {
			return false
		}
		if wantExec && executable != (len(a.Interface) > 0) {
			return false
		}
		return true
	}, offset, limit)

	out := make([]map[string]any, 0, len(matched))
	for _, a := range matched {
		out = append(out, map[string]any{
			"id": a.ID, "type": a.Type, "created_by": a.CreatedBy,
			"access_contract_id": a.AccessContractID,
			"has_standing":       a.HasStanding,
			"interface":          a.Interface,
		})
	}
	return out
}

func uintParam(params map[string]any, key string) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case int:
		if v > 0 {
			return uint64(v)
		}
	case int64:
		if v > 0 {
			return uint64(v)
		}
	case float64:
		if v > 0 {
			return uint64(v)
		}
	}
	return 0
}
