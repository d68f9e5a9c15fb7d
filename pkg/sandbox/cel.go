package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Variables every expression may reference. Missing activation entries are
// padded with zero values so a contract referencing `state` does not crash
// when no state exists yet.
var celVariables = []cel.EnvOption{
	cel.Variable("caller", cel.StringType),
	cel.Variable("action", cel.StringType),
	cel.Variable("target", cel.StringType),
	cel.Variable("created_by", cel.StringType),
	cel.Variable("event_number", cel.IntType),
	cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
	cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	cel.Variable("args", cel.ListType(cel.DynType)),
	cel.Variable("subscriptions", cel.ListType(cel.DynType)),
}

// Evaluator compiles and runs CEL expressions with a bounded program cache.
// Cache keys are the expression hash, so editing an executable naturally
// misses the cache.
type Evaluator struct {
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
	maxCache int
}

// NewEvaluator builds the shared CEL environment, including the pure helper
// library (currently just sort).
func NewEvaluator() (*Evaluator, error) {
	opts := append([]cel.EnvOption{}, celVariables...)
	opts = append(opts, helperFunctions()...)
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
		maxCache: 512,
	}, nil
}

// Eval compiles (or fetches from cache) and evaluates an expression with a
// hard deadline. Compile failures are forbidden-kind; deadline hits are
// timeout-kind; all other evaluation failures are crash-kind.
func (e *Evaluator) Eval(ctx context.Context, expr string, vars map[string]any, timeout time.Duration) (any, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, &Error{Kind: KindTimeout, Message: "context ended before evaluation"}
	}

	activation := padActivation(vars)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	val, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("expression exceeded %s", timeout)}
		}
		return nil, &Error{Kind: KindCrash, Message: err.Error()}
	}
	return nativeValue(val), nil
}

// Check compiles the expression without running it, surfacing syntax and type
// errors up front. Used when an executable or contract is written.
func (e *Evaluator) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	sum := sha256.Sum256([]byte(expr))
	key := hex.EncodeToString(sum[:])

	e.mu.Lock()
	if prg, ok := e.programs[key]; ok {
		e.mu.Unlock()
		return prg, nil
	}
	e.mu.Unlock()

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &Error{Kind: KindForbidden, Message: issues.Err().Error()}
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, &Error{Kind: KindForbidden, Message: err.Error()}
	}

	e.mu.Lock()
	if len(e.programs) >= e.maxCache {
		// Full flush on overflow; compiles are cheap enough to re-warm.
		e.programs = make(map[string]cel.Program)
	}
	e.programs[key] = prg
	e.mu.Unlock()
	return prg, nil
}

func padActivation(vars map[string]any) map[string]any {
	out := map[string]any{
		"caller":        "",
		"action":        "",
		"target":        "",
		"created_by":    "",
		"event_number":  int64(0),
		"state":         map[string]any{},
		"context":       map[string]any{},
		"args":          []any{},
		"subscriptions": []any{},
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

func helperFunctions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("sort",
			cel.Overload("sort_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.ListType(cel.DynType),
				cel.UnaryBinding(sortList))),
	}
}

func sortList(val ref.Val) ref.Val {
	lister, ok := val.(traits.Lister)
	if !ok {
		return types.NewErr("sort: argument is not a list")
	}
	var items []ref.Val
	for it := lister.Iterator(); it.HasNext() == types.True; {
		items = append(items, it.Next())
	}
	sort.SliceStable(items, func(i, j int) bool {
		if cmp, ok := items[i].(traits.Comparer); ok {
			if c, ok := cmp.Compare(items[j]).(types.Int); ok {
				return c < 0
			}
		}
		return fmt.Sprint(items[i].Value()) < fmt.Sprint(items[j].Value())
	})
	return types.NewDynamicList(types.DefaultTypeAdapter, items)
}

// nativeValue converts a CEL result into plain Go values (string, int64,
// float64, bool, []any, map[string]any) so callers never see cel-go types.
func nativeValue(v ref.Val) any {
	switch val := v.(type) {
	case traits.Mapper:
		out := make(map[string]any)
		for it := val.Iterator(); it.HasNext() == types.True; {
			key := it.Next()
			entry, found := val.Find(key)
			if !found {
				continue
			}
			out[fmt.Sprint(nativeValue(key))] = nativeValue(entry)
		}
		return out
	case traits.Lister:
		var out []any
		for it := val.Iterator(); it.HasNext() == types.True; {
			out = append(out, nativeValue(it.Next()))
		}
		if out == nil {
			out = []any{}
		}
		return out
	default:
		return v.Value()
	}
}
