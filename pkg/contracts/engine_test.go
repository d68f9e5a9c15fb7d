package contracts_test

import (
	"context"
	"testing"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/contracts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, cfg contracts.Config) (*contracts.Engine, *artifacts.Store) {
	t.Helper()
	store := artifacts.NewStore()
	eval, err := sandbox.NewEvaluator()
	require.NoError(t, err)
	return contracts.NewEngine(store, eval, cfg, nil), store
}

func putContract(t *testing.T, store *artifacts.Store, id, expr string) {
	t.Helper()
	require.NoError(t, store.Put(&artifacts.Artifact{
		ID: id, Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{"language": "cel", "check_permission": expr},
	}, true))
}

func target(store *artifacts.Store, contractID string) *artifacts.Artifact {
	return &artifacts.Artifact{ID: "doc", CreatedBy: "alice", AccessContractID: contractID}
}

func TestCreatorOnlyContract(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	putContract(t, store, "private",
		`{"allow": caller == created_by, "reason": "creator only"}`)

	res, err := eng.Check(context.Background(), contracts.Request{
		Caller: "alice", Action: "read_artifact", Target: target(store, "private"),
	})
	require.NoError(t, err)
	assert.True(t, res.Allow)

	res, err = eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "read_artifact", Target: target(store, "private"),
	})
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Equal(t, "creator only", res.Reason)
}

func TestPricedContract(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	putContract(t, store, "paywall",
		`action == "invoke_artifact"
			? {"allow": true, "scrip_cost": 10, "payer": "caller"}
			: {"allow": true}`)

	res, err := eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "invoke_artifact", Target: target(store, "paywall"),
	})
	require.NoError(t, err)
	assert.True(t, res.Allow)
	assert.Equal(t, int64(10), res.ScripCost)
	assert.Equal(t, contracts.PayerCaller, res.Payer)
}

func TestBareBooleanContract(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	putContract(t, store, "freeware", "true")

	res, err := eng.Check(context.Background(), contracts.Request{
		Caller: "anyone", Action: "read_artifact", Target: target(store, "freeware"),
	})
	require.NoError(t, err)
	assert.True(t, res.Allow)
}

func TestDepthExceeded(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{MaxDepth: 3})
	putContract(t, store, "freeware", "true")

	_, err := eng.Check(context.Background(), contracts.Request{
		Caller: "a", Action: "read_artifact", Target: target(store, "freeware"), Depth: 4,
	})
	assert.ErrorIs(t, err, contracts.ErrDepthExceeded)
}

func TestDefaultDepthLimitIsTen(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	putContract(t, store, "freeware", "true")

	res, err := eng.Check(context.Background(), contracts.Request{
		Caller: "a", Action: "read_artifact", Target: target(store, "freeware"), Depth: 10,
	})
	require.NoError(t, err)
	assert.True(t, res.Allow)

	_, err = eng.Check(context.Background(), contracts.Request{
		Caller: "a", Action: "read_artifact", Target: target(store, "freeware"), Depth: 11,
	})
	assert.ErrorIs(t, err, contracts.ErrDepthExceeded)
}

func TestDanglingFallsBackToConfiguredContract(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{FallbackContractID: "freeware"})
	putContract(t, store, "freeware", "true")

	res, err := eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "read_artifact", Target: target(store, "deleted_contract"),
	})
	require.NoError(t, err)
	assert.True(t, res.Allow)
}

func TestDanglingOpenAllowsLoudly(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{DanglingOpen: true})

	res, err := eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "read_artifact", Target: target(store, "gone"),
	})
	require.NoError(t, err)
	assert.True(t, res.Allow)
	assert.Contains(t, res.Reason, "dangling")
}

func TestDanglingClosedErrors(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})

	_, err := eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "read_artifact", Target: target(store, "gone"),
	})
	assert.ErrorIs(t, err, contracts.ErrDangling)
}

func TestMalformedDecision(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	putContract(t, store, "weird", `"not a decision"`)

	_, err := eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "read_artifact", Target: target(store, "weird"),
	})
	assert.ErrorIs(t, err, contracts.ErrMalformed)
}

func TestContractStateVisible(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	require.NoError(t, store.Put(&artifacts.Artifact{
		ID: "quota_gate", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{
			"language":         "cel",
			"check_permission": `{"allow": int(state.calls) < 2, "state_updates": {"calls": int(state.calls) + 1}}`,
			"state":            map[string]any{"calls": 1},
		},
	}, true))

	res, err := eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "invoke_artifact", Target: target(store, "quota_gate"),
	})
	require.NoError(t, err)
	assert.True(t, res.Allow)
	assert.Equal(t, map[string]any{"calls": int64(2)}, res.StateUpdates)
}

func TestStatefulDecisionsNotCached(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	require.NoError(t, store.Put(&artifacts.Artifact{
		ID: "counting", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{
			"language":         "cel",
			"check_permission": `{"allow": true, "state_updates": {"calls": int(state.calls) + 1}}`,
			"state":            map[string]any{"calls": 0},
			"cache_policy":     map[string]any{"ttl_seconds": 60},
		},
	}, true))

	req := contracts.Request{Caller: "bob", Action: "invoke_artifact", Target: target(store, "counting")}
	first, err := eng.Check(context.Background(), req)
	require.NoError(t, err)

	// A fresh evaluation must happen every time: the decision carries state.
	second, err := eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.StateUpdates, second.StateUpdates)
}

func TestCachedDecisionInvalidatedByEdit(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	require.NoError(t, store.Put(&artifacts.Artifact{
		ID: "cached", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{
			"language":         "cel",
			"check_permission": `{"allow": true}`,
			"cache_policy":     map[string]any{"ttl_seconds": 300},
		},
	}, true))

	req := contracts.Request{Caller: "bob", Action: "read_artifact", Target: target(store, "cached")}
	res, err := eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Allow)

	// Edit the contract; the fingerprint changes, so the old entry is dead.
	require.NoError(t, store.Put(&artifacts.Artifact{
		ID: "cached", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{
			"language":         "cel",
			"check_permission": `{"allow": false, "reason": "revoked"}`,
			"cache_policy":     map[string]any{"ttl_seconds": 300},
		},
	}, true))

	res, err = eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Equal(t, "revoked", res.Reason)
}

type fakeAdvisor struct{ reply string }

func (f *fakeAdvisor) Advise(_ context.Context, _ string) (string, error) {
	return f.reply, nil
}

func TestAdvisorOnlyForCapableContracts(t *testing.T) {
	eng, store := newEngine(t, contracts.Config{})
	eng.SetAdvisor(&fakeAdvisor{reply: "looks fine"})

	require.NoError(t, store.Put(&artifacts.Artifact{
		ID: "vibes", Type: artifacts.TypeContract, CreatedBy: "eris",
		Capabilities: []string{"call_llm"},
		Content: map[string]any{
			"language":         "cel",
			"check_permission": `{"allow": context.llm_advice == "looks fine"}`,
			"advisor_prompt":   "should this access be allowed?",
		},
	}, true))

	res, err := eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "read_artifact", Target: target(store, "vibes"),
	})
	require.NoError(t, err)
	assert.True(t, res.Allow)

	// Without the capability the advisor is never consulted.
	require.NoError(t, store.Put(&artifacts.Artifact{
		ID: "no_cap", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{
			"language":         "cel",
			"check_permission": `{"allow": has(context.llm_advice)}`,
			"advisor_prompt":   "should this access be allowed?",
		},
	}, true))
	res, err = eng.Check(context.Background(), contracts.Request{
		Caller: "bob", Action: "read_artifact", Target: target(store, "no_cap"),
	})
	require.NoError(t, err)
	assert.False(t, res.Allow)
}
