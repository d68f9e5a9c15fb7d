package executor_test

import (
	"context"
	"testing"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/contracts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/executor"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/invocations"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/sandbox"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/triggers"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires a small world with two enrolled agents and the default
// contract set.
type harness struct {
	t      *testing.T
	x      *executor.Executor
	store  *artifacts.Store
	ledger *ledger.Ledger
	log    *events.Log
	trig   *triggers.Registry
	clock  *world.Clock
	wakes  []triggers.Fire
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t}
	h.clock = world.NewClock()
	ids := world.NewIDRegistry()
	h.store = artifacts.NewStore()
	h.ledger = ledger.New(map[string]ledger.Policy{
		"disk_bytes": {Limit: 100_000},
		"compute_ms": {Limit: 1_000_000},
	}, nil)
	h.log = events.NewLog(nil)
	eval, err := sandbox.NewEvaluator()
	require.NoError(t, err)
	h.trig = triggers.NewRegistry(eval, nil)
	perms := contracts.NewEngine(h.store, eval, contracts.Config{
		FallbackContractID: "freeware",
	}, nil)

	h.x = executor.New(executor.Deps{
		Clock: h.clock, IDs: ids, Store: h.store, Ledger: h.ledger,
		Permissions: perms, Triggers: h.trig,
		Invocations: invocations.NewRegistry(64), Events: h.log, Evaluator: eval,
	}, executor.Config{RequireContractOnWrite: true})
	h.x.OnWake(func(f triggers.Fire) { h.wakes = append(h.wakes, f) })

	// Genesis-style seed: contracts and two agents, placed directly the way
	// bootstrap does.
	h.seed(&artifacts.Artifact{ID: "freeware", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{"language": "cel", "check_permission": "true"}})
	h.seed(&artifacts.Artifact{ID: "private", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{"language": "cel",
			"check_permission": `{"allow": caller == created_by, "reason": "private artifact"}`}})
	h.seed(&artifacts.Artifact{ID: "alice", Type: artifacts.TypeAgent, CreatedBy: "eris",
		HasStanding: true, AccessContractID: "private"})
	h.seed(&artifacts.Artifact{ID: "bob", Type: artifacts.TypeAgent, CreatedBy: "eris",
		HasStanding: true, AccessContractID: "private"})
	require.NoError(t, h.ledger.Enroll("alice", 50))
	require.NoError(t, h.ledger.Enroll("bob", 50))
	for _, id := range []string{"freeware", "private", "alice", "bob"} {
		require.NoError(t, ids.Reserve(id))
	}
	return h
}

func (h *harness) seed(a *artifacts.Artifact) {
	h.t.Helper()
	require.NoError(h.t, h.store.Put(a, true))
}

func (h *harness) exec(caller string, intent *executor.ActionIntent) *executor.ActionResult {
	h.t.Helper()
	return h.x.Execute(context.Background(), caller, intent)
}

func (h *harness) mustOK(caller string, intent *executor.ActionIntent) *executor.ActionResult {
	h.t.Helper()
	res := h.exec(caller, intent)
	require.True(h.t, res.OK, "action %s failed: %s (%s)", intent.ActionType, res.Error, res.ErrorKind)
	return res
}

func TestNoopLogsAndYields(t *testing.T) {
	h := newHarness(t)
	res := h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionNoop, Reasoning: "waiting for market data",
	})
	e := h.log.Get(res.EventNo)
	require.NotNil(t, e)
	assert.Equal(t, events.TypeAction, e.Type)
	assert.Equal(t, "waiting for market data", e.Reasoning)
}

func TestWriteCreateChargesDiskAndEmits(t *testing.T) {
	h := newHarness(t)
	res := h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "notes",
		Content:          map[string]any{"text": "hello"},
		AccessContractID: "freeware",
	})

	a, err := h.store.Get("notes")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.CreatedBy)
	assert.Equal(t, artifacts.TypeData, a.Type)

	q, _ := h.ledger.Quota("alice", "disk_bytes")
	assert.Equal(t, artifacts.ContentSize(a.Content), q.Used)

	e := h.log.Get(res.EventNo)
	assert.Equal(t, events.TypeArtifactCreated, e.Type)

	// The disk charge lands on the log right after the create.
	consumed := h.log.Get(res.EventNo + 1)
	require.NotNil(t, consumed)
	assert.Equal(t, events.TypeResourceConsumed, consumed.Type)
	assert.Equal(t, "alice", consumed.PrincipalID)
	charges := consumed.Payload["charges"].([]any)
	require.Len(t, charges, 1)
	leg := charges[0].(map[string]any)
	assert.Equal(t, "disk_bytes", leg["resource"])
	assert.Equal(t, q.Used, leg["amount"])
}

func TestChargedReadEmitsScripSpend(t *testing.T) {
	h := newHarness(t)
	h.seed(&artifacts.Artifact{ID: "toll", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{"language": "cel",
			"check_permission": `action == "read_artifact"
				? {"allow": true, "scrip_cost": 5, "beneficiary": "alice"}
				: {"allow": true}`}})
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "paper",
		Content: "findings", AccessContractID: "toll",
	})

	res := h.mustOK("bob", &executor.ActionIntent{
		ActionType: executor.ActionRead, Target: "paper",
	})

	spent := h.log.Get(res.EventNo + 1)
	require.NotNil(t, spent)
	assert.Equal(t, events.TypeResourceSpent, spent.Type)
	assert.Equal(t, "bob", spent.PrincipalID)
	assert.Equal(t, int64(5), spent.Payload["total"])
	recipients := spent.Payload["recipients"].([]any)
	require.Len(t, recipients, 1)
	assert.Equal(t, map[string]any{"to": "alice", "amount": int64(5)}, recipients[0])
}

func TestWriteCreateRequiresContract(t *testing.T) {
	h := newHarness(t)
	res := h.exec("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "orphan", Content: "x",
	})
	assert.False(t, res.OK)
	assert.Equal(t, executor.KindPermissionDenied, res.ErrorKind)
	assert.False(t, h.store.Exists("orphan"))
}

func TestReadDeniedByPrivateContract(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "secret",
		Content: map[string]any{"value": 42}, AccessContractID: "private",
	})

	res := h.exec("bob", &executor.ActionIntent{
		ActionType: executor.ActionRead, Target: "secret",
	})
	assert.False(t, res.OK)
	assert.Equal(t, executor.KindPermissionDenied, res.ErrorKind)
	assert.Equal(t, "private artifact", res.Error)

	// The denial is on the log as an error event.
	e := h.log.Get(res.EventNo)
	require.NotNil(t, e)
	assert.Equal(t, events.TypeError, e.Type)
	assert.Contains(t, e.Error, "permission_denied")

	// The creator still reads fine.
	ok := h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionRead, Target: "secret",
	})
	data := ok.Data.(map[string]any)
	assert.Equal(t, map[string]any{"value": 42}, data["content"])
}

func TestTransferInsufficientIsAtomic(t *testing.T) {
	h := newHarness(t)
	res := h.exec("alice", &executor.ActionIntent{
		ActionType: executor.ActionTransfer, Recipient: "bob", Amount: 100,
	})
	assert.False(t, res.OK)
	assert.Equal(t, executor.KindInsufficientScrip, res.ErrorKind)

	a, _ := h.ledger.Balance("alice")
	b, _ := h.ledger.Balance("bob")
	assert.Equal(t, int64(50), a)
	assert.Equal(t, int64(50), b)
}

func TestTransferSucceedsAndLogs(t *testing.T) {
	h := newHarness(t)
	res := h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionTransfer, Recipient: "bob", Amount: 20, Memo: "rent",
	})
	e := h.log.Get(res.EventNo)
	assert.Equal(t, events.TypeTransfer, e.Type)
	assert.Equal(t, "rent", e.Payload["memo"])

	b, _ := h.ledger.Balance("bob")
	assert.Equal(t, int64(70), b)
}

func TestMintRequiresCapability(t *testing.T) {
	h := newHarness(t)
	res := h.exec("alice", &executor.ActionIntent{
		ActionType: executor.ActionMint, Recipient: "alice", Amount: 1000,
	})
	assert.Equal(t, executor.KindPermissionDenied, res.ErrorKind)

	h.seed(&artifacts.Artifact{ID: "mint", CreatedBy: "eris", HasStanding: true,
		Capabilities: []string{"can_mint"}, AccessContractID: "private"})
	require.NoError(t, h.ledger.Enroll("mint", 0))

	ok := h.mustOK("mint", &executor.ActionIntent{
		ActionType: executor.ActionMint, Recipient: "alice", Amount: 1000, Reason: "task reward",
	})
	e := h.log.Get(ok.EventNo)
	assert.Equal(t, events.TypeMint, e.Type)
	assert.Equal(t, int64(1000), e.Reward)

	bal, _ := h.ledger.Balance("alice")
	assert.Equal(t, int64(1050), bal)
}

func TestInvokeCELExecutable(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "sorter",
		Content: map[string]any{
			"language": "cel",
			"methods":  map[string]any{"run": "sort(args[0])"},
		},
		AccessContractID: "freeware",
	})

	res := h.mustOK("bob", &executor.ActionIntent{
		ActionType: executor.ActionInvoke, Target: "sorter", Method: "run",
		Args: []any{[]any{3, 1, 2}},
	})
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, res.Data)

	e := h.log.Get(res.EventNo)
	assert.Equal(t, events.TypeInvokeSuccess, e.Type)
	// The attempt precedes the success.
	assert.Equal(t, events.TypeInvokeAttempt, h.log.Get(res.EventNo-1).Type)
}

func TestInvokeJSONStringArgsAutoParsed(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "echo_first",
		Content: map[string]any{
			"language": "cel",
			"methods":  map[string]any{"run": "args[0]"},
		},
		AccessContractID: "freeware",
	})

	// A JSON array string parses into a list. Numbers come back as JSON
	// doubles.
	res := h.mustOK("bob", &executor.ActionIntent{
		ActionType: executor.ActionInvoke, Target: "echo_first", Method: "run",
		Args: []any{"[1, 2]"},
	})
	assert.Equal(t, []any{float64(1), float64(2)}, res.Data)

	// A scalar-looking string stays a string.
	res = h.mustOK("bob", &executor.ActionIntent{
		ActionType: executor.ActionInvoke, Target: "echo_first", Method: "run",
		Args: []any{"42"},
	})
	assert.Equal(t, "42", res.Data)
}

func TestInvokeUnknownMethodListsInterface(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "tool",
		Content: map[string]any{
			"language": "cel",
			"methods":  map[string]any{"run": "1"},
		},
		AccessContractID: "freeware",
	})

	res := h.exec("bob", &executor.ActionIntent{
		ActionType: executor.ActionInvoke, Target: "tool", Method: "destroy",
	})
	assert.Equal(t, executor.KindNotFound, res.ErrorKind)
	assert.Contains(t, res.Error, "run")
}

func TestInvokeFailureRefundsNothing(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "crasher",
		Content: map[string]any{
			"language": "cel",
			"methods":  map[string]any{"run": "args[99]"},
		},
		AccessContractID: "freeware",
	})
	before := h.ledger.Balances()

	res := h.exec("bob", &executor.ActionIntent{
		ActionType: executor.ActionInvoke, Target: "crasher", Method: "run", Args: []any{1},
	})
	assert.False(t, res.OK)
	assert.Equal(t, executor.KindSandboxCrash, res.ErrorKind)
	assert.Equal(t, before, h.ledger.Balances(), "failed invoke charges nothing")

	e := h.log.Get(res.EventNo)
	assert.Equal(t, events.TypeInvokeFailure, e.Type)
}

func TestIDReuseAfterDeleteForbidden(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "ephemeral",
		Content: "v1", AccessContractID: "freeware",
	})
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionDelete, Target: "ephemeral",
	})

	res := h.exec("bob", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "ephemeral",
		Content: "v2", AccessContractID: "freeware",
	})
	assert.Equal(t, executor.KindIDReserved, res.ErrorKind)
}

func TestDeleteReleasesDiskAndCleansUp(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "bulky",
		Content: map[string]any{"blob": "xxxxxxxxxxxxxxxx"}, AccessContractID: "freeware",
	})
	used, _ := h.ledger.Quota("alice", "disk_bytes")
	require.Positive(t, used.Used)

	h.mustOK("bob", &executor.ActionIntent{ActionType: executor.ActionSubscribe, Target: "bulky"})
	h.mustOK("alice", &executor.ActionIntent{ActionType: executor.ActionDelete, Target: "bulky"})

	after, _ := h.ledger.Quota("alice", "disk_bytes")
	assert.Zero(t, after.Used)
	assert.Empty(t, h.trig.SubscribersOf("bulky"))
}

func TestEditPatchMergesFields(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "profile",
		Content:          map[string]any{"name": "alice", "bio": "trader"},
		AccessContractID: "freeware",
	})

	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionEdit, Target: "profile",
		Patch: map[string]any{"bio": "market maker", "motto": "buy low", "name": nil},
	})

	a, _ := h.store.Get("profile")
	content := a.ContentMap()
	assert.Equal(t, "market maker", content["bio"])
	assert.Equal(t, "buy low", content["motto"])
	assert.NotContains(t, content, "name", "nil patch values delete fields")
}

func TestSubscriptionWakeAndPush(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "market_price",
		Content: map[string]any{"price": 10}, AccessContractID: "freeware",
	})
	h.mustOK("bob", &executor.ActionIntent{
		ActionType: executor.ActionSubscribe, Target: "market_price",
	})

	h.wakes = nil
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "market_price",
		Content: map[string]any{"price": 11},
	})

	require.Len(t, h.wakes, 1)
	assert.Equal(t, "bob", h.wakes[0].Owner)

	pending := h.trig.DrainPending("bob")
	require.Len(t, pending, 1)
	assert.Equal(t, "update", pending[0].Event)
	assert.Equal(t, "market_price", pending[0].Source)
	assert.NotNil(t, pending[0].Diff["content"])

	// Unsubscribe stops the pushes.
	h.mustOK("bob", &executor.ActionIntent{
		ActionType: executor.ActionUnsubscribe, Target: "market_price",
	})
	h.wakes = nil
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "market_price",
		Content: map[string]any{"price": 12},
	})
	assert.Empty(t, h.wakes)
}

func TestDelegationChargeEnforcesWindow(t *testing.T) {
	h := newHarness(t)
	// A priced oracle: every invocation costs 10, paid by alice's pool.
	h.seed(&artifacts.Artifact{ID: "oracle_contract", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{"language": "cel",
			"check_permission": `action == "invoke_artifact"
				? {"allow": true, "scrip_cost": 10, "payer": "pool:alice", "beneficiary": "eris"}
				: {"allow": true}`}})
	h.seed(&artifacts.Artifact{ID: "eris", CreatedBy: "eris", HasStanding: true})
	require.NoError(t, h.ledger.Enroll("eris", 0))
	h.seed(&artifacts.Artifact{ID: "oracle", CreatedBy: "eris", AccessContractID: "oracle_contract",
		Interface: map[string]artifacts.MethodSpec{"ask": {}},
		Content: map[string]any{"language": "cel",
			"methods": map[string]any{"ask": `"the price is right"`}}})

	// Without a delegation, bob cannot charge alice.
	res := h.exec("bob", &executor.ActionIntent{
		ActionType: executor.ActionInvoke, Target: "oracle", Method: "ask",
	})
	assert.Equal(t, executor.KindUnauthorizedCharge, res.ErrorKind)

	// Alice grants bob a delegation: 10 per call, 50 per hour window.
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "charge_delegation:alice",
		Content: map[string]any{"grants": []any{map[string]any{
			"charger_id": "bob", "per_call_cap": 10,
			"window_cap": 50, "window_seconds": 3600,
		}}},
	})

	for i := 0; i < 5; i++ {
		h.mustOK("bob", &executor.ActionIntent{
			ActionType: executor.ActionInvoke, Target: "oracle", Method: "ask",
		})
	}
	res = h.exec("bob", &executor.ActionIntent{
		ActionType: executor.ActionInvoke, Target: "oracle", Method: "ask",
	})
	assert.False(t, res.OK)
	assert.Equal(t, executor.KindRateExceeded, res.ErrorKind)

	aliceBal, _ := h.ledger.Balance("alice")
	assert.Equal(t, int64(0), aliceBal, "alice started with 50, debited exactly 50")
	erisBal, _ := h.ledger.Balance("eris")
	assert.Equal(t, int64(50), erisBal)
}

func TestDelegationRecordOnlyByPayer(t *testing.T) {
	h := newHarness(t)
	res := h.exec("bob", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "charge_delegation:alice",
		Content: map[string]any{"grants": []any{}},
	})
	assert.Equal(t, executor.KindPermissionDenied, res.ErrorKind)
}

func TestContractStateUpdatesAppliedAtomically(t *testing.T) {
	h := newHarness(t)
	h.seed(&artifacts.Artifact{ID: "metered", Type: artifacts.TypeContract, CreatedBy: "eris",
		Content: map[string]any{"language": "cel",
			"check_permission": `{"allow": int(state.reads) < 2, "state_updates": {"reads": int(state.reads) + 1}}`,
			"state":            map[string]any{"reads": 0}}})
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "rationed",
		Content: "data", AccessContractID: "metered",
	})

	h.mustOK("bob", &executor.ActionIntent{ActionType: executor.ActionRead, Target: "rationed"})
	h.mustOK("bob", &executor.ActionIntent{ActionType: executor.ActionRead, Target: "rationed"})

	res := h.exec("bob", &executor.ActionIntent{ActionType: executor.ActionRead, Target: "rationed"})
	assert.Equal(t, executor.KindPermissionDenied, res.ErrorKind)
}

func TestCognitionFieldsCarriedIntoEvents(t *testing.T) {
	h := newHarness(t)
	res := h.mustOK("alice", &executor.ActionIntent{
		ActionType:          executor.ActionNoop,
		Reasoning:           "hold",
		SituationAssessment: "market is quiet, no open offers",
		ActionRationale:     "conserve scrip until a task appears",
	})

	e := h.log.Get(res.EventNo)
	require.NotNil(t, e)
	assert.Equal(t, "market is quiet, no open offers", e.Payload["situation_assessment"])
	assert.Equal(t, "conserve scrip until a task appears", e.Payload["action_rationale"])

	// Failures keep the decision record too.
	fail := h.exec("alice", &executor.ActionIntent{
		ActionType: executor.ActionRead, Target: "ghost",
		SituationAssessment: "expected a ledger artifact here",
	})
	require.False(t, fail.OK)
	fe := h.log.Get(fail.EventNo)
	require.NotNil(t, fe)
	assert.Equal(t, "expected a ledger artifact here", fe.Payload["situation_assessment"])
}

func TestEditGrowthChargedToCreator(t *testing.T) {
	h := newHarness(t)
	h.mustOK("alice", &executor.ActionIntent{
		ActionType: executor.ActionWrite, Target: "pad",
		Content:          map[string]any{"text": "hi"},
		AccessContractID: "freeware",
	})
	aliceBefore, _ := h.ledger.Quota("alice", "disk_bytes")

	h.mustOK("bob", &executor.ActionIntent{
		ActionType: executor.ActionEdit, Target: "pad",
		Patch: map[string]any{"text": "a considerably longer body of text"},
	})

	aliceAfter, _ := h.ledger.Quota("alice", "disk_bytes")
	assert.Greater(t, aliceAfter.Used, aliceBefore.Used,
		"growth lands on the creator's quota")
	bobQ, _ := h.ledger.Quota("bob", "disk_bytes")
	assert.Zero(t, bobQ.Used, "the editor's quota is untouched")

	// Shrinking credits the same principal.
	h.mustOK("bob", &executor.ActionIntent{
		ActionType: executor.ActionEdit, Target: "pad",
		Patch: map[string]any{"text": "hi"},
	})
	aliceFinal, _ := h.ledger.Quota("alice", "disk_bytes")
	assert.Equal(t, aliceBefore.Used, aliceFinal.Used)
}

func TestEventClockTriggerWakes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.trig.Add(&triggers.Trigger{
		ID: "alarm", Owner: "bob", FireAtEvent: 3,
	}))

	h.mustOK("alice", &executor.ActionIntent{ActionType: executor.ActionNoop})
	h.mustOK("alice", &executor.ActionIntent{ActionType: executor.ActionNoop})
	assert.Empty(t, h.wakes, "the mark is not reached yet")

	h.mustOK("alice", &executor.ActionIntent{ActionType: executor.ActionNoop})
	require.Len(t, h.wakes, 1)
	assert.Equal(t, "alarm", h.wakes[0].TriggerID)
	assert.Equal(t, "bob", h.wakes[0].Owner)
	assert.Equal(t, uint64(3), h.wakes[0].EventNo)
	assert.True(t, h.wakes[0].Scheduled)

	// One-shot: later events do not re-fire it.
	h.mustOK("alice", &executor.ActionIntent{ActionType: executor.ActionNoop})
	assert.Len(t, h.wakes, 1)
}

func TestEventNumbersStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.mustOK("alice", &executor.ActionIntent{ActionType: executor.ActionNoop})
	}
	var last uint64
	for _, e := range h.log.Recent(10) {
		assert.Greater(t, e.Number, last)
		last = e.Number
	}
}
