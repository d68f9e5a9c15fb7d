package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/contracts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/invocations"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/mint"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/sandbox"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/triggers"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/world"
)

// DelegationPrefix is the deterministic id prefix for charge delegation
// records: charge_delegation:<payer>.
const DelegationPrefix = "charge_delegation:"

// Resource names the executor charges directly.
const (
	ResourceDisk = "disk_bytes"
)

// Config holds the executor's policy knobs, all configuration-addressable.
type Config struct {
	// RequireContractOnWrite rejects fresh writes without an explicit
	// access_contract_id. When false, DefaultAccessContract is applied.
	RequireContractOnWrite bool
	DefaultAccessContract  string
	// MaxContentBytes caps one artifact's serialized content. Zero disables.
	MaxContentBytes int64
	InvokeTimeout   time.Duration
}

// HostFunc backs a kernel-provided artifact (the mint, the LLM gateway).
// Invocations on artifacts whose content carries {"host": <name>} route here
// instead of the sandbox.
type HostFunc func(ctx context.Context, caller, method string, args []any, depth int) (any, error)

// WakeFunc receives trigger fires so the scheduler can wake sleeping agents.
type WakeFunc func(fire triggers.Fire)

// HaltFunc is called exactly once on an invariant violation.
type HaltFunc func(reason string)

// Executor runs the action pipeline. It is the only component allowed to
// mutate the store, and it reaches the ledger only through settlements.
type Executor struct {
	clock   *world.Clock
	ids     *world.IDRegistry
	store   *artifacts.Store
	ledger  *ledger.Ledger
	perms   *contracts.Engine
	trig    *triggers.Registry
	invReg  *invocations.Registry
	log     *events.Log
	eval    *sandbox.Evaluator
	wasm    *sandbox.WASMRunner
	config  Config
	logger  *slog.Logger
	hosts   map[string]HostFunc
	wake    WakeFunc
	halt    HaltFunc
	metrics Metrics

	// query_kernel views wired at bootstrap.
	mintTasks func() []mint.PublicView
	frozen    func() []string
}

// Metrics receives one observation per completed action. The observability
// package provides an OTel-backed implementation; a nil value disables it.
type Metrics interface {
	ObserveAction(action string, ok bool, kind string, d time.Duration)
}

// Deps bundles the executor's collaborators.
type Deps struct {
	Clock       *world.Clock
	IDs         *world.IDRegistry
	Store       *artifacts.Store
	Ledger      *ledger.Ledger
	Permissions *contracts.Engine
	Triggers    *triggers.Registry
	Invocations *invocations.Registry
	Events      *events.Log
	Evaluator   *sandbox.Evaluator
	WASM        *sandbox.WASMRunner
	Logger      *slog.Logger
	Metrics     Metrics
}

// New wires an executor.
func New(deps Deps, config Config) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = 5 * time.Second
	}
	return &Executor{
		clock:   deps.Clock,
		ids:     deps.IDs,
		store:   deps.Store,
		ledger:  deps.Ledger,
		perms:   deps.Permissions,
		trig:    deps.Triggers,
		invReg:  deps.Invocations,
		log:     deps.Events,
		eval:    deps.Evaluator,
		wasm:    deps.WASM,
		config:  config,
		logger:  logger.With("component", "executor"),
		hosts:   make(map[string]HostFunc),
		metrics: deps.Metrics,
	}
}

// RegisterHost installs a host function under a name referenced by host
// artifacts. Bootstrap-time only.
func (x *Executor) RegisterHost(name string, fn HostFunc) { x.hosts[name] = fn }

// OnWake installs the scheduler's wake callback.
func (x *Executor) OnWake(fn WakeFunc) { x.wake = fn }

// OnHalt installs the fatal-error callback.
func (x *Executor) OnHalt(fn HaltFunc) { x.halt = fn }

// Execute runs one action to completion. It never panics on agent input; all
// failures come back as an ActionResult with a stable error kind, mirrored as
// an error event on the log.
func (x *Executor) Execute(ctx context.Context, caller string, intent *ActionIntent) *ActionResult {
	started := time.Now()
	res := x.dispatch(ctx, caller, intent)
	if x.metrics != nil {
		x.metrics.ObserveAction(string(intent.ActionType), res.OK, res.ErrorKind, time.Since(started))
	}
	return res
}

func (x *Executor) dispatch(ctx context.Context, caller string, intent *ActionIntent) *ActionResult {
	switch intent.ActionType {
	case ActionNoop:
		return x.doNoop(caller, intent)
	case ActionRead:
		return x.doRead(ctx, caller, intent)
	case ActionWrite:
		return x.doWrite(ctx, caller, intent)
	case ActionEdit:
		return x.doEdit(ctx, caller, intent)
	case ActionDelete:
		return x.doDelete(ctx, caller, intent)
	case ActionInvoke:
		return x.doInvoke(ctx, caller, intent)
	case ActionTransfer:
		return x.doTransfer(caller, intent)
	case ActionMint:
		return x.doMint(caller, intent)
	case ActionQuery:
		return x.doQuery(caller, intent)
	case ActionSubscribe:
		return x.doSubscribe(ctx, caller, intent)
	case ActionUnsubscribe:
		return x.doUnsubscribe(caller, intent)
	default:
		return x.fail(caller, intent, KindNotFound,
			fmt.Sprintf("unknown action_type %q, valid: %v", intent.ActionType, ActionTypes()))
	}
}

// check consults the permission engine for a gated action on a live target.
func (x *Executor) check(ctx context.Context, caller string, intent *ActionIntent, target *artifacts.Artifact, extra map[string]any) (contracts.PermissionResult, error) {
	return x.perms.Check(ctx, contracts.Request{
		Caller:      caller,
		Action:      string(intent.ActionType),
		Target:      target,
		EventNumber: x.clock.CurrentEventNumber(),
		Depth:       intent.Depth,
		Context:     extra,
	})
}

// settlement is the fully resolved charge plan for one action.
type settlement struct {
	payer     string
	scrip     []ledger.ScripCharge
	resources []ledger.ResourceCharge
}

func (s *settlement) empty() bool {
	return len(s.scrip) == 0 && len(s.resources) == 0
}

// settle plans and atomically applies the decision's charges, returning the
// applied plan so the caller can mirror it onto the event log.
func (x *Executor) settle(caller string, res contracts.PermissionResult, target *artifacts.Artifact) (*settlement, error) {
	plan, err := x.planSettlement(caller, res, target)
	if err != nil {
		return nil, err
	}
	if err := x.applySettlement(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (x *Executor) applySettlement(plan *settlement) error {
	if plan.empty() {
		return nil
	}
	return x.ledger.Settle(plan.payer, plan.scrip, plan.resources)
}

func (x *Executor) validateSettlement(plan *settlement) error {
	if plan.empty() {
		return nil
	}
	return x.ledger.CanSettle(plan.payer, plan.scrip, plan.resources)
}

// planSettlement resolves the payer, verifies delegation for non-caller
// payers, and assembles the scrip and resource legs.
func (x *Executor) planSettlement(caller string, res contracts.PermissionResult, target *artifacts.Artifact) (*settlement, error) {
	payer, err := x.resolvePayer(caller, res, target)
	if err != nil {
		return nil, err
	}

	var scrip []ledger.ScripCharge
	if res.ScripCost > 0 {
		beneficiary := res.Beneficiary
		if beneficiary == "" {
			beneficiary = target.CreatedBy
		}
		if beneficiary != payer && x.ledger.Enrolled(beneficiary) {
			scrip = append(scrip, ledger.ScripCharge{To: beneficiary, Amount: res.ScripCost})
		}
	}

	resources := make([]ledger.ResourceCharge, 0, len(res.ResourceCosts))
	for name, amt := range res.ResourceCosts {
		resources = append(resources, ledger.ResourceCharge{Resource: name, Amount: amt})
	}

	if payer != caller {
		charge := res.ScripCost
		if err := x.verifyDelegation(payer, caller, charge); err != nil {
			return nil, err
		}
		// Record the charge against the delegation window with the grant's
		// own caps.
		grant, _ := x.delegationGrant(payer, caller)
		if grant != nil && charge > 0 {
			resources = append(resources, ledger.ResourceCharge{
				Resource:      "delegation:" + payer + ":" + caller,
				Amount:        charge,
				Limit:         grant.WindowCap,
				WindowSeconds: grant.WindowSeconds,
			})
		}
	}

	return &settlement{payer: payer, scrip: scrip, resources: resources}, nil
}

// resolvePayer maps the contract's payer designator to a principal using
// only kernel-verified anchors.
func (x *Executor) resolvePayer(caller string, res contracts.PermissionResult, target *artifacts.Artifact) (string, error) {
	switch {
	case res.Payer == "" || res.Payer == contracts.PayerCaller:
		return caller, nil
	case res.Payer == contracts.PayerTarget:
		return target.CreatedBy, nil
	case res.Payer == contracts.PayerContract:
		if res.ContractCreator == "" {
			return "", fmt.Errorf("%w: contract payer with no contract", contracts.ErrMalformed)
		}
		return res.ContractCreator, nil
	default:
		if id := contracts.PoolID(res.Payer); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("%w: payer %q", contracts.ErrMalformed, res.Payer)
	}
}

// delegationGrant loads the payer's delegation record and finds the entry
// authorizing the charger, if any.
type delegationGrant struct {
	ChargerID     string
	PerCallCap    int64
	WindowCap     int64
	WindowSeconds int64
	ExpiresAt     time.Time
}

func (x *Executor) delegationGrant(payer, charger string) (*delegationGrant, error) {
	rec, err := x.store.Get(DelegationPrefix + payer)
	if err != nil {
		return nil, err
	}
	content := rec.ContentMap()
	grants, _ := content["grants"].([]any)
	for _, g := range grants {
		m, ok := g.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := m["charger_id"].(string); id != charger {
			continue
		}
		grant := &delegationGrant{ChargerID: charger}
		grant.PerCallCap = intField(m, "per_call_cap")
		grant.WindowCap = intField(m, "window_cap")
		grant.WindowSeconds = intField(m, "window_seconds")
		if s, _ := m["expires_at"].(string); s != "" {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				grant.ExpiresAt = ts
			}
		}
		return grant, nil
	}
	return nil, nil
}

// verifyDelegation enforces that a non-caller payer has authorized the
// charger under a live grant and its per-call cap. Window caps are enforced
// by the ledger during settlement.
func (x *Executor) verifyDelegation(payer, charger string, charge int64) error {
	if charge <= 0 {
		return nil
	}
	grant, err := x.delegationGrant(payer, charger)
	if err != nil || grant == nil {
		return fmt.Errorf("%w: no delegation from %s to %s", errUnauthorizedCharge, payer, charger)
	}
	if !grant.ExpiresAt.IsZero() && !x.clock.Now().Before(grant.ExpiresAt) {
		return fmt.Errorf("%w: delegation from %s to %s expired", errUnauthorizedCharge, payer, charger)
	}
	if grant.PerCallCap > 0 && charge > grant.PerCallCap {
		return fmt.Errorf("%w: charge %d exceeds per-call cap %d of delegation from %s to %s",
			errUnauthorizedCharge, charge, grant.PerCallCap, payer, charger)
	}
	return nil
}

// emit appends an event and dispatches matching triggers. Wakes are delivered
// outside all kernel locks.
func (x *Executor) emit(e *events.Event) {
	e.Number = x.clock.NextEventNumber()
	e.Timestamp = x.clock.Now()
	if err := x.log.Append(e); err != nil {
		x.logger.Error("event append failed", "event", e.Number, "error", err)
		return
	}
	fires := x.trig.Dispatch(context.Background(), e)
	fires = append(fires, x.trig.Advance(e.Number)...)
	if x.wake != nil {
		for _, f := range fires {
			x.wake(f)
		}
	}
}

// EmitSystem appends a kernel-originated event (mint rewards, escrow moves,
// snapshots, genesis allocations) through the same numbering and trigger path
// as action events.
func (x *Executor) EmitSystem(e *events.Event) { x.emit(e) }

// emitSettlement mirrors an applied settlement onto the event log so scrip
// and quota flow is reconstructable from the stream alone.
func (x *Executor) emitSettlement(plan *settlement, intent *ActionIntent) {
	if plan == nil {
		return
	}
	x.emitResourceConsumed(plan.payer, intent, plan.resources)
	if len(plan.scrip) == 0 {
		return
	}
	var total int64
	recipients := make([]any, 0, len(plan.scrip))
	for _, c := range plan.scrip {
		total += c.Amount
		recipients = append(recipients, map[string]any{"to": c.To, "amount": c.Amount})
	}
	x.emit(withCognition(&events.Event{
		Type: events.TypeResourceSpent, PrincipalID: plan.payer, ArtifactID: intent.Target,
		ActionType: string(intent.ActionType),
		Payload:    map[string]any{"total": total, "recipients": recipients},
	}, intent))
}

// emitResourceConsumed records applied quota usage (windowed or depletable).
func (x *Executor) emitResourceConsumed(payer string, intent *ActionIntent, charges []ledger.ResourceCharge) {
	if len(charges) == 0 {
		return
	}
	legs := make([]any, 0, len(charges))
	for _, rc := range charges {
		legs = append(legs, map[string]any{"resource": rc.Resource, "amount": rc.Amount})
	}
	x.emit(&events.Event{
		Type: events.TypeResourceConsumed, PrincipalID: payer, ArtifactID: intent.Target,
		ActionType: string(intent.ActionType),
		Payload:    map[string]any{"charges": legs},
	})
}

// chargeDisk debits a disk delta against the artifact's creator, the same
// principal a shrink or delete credits.
func (x *Executor) chargeDisk(owner string, delta int64) error {
	if delta <= 0 {
		return nil
	}
	return x.ledger.Settle(owner, nil,
		[]ledger.ResourceCharge{{Resource: ResourceDisk, Amount: delta}})
}

// withCognition copies the agent's ooda fields into the event payload so the
// stream preserves the full decision record, not just the one-line reasoning.
func withCognition(e *events.Event, intent *ActionIntent) *events.Event {
	if intent.SituationAssessment == "" && intent.ActionRationale == "" {
		return e
	}
	if e.Payload == nil {
		e.Payload = make(map[string]any, 2)
	}
	if intent.SituationAssessment != "" {
		e.Payload["situation_assessment"] = intent.SituationAssessment
	}
	if intent.ActionRationale != "" {
		e.Payload["action_rationale"] = intent.ActionRationale
	}
	return e
}

// fail logs a structured error event and returns the failed result.
func (x *Executor) fail(caller string, intent *ActionIntent, kind, msg string) *ActionResult {
	e := &events.Event{
		Type:        events.TypeError,
		PrincipalID: caller,
		ArtifactID:  intent.Target,
		ActionType:  string(intent.ActionType),
		Reasoning:   intent.Reasoning,
		Error:       kind + ": " + msg,
	}
	x.emit(withCognition(e, intent))
	if kind == KindInvariantViolation {
		x.logger.Error("invariant violation", "caller", caller,
			"action", intent.ActionType, "detail", msg)
		if x.halt != nil {
			x.halt(msg)
		}
	}
	return &ActionResult{
		ActionType: intent.ActionType, Target: intent.Target,
		EventNo: e.Number, ErrorKind: kind, Error: msg,
	}
}

func (x *Executor) failErr(caller string, intent *ActionIntent, err error) *ActionResult {
	return x.fail(caller, intent, errorKind(err), err.Error())
}

// denied is the permission_denied result carrying the contract's reason.
func (x *Executor) denied(caller string, intent *ActionIntent, reason string) *ActionResult {
	if reason == "" {
		reason = "denied by access contract"
	}
	return x.fail(caller, intent, KindPermissionDenied, reason)
}

// applyStateUpdates merges a contract's state updates into its own content,
// pre-validated so it cannot fail after settlement.
func (x *Executor) applyStateUpdates(res contracts.PermissionResult) error {
	if len(res.StateUpdates) == 0 || res.ContractID == "" {
		return nil
	}
	contract, err := x.store.Get(res.ContractID)
	if err != nil {
		return err
	}
	content := contract.ContentMap()
	if content == nil {
		return fmt.Errorf("contract %s content is not a map", res.ContractID)
	}
	state, _ := content["state"].(map[string]any)
	merged := make(map[string]any, len(state)+len(res.StateUpdates))
	for k, v := range state {
		merged[k] = v
	}
	for k, v := range res.StateUpdates {
		merged[k] = v
	}
	content["state"] = merged
	contract.Content = content
	contract.UpdatedAtEvent = x.clock.CurrentEventNumber()
	return x.store.Put(contract, true)
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func isDelegationID(id string) bool {
	return strings.HasPrefix(id, DelegationPrefix)
}
