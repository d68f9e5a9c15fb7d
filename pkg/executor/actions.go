package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/invocations"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
)

func (x *Executor) doNoop(caller string, intent *ActionIntent) *ActionResult {
	e := &events.Event{
		Type: events.TypeAction, PrincipalID: caller,
		ActionType: string(ActionNoop), Reasoning: intent.Reasoning,
	}
	x.emit(withCognition(e, intent))
	return &ActionResult{OK: true, ActionType: ActionNoop, EventNo: e.Number}
}

func (x *Executor) doRead(ctx context.Context, caller string, intent *ActionIntent) *ActionResult {
	target, err := x.store.Get(intent.Target)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	res, err := x.check(ctx, caller, intent, target, nil)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if !res.Allow {
		return x.denied(caller, intent, res.Reason)
	}
	plan, err := x.settle(caller, res, target)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if err := x.applyStateUpdates(res); err != nil {
		return x.fail(caller, intent, KindInvariantViolation, err.Error())
	}

	e := &events.Event{
		Type: events.TypeAction, PrincipalID: caller, ArtifactID: target.ID,
		ActionType: string(ActionRead), Reasoning: intent.Reasoning,
	}
	x.emit(withCognition(e, intent))
	x.emitSettlement(plan, intent)
	return &ActionResult{
		OK: true, ActionType: ActionRead, Target: target.ID, EventNo: e.Number,
		Data: map[string]any{
			"id": target.ID, "type": target.Type, "created_by": target.CreatedBy,
			"content": target.Content, "interface": target.Interface,
			"access_contract_id": target.AccessContractID,
			"metadata":           target.Metadata,
		},
	}
}

func (x *Executor) doWrite(ctx context.Context, caller string, intent *ActionIntent) *ActionResult {
	if intent.Target == "" {
		return x.fail(caller, intent, KindNotFound, "write_artifact requires a target id")
	}
	if isDelegationID(intent.Target) && intent.Target != DelegationPrefix+caller {
		return x.fail(caller, intent, KindPermissionDenied,
			"a charge delegation record can only be written by its payer")
	}
	size := artifacts.ContentSize(intent.Content)
	if x.config.MaxContentBytes > 0 && size > x.config.MaxContentBytes {
		return x.fail(caller, intent, KindInsufficientResource,
			fmt.Sprintf("content %d bytes exceeds limit %d", size, x.config.MaxContentBytes))
	}

	prev, getErr := x.store.Get(intent.Target)
	if getErr == nil {
		return x.doReplace(ctx, caller, intent, prev, size)
	}
	return x.doCreate(caller, intent, size)
}

func (x *Executor) doCreate(caller string, intent *ActionIntent, size int64) *ActionResult {
	if err := x.ids.Validate(intent.Target); err != nil {
		return x.failErr(caller, intent, err)
	}
	contractID := intent.AccessContractID
	if contractID == "" {
		if x.config.RequireContractOnWrite && !isDelegationID(intent.Target) {
			return x.fail(caller, intent, KindPermissionDenied,
				"access_contract_id is required when creating an artifact")
		}
		contractID = x.config.DefaultAccessContract
	}

	var disk []ledger.ResourceCharge
	if size > 0 {
		disk = append(disk, ledger.ResourceCharge{Resource: ResourceDisk, Amount: size})
	}
	if err := x.ledger.Settle(caller, nil, disk); err != nil {
		return x.failErr(caller, intent, err)
	}
	if err := x.ids.Reserve(intent.Target); err != nil {
		// Lost a reservation race after the quota was charged.
		x.ledger.Release(caller, ResourceDisk, size)
		return x.failErr(caller, intent, err)
	}

	a := &artifacts.Artifact{
		ID:               intent.Target,
		Type:             x.typeTag(intent),
		CreatedBy:        caller,
		Content:          intent.Content,
		AccessContractID: contractID,
		HasStanding:      intent.HasStanding,
		Metadata:         intent.Metadata,
		KernelProtected:  isDelegationID(intent.Target),
		CreatedAtEvent:   x.clock.CurrentEventNumber() + 1,
	}
	x.fillInterface(a, intent)
	if err := x.store.Put(a, a.KernelProtected); err != nil {
		return x.fail(caller, intent, KindInvariantViolation,
			fmt.Sprintf("create %s failed after settlement: %v", a.ID, err))
	}
	if a.HasStanding && !x.ledger.Enrolled(a.ID) {
		if err := x.ledger.Enroll(a.ID, 0); err != nil {
			return x.fail(caller, intent, KindInvariantViolation, err.Error())
		}
	}

	e := &events.Event{
		Type: events.TypeArtifactCreated, PrincipalID: caller, ArtifactID: a.ID,
		ActionType: string(ActionWrite), Reasoning: intent.Reasoning,
		Payload: map[string]any{"content": intent.Content, "size_bytes": size},
	}
	x.emit(withCognition(e, intent))
	x.emitResourceConsumed(caller, intent, disk)
	return &ActionResult{OK: true, ActionType: ActionWrite, Target: a.ID, EventNo: e.Number}
}

func (x *Executor) doReplace(ctx context.Context, caller string, intent *ActionIntent, prev *artifacts.Artifact, size int64) *ActionResult {
	if prev.KernelProtected && !isDelegationID(prev.ID) {
		return x.fail(caller, intent, KindPermissionDenied,
			fmt.Sprintf("%s is kernel protected", prev.ID))
	}
	res, err := x.check(ctx, caller, intent, prev, nil)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if !res.Allow {
		return x.denied(caller, intent, res.Reason)
	}

	// Disk stays on the creator's quota whoever edits, the same principal a
	// shrink or delete credits.
	delta := size - artifacts.ContentSize(prev.Content)
	if err := x.chargeDisk(prev.CreatedBy, delta); err != nil {
		return x.failErr(caller, intent, err)
	}
	plan, err := x.settle(caller, res, prev)
	if err != nil {
		if delta > 0 {
			x.ledger.Release(prev.CreatedBy, ResourceDisk, delta)
		}
		return x.failErr(caller, intent, err)
	}
	if err := x.applyStateUpdates(res); err != nil {
		return x.fail(caller, intent, KindInvariantViolation, err.Error())
	}
	if delta < 0 {
		x.ledger.Release(prev.CreatedBy, ResourceDisk, -delta)
	}

	next := prev.Clone()
	next.Content = intent.Content
	if intent.AccessContractID != "" {
		next.AccessContractID = intent.AccessContractID
	}
	if intent.Metadata != nil {
		next.Metadata = intent.Metadata
	}
	if intent.HasStanding {
		next.HasStanding = true
	}
	next.Type = x.typeTag(intent)
	x.fillInterface(next, intent)
	next.UpdatedAtEvent = x.clock.CurrentEventNumber() + 1
	if err := x.store.Put(next, next.KernelProtected); err != nil {
		return x.fail(caller, intent, KindInvariantViolation,
			fmt.Sprintf("replace %s failed after settlement: %v", next.ID, err))
	}
	if next.HasStanding && !x.ledger.Enrolled(next.ID) {
		if err := x.ledger.Enroll(next.ID, 0); err != nil {
			return x.fail(caller, intent, KindInvariantViolation, err.Error())
		}
	}

	e := &events.Event{
		Type: events.TypeArtifactUpdated, PrincipalID: caller, ArtifactID: next.ID,
		ActionType: string(ActionWrite), Reasoning: intent.Reasoning,
		Payload: map[string]any{"content": intent.Content, "size_bytes": size},
	}
	x.emit(withCognition(e, intent))
	x.emitSettlement(plan, intent)
	if delta > 0 {
		x.emitResourceConsumed(prev.CreatedBy, intent,
			[]ledger.ResourceCharge{{Resource: ResourceDisk, Amount: delta}})
	}
	return &ActionResult{OK: true, ActionType: ActionWrite, Target: next.ID, EventNo: e.Number}
}

func (x *Executor) doEdit(ctx context.Context, caller string, intent *ActionIntent) *ActionResult {
	if len(intent.Patch) == 0 {
		return x.fail(caller, intent, KindNotFound, "edit_artifact requires a patch")
	}
	prev, err := x.store.Get(intent.Target)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if prev.KernelProtected && !isDelegationID(prev.ID) {
		return x.fail(caller, intent, KindPermissionDenied,
			fmt.Sprintf("%s is kernel protected", prev.ID))
	}
	content := prev.ContentMap()
	if content == nil {
		return x.fail(caller, intent, KindSandboxForbidden,
			fmt.Sprintf("%s content is not a map, use write_artifact", prev.ID))
	}
	res, err := x.check(ctx, caller, intent, prev, map[string]any{"patch": intent.Patch})
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if !res.Allow {
		return x.denied(caller, intent, res.Reason)
	}

	merged := make(map[string]any, len(content)+len(intent.Patch))
	for k, v := range content {
		merged[k] = v
	}
	for k, v := range intent.Patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	delta := artifacts.ContentSize(merged) - artifacts.ContentSize(content)
	if err := x.chargeDisk(prev.CreatedBy, delta); err != nil {
		return x.failErr(caller, intent, err)
	}
	plan, err := x.settle(caller, res, prev)
	if err != nil {
		if delta > 0 {
			x.ledger.Release(prev.CreatedBy, ResourceDisk, delta)
		}
		return x.failErr(caller, intent, err)
	}
	if err := x.applyStateUpdates(res); err != nil {
		return x.fail(caller, intent, KindInvariantViolation, err.Error())
	}
	if delta < 0 {
		x.ledger.Release(prev.CreatedBy, ResourceDisk, -delta)
	}

	next := prev.Clone()
	next.Content = merged
	next.UpdatedAtEvent = x.clock.CurrentEventNumber() + 1
	if err := x.store.Put(next, next.KernelProtected); err != nil {
		return x.fail(caller, intent, KindInvariantViolation,
			fmt.Sprintf("edit %s failed after settlement: %v", next.ID, err))
	}

	e := &events.Event{
		Type: events.TypeArtifactUpdated, PrincipalID: caller, ArtifactID: next.ID,
		ActionType: string(ActionEdit), Reasoning: intent.Reasoning,
		Payload: map[string]any{"patch": intent.Patch, "content": merged},
	}
	x.emit(withCognition(e, intent))
	x.emitSettlement(plan, intent)
	if delta > 0 {
		x.emitResourceConsumed(prev.CreatedBy, intent,
			[]ledger.ResourceCharge{{Resource: ResourceDisk, Amount: delta}})
	}
	return &ActionResult{OK: true, ActionType: ActionEdit, Target: next.ID, EventNo: e.Number}
}

func (x *Executor) doDelete(ctx context.Context, caller string, intent *ActionIntent) *ActionResult {
	prev, err := x.store.Get(intent.Target)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	ownDelegation := isDelegationID(prev.ID) && prev.ID == DelegationPrefix+caller
	if prev.KernelProtected && !ownDelegation {
		return x.fail(caller, intent, KindPermissionDenied,
			fmt.Sprintf("%s is kernel protected", prev.ID))
	}
	res, err := x.check(ctx, caller, intent, prev, nil)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if !res.Allow {
		return x.denied(caller, intent, res.Reason)
	}
	plan, err := x.settle(caller, res, prev)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if err := x.applyStateUpdates(res); err != nil {
		return x.fail(caller, intent, KindInvariantViolation, err.Error())
	}

	if err := x.store.Delete(prev.ID, ownDelegation); err != nil {
		return x.fail(caller, intent, KindInvariantViolation,
			fmt.Sprintf("delete %s failed after settlement: %v", prev.ID, err))
	}
	x.ledger.Release(prev.CreatedBy, ResourceDisk, artifacts.ContentSize(prev.Content))
	x.trig.DropSubscriptionsFor(prev.ID)
	x.invReg.Drop(prev.ID)

	e := &events.Event{
		Type: events.TypeArtifactDeleted, PrincipalID: caller, ArtifactID: prev.ID,
		ActionType: string(ActionDelete), Reasoning: intent.Reasoning,
	}
	x.emit(withCognition(e, intent))
	x.emitSettlement(plan, intent)
	return &ActionResult{OK: true, ActionType: ActionDelete, Target: prev.ID, EventNo: e.Number}
}

func (x *Executor) doTransfer(caller string, intent *ActionIntent) *ActionResult {
	if err := x.ledger.Transfer(caller, intent.Recipient, intent.Amount); err != nil {
		return x.failErr(caller, intent, err)
	}
	e := &events.Event{
		Type: events.TypeTransfer, PrincipalID: caller,
		ActionType: string(ActionTransfer), Reasoning: intent.Reasoning,
		Payload: map[string]any{
			"from": caller, "to": intent.Recipient,
			"amount": intent.Amount, "memo": intent.Memo,
		},
	}
	x.emit(withCognition(e, intent))
	return &ActionResult{OK: true, ActionType: ActionTransfer, EventNo: e.Number}
}

func (x *Executor) doMint(caller string, intent *ActionIntent) *ActionResult {
	callerArt, err := x.store.Get(caller)
	if err != nil || !callerArt.HasCapability("can_mint") {
		return x.fail(caller, intent, KindPermissionDenied,
			"mint requires the can_mint capability")
	}
	if err := x.ledger.Mint(intent.Recipient, intent.Amount); err != nil {
		return x.failErr(caller, intent, err)
	}
	e := &events.Event{
		Type: events.TypeMint, PrincipalID: caller,
		ActionType: string(ActionMint), Reasoning: intent.Reasoning,
		Reward:     intent.Amount,
		Payload: map[string]any{
			"to": intent.Recipient, "amount": intent.Amount, "reason": intent.Reason,
		},
	}
	x.emit(withCognition(e, intent))
	return &ActionResult{OK: true, ActionType: ActionMint, EventNo: e.Number}
}

func (x *Executor) doSubscribe(ctx context.Context, caller string, intent *ActionIntent) *ActionResult {
	target, err := x.store.Get(intent.Target)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	res, err := x.check(ctx, caller, intent, target, nil)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if !res.Allow {
		return x.denied(caller, intent, res.Reason)
	}
	plan, err := x.settle(caller, res, target)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	x.trig.Subscribe(caller, target.ID)

	e := &events.Event{
		Type: events.TypeAction, PrincipalID: caller, ArtifactID: target.ID,
		ActionType: string(ActionSubscribe), Reasoning: intent.Reasoning,
	}
	x.emit(withCognition(e, intent))
	x.emitSettlement(plan, intent)
	return &ActionResult{OK: true, ActionType: ActionSubscribe, Target: target.ID, EventNo: e.Number}
}

func (x *Executor) doUnsubscribe(caller string, intent *ActionIntent) *ActionResult {
	x.trig.Unsubscribe(caller, intent.Target)
	e := &events.Event{
		Type: events.TypeAction, PrincipalID: caller, ArtifactID: intent.Target,
		ActionType: string(ActionUnsubscribe), Reasoning: intent.Reasoning,
	}
	x.emit(withCognition(e, intent))
	return &ActionResult{OK: true, ActionType: ActionUnsubscribe, Target: intent.Target, EventNo: e.Number}
}

func (x *Executor) doInvoke(ctx context.Context, caller string, intent *ActionIntent) *ActionResult {
	target, err := x.store.Get(intent.Target)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if _, ok := target.Interface[intent.Method]; !ok {
		return x.fail(caller, intent, KindNotFound,
			fmt.Sprintf("%s has no method %q, interface: %v",
				target.ID, intent.Method, methodNames(target)))
	}
	res, err := x.check(ctx, caller, intent, target, map[string]any{"method": intent.Method})
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	if !res.Allow {
		return x.denied(caller, intent, res.Reason)
	}
	plan, err := x.planSettlement(caller, res, target)
	if err != nil {
		return x.failErr(caller, intent, err)
	}
	// Validate charges before running so a broke caller never gets free
	// compute; apply them only after the run, so a failed run leaves the
	// ledger untouched.
	if err := x.validateSettlement(plan); err != nil {
		return x.failErr(caller, intent, err)
	}

	args := NormalizeArgs(intent.Args)
	attempt := &events.Event{
		Type: events.TypeInvokeAttempt, PrincipalID: caller, ArtifactID: target.ID,
		ActionType: string(ActionInvoke), Reasoning: intent.Reasoning,
		Payload: map[string]any{"method": intent.Method},
	}
	x.emit(withCognition(attempt, intent))

	started := time.Now()
	out, runErr := x.runMethod(ctx, caller, target, intent.Method, args, intent.Depth)
	elapsed := time.Since(started)

	rec := invocations.Record{
		Artifact: target.ID, Invoker: caller, Method: intent.Method,
		OK: runErr == nil, Duration: elapsed, Timestamp: x.clock.Now(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
		failure := &events.Event{
			Type: events.TypeInvokeFailure, PrincipalID: caller, ArtifactID: target.ID,
			ActionType: string(ActionInvoke), Error: runErr.Error(),
			Payload: map[string]any{"method": intent.Method, "duration_ms": elapsed.Milliseconds()},
		}
		x.emit(failure)
		rec.EventNo = failure.Number
		x.invReg.Observe(rec)
		return &ActionResult{
			ActionType: ActionInvoke, Target: target.ID, EventNo: failure.Number,
			ErrorKind: errorKind(runErr), Error: runErr.Error(),
		}
	}

	if err := x.applySettlement(plan); err != nil {
		return x.failErr(caller, intent, err)
	}
	if err := x.applyStateUpdates(res); err != nil {
		return x.fail(caller, intent, KindInvariantViolation, err.Error())
	}

	success := &events.Event{
		Type: events.TypeInvokeSuccess, PrincipalID: caller, ArtifactID: target.ID,
		ActionType: string(ActionInvoke), Reasoning: intent.Reasoning,
		Payload: map[string]any{"method": intent.Method, "duration_ms": elapsed.Milliseconds()},
	}
	x.emit(success)
	x.emitSettlement(plan, intent)
	rec.EventNo = success.Number
	x.invReg.Observe(rec)
	return &ActionResult{OK: true, ActionType: ActionInvoke, Target: target.ID,
		EventNo: success.Number, Data: out}
}

// runMethod executes a method via the host registry, the CEL engine, or the
// WASM runner depending on the target's content.
func (x *Executor) runMethod(ctx context.Context, caller string, target *artifacts.Artifact, method string, args []any, depth int) (any, error) {
	content := target.ContentMap()
	if content == nil {
		return nil, fmt.Errorf("%s content is not invocable", target.ID)
	}

	if hostName, ok := content["host"].(string); ok {
		fn, ok := x.hosts[hostName]
		if !ok {
			return nil, fmt.Errorf("host %q not registered", hostName)
		}
		return fn(ctx, caller, method, args, depth)
	}

	pending := x.trig.DrainPending(target.ID)
	subs := make([]any, 0, len(pending))
	for _, n := range pending {
		subs = append(subs, map[string]any{"event": n.Event, "source": n.Source, "diff": n.Diff})
	}

	lang, _ := content["language"].(string)
	switch lang {
	case "", "cel":
		methods, _ := content["methods"].(map[string]any)
		expr, _ := methods[method].(string)
		if expr == "" {
			return nil, fmt.Errorf("%s defines no body for method %q", target.ID, method)
		}
		state, _ := content["state"].(map[string]any)
		if state == nil {
			state = map[string]any{}
		}
		return x.eval.Eval(ctx, expr, map[string]any{
			"args": args, "caller": caller, "target": target.ID,
			"created_by": target.CreatedBy, "state": state, "subscriptions": subs,
		}, x.config.InvokeTimeout)
	case "wasm":
		if x.wasm == nil {
			return nil, fmt.Errorf("wasm execution is not enabled")
		}
		b64, _ := content["module_base64"].(string)
		module, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("%s module is not valid base64: %w", target.ID, err)
		}
		input, err := json.Marshal(map[string]any{
			"method": method, "args": args, "subscriptions": subs,
		})
		if err != nil {
			return nil, err
		}
		stdout, err := x.wasm.Run(ctx, module, input)
		if err != nil {
			return nil, err
		}
		var out any
		if len(stdout) > 0 {
			if err := json.Unmarshal(stdout, &out); err != nil {
				return string(stdout), nil
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s declares unsupported language %q", target.ID, lang)
	}
}

func (x *Executor) typeTag(intent *ActionIntent) string {
	if isDelegationID(intent.Target) {
		return artifacts.TypeChargeDelegation
	}
	if m, ok := intent.Content.(map[string]any); ok {
		if _, hasCheck := m["check_permission"]; hasCheck {
			return artifacts.TypeContract
		}
		if _, hasMethods := m["methods"]; hasMethods {
			return artifacts.TypeExecutable
		}
		if lang, _ := m["language"].(string); lang == "wasm" {
			return artifacts.TypeExecutable
		}
	}
	if intent.HasStanding {
		return artifacts.TypeAgent
	}
	return artifacts.TypeData
}

// fillInterface derives the interface from CEL method bodies when the writer
// did not declare one.
func (x *Executor) fillInterface(a *artifacts.Artifact, intent *ActionIntent) {
	m, ok := intent.Content.(map[string]any)
	if !ok {
		return
	}
	methods, ok := m["methods"].(map[string]any)
	if !ok {
		return
	}
	if a.Interface == nil {
		a.Interface = make(map[string]artifacts.MethodSpec)
	}
	for name := range methods {
		if _, declared := a.Interface[name]; !declared {
			a.Interface[name] = artifacts.MethodSpec{}
		}
	}
}

func methodNames(a *artifacts.Artifact) []string {
	names := make([]string, 0, len(a.Interface))
	for name := range a.Interface {
		names = append(names, name)
	}
	return names
}
