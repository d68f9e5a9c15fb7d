// Package kernelapi is the facade handed to host-side artifact code: the
// mint's test runner, dashboard tailers, anything that needs kernel reads or
// action submission without reaching into kernel internals. Everything here
// goes through the same narrow waist agents use; there are no privileged
// backdoors.
package kernelapi

import (
	"context"
	"fmt"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/executor"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
)

// KernelInterface is what host handlers may do. Reads return clones; actions
// run the full permission and settlement pipeline under the submitting
// principal's identity.
type KernelInterface interface {
	// Artifact returns a cloned artifact record.
	Artifact(id string) (*artifacts.Artifact, error)
	// Balance returns a principal's scrip balance.
	Balance(principal string) (int64, error)
	// Quotas returns a principal's resource quota states.
	Quotas(principal string) []ledger.QuotaState
	// Events returns committed events in [start, end].
	Events(start, end uint64) []*events.Event
	// Submit runs one action as the given principal.
	Submit(ctx context.Context, principal string, intent *executor.ActionIntent) *executor.ActionResult
	// Invoke is a convenience for method calls, tracking re-entry depth so
	// nested invocation chains stay bounded.
	Invoke(ctx context.Context, principal, target, method string, args []any, depth int) (any, error)
}

// Kernel implements KernelInterface over the live world.
type Kernel struct {
	store  *artifacts.Store
	ledger *ledger.Ledger
	log    *events.Log
	exec   *executor.Executor
}

func New(store *artifacts.Store, led *ledger.Ledger, log *events.Log, exec *executor.Executor) *Kernel {
	return &Kernel{store: store, ledger: led, log: log, exec: exec}
}

func (k *Kernel) Artifact(id string) (*artifacts.Artifact, error) {
	return k.store.Get(id)
}

func (k *Kernel) Balance(principal string) (int64, error) {
	return k.ledger.Balance(principal)
}

func (k *Kernel) Quotas(principal string) []ledger.QuotaState {
	return k.ledger.Quotas(principal)
}

func (k *Kernel) Events(start, end uint64) []*events.Event {
	return k.log.Range(start, end)
}

func (k *Kernel) Submit(ctx context.Context, principal string, intent *executor.ActionIntent) *executor.ActionResult {
	return k.exec.Execute(ctx, principal, intent)
}

func (k *Kernel) Invoke(ctx context.Context, principal, target, method string, args []any, depth int) (any, error) {
	res := k.exec.Execute(ctx, principal, &executor.ActionIntent{
		ActionType: executor.ActionInvoke,
		Target:     target,
		Method:     method,
		Args:       args,
		Reasoning:  "kernel-internal invocation",
		Depth:      depth,
	})
	if !res.OK {
		return nil, fmt.Errorf("%s: %s", res.ErrorKind, res.Error)
	}
	return res.Data, nil
}
