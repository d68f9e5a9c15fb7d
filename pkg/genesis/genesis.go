// Package genesis bootstraps the world at t=0: the default contract set, the
// mint authority, the kernel host artifacts, and the seed agents. It runs
// exactly once per world; restoring from a checkpoint skips it entirely.
package genesis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/executor"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/kernelapi"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/llm"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/mint"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/world"
)

// Eris is the genesis principal: creator of the default contract set and the
// kernel host artifacts.
const Eris = "eris"

// Well-known genesis artifact ids.
const (
	ContractFreeware  = "freeware"
	ContractPrivate   = "private"
	ContractPublic    = "public"
	ContractSelfOwned = "self_owned"
	MintAuthority     = "mint_authority"
	MintArtifact      = "mint"
	GatewayArtifact   = "llm_gateway"
)

// SeedAgent is one configured starting agent.
type SeedAgent struct {
	ID    string `yaml:"id" json:"id"`
	Goal  string `yaml:"goal" json:"goal"`
	Scrip int64  `yaml:"scrip" json:"scrip"`
}

// SeedTask is one configured starting mint task.
type SeedTask struct {
	ID          string      `yaml:"id" json:"id"`
	Description string      `yaml:"description" json:"description"`
	Reward      int64       `yaml:"reward" json:"reward"`
	PublicTests []mint.Test `yaml:"public_tests" json:"public_tests"`
	HiddenTests []mint.Test `yaml:"hidden_tests" json:"hidden_tests"`
}

// Config is the genesis block of the world configuration.
type Config struct {
	Agents []SeedAgent `yaml:"agents" json:"agents"`
	Tasks  []SeedTask  `yaml:"tasks" json:"tasks"`
	// ErisScrip funds the genesis principal, which pays for contract advice.
	ErisScrip int64 `yaml:"eris_scrip" json:"eris_scrip"`
}

// Deps bundles everything bootstrap touches.
type Deps struct {
	Store    *artifacts.Store
	IDs      *world.IDRegistry
	Ledger   *ledger.Ledger
	Executor *executor.Executor
	Mint     *mint.Engine
	Clock    *world.Clock
	Gateway  *llm.Gateway
	Kernel   *kernelapi.Kernel
	Logger   *slog.Logger
}

// defaultContracts is the genesis contract set. Contracts are ordinary
// artifacts; nothing here is special-cased by the kernel.
var defaultContracts = map[string]string{
	ContractFreeware: `true`,

	ContractPrivate: `{"allow": caller == created_by, "reason": "private artifact"}`,

	ContractPublic: `action == "read_artifact" || action == "subscribe_artifact"
		? {"allow": true}
		: {"allow": caller == created_by, "reason": "public artifacts are read-only for non-creators"}`,

	ContractSelfOwned: `{"allow": caller == target || caller == created_by,
		"reason": "self-owned artifact"}`,
}

// Bootstrap seeds a fresh world. It fails if genesis already ran.
func Bootstrap(ctx context.Context, deps Deps, config Config) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "genesis")

	if deps.Store.Exists(Eris) {
		return fmt.Errorf("genesis already ran: %s exists", Eris)
	}

	place := func(a *artifacts.Artifact) error {
		if err := deps.IDs.Reserve(a.ID); err != nil {
			return fmt.Errorf("genesis id %s: %w", a.ID, err)
		}
		if err := deps.Store.Put(a, true); err != nil {
			return fmt.Errorf("genesis artifact %s: %w", a.ID, err)
		}
		return nil
	}

	// The genesis principal first: everything else is created by it.
	if err := place(&artifacts.Artifact{
		ID: Eris, Type: artifacts.TypeAgent, CreatedBy: Eris,
		HasStanding: true, AccessContractID: ContractPrivate,
		KernelProtected: true,
	}); err != nil {
		return err
	}
	if err := deps.Ledger.Enroll(Eris, config.ErisScrip); err != nil {
		return err
	}
	deps.Executor.EmitSystem(&events.Event{
		Type: events.TypeResourceAllocated, PrincipalID: Eris,
		Payload: map[string]any{"scrip": config.ErisScrip},
	})

	for id, expr := range defaultContracts {
		if err := place(&artifacts.Artifact{
			ID: id, Type: artifacts.TypeContract, CreatedBy: Eris,
			AccessContractID: ContractPublic,
			Content: map[string]any{
				"language":         "cel",
				"check_permission": expr,
			},
		}); err != nil {
			return err
		}
	}

	// Mint authority: the only principal carrying can_mint. The escrow
	// account exists so bids have somewhere to sit during evaluation.
	if err := place(&artifacts.Artifact{
		ID: MintAuthority, Type: artifacts.TypeAgent, CreatedBy: Eris,
		HasStanding: true, AccessContractID: ContractPrivate,
		Capabilities:    []string{"can_mint"},
		KernelProtected: true,
	}); err != nil {
		return err
	}
	if err := deps.Ledger.Enroll(MintAuthority, 0); err != nil {
		return err
	}
	if err := deps.Ledger.Enroll(mint.EscrowPrincipal, 0); err != nil {
		return err
	}

	// Host artifacts: invocations on these dispatch to registered Go
	// handlers instead of the sandbox.
	if err := place(&artifacts.Artifact{
		ID: MintArtifact, Type: artifacts.TypeExecutable, CreatedBy: Eris,
		AccessContractID: ContractFreeware,
		Content:          map[string]any{"host": "mint"},
		Interface: map[string]artifacts.MethodSpec{
			"tasks":  {Description: "list open mint tasks"},
			"submit": {Description: "submit a solution artifact", Args: map[string]any{"task_id": "string", "artifact_id": "string", "bid": "integer"}},
		},
	}); err != nil {
		return err
	}

	if deps.Gateway != nil {
		if err := place(&artifacts.Artifact{
			ID: GatewayArtifact, Type: artifacts.TypeExecutable, CreatedBy: Eris,
			AccessContractID: ContractFreeware,
			Content:          map[string]any{"host": "llm_gateway"},
			Interface: map[string]artifacts.MethodSpec{
				"complete": {Description: "buy one metered model completion", Args: map[string]any{"prompt": "string"}},
			},
		}); err != nil {
			return err
		}
	}
	WireHosts(deps)

	for _, agent := range config.Agents {
		if err := place(&artifacts.Artifact{
			ID: agent.ID, Type: artifacts.TypeAgent, CreatedBy: Eris,
			HasStanding: true, AccessContractID: ContractSelfOwned,
			Metadata: map[string]any{"goal": agent.Goal},
		}); err != nil {
			return err
		}
		if err := deps.Ledger.Enroll(agent.ID, agent.Scrip); err != nil {
			return err
		}
		deps.Executor.EmitSystem(&events.Event{
			Type: events.TypeResourceAllocated, PrincipalID: agent.ID,
			Payload: map[string]any{"scrip": agent.Scrip},
		})
	}

	for _, task := range config.Tasks {
		if err := deps.Mint.AddTask(&mint.Task{
			ID:          task.ID,
			Description: task.Description,
			Reward:      task.Reward,
			PublicTests: task.PublicTests,
			HiddenTests: task.HiddenTests,
		}); err != nil {
			return err
		}
	}

	logger.Info("world seeded",
		"contracts", len(defaultContracts),
		"agents", len(config.Agents),
		"tasks", len(config.Tasks))
	return nil
}

// WireHosts connects the kernel host handlers to the executor. Bootstrap does
// this for a fresh world; a checkpoint restore must call it again, since host
// registrations are process state, not world state.
func WireHosts(deps Deps) {
	deps.Executor.RegisterHost("mint", mintHost(deps))
	deps.Executor.SetMintQuery(deps.Mint.PublicTasks)
	deps.Mint.SetEmitter(deps.Executor.EmitSystem, MintAuthority)
	if deps.Gateway != nil {
		deps.Executor.RegisterHost("llm_gateway", deps.Gateway.HostFunc())
		deps.Gateway.SetRecorder(func(principal string, tokens, microDollars int64) {
			charges := []any{map[string]any{"resource": llm.ResourceTokens, "amount": tokens}}
			if microDollars > 0 {
				charges = append(charges, map[string]any{"resource": llm.ResourceMicro, "amount": microDollars})
			}
			deps.Executor.EmitSystem(&events.Event{
				Type: events.TypeResourceConsumed, PrincipalID: principal,
				Payload: map[string]any{"charges": charges},
			})
		})
	}
}

// mintHost exposes the mint engine as the "mint" host artifact. Submissions
// run under the caller's identity; the escrow and reward mechanics live in
// the mint engine.
func mintHost(deps Deps) executor.HostFunc {
	return func(ctx context.Context, caller, method string, args []any, depth int) (any, error) {
		switch method {
		case "tasks":
			return deps.Mint.PublicTasks(), nil
		case "submit":
			if len(args) == 0 {
				return nil, fmt.Errorf("submit requires an argument object")
			}
			params, ok := args[0].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("submit argument must be an object")
			}
			taskID, _ := params["task_id"].(string)
			artifactID, _ := params["artifact_id"].(string)
			var bid int64
			switch v := params["bid"].(type) {
			case float64:
				bid = int64(v)
			case int:
				bid = int64(v)
			case int64:
				bid = v
			}
			if taskID == "" || artifactID == "" {
				return nil, fmt.Errorf("submit requires task_id and artifact_id")
			}
			return deps.Mint.Submit(ctx, caller, taskID, artifactID, bid, deps.Clock.CurrentEventNumber())
		default:
			return nil, fmt.Errorf("mint has no method %q, interface: [tasks submit]", method)
		}
	}
}

// Runner adapts the kernel facade into the mint engine's test runner: tests
// invoke candidate artifacts through the same narrow waist agents use, with
// re-entry depth so a malicious candidate cannot recurse into the mint.
func Runner(k *kernelapi.Kernel) mint.Runner {
	return func(ctx context.Context, artifactID, method string, args []any) (any, error) {
		return k.Invoke(ctx, MintAuthority, artifactID, method, args, 1)
	}
}
