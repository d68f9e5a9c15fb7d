package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/agent"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/config"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/contracts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/executor"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/genesis"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/invocations"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/kernelapi"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/llm"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/mint"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/observability"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ratelimit"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/sandbox"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/triggers"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/world"
)

// liveWorld is the fully wired kernel plus scheduler, ready to bootstrap or
// restore.
type liveWorld struct {
	cfg       *config.Config
	clock     *world.Clock
	ids       *world.IDRegistry
	store     *artifacts.Store
	ledger    *ledger.Ledger
	events    *events.Log
	triggers  *triggers.Registry
	perms     *contracts.Engine
	executor  *executor.Executor
	kernel    *kernelapi.Kernel
	mint      *mint.Engine
	gateway   *llm.Gateway
	scheduler *agent.Scheduler
	metrics   *observability.Provider

	closers []func() error
}

func buildWorld(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*liveWorld, error) {
	w := &liveWorld{
		cfg:    cfg,
		clock:  world.NewClock(),
		ids:    world.NewIDRegistry(),
		store:  artifacts.NewStore(),
		ledger: ledger.New(cfg.Resources, logger),
		events: events.NewLog(logger),
	}

	eval, err := sandbox.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("build evaluator: %w", err)
	}
	wasmConfig := sandbox.DefaultWASMConfig
	if cfg.World.InvokeTimeoutSeconds > 0 {
		wasmConfig.Timeout = cfg.InvokeTimeout()
	}
	wasm, err := sandbox.NewWASMRunner(ctx, wasmConfig)
	if err != nil {
		return nil, fmt.Errorf("build wasm runner: %w", err)
	}

	if err := w.openSinks(); err != nil {
		return nil, err
	}

	w.triggers = triggers.NewRegistry(eval, logger)
	w.perms = contracts.NewEngine(w.store, eval, contracts.Config{
		MaxDepth:           cfg.Contracts.MaxDepth,
		FallbackContractID: cfg.Contracts.FallbackContractID,
		DanglingOpen:       cfg.Contracts.DanglingOpen,
		EvalTimeout:        time.Duration(cfg.Contracts.EvalTimeoutSeconds) * time.Second,
	}, logger)

	w.metrics, err = observability.New(ctx, &observability.Config{
		ServiceName:  "eris",
		WorldName:    cfg.World.Name,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Insecure:     cfg.Observability.Insecure,
		Interval:     time.Duration(cfg.Observability.ExportIntervalSeconds) * time.Second,
		Enabled:      cfg.Observability.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("build observability: %w", err)
	}

	w.executor = executor.New(executor.Deps{
		Clock:       w.clock,
		IDs:         w.ids,
		Store:       w.store,
		Ledger:      w.ledger,
		Permissions: w.perms,
		Triggers:    w.triggers,
		Invocations: invocations.NewRegistry(256),
		Events:      w.events,
		Evaluator:   eval,
		WASM:        wasm,
		Logger:      logger,
		Metrics:     w.metrics,
	}, executor.Config{
		RequireContractOnWrite: cfg.World.RequireExplicitContractOnWrite,
		DefaultAccessContract:  cfg.World.DefaultAccessContract,
		MaxContentBytes:        cfg.World.MaxContentBytes,
		InvokeTimeout:          cfg.InvokeTimeout(),
	})

	w.kernel = kernelapi.New(w.store, w.ledger, w.events, w.executor)

	runner := genesis.Runner(w.kernel)
	if cfg.Mint.TestTimeoutSeconds > 0 {
		runner = withTimeout(runner, time.Duration(cfg.Mint.TestTimeoutSeconds)*time.Second)
	}
	w.mint = mint.NewEngine(w.ledger, runner, logger)

	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}
	w.gateway, err = llm.NewGateway(client, w.ledger, cfg.LLM.Pricing, cfg.LLM.ReasoningEffort, logger)
	if err != nil {
		return nil, err
	}
	w.perms.SetAdvisor(llm.NewAdvisor(w.gateway, genesis.Eris))

	prompts := agent.NewPromptBuilder()
	for _, name := range cfg.Agents.DisabledSections {
		prompts.Disable(name)
	}
	w.scheduler, err = agent.NewScheduler(agent.Deps{
		Executor: w.executor,
		Store:    w.store,
		Ledger:   w.ledger,
		Events:   w.events,
		Triggers: w.triggers,
		Gateway:  w.gateway,
		Limiter:  buildLimiter(cfg),
		Logger:   logger,
	}, agent.Config{
		HistorySize:            cfg.Agents.HistorySize,
		FailureBufferSize:      cfg.Agents.FailureBufferSize,
		MaxParseRetries:        cfg.Agents.MaxParseRetries,
		OODA:                   cfg.Agents.OODA,
		GlobalActionsPerSecond: cfg.Agents.GlobalActionsPerSecond,
		AgentPolicy:            cfg.Agents.Policy,
		SuspendedPoll:          time.Duration(cfg.Agents.SuspendedPollSeconds) * time.Second,
		ReasoningEffort:        cfg.LLM.ReasoningEffort,
		MaxDuration:            time.Duration(cfg.World.MaxDurationSeconds) * time.Second,
		MaxIterations:          cfg.World.MaxIterations,
	}, prompts)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// openSinks attaches the configured durable event sinks.
func (w *liveWorld) openSinks() error {
	if path := w.cfg.World.EventLogPath; path != "" {
		sink, err := events.NewJSONLSink(path)
		if err != nil {
			return err
		}
		w.events.AddSink(sink)
		w.closers = append(w.closers, sink.Close)
	}
	if path := w.cfg.World.EventDBPath; path != "" {
		db, err := openSQLite(path)
		if err != nil {
			return fmt.Errorf("open event db: %w", err)
		}
		sink, err := events.NewSQLiteSink(db)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("open event journal: %w", err)
		}
		w.events.AddSink(sink)
		w.closers = append(w.closers, db.Close)
	}
	return nil
}

func (w *liveWorld) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		_ = w.closers[i]()
	}
}

func buildClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "scripted":
		return &llm.ScriptedClient{}, nil
	default:
		key := os.Getenv(cfg.LLM.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("llm provider %s requires %s to be set",
				cfg.LLM.Provider, cfg.LLM.APIKeyEnv)
		}
		client := llm.NewOpenAIClient(key, cfg.LLM.Model)
		if cfg.LLM.BaseURL != "" {
			client = client.WithBaseURL(cfg.LLM.BaseURL)
		}
		return client, nil
	}
}

func buildLimiter(cfg *config.Config) ratelimit.Store {
	if cfg.Agents.Limiter == "redis" {
		return ratelimit.NewRedisStore(cfg.Agents.RedisAddr, cfg.Agents.RedisPassword, cfg.Agents.RedisDB)
	}
	return ratelimit.NewInMemoryStore()
}

func withTimeout(run mint.Runner, d time.Duration) mint.Runner {
	return func(ctx context.Context, artifactID, method string, args []any) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return run(ctx, artifactID, method, args)
	}
}
