// Package agent runs the minds: one goroutine per agent, each looping
// perceive, decide, act through the kernel's narrow waist. The scheduler
// owns all pacing: a global rate limiter, per-agent token buckets, and
// quota-exhaustion suspension with wakes on subscription pushes and timers.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/executor"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/llm"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ratelimit"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/triggers"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config holds the scheduler knobs.
type Config struct {
	// HistorySize bounds the per-agent action history ring.
	HistorySize int
	// FailureBufferSize bounds the parse-failure feedback buffer.
	FailureBufferSize int
	// MaxParseRetries is how many times one turn re-prompts after invalid
	// model output before falling back to noop.
	MaxParseRetries int
	// OODA requires situation_assessment and action_rationale on every action.
	OODA bool
	// GlobalActionsPerSecond paces the whole world; zero disables.
	GlobalActionsPerSecond float64
	// AgentPolicy is the per-agent token bucket policy.
	AgentPolicy ratelimit.Policy
	// SuspendedPoll is how long a suspended agent sleeps before rechecking
	// its quotas when nothing wakes it sooner.
	SuspendedPoll time.Duration
	// ReasoningEffort is passed through to the model on every turn.
	ReasoningEffort string
	// MaxDuration bounds one run's wall time; zero runs until cancelled.
	MaxDuration time.Duration
	// MaxIterations bounds agent turns summed across the world; zero is
	// unlimited.
	MaxIterations int64
}

func (c *Config) applyDefaults() {
	if c.HistorySize <= 0 {
		c.HistorySize = 15
	}
	if c.FailureBufferSize <= 0 {
		c.FailureBufferSize = 5
	}
	if c.MaxParseRetries <= 0 {
		c.MaxParseRetries = 2
	}
	if c.AgentPolicy.APM <= 0 {
		c.AgentPolicy.APM = 30
	}
	if c.AgentPolicy.Burst <= 0 {
		c.AgentPolicy.Burst = 3
	}
	if c.SuspendedPoll <= 0 {
		c.SuspendedPoll = 10 * time.Second
	}
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Executor *executor.Executor
	Store    *artifacts.Store
	Ledger   *ledger.Ledger
	Events   *events.Log
	Triggers *triggers.Registry
	Gateway  *llm.Gateway
	Limiter  ratelimit.Store
	Logger   *slog.Logger
}

// runtime is one agent's scheduling state.
type runtime struct {
	id       string
	goal     string
	wake     chan struct{}
	mu       sync.Mutex
	history  []HistoryEntry
	failures []string
}

// Scheduler drives every agent loop under one errgroup. Stopping the
// context stops every loop; an agent loop returning an error stops the
// world, which is what an invariant violation should do.
type Scheduler struct {
	deps      Deps
	config    Config
	prompts   *PromptBuilder
	validator *Validator
	global    *rate.Limiter
	logger    *slog.Logger

	mu     sync.Mutex
	agents map[string]*runtime
	frozen map[string]bool

	turns atomic.Int64
	stop  context.CancelFunc
}

func NewScheduler(deps Deps, config Config, prompts *PromptBuilder) (*Scheduler, error) {
	config.applyDefaults()
	validator, err := NewValidator(config.OODA)
	if err != nil {
		return nil, err
	}
	if prompts == nil {
		prompts = NewPromptBuilder()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var global *rate.Limiter
	if config.GlobalActionsPerSecond > 0 {
		global = rate.NewLimiter(rate.Limit(config.GlobalActionsPerSecond), 1)
	}
	s := &Scheduler{
		deps:      deps,
		config:    config,
		prompts:   prompts,
		validator: validator,
		global:    global,
		logger:    logger.With("component", "scheduler"),
		agents:    make(map[string]*runtime),
		frozen:    make(map[string]bool),
	}
	deps.Executor.OnWake(s.Wake)
	deps.Executor.SetFrozenQuery(s.Frozen)
	return s, nil
}

// AddAgent registers an agent loop. Must be called before Run.
func (s *Scheduler) AddAgent(id, goal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[id] = &runtime{id: id, goal: goal, wake: make(chan struct{}, 1)}
}

// Wake nudges an agent whose trigger or subscription fired. Safe from any
// goroutine; an already-pending wake is collapsed.
func (s *Scheduler) Wake(fire triggers.Fire) {
	s.mu.Lock()
	rt := s.agents[fire.Owner]
	s.mu.Unlock()
	if rt == nil {
		return
	}
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

// Frozen lists agents currently suspended for quota exhaustion.
func (s *Scheduler) Frozen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frozen))
	for id, f := range s.frozen {
		if f {
			out = append(out, id)
		}
	}
	return out
}

func (s *Scheduler) setFrozen(id string, frozen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen[id] = frozen
}

// Run blocks until the context is cancelled, the configured run bounds are
// reached, or a loop fails fatally.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.config.MaxDuration > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, s.config.MaxDuration)
		defer tcancel()
	}
	s.stop = cancel

	g, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	for _, rt := range s.agents {
		rt := rt
		g.Go(func() error { return s.loop(ctx, rt) })
	}
	s.mu.Unlock()
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, rt *runtime) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if s.global != nil {
			if err := s.global.Wait(ctx); err != nil {
				return nil
			}
		}

		// Per-agent backpressure: a denied turn is a short sleep, not a
		// dropped action.
		if err := ratelimit.Check(ctx, s.deps.Limiter, rt.id, s.config.AgentPolicy); err != nil {
			if !s.sleep(ctx, rt, time.Second) {
				return nil
			}
			continue
		}

		// Quota suspension: an agent with no model budget sleeps until its
		// window refreshes or something wakes it.
		if remaining, err := s.deps.Gateway.Remaining(rt.id); err == nil && remaining <= 0 {
			s.setFrozen(rt.id, true)
			s.logger.Info("agent suspended on exhausted llm window", "agent", rt.id)
			if !s.sleep(ctx, rt, s.config.SuspendedPoll) {
				return nil
			}
			continue
		}
		s.setFrozen(rt.id, false)

		// The iteration budget is global: once the world has spent its turns,
		// every loop winds down.
		if s.config.MaxIterations > 0 && s.turns.Add(1) > s.config.MaxIterations {
			s.logger.Info("iteration budget exhausted, stopping the world",
				"max_iterations", s.config.MaxIterations)
			s.stop()
			return nil
		}

		if err := s.turn(ctx, rt); err != nil {
			// Model and parse trouble is the agent's problem; only a broken
			// kernel stops the loop.
			s.logger.Warn("agent turn failed", "agent", rt.id, "error", err)
			if !s.sleep(ctx, rt, time.Second) {
				return nil
			}
		}
	}
}

// sleep waits for d, an early wake, or cancellation. Returns false on
// cancellation.
func (s *Scheduler) sleep(ctx context.Context, rt *runtime, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-rt.wake:
		return true
	case <-timer.C:
		return true
	}
}

// turn runs one perceive-decide-act cycle.
func (s *Scheduler) turn(ctx context.Context, rt *runtime) error {
	view := s.buildView(rt)
	prompt := s.prompts.Build(view)

	intent, parseErr := s.decide(ctx, rt, prompt)
	if parseErr != nil {
		rt.pushFailure(s.config.FailureBufferSize, parseErr.Error())
		intent = &executor.ActionIntent{
			ActionType: executor.ActionNoop,
			Reasoning:  "model output was invalid, yielding this turn",
		}
	}

	res := s.deps.Executor.Execute(ctx, rt.id, intent)
	rt.pushHistory(s.config.HistorySize, HistoryEntry{
		Action:  string(intent.ActionType),
		Target:  intent.Target,
		OK:      res.OK,
		Error:   res.Error,
		EventNo: res.EventNo,
	})
	if !res.OK {
		rt.pushFailure(s.config.FailureBufferSize,
			fmt.Sprintf("%s %s failed (%s): %s", intent.ActionType, intent.Target, res.ErrorKind, res.Error))
	}
	return nil
}

// decide calls the model, retrying on invalid output with the validator's
// error appended so the model can correct itself.
func (s *Scheduler) decide(ctx context.Context, rt *runtime, prompt string) (*executor.ActionIntent, error) {
	messages := []llm.Message{{Role: "user", Content: prompt}}
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxParseRetries; attempt++ {
		resp, err := s.deps.Gateway.Complete(ctx, rt.id, &llm.Request{
			Messages:        messages,
			ReasoningEffort: s.config.ReasoningEffort,
		})
		if err != nil {
			return nil, err
		}
		intent, err := s.validator.Parse(resp.Content)
		if err == nil {
			return intent, nil
		}
		lastErr = err
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: "Invalid action: " + err.Error() +
				"\nRespond again with one valid JSON action object."})
	}
	return nil, lastErr
}

// buildView snapshots what the agent can see without spending an action.
func (s *Scheduler) buildView(rt *runtime) *View {
	view := &View{AgentID: rt.id, Goal: rt.goal}

	if bal, err := s.deps.Ledger.Balance(rt.id); err == nil {
		view.Scrip = bal
	}
	for _, q := range s.deps.Ledger.Quotas(rt.id) {
		view.Quotas = append(view.Quotas, QuotaLine{Resource: q.Resource, Used: q.Used, Limit: q.Limit})
	}

	for _, e := range s.deps.Events.Recent(10) {
		line := fmt.Sprintf("#%d %s", e.Number, e.Type)
		if e.ArtifactID != "" {
			line += " " + e.ArtifactID
		}
		if e.PrincipalID != "" && e.PrincipalID != rt.id {
			line += " by " + e.PrincipalID
		}
		view.RecentEvents = append(view.RecentEvents, line)
	}

	for _, n := range s.deps.Triggers.DrainPending(rt.id) {
		view.Notifications = append(view.Notifications,
			fmt.Sprintf("%s %s: %s", n.Source, n.Event, describe(n.Diff)))
	}

	rt.mu.Lock()
	view.History = append(view.History, rt.history...)
	view.Failures = append(view.Failures, rt.failures...)
	rt.mu.Unlock()
	return view
}

func (rt *runtime) pushHistory(limit int, h HistoryEntry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.history = append(rt.history, h)
	if len(rt.history) > limit {
		rt.history = rt.history[len(rt.history)-limit:]
	}
}

func (rt *runtime) pushFailure(limit int, msg string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failures = append(rt.failures, msg)
	if len(rt.failures) > limit {
		rt.failures = rt.failures[len(rt.failures)-limit:]
	}
}
