// Package mint implements task-based scrip creation, the only path by which
// new scrip enters the world. A task carries public tests (full details
// visible to agents) and hidden tests (pass/fail only). Submissions escrow a
// bid, run the candidate against all tests in the sandbox, and on full success
// credit the reward using the engine's can_mint authority.
package mint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
)

// EscrowPrincipal holds bids while a submission is evaluated.
const EscrowPrincipal = "mint_escrow"

// Task states.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

var (
	ErrTaskNotFound = fmt.Errorf("mint task not found")
	ErrTaskClosed   = fmt.Errorf("mint task closed")
	ErrBadBid       = fmt.Errorf("bid must be non-negative")
)

// Test is one check against a candidate: invoke the entry method with Args
// and compare the result to Expected by canonical JSON equality.
type Test struct {
	Name     string `json:"name"`
	Method   string `json:"method,omitempty"` // defaults to "run"
	Args     []any  `json:"args"`
	Expected any    `json:"expected"`
}

// Task is one minting opportunity.
type Task struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	PublicTests   []Test `json:"public_tests"`
	HiddenTests   []Test `json:"hidden_tests"`
	Reward        int64  `json:"reward"`
	Status        string `json:"status"`
	ClosedBy      string `json:"closed_by,omitempty"`
	ClosedAtEvent uint64 `json:"closed_at_event,omitempty"`
}

// PublicView is the agent-visible task record: hidden tests reduced to a
// count.
type PublicView struct {
	ID              string `json:"id"`
	Description     string `json:"description"`
	PublicTests     []Test `json:"public_tests"`
	HiddenTestCount int    `json:"hidden_test_count"`
	Reward          int64  `json:"reward"`
	Status          string `json:"status"`
}

// TestResult is one public test outcome with its assertion trace.
type TestResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// SubmissionResult is returned to the submitting agent. Hidden test failures
// carry no per-test details.
type SubmissionResult struct {
	TaskID        string       `json:"task_id"`
	ArtifactID    string       `json:"artifact_id"`
	Submitter     string       `json:"submitter"`
	Passed        bool         `json:"passed"`
	PublicResults []TestResult `json:"public_results"`
	HiddenPassed  *bool        `json:"hidden_passed,omitempty"`
	Reward        int64        `json:"reward,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// Runner invokes a candidate artifact's method inside the sandbox. Injected
// by the executor so the engine never touches artifact code directly.
type Runner func(ctx context.Context, artifactID, method string, args []any) (any, error)

// Emitter receives the ledger events the engine produces: escrow transfers
// and the reward mint. Wired at bootstrap; a nil emitter drops them.
type Emitter func(e *events.Event)

// Engine owns the task queue. Its minting authority is granted at bootstrap
// by the "mint" principal's can_mint capability; the executor verifies that
// before routing submissions here.
type Engine struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	ledger    *ledger.Ledger
	run       Runner
	emit      Emitter
	authority string
	logger    *slog.Logger
}

// NewEngine wires the mint engine.
func NewEngine(l *ledger.Ledger, run Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tasks:  make(map[string]*Task),
		ledger: l,
		run:    run,
		logger: logger.With("component", "mint"),
	}
}

// SetEmitter routes the engine's supply-changing moves onto the event log,
// attributed to the named mint authority.
func (e *Engine) SetEmitter(fn Emitter, authority string) {
	e.emit = fn
	e.authority = authority
}

func (e *Engine) emitEvent(ev *events.Event) {
	if e.emit != nil {
		e.emit(ev)
	}
}

// AddTask registers a task. Duplicate ids are rejected.
func (e *Engine) AddTask(t *Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[t.ID]; ok {
		return fmt.Errorf("mint task %s already exists", t.ID)
	}
	cp := *t
	if cp.Status == "" {
		cp.Status = StatusOpen
	}
	e.tasks[t.ID] = &cp
	return nil
}

// Task returns the full record, hidden tests included. Kernel-internal.
func (e *Engine) Task(id string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	cp := *t
	return &cp, nil
}

// PublicTasks lists agent-visible task records, sorted by id.
func (e *Engine) PublicTasks() []PublicView {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]PublicView, 0, len(ids))
	for _, id := range ids {
		t := e.tasks[id]
		out = append(out, PublicView{
			ID: t.ID, Description: t.Description,
			PublicTests:     append([]Test(nil), t.PublicTests...),
			HiddenTestCount: len(t.HiddenTests),
			Reward:          t.Reward, Status: t.Status,
		})
	}
	return out
}

// Submit evaluates a candidate against a task. The bid is escrowed for the
// duration of the evaluation and released afterwards regardless of outcome;
// on full success the reward is minted to the submitter and the task closes.
func (e *Engine) Submit(ctx context.Context, submitter, taskID, artifactID string, bid int64, eventNo uint64) (*SubmissionResult, error) {
	if bid < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadBid, bid)
	}
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != StatusOpen {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskClosed, taskID)
	}
	snapshot := *task
	e.mu.Unlock()

	if bid > 0 {
		if err := e.ledger.Transfer(submitter, EscrowPrincipal, bid); err != nil {
			return nil, fmt.Errorf("escrow bid: %w", err)
		}
		e.emitEvent(&events.Event{
			Type: events.TypeTransfer, PrincipalID: submitter,
			Payload: map[string]any{
				"from": submitter, "to": EscrowPrincipal, "amount": bid,
				"memo": "mint bid escrow", "task_id": taskID,
			},
		})
		defer func() {
			if err := e.ledger.Transfer(EscrowPrincipal, submitter, bid); err != nil {
				// Escrow funds cannot vanish; this indicates ledger corruption.
				e.logger.Error("bid release failed", "submitter", submitter, "bid", bid, "error", err)
				return
			}
			e.emitEvent(&events.Event{
				Type: events.TypeTransfer, PrincipalID: EscrowPrincipal,
				Payload: map[string]any{
					"from": EscrowPrincipal, "to": submitter, "amount": bid,
					"memo": "mint bid release", "task_id": taskID,
				},
			})
		}()
	}

	res := &SubmissionResult{TaskID: taskID, ArtifactID: artifactID, Submitter: submitter}
	for _, test := range snapshot.PublicTests {
		res.PublicResults = append(res.PublicResults, e.runTest(ctx, artifactID, test, true))
	}
	for _, tr := range res.PublicResults {
		if !tr.Passed {
			res.Reason = fmt.Sprintf("public test %s failed", tr.Name)
			return res, nil
		}
	}

	hiddenPassed := true
	for _, test := range snapshot.HiddenTests {
		if !e.runTest(ctx, artifactID, test, false).Passed {
			hiddenPassed = false
			break
		}
	}
	res.HiddenPassed = &hiddenPassed
	if !hiddenPassed {
		res.Reason = "hidden tests failed"
		return res, nil
	}

	e.mu.Lock()
	task, ok = e.tasks[taskID]
	if !ok || task.Status != StatusOpen {
		e.mu.Unlock()
		res.Reason = "task closed during evaluation"
		return res, nil
	}
	task.Status = StatusClosed
	task.ClosedBy = submitter
	task.ClosedAtEvent = eventNo
	reward := task.Reward
	e.mu.Unlock()

	if err := e.ledger.Mint(submitter, reward); err != nil {
		return nil, fmt.Errorf("credit reward: %w", err)
	}
	e.emitEvent(&events.Event{
		Type: events.TypeMint, PrincipalID: e.authority, ArtifactID: artifactID,
		Reward: reward,
		Payload: map[string]any{
			"to": submitter, "amount": reward, "task_id": taskID, "artifact_id": artifactID,
		},
	})
	res.Passed = true
	res.Reward = reward
	e.logger.Info("mint task closed", "task", taskID, "submitter", submitter, "reward", reward)
	return res, nil
}

func (e *Engine) runTest(ctx context.Context, artifactID string, test Test, detailed bool) TestResult {
	method := test.Method
	if method == "" {
		method = "run"
	}
	out, err := e.run(ctx, artifactID, method, test.Args)
	if err != nil {
		tr := TestResult{Name: test.Name}
		if detailed {
			tr.Detail = fmt.Sprintf("invocation failed: %v", err)
		}
		return tr
	}
	if artifacts.ContentFingerprint(out) != artifacts.ContentFingerprint(test.Expected) {
		tr := TestResult{Name: test.Name}
		if detailed {
			tr.Detail = fmt.Sprintf("got %v, want %v", out, test.Expected)
		}
		return tr
	}
	return TestResult{Name: test.Name, Passed: true}
}
