// Package triggers implements the wake machinery: event-matched triggers,
// tick-scheduled triggers, and artifact subscriptions. Subscriptions are
// push-based: when a watched artifact changes, each subscriber is woken and
// the change is queued for delivery inside its next invocation input, so no
// follow-up read is needed.
package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/sandbox"
)

// Cap on undelivered notifications per subscriber. Oldest are dropped with a
// log line on overflow.
const maxPendingPerSubscriber = 100

// Filter matches events. Zero fields match everything; Predicate is an
// optional CEL expression evaluated with the event exposed as `context`.
type Filter struct {
	EventType  events.Type `json:"event_type,omitempty"`
	ArtifactID string      `json:"artifact_id,omitempty"`
	Predicate  string      `json:"predicate,omitempty"`
}

// Trigger wakes its owner when an event matches (event trigger), when FireAt
// passes (wall-clock schedule), or when the log reaches FireAtEvent (event
// clock schedule). Once triggers are removed after firing; scheduled triggers
// always fire exactly once.
type Trigger struct {
	ID     string     `json:"id"`
	Owner  string     `json:"owner"`
	Filter Filter     `json:"filter"`
	FireAt *time.Time `json:"fire_at,omitempty"`
	// FireAtEvent schedules against the event clock; the trigger fires once
	// the log reaches that event number.
	FireAtEvent uint64 `json:"fire_at_event,omitempty"`
	Once        bool   `json:"once"`
}

// Fire records one trigger activation, drained by the scheduler outside any
// kernel lock.
type Fire struct {
	TriggerID string         `json:"trigger_id"`
	Owner     string         `json:"owner"`
	EventNo   uint64         `json:"event_number,omitempty"`
	Scheduled bool           `json:"scheduled,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notification is one queued subscription push.
type Notification struct {
	Event  string         `json:"event"`
	Source string         `json:"source"`
	Diff   map[string]any `json:"diff,omitempty"`
}

// Registry holds triggers and subscriptions. All methods are safe for
// concurrent use; Dispatch never calls out while holding the lock.
type Registry struct {
	mu            sync.Mutex
	triggers      map[string]*Trigger
	subscriptions map[string]map[string]bool // target -> subscribers
	pending       map[string][]Notification  // subscriber -> queue
	eval          *sandbox.Evaluator
	logger        *slog.Logger
}

// NewRegistry creates an empty registry. The evaluator is used for trigger
// predicates and may be shared with the permission engine.
func NewRegistry(eval *sandbox.Evaluator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		triggers:      make(map[string]*Trigger),
		subscriptions: make(map[string]map[string]bool),
		pending:       make(map[string][]Notification),
		eval:          eval,
		logger:        logger.With("component", "triggers"),
	}
}

// Add registers a trigger. IDs are caller-chosen and unique.
func (r *Registry) Add(t *Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.triggers[t.ID]; ok {
		return fmt.Errorf("trigger %s already registered", t.ID)
	}
	cp := *t
	r.triggers[t.ID] = &cp
	return nil
}

// Remove deletes a trigger by id. Unknown ids are a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.triggers, id)
}

// Subscribe registers subscriber to be woken when target changes.
func (r *Registry) Subscribe(subscriber, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscriptions[target]
	if !ok {
		set = make(map[string]bool)
		r.subscriptions[target] = set
	}
	set[subscriber] = true
}

// Unsubscribe removes one subscription. Unknown pairs are a no-op.
func (r *Registry) Unsubscribe(subscriber, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subscriptions[target]; ok {
		delete(set, subscriber)
		if len(set) == 0 {
			delete(r.subscriptions, target)
		}
	}
}

// SubscriptionsOf lists targets the subscriber watches, sorted.
func (r *Registry) SubscriptionsOf(subscriber string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for target, set := range r.subscriptions {
		if set[subscriber] {
			out = append(out, target)
		}
	}
	sort.Strings(out)
	return out
}

// SubscribersOf lists principals watching the target, sorted.
func (r *Registry) SubscribersOf(target string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for sub := range r.subscriptions[target] {
		out = append(out, sub)
	}
	sort.Strings(out)
	return out
}

// Dispatch matches an event against all triggers and subscriptions. It
// returns the resulting fires (trigger owners plus woken subscribers) and
// queues subscription notifications for push delivery. Predicates are
// evaluated after the lock is released.
func (r *Registry) Dispatch(ctx context.Context, e *events.Event) []Fire {
	r.mu.Lock()
	candidates := make([]*Trigger, 0)
	for _, t := range r.triggers {
		if t.FireAt != nil || t.FireAtEvent > 0 {
			continue
		}
		if t.Filter.EventType != "" && t.Filter.EventType != e.Type {
			continue
		}
		if t.Filter.ArtifactID != "" && t.Filter.ArtifactID != e.ArtifactID {
			continue
		}
		candidates = append(candidates, t)
	}
	subscribers := append([]string(nil), r.subscribersForLocked(e)...)
	r.mu.Unlock()

	var fires []Fire
	for _, t := range candidates {
		if t.Filter.Predicate != "" && !r.predicateMatches(ctx, t, e) {
			continue
		}
		fires = append(fires, Fire{TriggerID: t.ID, Owner: t.Owner, EventNo: e.Number, Payload: e.Payload})
		if t.Once {
			r.Remove(t.ID)
		}
	}
	sort.Slice(fires, func(i, j int) bool { return fires[i].TriggerID < fires[j].TriggerID })

	for _, sub := range subscribers {
		r.push(sub, Notification{Event: subEventName(e.Type), Source: e.ArtifactID, Diff: e.Payload})
		fires = append(fires, Fire{Owner: sub, EventNo: e.Number})
	}
	return fires
}

// DueScheduled returns and removes every scheduled trigger whose time has
// passed, ordered by fire time then id.
func (r *Registry) DueScheduled(now time.Time) []Fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*Trigger
	for _, t := range r.triggers {
		if t.FireAt != nil && !t.FireAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(*due[j].FireAt) {
			return due[i].FireAt.Before(*due[j].FireAt)
		}
		return due[i].ID < due[j].ID
	})
	fires := make([]Fire, 0, len(due))
	for _, t := range due {
		fires = append(fires, Fire{TriggerID: t.ID, Owner: t.Owner, Scheduled: true})
		delete(r.triggers, t.ID)
	}
	return fires
}

// AddAfterEvents registers a trigger firing a relative number of events past
// the current log position.
func (r *Registry) AddAfterEvents(t *Trigger, current, after uint64) error {
	t.FireAtEvent = current + after
	return r.Add(t)
}

// Advance returns and removes every event-scheduled trigger whose mark the
// log has reached, ordered by mark then id. Called once per appended event.
func (r *Registry) Advance(current uint64) []Fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*Trigger
	for _, t := range r.triggers {
		if t.FireAtEvent > 0 && t.FireAtEvent <= current {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAtEvent != due[j].FireAtEvent {
			return due[i].FireAtEvent < due[j].FireAtEvent
		}
		return due[i].ID < due[j].ID
	})
	fires := make([]Fire, 0, len(due))
	for _, t := range due {
		fires = append(fires, Fire{TriggerID: t.ID, Owner: t.Owner, EventNo: current, Scheduled: true})
		delete(r.triggers, t.ID)
	}
	return fires
}

// NextScheduled returns the earliest pending fire time, or zero when none.
func (r *Registry) NextScheduled() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next time.Time
	for _, t := range r.triggers {
		if t.FireAt == nil {
			continue
		}
		if next.IsZero() || t.FireAt.Before(next) {
			next = *t.FireAt
		}
	}
	return next
}

// DrainPending returns and clears the subscriber's queued notifications.
func (r *Registry) DrainPending(subscriber string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending[subscriber]
	delete(r.pending, subscriber)
	return out
}

// DropSubscriptionsFor removes every subscription and trigger owned by or
// targeting a deleted artifact. Pending notifications for it are discarded.
func (r *Registry) DropSubscriptionsFor(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, id)
	for target, set := range r.subscriptions {
		delete(set, id)
		if len(set) == 0 {
			delete(r.subscriptions, target)
		}
	}
	for tid, t := range r.triggers {
		if t.Owner == id {
			delete(r.triggers, tid)
		}
	}
	delete(r.pending, id)
}

func (r *Registry) subscribersForLocked(e *events.Event) []string {
	switch e.Type {
	case events.TypeArtifactCreated, events.TypeArtifactUpdated, events.TypeArtifactDeleted:
	default:
		return nil
	}
	var out []string
	for sub := range r.subscriptions[e.ArtifactID] {
		out = append(out, sub)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) predicateMatches(ctx context.Context, t *Trigger, e *events.Event) bool {
	vars := map[string]any{"context": map[string]any{
		"event_type":   string(e.Type),
		"artifact_id":  e.ArtifactID,
		"principal_id": e.PrincipalID,
		"payload":      anyMap(e.Payload),
	}}
	out, err := r.eval.Eval(ctx, t.Filter.Predicate, vars, time.Second)
	if err != nil {
		r.logger.Warn("trigger predicate failed, skipping fire",
			"trigger", t.ID, "error", err)
		return false
	}
	matched, _ := out.(bool)
	return matched
}

func (r *Registry) push(subscriber string, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := append(r.pending[subscriber], n)
	if len(queue) > maxPendingPerSubscriber {
		dropped := len(queue) - maxPendingPerSubscriber
		queue = queue[dropped:]
		r.logger.Warn("subscriber notification queue full, dropping oldest",
			"subscriber", subscriber, "dropped", dropped)
	}
	r.pending[subscriber] = queue
}

func subEventName(t events.Type) string {
	switch t {
	case events.TypeArtifactCreated:
		return "create"
	case events.TypeArtifactDeleted:
		return "delete"
	default:
		return "update"
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
