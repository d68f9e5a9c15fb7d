// Package ledger tracks principal scrip balances and per-resource quotas.
// Balances are non-negative integers; quotas are either depletable (a running
// total against a limit) or renewable (a rolling time window of dated
// entries). All multi-step charging goes through Settle, which validates every
// leg before applying any of them.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Sentinel errors mapped to kernel error kinds by the executor.
var (
	ErrNotEnrolled          = fmt.Errorf("principal not enrolled")
	ErrAlreadyEnrolled      = fmt.Errorf("principal already enrolled")
	ErrBadAmount            = fmt.Errorf("amount must be a positive integer")
	ErrInsufficientScrip    = fmt.Errorf("insufficient scrip")
	ErrInsufficientResource = fmt.Errorf("insufficient resource")
	ErrRateExceeded         = fmt.Errorf("rate exceeded")
	ErrUnknownResource      = fmt.Errorf("unknown resource")
)

// Hard cap on dated entries per (principal, resource) pair. Oldest entries are
// evicted on overflow, which can only make the window under-count.
const maxWindowEntries = 1000

// Policy configures one named resource. WindowSeconds == 0 means the resource
// is depletable: usage accumulates against the limit and never refreshes.
// WindowSeconds > 0 means renewable: only charges inside the rolling window
// count against the limit.
type Policy struct {
	Limit         int64 `json:"limit" yaml:"limit"`
	WindowSeconds int64 `json:"window_seconds" yaml:"window_seconds"`
}

// QuotaState is the queryable view of one (principal, resource) pair.
type QuotaState struct {
	Resource      string `json:"resource"`
	Limit         int64  `json:"limit"`
	Used          int64  `json:"used"`
	WindowSeconds int64  `json:"window_seconds"`
}

// ScripCharge moves scrip from the settlement payer to a recipient.
type ScripCharge struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// ResourceCharge debits a resource quota of the settlement payer. Limit and
// WindowSeconds, when set, override the configured policy; this is how
// delegation windows with their own caps are enforced.
type ResourceCharge struct {
	Resource      string `json:"resource"`
	Amount        int64  `json:"amount"`
	Limit         int64  `json:"limit,omitempty"`
	WindowSeconds int64  `json:"window_seconds,omitempty"`
}

type entry struct {
	At     time.Time `json:"at"`
	Amount int64     `json:"amount"`
}

// Ledger is the sole mutator of balances and quotas. The single mutex is the
// settlement lock; it is held only across check-debit-record.
type Ledger struct {
	mu       sync.Mutex
	now      func() time.Time
	logger   *slog.Logger
	policies map[string]Policy
	limits   map[string]map[string]int64 // per-principal limit overrides
	balances map[string]int64
	used     map[string]map[string]int64   // depletable running totals
	windows  map[string]map[string][]entry // renewable dated entries
}

// New creates a ledger with the given resource policies.
func New(policies map[string]Policy, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	p := make(map[string]Policy, len(policies))
	for k, v := range policies {
		p[k] = v
	}
	return &Ledger{
		now:      time.Now,
		logger:   logger.With("component", "ledger"),
		policies: p,
		limits:   make(map[string]map[string]int64),
		balances: make(map[string]int64),
		used:     make(map[string]map[string]int64),
		windows:  make(map[string]map[string][]entry),
	}
}

// WithNow overrides the clock source. Test hook.
func (l *Ledger) WithNow(now func() time.Time) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// Enroll registers a principal with an initial balance.
func (l *Ledger) Enroll(id string, scrip int64) error {
	if scrip < 0 {
		return fmt.Errorf("%w: initial scrip %d", ErrBadAmount, scrip)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyEnrolled, id)
	}
	l.balances[id] = scrip
	return nil
}

// Enrolled reports whether the principal has a ledger account.
func (l *Ledger) Enrolled(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.balances[id]
	return ok
}

// Balance returns the principal's scrip balance.
func (l *Ledger) Balance(id string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotEnrolled, id)
	}
	return bal, nil
}

// Balances returns a snapshot of every balance.
func (l *Ledger) Balances() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// TotalSupply returns the sum of all balances. Constant between mint events.
func (l *Ledger) TotalSupply() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for _, v := range l.balances {
		sum += v
	}
	return sum
}

// Transfer moves scrip between principals. Amounts below 1 are rejected; a
// transfer that would take the sender negative fails with no state change.
func (l *Ledger) Transfer(from, to string, amount int64) error {
	if amount < 1 {
		return fmt.Errorf("%w: transfer of %d", ErrBadAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromBal, ok := l.balances[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotEnrolled, from)
	}
	if _, ok := l.balances[to]; !ok {
		return fmt.Errorf("%w: %s", ErrNotEnrolled, to)
	}
	if fromBal < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientScrip, from, fromBal, amount)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// Mint credits newly created scrip. Authorization (the can_mint capability) is
// checked by the caller before reaching the ledger; the ledger only enforces
// amount validity and enrollment.
func (l *Ledger) Mint(to string, amount int64) error {
	if amount < 1 {
		return fmt.Errorf("%w: mint of %d", ErrBadAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[to]; !ok {
		return fmt.Errorf("%w: %s", ErrNotEnrolled, to)
	}
	l.balances[to] += amount
	return nil
}

// SetLimit sets a per-principal limit override for a resource.
func (l *Ledger) SetLimit(principal, resource string, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.limits[principal]
	if !ok {
		m = make(map[string]int64)
		l.limits[principal] = m
	}
	m[resource] = limit
}

// Policies returns the configured resource policies.
func (l *Ledger) Policies() map[string]Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Policy, len(l.policies))
	for k, v := range l.policies {
		out[k] = v
	}
	return out
}

// Quota returns the current state of one (principal, resource) pair, pruning
// expired window entries as a side effect.
func (l *Ledger) Quota(principal, resource string) (QuotaState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pol, ok := l.policies[resource]
	if !ok {
		return QuotaState{}, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	limit := l.limitLocked(principal, resource, pol.Limit)
	return QuotaState{
		Resource:      resource,
		Limit:         limit,
		Used:          l.usedLocked(principal, resource, pol.WindowSeconds),
		WindowSeconds: pol.WindowSeconds,
	}, nil
}

// Quotas returns the state of every configured resource for a principal.
func (l *Ledger) Quotas(principal string) []QuotaState {
	l.mu.Lock()
	names := make([]string, 0, len(l.policies))
	for name := range l.policies {
		names = append(names, name)
	}
	l.mu.Unlock()
	sort.Strings(names)

	out := make([]QuotaState, 0, len(names))
	for _, name := range names {
		q, err := l.Quota(principal, name)
		if err == nil {
			out = append(out, q)
		}
	}
	return out
}

// ReserveAndCharge debits a resource quota under its configured policy.
func (l *Ledger) ReserveAndCharge(principal, resource string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: charge of %d", ErrBadAmount, amount)
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pol, ok := l.policies[resource]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	limit := l.limitLocked(principal, resource, pol.Limit)
	return l.chargeLocked(principal, resource, amount, limit, pol.WindowSeconds)
}

// ChargeWindowed debits with explicit caps, bypassing the configured policy.
// Delegation grants carry their own per-window caps and are enforced here.
func (l *Ledger) ChargeWindowed(principal, resource string, amount, limit, windowSeconds int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: charge of %d", ErrBadAmount, amount)
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chargeLocked(principal, resource, amount, limit, windowSeconds)
}

// Settle performs an atomic settlement: every scrip and resource leg is
// validated against current state first, then all legs are applied under the
// same lock hold. A failed validation leaves no trace.
func (l *Ledger) Settle(payer string, scrip []ScripCharge, resources []ResourceCharge) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	planned, err := l.validateLocked(payer, scrip, resources)
	if err != nil {
		return err
	}
	for _, c := range scrip {
		if c.Amount == 0 {
			continue
		}
		l.balances[payer] -= c.Amount
		l.balances[c.To] += c.Amount
	}
	for _, pc := range planned {
		l.applyLocked(payer, pc.resource, pc.amount, pc.windowSeconds)
	}
	return nil
}

// CanSettle validates a settlement without applying it. A later Settle with
// the same legs can still fail if the ledger changed in between.
func (l *Ledger) CanSettle(payer string, scrip []ScripCharge, resources []ResourceCharge) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.validateLocked(payer, scrip, resources)
	return err
}

type plannedCharge struct {
	resource      string
	amount        int64
	limit         int64
	windowSeconds int64
}

func (l *Ledger) validateLocked(payer string, scrip []ScripCharge, resources []ResourceCharge) ([]plannedCharge, error) {
	payerBal, ok := l.balances[payer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotEnrolled, payer)
	}

	var scripTotal int64
	for _, c := range scrip {
		if c.Amount < 0 {
			return nil, fmt.Errorf("%w: scrip charge of %d", ErrBadAmount, c.Amount)
		}
		if c.Amount == 0 {
			continue
		}
		if _, ok := l.balances[c.To]; !ok {
			return nil, fmt.Errorf("%w: recipient %s", ErrNotEnrolled, c.To)
		}
		scripTotal += c.Amount
	}

	// Resource legs first: a charge that breaks a quota or a delegation
	// window reports that, even when the payer is also short on scrip.
	planned := make([]plannedCharge, 0, len(resources))
	// Accumulate per-resource so two legs against the same quota are checked
	// jointly, not independently.
	pending := make(map[string]int64)
	for _, rc := range resources {
		if rc.Amount < 0 {
			return nil, fmt.Errorf("%w: resource charge of %d", ErrBadAmount, rc.Amount)
		}
		if rc.Amount == 0 {
			continue
		}
		limit, window := rc.Limit, rc.WindowSeconds
		if rc.Limit == 0 && rc.WindowSeconds == 0 {
			pol, ok := l.policies[rc.Resource]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownResource, rc.Resource)
			}
			limit = l.limitLocked(payer, rc.Resource, pol.Limit)
			window = pol.WindowSeconds
		}
		used := l.usedLocked(payer, rc.Resource, window)
		if used+pending[rc.Resource]+rc.Amount > limit {
			kind := ErrInsufficientResource
			if window > 0 {
				kind = ErrRateExceeded
			}
			return nil, fmt.Errorf("%w: %s %s used %d of %d, charge %d",
				kind, payer, rc.Resource, used+pending[rc.Resource], limit, rc.Amount)
		}
		pending[rc.Resource] += rc.Amount
		planned = append(planned, plannedCharge{rc.Resource, rc.Amount, limit, window})
	}

	if scripTotal > payerBal {
		return nil, fmt.Errorf("%w: %s has %d, settlement needs %d",
			ErrInsufficientScrip, payer, payerBal, scripTotal)
	}
	return planned, nil
}

// Release returns previously charged depletable usage, floored at zero. Used
// when disk bytes are reclaimed by artifact deletion.
func (l *Ledger) Release(principal, resource string, amount int64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.used[principal]
	if !ok {
		return
	}
	m[resource] -= amount
	if m[resource] <= 0 {
		delete(m, resource)
	}
}

// limitLocked resolves the effective limit, honoring per-principal overrides.
func (l *Ledger) limitLocked(principal, resource string, def int64) int64 {
	if m, ok := l.limits[principal]; ok {
		if v, ok := m[resource]; ok {
			return v
		}
	}
	return def
}

// usedLocked returns current usage, pruning expired window entries.
func (l *Ledger) usedLocked(principal, resource string, windowSeconds int64) int64 {
	if windowSeconds <= 0 {
		return l.used[principal][resource]
	}
	entries := l.pruneLocked(principal, resource, windowSeconds)
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	return sum
}

func (l *Ledger) chargeLocked(principal, resource string, amount, limit, windowSeconds int64) error {
	used := l.usedLocked(principal, resource, windowSeconds)
	if used+amount > limit {
		if windowSeconds > 0 {
			return fmt.Errorf("%w: %s %s used %d of %d in %ds window, charge %d",
				ErrRateExceeded, principal, resource, used, limit, windowSeconds, amount)
		}
		return fmt.Errorf("%w: %s %s used %d of %d, charge %d",
			ErrInsufficientResource, principal, resource, used, limit, amount)
	}
	l.applyLocked(principal, resource, amount, windowSeconds)
	return nil
}

func (l *Ledger) applyLocked(principal, resource string, amount, windowSeconds int64) {
	if windowSeconds <= 0 {
		m, ok := l.used[principal]
		if !ok {
			m = make(map[string]int64)
			l.used[principal] = m
		}
		m[resource] += amount
		return
	}
	m, ok := l.windows[principal]
	if !ok {
		m = make(map[string][]entry)
		l.windows[principal] = m
	}
	entries := append(m[resource], entry{At: l.now().UTC(), Amount: amount})
	if len(entries) > maxWindowEntries {
		dropped := len(entries) - maxWindowEntries
		entries = entries[dropped:]
		l.logger.Warn("window entry cap hit, evicting oldest",
			"principal", principal, "resource", resource, "evicted", dropped)
	}
	m[resource] = entries
}

// pruneLocked drops entries whose window has elapsed. An entry expires at
// exactly at+window: an entry aged precisely the window length no longer
// counts, which makes bucket-edge behavior deterministic.
func (l *Ledger) pruneLocked(principal, resource string, windowSeconds int64) []entry {
	m, ok := l.windows[principal]
	if !ok {
		return nil
	}
	entries := m[resource]
	if len(entries) == 0 {
		return nil
	}
	cutoff := l.now().UTC().Add(-time.Duration(windowSeconds) * time.Second)
	idx := 0
	for idx < len(entries) && !entries[idx].At.After(cutoff) {
		idx++
	}
	if idx > 0 {
		entries = entries[idx:]
		if len(entries) == 0 {
			delete(m, resource)
		} else {
			m[resource] = entries
		}
	}
	return entries
}
