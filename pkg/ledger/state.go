package ledger

import "fmt"

// State is the checkpointable ledger snapshot.
type State struct {
	Balances map[string]int64              `json:"balances"`
	Used     map[string]map[string]int64   `json:"used,omitempty"`
	Windows  map[string]map[string][]entry `json:"windows,omitempty"`
	Limits   map[string]map[string]int64   `json:"limits,omitempty"`
	Policies map[string]Policy             `json:"policies"`
}

// Export snapshots the full ledger state, window entries included, so a
// restore reproduces rate decisions exactly.
func (l *Ledger) Export() *State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := &State{
		Balances: make(map[string]int64, len(l.balances)),
		Used:     make(map[string]map[string]int64, len(l.used)),
		Windows:  make(map[string]map[string][]entry, len(l.windows)),
		Limits:   make(map[string]map[string]int64, len(l.limits)),
		Policies: make(map[string]Policy, len(l.policies)),
	}
	for k, v := range l.balances {
		st.Balances[k] = v
	}
	for p, m := range l.used {
		cp := make(map[string]int64, len(m))
		for r, v := range m {
			cp[r] = v
		}
		st.Used[p] = cp
	}
	for p, m := range l.windows {
		cp := make(map[string][]entry, len(m))
		for r, es := range m {
			cp[r] = append([]entry(nil), es...)
		}
		st.Windows[p] = cp
	}
	for p, m := range l.limits {
		cp := make(map[string]int64, len(m))
		for r, v := range m {
			cp[r] = v
		}
		st.Limits[p] = cp
	}
	for k, v := range l.policies {
		st.Policies[k] = v
	}
	return st
}

// Import replaces ledger state from a snapshot. Balances must be non-negative.
func (l *Ledger) Import(st *State) error {
	for p, bal := range st.Balances {
		if bal < 0 {
			return fmt.Errorf("%w: %s balance %d", ErrBadAmount, p, bal)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[string]int64, len(st.Balances))
	for k, v := range st.Balances {
		l.balances[k] = v
	}
	l.used = make(map[string]map[string]int64, len(st.Used))
	for p, m := range st.Used {
		cp := make(map[string]int64, len(m))
		for r, v := range m {
			cp[r] = v
		}
		l.used[p] = cp
	}
	l.windows = make(map[string]map[string][]entry, len(st.Windows))
	for p, m := range st.Windows {
		cp := make(map[string][]entry, len(m))
		for r, es := range m {
			cp[r] = append([]entry(nil), es...)
		}
		l.windows[p] = cp
	}
	l.limits = make(map[string]map[string]int64, len(st.Limits))
	for p, m := range st.Limits {
		cp := make(map[string]int64, len(m))
		for r, v := range m {
			cp[r] = v
		}
		l.limits[p] = cp
	}
	if len(st.Policies) > 0 {
		l.policies = make(map[string]Policy, len(st.Policies))
		for k, v := range st.Policies {
			l.policies[k] = v
		}
	}
	return nil
}
