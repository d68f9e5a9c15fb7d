package triggers

import "sort"

// State is the checkpointable registry snapshot. Pending notifications are
// included so a restore does not silently drop undelivered pushes.
type State struct {
	Triggers      []Trigger                 `json:"triggers,omitempty"`
	Subscriptions map[string][]string       `json:"subscriptions,omitempty"`
	Pending       map[string][]Notification `json:"pending,omitempty"`
}

// Export snapshots the registry.
func (r *Registry) Export() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &State{
		Subscriptions: make(map[string][]string, len(r.subscriptions)),
		Pending:       make(map[string][]Notification, len(r.pending)),
	}
	ids := make([]string, 0, len(r.triggers))
	for id := range r.triggers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st.Triggers = append(st.Triggers, *r.triggers[id])
	}
	for target, set := range r.subscriptions {
		subs := make([]string, 0, len(set))
		for s := range set {
			subs = append(subs, s)
		}
		sort.Strings(subs)
		st.Subscriptions[target] = subs
	}
	for sub, queue := range r.pending {
		st.Pending[sub] = append([]Notification(nil), queue...)
	}
	return st
}

// Import replaces registry state from a snapshot.
func (r *Registry) Import(st *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = make(map[string]*Trigger, len(st.Triggers))
	for i := range st.Triggers {
		t := st.Triggers[i]
		r.triggers[t.ID] = &t
	}
	r.subscriptions = make(map[string]map[string]bool, len(st.Subscriptions))
	for target, subs := range st.Subscriptions {
		set := make(map[string]bool, len(subs))
		for _, s := range subs {
			set[s] = true
		}
		r.subscriptions[target] = set
	}
	r.pending = make(map[string][]Notification, len(st.Pending))
	for sub, queue := range st.Pending {
		r.pending[sub] = append([]Notification(nil), queue...)
	}
}
