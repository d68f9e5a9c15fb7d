package mint

import "sort"

// State is the checkpointable task queue.
type State struct {
	Tasks []Task `json:"tasks"`
}

// Export snapshots all tasks, sorted by id.
func (e *Engine) Export() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	st := &State{}
	for _, id := range ids {
		st.Tasks = append(st.Tasks, *e.tasks[id])
	}
	return st
}

// Import replaces the task queue from a snapshot.
func (e *Engine) Import(st *State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = make(map[string]*Task, len(st.Tasks))
	for i := range st.Tasks {
		t := st.Tasks[i]
		e.tasks[t.ID] = &t
	}
}
