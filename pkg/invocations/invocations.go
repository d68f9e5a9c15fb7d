// Package invocations tracks invoke activity per artifact: counts, failures,
// per-invoker breakdowns, and a bounded recent-call ring. The registry is
// observational only; nothing reads it on the action hot path except
// query_kernel.
package invocations

import (
	"sort"
	"sync"
	"time"
)

// Record is one completed (or failed) invocation.
type Record struct {
	EventNo   uint64        `json:"event_number"`
	Artifact  string        `json:"artifact_id"`
	Invoker   string        `json:"invoker"`
	Method    string        `json:"method"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// Stats summarizes one artifact's invoke history.
type Stats struct {
	Artifact   string           `json:"artifact_id"`
	Total      int64            `json:"total"`
	Failures   int64            `json:"failures"`
	ByInvoker  map[string]int64 `json:"by_invoker,omitempty"`
	LastEvent  uint64           `json:"last_event,omitempty"`
	LastMethod string           `json:"last_method,omitempty"`
}

type artifactStats struct {
	total      int64
	failures   int64
	byInvoker  map[string]int64
	lastEvent  uint64
	lastMethod string
}

// Registry aggregates invocation records with a bounded global ring.
type Registry struct {
	mu       sync.Mutex
	stats    map[string]*artifactStats
	ring     []Record
	ringCap  int
	ringNext int
	ringFull bool
}

// NewRegistry creates a registry keeping the last historyCap records.
func NewRegistry(historyCap int) *Registry {
	if historyCap <= 0 {
		historyCap = 256
	}
	return &Registry{
		stats:   make(map[string]*artifactStats),
		ring:    make([]Record, historyCap),
		ringCap: historyCap,
	}
}

// Observe adds one record.
func (r *Registry) Observe(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[rec.Artifact]
	if !ok {
		st = &artifactStats{byInvoker: make(map[string]int64)}
		r.stats[rec.Artifact] = st
	}
	st.total++
	if !rec.OK {
		st.failures++
	}
	st.byInvoker[rec.Invoker]++
	st.lastEvent = rec.EventNo
	st.lastMethod = rec.Method

	r.ring[r.ringNext] = rec
	r.ringNext = (r.ringNext + 1) % r.ringCap
	if r.ringNext == 0 {
		r.ringFull = true
	}
}

// StatsFor returns the summary for one artifact, zero-valued when unseen.
func (r *Registry) StatsFor(artifact string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[artifact]
	if !ok {
		return Stats{Artifact: artifact}
	}
	by := make(map[string]int64, len(st.byInvoker))
	for k, v := range st.byInvoker {
		by[k] = v
	}
	return Stats{
		Artifact: artifact, Total: st.total, Failures: st.failures,
		ByInvoker: by, LastEvent: st.lastEvent, LastMethod: st.lastMethod,
	}
}

// All returns summaries for every seen artifact, sorted by id.
func (r *Registry) All() []Stats {
	r.mu.Lock()
	ids := make([]string, 0, len(r.stats))
	for id := range r.stats {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	out := make([]Stats, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.StatsFor(id))
	}
	return out
}

// Recent returns up to n most recent records, oldest first.
func (r *Registry) Recent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ordered []Record
	if r.ringFull {
		ordered = append(ordered, r.ring[r.ringNext:]...)
		ordered = append(ordered, r.ring[:r.ringNext]...)
	} else {
		ordered = append(ordered, r.ring[:r.ringNext]...)
	}
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Drop removes an artifact's aggregates after deletion. Ring entries remain
// as history.
func (r *Registry) Drop(artifact string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stats, artifact)
}
