package world

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// ID registry errors.
var (
	ErrIDReserved = fmt.Errorf("id reserved")
	ErrIDInvalid  = fmt.Errorf("id invalid")
)

// idPattern restricts ids to a printable, log-safe alphabet.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:\-]{1,128}$`)

// IDRegistry tracks every id ever used in the world. An id stays reserved for
// the lifetime of the world: reuse after deletion is forbidden, which is what
// makes `created_by` and the event stream trustworthy over time.
type IDRegistry struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewIDRegistry creates an empty registry.
func NewIDRegistry() *IDRegistry {
	return &IDRegistry{used: make(map[string]bool)}
}

// Reserve claims an id forever. Returns ErrIDReserved if it was ever claimed
// before, ErrIDInvalid if the id does not match the allowed alphabet.
func (r *IDRegistry) Reserve(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrIDInvalid, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used[id] {
		return fmt.Errorf("%w: %q", ErrIDReserved, id)
	}
	r.used[id] = true
	return nil
}

// Validate checks an id against the allowed alphabet and prior reservations
// without claiming it. A passing id can still lose a Reserve race.
func (r *IDRegistry) Validate(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrIDInvalid, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used[id] {
		return fmt.Errorf("%w: %q", ErrIDReserved, id)
	}
	return nil
}

// Reserved reports whether an id has ever been claimed.
func (r *IDRegistry) Reserved(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used[id]
}

// Export returns all reserved ids in sorted order, for checkpointing.
func (r *IDRegistry) Export() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.used))
	for id := range r.used {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Import restores reserved ids from a checkpoint.
func (r *IDRegistry) Import(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.used[id] = true
	}
}
