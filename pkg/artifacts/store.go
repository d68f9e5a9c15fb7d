package artifacts

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store errors.
var (
	ErrNotFound    = fmt.Errorf("not found")
	ErrIDCollision = fmt.Errorf("id collision")
	ErrProtected   = fmt.Errorf("kernel protected")
	ErrImmutable   = fmt.Errorf("created_by is immutable")
)

// Store is the authoritative artifact map with secondary indexes by creator,
// by type, and by metadata key, plus the dependency graph (both directions).
// All mutation goes through the action executor; the store itself only
// enforces structural invariants.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
	byCreator map[string]map[string]bool
	byType    map[string]map[string]bool
	byMetaKey map[string]map[string]bool
	depsOut   map[string][]string
	depsIn    map[string]map[string]bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		artifacts: make(map[string]*Artifact),
		byCreator: make(map[string]map[string]bool),
		byType:    make(map[string]map[string]bool),
		byMetaKey: make(map[string]map[string]bool),
		depsOut:   make(map[string][]string),
		depsIn:    make(map[string]map[string]bool),
	}
}

// Get returns a copy of the artifact, or ErrNotFound.
func (s *Store) Get(id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// Exists reports whether an artifact is currently live.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.artifacts[id]
	return ok
}

// Put inserts or replaces an artifact atomically and rebuilds its index
// entries and dependency edges. On replace, created_by must not change and
// kernel_protected artifacts are rejected unless allowProtected is set (the
// kernel itself passing).
func (s *Store) Put(a *Artifact, allowProtected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.artifacts[a.ID]
	if exists {
		if prev.KernelProtected && !allowProtected {
			return fmt.Errorf("%w: %s", ErrProtected, a.ID)
		}
		if a.CreatedBy != prev.CreatedBy {
			return fmt.Errorf("%w: %s", ErrImmutable, a.ID)
		}
		s.unindex(prev)
	}

	stored := a.Clone()
	stored.Dependencies = s.extractDeps(stored)
	s.artifacts[stored.ID] = stored
	s.index(stored)

	// Reflect computed dependencies back to the caller's record.
	a.Dependencies = append([]string(nil), stored.Dependencies...)
	return nil
}

// Delete removes an artifact and severs its dependency edges in both
// directions. KernelProtected artifacts require allowProtected.
func (s *Store) Delete(id string, allowProtected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.KernelProtected && !allowProtected {
		return fmt.Errorf("%w: %s", ErrProtected, id)
	}
	s.unindex(a)
	delete(s.artifacts, id)

	// Sever inbound edges: artifacts that depended on the deleted one keep
	// their content but lose the edge.
	for _, dependent := range s.dependentsLocked(id) {
		if d, ok := s.artifacts[dependent]; ok {
			d.Dependencies = removeString(d.Dependencies, id)
			s.depsOut[dependent] = d.Dependencies
		}
	}
	delete(s.depsIn, id)
	return nil
}

// Predicate filters artifacts in List.
type Predicate func(*Artifact) bool

// List returns artifacts matching the predicate, ordered deterministically by
// creation event number (then id), paginated by offset/limit. limit <= 0
// means no limit.
func (s *Store) List(pred Predicate, offset, limit int) []*Artifact {
	s.mu.RLock()
	matched := make([]*Artifact, 0)
	for _, a := range s.artifacts {
		if pred == nil || pred(a) {
			matched = append(matched, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAtEvent != matched[j].CreatedAtEvent {
			return matched[i].CreatedAtEvent < matched[j].CreatedAtEvent
		}
		return matched[i].ID < matched[j].ID
	})

	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]*Artifact, len(matched))
	for i, a := range matched {
		out[i] = a.Clone()
	}
	return out
}

// ByCreator returns ids of artifacts created by the principal, sorted.
func (s *Store) ByCreator(creator string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byCreator[creator])
}

// ByType returns ids of artifacts with the given type tag, sorted.
func (s *Store) ByType(typ string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byType[typ])
}

// ByMetadataKey returns ids of artifacts carrying the metadata key, sorted.
func (s *Store) ByMetadataKey(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byMetaKey[key])
}

// Dependencies returns the outbound edges of an artifact.
func (s *Store) Dependencies(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.depsOut[id]...)
}

// Dependents returns the inbound edges: artifacts referencing this one.
func (s *Store) Dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dependentsLocked(id)
}

// Principals returns ids of all artifacts with standing, sorted.
func (s *Store) Principals() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, a := range s.artifacts {
		if a.HasStanding {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

// Export returns clones of all artifacts for checkpointing, ordered by
// creation event number.
func (s *Store) Export() []*Artifact {
	return s.List(nil, 0, 0)
}

// Import loads artifacts from a checkpoint into an empty store.
func (s *Store) Import(arts []*Artifact) error {
	for _, a := range arts {
		if err := s.Put(a, true); err != nil {
			return fmt.Errorf("import %s: %w", a.ID, err)
		}
	}
	return nil
}

func (s *Store) dependentsLocked(id string) []string {
	return sortedKeys(s.depsIn[id])
}

func (s *Store) index(a *Artifact) {
	addIndex(s.byCreator, a.CreatedBy, a.ID)
	addIndex(s.byType, a.Type, a.ID)
	for key := range a.Metadata {
		addIndex(s.byMetaKey, key, a.ID)
	}
	s.depsOut[a.ID] = a.Dependencies
	for _, dep := range a.Dependencies {
		addIndex(s.depsIn, dep, a.ID)
	}
}

func (s *Store) unindex(a *Artifact) {
	dropIndex(s.byCreator, a.CreatedBy, a.ID)
	dropIndex(s.byType, a.Type, a.ID)
	for key := range a.Metadata {
		dropIndex(s.byMetaKey, key, a.ID)
	}
	for _, dep := range s.depsOut[a.ID] {
		dropIndex(s.depsIn, dep, a.ID)
	}
	delete(s.depsOut, a.ID)
}

// extractDeps walks the artifact's content and collects references to live
// artifact ids, plus the access contract. Dependency edges are maintained
// automatically on every write; artifact code never declares them.
func (s *Store) extractDeps(a *Artifact) []string {
	found := make(map[string]bool)
	if a.AccessContractID != "" && a.AccessContractID != a.ID {
		if _, ok := s.artifacts[a.AccessContractID]; ok {
			found[a.AccessContractID] = true
		}
	}
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			if val != a.ID {
				if _, ok := s.artifacts[val]; ok {
					found[val] = true
				}
			}
		case map[string]any:
			for _, inner := range val {
				walk(inner)
			}
		case []any:
			for _, inner := range val {
				walk(inner)
			}
		}
	}
	walk(a.Content)
	return sortedKeys(found)
}

func addIndex(idx map[string]map[string]bool, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]bool)
		idx[key] = set
	}
	set[id] = true
}

func dropIndex(idx map[string]map[string]bool, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// MatchName reports whether an id matches a simple glob pattern where '*'
// matches any run of characters. Used by the artifacts query.
func MatchName(pattern, id string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == id
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(id, parts[0]) {
		return false
	}
	id = id[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(id, part)
		if idx < 0 {
			return false
		}
		id = id[idx+len(part):]
	}
	return strings.HasSuffix(id, parts[len(parts)-1])
}
