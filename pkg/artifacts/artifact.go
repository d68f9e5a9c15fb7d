// Package artifacts provides the unified object model: everything in the
// world — agents, contracts, data, executables, mint tasks — is an Artifact,
// and this package owns the authoritative id → Artifact map with its
// secondary indexes and the dependency graph.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Well-known artifact type tags. The tag is informational: behavior is
// determined by content (a contract is whatever implements check_permission),
// never by the tag.
const (
	TypeAgent            = "agent"
	TypeContract         = "contract"
	TypeData             = "data"
	TypeExecutable       = "executable"
	TypeMemory           = "memory"
	TypeMintTask         = "mint_task"
	TypeChargeDelegation = "charge_delegation"
)

// MethodSpec describes one callable method on an artifact.
type MethodSpec struct {
	Description string         `json:"description,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Returns     map[string]any `json:"returns,omitempty"`
}

// Artifact is the universal object. CreatedBy is immutable after creation and
// is the only trustworthy authority anchor; Metadata must never be consulted
// for authority decisions.
type Artifact struct {
	ID               string                `json:"id"`
	Type             string                `json:"type"`
	CreatedBy        string                `json:"created_by"`
	Content          any                   `json:"content"`
	Interface        map[string]MethodSpec `json:"interface,omitempty"`
	AccessContractID string                `json:"access_contract_id"`
	HasStanding      bool                  `json:"has_standing"`
	HasLoop          bool                  `json:"has_loop"`
	Metadata         map[string]any        `json:"metadata,omitempty"`
	KernelProtected  bool                  `json:"kernel_protected"`
	Capabilities     []string              `json:"capabilities,omitempty"`
	Dependencies     []string              `json:"dependencies,omitempty"`
	CreatedAtEvent   uint64                `json:"created_at_event"`
	UpdatedAtEvent   uint64                `json:"updated_at_event"`
}

// HasCapability reports whether the artifact carries a capability tag such as
// "can_mint". Capabilities are set by the kernel (genesis), never by writes.
func (a *Artifact) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ContentMap returns the content as a map, or nil if it is not one.
func (a *Artifact) ContentMap() map[string]any {
	m, _ := a.Content.(map[string]any)
	return m
}

// Clone returns a deep copy via JSON round-trip, so callers can hand artifact
// records to untrusted code without aliasing store state.
func (a *Artifact) Clone() *Artifact {
	raw, err := json.Marshal(a)
	if err != nil {
		// Content is always JSON-representable by construction.
		panic(fmt.Sprintf("artifact %s not serializable: %v", a.ID, err))
	}
	var out Artifact
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("artifact %s round-trip failed: %v", a.ID, err))
	}
	return &out
}

// ContentSize returns the canonical serialized size of the content in bytes,
// used for disk quota accounting.
func ContentSize(content any) int64 {
	raw, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

// ContentFingerprint returns the canonical (RFC 8785) SHA-256 of the content.
// Contract decision caching keys on this, so a contract edit invalidates the
// cache without any explicit flush.
func ContentFingerprint(content any) string {
	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
