// Package events implements the append-only event log: the single observable
// record of everything that happens in the world. Event numbers are assigned
// by the world clock before append and are strictly increasing.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Type tags an event record.
type Type string

const (
	TypeAction            Type = "action"
	TypeInvokeAttempt     Type = "invoke_attempt"
	TypeInvokeSuccess     Type = "invoke_success"
	TypeInvokeFailure     Type = "invoke_failure"
	TypeTransfer          Type = "transfer"
	TypeMint              Type = "mint"
	TypeResourceConsumed  Type = "resource_consumed"
	TypeResourceAllocated Type = "resource_allocated"
	TypeResourceSpent     Type = "resource_spent"
	TypeArtifactCreated   Type = "artifact_created"
	TypeArtifactUpdated   Type = "artifact_updated"
	TypeArtifactDeleted   Type = "artifact_deleted"
	TypeSnapshot          Type = "snapshot"
	TypeError             Type = "error"
)

// Event is one record in the log. Serialized as a single JSON line.
type Event struct {
	Number      uint64         `json:"event_number"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        Type           `json:"event_type"`
	PrincipalID string         `json:"principal_id,omitempty"`
	ArtifactID  string         `json:"artifact_id,omitempty"`
	ActionType  string         `json:"action_type,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Reward      int64          `json:"reward,omitempty"`
	Error       string         `json:"error,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadHash string         `json:"payload_hash,omitempty"`
}

// hashPayload computes the canonical (RFC 8785) hash of an event payload so
// that two logs with identical content hash identically regardless of map
// iteration order.
func hashPayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
