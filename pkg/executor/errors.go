package executor

import (
	"errors"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/contracts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/mint"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/sandbox"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/world"
)

// Error kinds, the closed set surfaced to agents. Everything except
// invariant_violation is recoverable.
const (
	KindPermissionDenied     = "permission_denied"
	KindInsufficientScrip    = "insufficient_scrip"
	KindInsufficientResource = "insufficient_resource"
	KindUnauthorizedCharge   = "unauthorized_charge"
	KindIDCollision          = "id_collision"
	KindIDReserved           = "id_reserved"
	KindNotFound             = "not_found"
	KindSandboxTimeout       = "sandbox_timeout"
	KindSandboxCrash         = "sandbox_crash"
	KindSandboxForbidden     = "sandbox_forbidden"
	KindDepthExceeded        = "depth_exceeded"
	KindRateExceeded         = "rate_exceeded"
	KindDanglingContract     = "dangling_contract"
	KindInvariantViolation   = "invariant_violation"
)

// errUnauthorizedCharge marks settlement attempts with no matching
// delegation.
var errUnauthorizedCharge = errors.New("unauthorized charge")

// errorKind maps internal sentinel errors onto the stable kind set.
func errorKind(err error) string {
	var sbErr *sandbox.Error
	if errors.As(err, &sbErr) {
		return sbErr.Kind
	}
	switch {
	case errors.Is(err, errUnauthorizedCharge):
		return KindUnauthorizedCharge
	case errors.Is(err, ledger.ErrInsufficientScrip):
		return KindInsufficientScrip
	case errors.Is(err, ledger.ErrInsufficientResource):
		return KindInsufficientResource
	case errors.Is(err, ledger.ErrRateExceeded):
		return KindRateExceeded
	case errors.Is(err, ledger.ErrNotEnrolled):
		return KindNotFound
	case errors.Is(err, ledger.ErrBadAmount):
		return KindInsufficientScrip
	case errors.Is(err, artifacts.ErrNotFound),
		errors.Is(err, mint.ErrTaskNotFound):
		return KindNotFound
	case errors.Is(err, artifacts.ErrIDCollision):
		return KindIDCollision
	case errors.Is(err, artifacts.ErrProtected),
		errors.Is(err, artifacts.ErrImmutable):
		return KindPermissionDenied
	case errors.Is(err, world.ErrIDReserved):
		return KindIDReserved
	case errors.Is(err, world.ErrIDInvalid):
		return KindIDCollision
	case errors.Is(err, contracts.ErrDepthExceeded):
		return KindDepthExceeded
	case errors.Is(err, contracts.ErrDangling):
		return KindDanglingContract
	case errors.Is(err, contracts.ErrMalformed):
		return KindPermissionDenied
	case errors.Is(err, mint.ErrTaskClosed), errors.Is(err, mint.ErrBadBid):
		return KindPermissionDenied
	default:
		return KindSandboxCrash
	}
}
