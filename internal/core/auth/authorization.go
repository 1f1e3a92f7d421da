package auth

import (
	"errors"
	"slices"
	"strings"
)

var (
	// ErrNotApprover is returned when the caller is not on the approver list.
	ErrNotApprover = errors.New("identity is not an approver")

	// ErrIdentityMismatch is returned when a request body names a different
	// identity than the authenticated caller.
	ErrIdentityMismatch = errors.New("identity does not match the authenticated caller")
)

// =============================================================================
// Gate Authorization
// =============================================================================

// ResolveApprover returns the identity a gate decision is recorded under.
//
// An authenticated caller decides as themselves; a body identity that names
// someone else is refused. Unauthenticated callers use the body identity.
// When approvers is non-empty the resolved identity must be on it.
func ResolveApprover(ctx Context, claimed string, approvers []string) (string, error) {
	claimed = strings.TrimSpace(claimed)

	identity := claimed
	if ctx.Authenticated {
		if claimed != "" && claimed != ctx.Identity {
			return "", ErrIdentityMismatch
		}
		identity = ctx.Identity
	}

	if identity != "" && len(approvers) > 0 && !slices.Contains(approvers, identity) {
		return "", ErrNotApprover
	}
	return identity, nil
}
