package auth

import (
	"fmt"
	"slices"
	"strings"

	"escrowline/internal/apperr"
)

const (
	RoleOwner       = "owner"
	RoleWorker      = "worker"
	RoleAdjudicator = "adjudicator"
	RoleSystem      = "system"
)

// SystemActorID attributes changes made by scheduled jobs and processor events.
const SystemActorID = "system"

var knownRoles = []string{RoleOwner, RoleWorker, RoleAdjudicator, RoleSystem}

// Actor is an authenticated caller. Role assignment happens upstream in the
// identity provider; the engine only reads the roles it was handed.
type Actor struct {
	ID    string
	Roles []string
}

// System returns the actor used by jobs and webhook processing.
func System() Actor {
	return Actor{ID: SystemActorID, Roles: []string{RoleSystem}}
}

func (a Actor) Has(role string) bool {
	return slices.Contains(a.Roles, role)
}

func (a Actor) IsSystem() bool {
	return a.Has(RoleSystem)
}

// Require fails with PERMISSION_DENIED unless the actor holds one of roles.
func (a Actor) Require(roles ...string) error {
	if a.ID == "" {
		return apperr.New(apperr.CodeUnauthenticated, "actor_required", "authenticated actor required")
	}
	for _, r := range roles {
		if a.Has(r) {
			return nil
		}
	}
	return apperr.PermissionDenied("role_required", fmt.Sprintf("role %s required", strings.Join(roles, " or ")))
}

// NormalizeRoles lowercases, dedups and validates role names.
func NormalizeRoles(roles []string) ([]string, error) {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if !slices.Contains(knownRoles, r) {
			return nil, apperr.InvalidArgument("unknown_role", "unknown role "+r)
		}
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out, nil
}
