package rbac

import (
	"fmt"

	"github.com/caja-rds/caja-rds/internal/shared"
)

// Authorize returns nil when the actor's role grants at least one of perms.
// It is called by services before touching any state.
func Authorize(actor shared.Actor, perms ...string) error {
	if actor.Role == "" {
		return fmt.Errorf("%w: no authenticated actor", shared.ErrForbidden)
	}
	if hasAnyPermission(rolePermissions[Role(actor.Role)], normalizePermissions(perms)) {
		return nil
	}
	return fmt.Errorf("%w: role %s lacks %v", shared.ErrForbidden, actor.Role, perms)
}

// SystemActor is used by bootstrap code and background jobs.
func SystemActor() shared.Actor {
	return shared.Actor{UserID: 0, Role: string(RoleAdmin), IP: "system"}
}
