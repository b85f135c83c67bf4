package rbac

import (
	"fmt"
	"slices"
	"strings"

	"github.com/caja-rds/caja-rds/internal/shared"
)

// Role represents a high-level permission grouping. Every user holds exactly one.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleSupervisor Role = "SUPERVISOR"
	RoleCajero     Role = "CAJERO"
	RoleAuditor    Role = "AUDITOR"
)

// Roles lists the roles in display order.
var Roles = []Role{RoleAdmin, RoleSupervisor, RoleCajero, RoleAuditor}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return slices.Contains(Roles, r)
}

// ParseRole normalises s into a Role.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", shared.ErrValidation, s)
	}
	return role, nil
}

// Permission names. Lowercase, dot separated.
const (
	PermUsersManage            = "users.manage"
	PermMembersView            = "members.view"
	PermMembersEdit            = "members.edit"
	PermAccountsView           = "accounts.view"
	PermAccountsEdit           = "accounts.edit"
	PermTransactionsView       = "transactions.view"
	PermTransactionsPost       = "transactions.post"
	PermMutualAidView          = "mutualaid.view"
	PermMutualAidRequest       = "mutualaid.request"
	PermMutualAidApprove       = "mutualaid.approve"
	PermMutualAidContribute    = "mutualaid.contribute"
	PermNotificationsBroadcast = "notifications.broadcast"
	PermAuditView              = "audit.view"
	PermReportsView            = "reports.view"
)

var readOnly = []string{
	PermMembersView,
	PermAccountsView,
	PermTransactionsView,
	PermMutualAidView,
	PermReportsView,
}

var rolePermissions = map[Role][]string{
	RoleAdmin: {
		PermUsersManage,
		PermMembersView, PermMembersEdit,
		PermAccountsView, PermAccountsEdit,
		PermTransactionsView, PermTransactionsPost,
		PermMutualAidView, PermMutualAidRequest, PermMutualAidApprove, PermMutualAidContribute,
		PermNotificationsBroadcast,
		PermAuditView,
		PermReportsView,
	},
	RoleSupervisor: append(slices.Clone(readOnly),
		PermMutualAidApprove,
		PermNotificationsBroadcast,
	),
	RoleCajero: {
		PermMembersView, PermMembersEdit,
		PermAccountsView, PermAccountsEdit,
		PermTransactionsView, PermTransactionsPost,
		PermMutualAidView, PermMutualAidRequest, PermMutualAidContribute,
		PermReportsView,
	},
	RoleAuditor: append(slices.Clone(readOnly), PermAuditView),
}

// Permissions returns the sorted permission set granted to role.
func Permissions(role Role) []string {
	perms := slices.Clone(rolePermissions[role])
	slices.Sort(perms)
	return perms
}
