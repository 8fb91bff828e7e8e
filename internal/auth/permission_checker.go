package auth

import "sort"

type Permission string

const (
	// PermissionCreate covers creating payments and batches.
	PermissionCreate Permission = "disbursement:create"
	PermissionRead   Permission = "disbursement:read"
	// PermissionOperate covers lifecycle actions, batch control, statistics,
	// reconciliation and the audit trail.
	PermissionOperate Permission = "disbursement:operate"
	// PermissionAdminister covers FSP administration and scheduler triggers.
	PermissionAdminister Permission = "disbursement:administer"
)

type PermissionChecker interface {
	HasPermission(roles []Role, permission Permission) bool
	Permissions(roles []Role) []Permission
}

type RolePermissionChecker struct {
	grants map[Role]map[Permission]bool
}

func NewPermissionChecker() *RolePermissionChecker {
	return &RolePermissionChecker{
		grants: map[Role]map[Permission]bool{
			RoleRegistryStaff: {PermissionCreate: true, PermissionRead: true},
			RoleLGUStaff:      {PermissionCreate: true, PermissionRead: true},
			RoleProgramStaff:  {PermissionRead: true, PermissionOperate: true},
			RoleSystemAdmin: {
				PermissionCreate:     true,
				PermissionRead:       true,
				PermissionOperate:    true,
				PermissionAdminister: true,
			},
		},
	}
}

func (c *RolePermissionChecker) HasPermission(roles []Role, permission Permission) bool {
	for _, r := range roles {
		if c.grants[r][permission] {
			return true
		}
	}
	return false
}

func (c *RolePermissionChecker) Permissions(roles []Role) []Permission {
	seen := make(map[Permission]bool)
	for _, r := range roles {
		for p := range c.grants[r] {
			seen[p] = true
		}
	}
	out := make([]Permission, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
