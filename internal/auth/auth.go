package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/disbursement-core/internal"
)

type Role string

const (
	RoleRegistryStaff Role = "REGISTRY_STAFF"
	RoleLGUStaff      Role = "LGU_STAFF"
	RoleProgramStaff  Role = "PROGRAM_STAFF"
	RoleSystemAdmin   Role = "SYSTEM_ADMIN"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleRegistryStaff, RoleLGUStaff, RoleProgramStaff, RoleSystemAdmin:
		return r, true
	}
	return "", false
}

// User is the authenticated staff member behind a request. Accounts live in
// the identity provider; this service only sees what the token carries.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Roles []Role `json:"roles"`
}

func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (u *User) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if u.HasRole(r) {
			return true
		}
	}
	return false
}

func (u *User) IsAdmin() bool {
	return u.HasRole(RoleSystemAdmin)
}

// Claims represents JWT token claims
type Claims struct {
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

type ctxKey string

const ContextUserKey ctxKey = "user"

func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(ContextUserKey).(*User)
	return u, ok
}

// ContextWithUser also sets the actor id recorded by the audit ledger.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	ctx = context.WithValue(ctx, ContextUserKey, u)
	return internal.ContextWithUserID(ctx, u.ID)
}
