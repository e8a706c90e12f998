// Package auth verifies request credentials and produces the principal the
// resolvers authorize against.
package auth

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidCredential = errors.New("invalid credential")

type Role string

const (
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller of one request. ExpiresAt is when
// the credential stops being valid; zero means it does not expire.
type Principal struct {
	UserID         string
	OrganizationID string
	Role           Role
	ExpiresAt      time.Time
}

func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// CanManageMeetings reports whether the principal may change meetings they
// do not host.
func (p Principal) CanManageMeetings() bool {
	return p.Role == RoleManager || p.Role == RoleAdmin
}

type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}
