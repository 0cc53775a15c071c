//go:build !linux || !cgo
// +build !linux !cgo

package auth

import (
	"fmt"
	"os/user"
)

// Role represents user access level
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReadOnly Role = "readonly"
)

// User represents authenticated user
type User struct {
	Username string `json:"username"`
	UID      string `json:"uid"`
	GID      string `json:"gid"`
	Role     Role   `json:"role"`
}

// PAMAuth is the non-Linux placeholder for the PAM authenticator. It
// keeps the package compiling on development machines; Authenticate
// always fails there.
type PAMAuth struct {
	serviceName string
	adminGroups []string
}

// NewPAMAuth creates the placeholder authenticator.
func NewPAMAuth() *PAMAuth {
	return &PAMAuth{
		serviceName: "login",
		adminGroups: []string{"wheel", "sudo", "root", "admin"},
	}
}

// Authenticate always fails; PAM is only available on Linux.
func (p *PAMAuth) Authenticate(username, password string) (*User, error) {
	return nil, fmt.Errorf("PAM authentication is not supported on this platform (Linux only)")
}

// determineRole maps group membership to a role, mirroring the Linux
// implementation so role logic can be exercised off-target.
func (p *PAMAuth) determineRole(username string) Role {
	if username == "root" {
		return RoleAdmin
	}

	u, err := user.Lookup(username)
	if err != nil {
		return RoleReadOnly
	}
	groups, err := u.GroupIds()
	if err != nil {
		return RoleReadOnly
	}

	for _, gid := range groups {
		group, err := user.LookupGroupId(gid)
		if err != nil {
			continue
		}
		for _, adminGroup := range p.adminGroups {
			if group.Name == adminGroup {
				return RoleAdmin
			}
		}
	}
	return RoleReadOnly
}

// IsAdmin checks if user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
