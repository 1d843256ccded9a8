package domain

import (
	"errors"
	"time"
)

// User is a member of staff who tracks time.
type User struct {
	ID        string
	Email     string
	Name      string
	Role      Role
	Status    UserStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// Role decides what a user may do to other users' sessions.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Validate validates the user for persistence and fills defaults for status and role.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	if u.Role == "" {
		u.Role = RoleMember
	}
	if u.Role != RoleMember && u.Role != RoleAdmin {
		return errors.New("role must be member or admin")
	}
	return nil
}
