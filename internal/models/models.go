// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package models defines the shared entity and wire-message shapes used
// across the control plane and the Runner agent. Every type here has a
// canonical JSON form with snake_case field names; unknown fields are
// ignored on decode and missing optional fields take their Go zero value.
package models

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus is the lifecycle state of a User account.
type UserStatus string

const (
	UserEnabled  UserStatus = "enabled"
	UserDisabled UserStatus = "disabled"
	UserLocked   UserStatus = "locked"
)

// User is an authenticated principal of the control plane.
type User struct {
	ID                 uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	PasswordHash        string     `json:"-"`
	Status              UserStatus `json:"status"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsLocked reports whether the account is currently locked. The User
// invariant is locked_until > now <=> status = Locked; this helper keeps
// the two fields from drifting apart in callers.
func (u *User) IsLocked(now time.Time) bool {
	return u.Status == UserLocked && u.LockedUntil != nil && u.LockedUntil.After(now)
}

// ScopeType is the kind of authorization scope a RoleBinding grants.
type ScopeType string

const (
	ScopeGlobal      ScopeType = "global"
	ScopeGroup       ScopeType = "group"
	ScopeEnvironment ScopeType = "environment"
)

// Scope pairs a ScopeType with the value it applies to. Global scopes
// carry an empty Value.
type Scope struct {
	Type  ScopeType `json:"type"`
	Value string    `json:"value,omitempty"`
}

// Permission is a (resource, action) pair a Role may grant.
type Permission struct {
	Resource string `json:"resource" db:"resource"`
	Action   string `json:"action" db:"action"`
}

// Role names a set of Permissions.
type Role struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}

// RoleBinding ties a user to a role under a scope.
type RoleBinding struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	RoleID    uuid.UUID `json:"role_id"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// IsRevoked reports whether the binding has been revoked.
func (b *RoleBinding) IsRevoked() bool { return b.RevokedAt != nil }

// HostKeyPolicy controls how a Host's SSH host key is verified.
type HostKeyPolicy string

const (
	HostKeyStrict   HostKeyPolicy = "strict"
	HostKeyAccept   HostKeyPolicy = "accept"
	HostKeyDisabled HostKeyPolicy = "disabled"
)

// AssetGroup is a named collection of Hosts.
type AssetGroup struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Host is a managed machine reachable over SSH.
type Host struct {
	ID            uuid.UUID     `json:"id"`
	GroupID       uuid.UUID     `json:"group_id"`
	Environment   string        `json:"environment"`
	Name          string        `json:"name"`
	Address       string        `json:"address"`
	SSHUser       string        `json:"ssh_user,omitempty"`
	SSHCredential string        `json:"-"`
	HostKeyPolicy HostKeyPolicy `json:"host_key_policy"`
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
