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

// Package authz implements the role/permission/scope authorization
// engine. It is grounded on a plain
// map-lookup permission checks (core/server.go authenticate), scaled
// up to scoped role bindings.
package authz

import (
	"context"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/models"
)

// RoleSource supplies a user's active role bindings and the
// permissions each bound role grants. The control plane's repository
// implements it.
type RoleSource interface {
	ActiveRoleBindings(ctx context.Context, userID uuid.UUID) ([]models.RoleBinding, error)
	RolePermissions(ctx context.Context, roleID uuid.UUID) ([]models.Permission, error)
}

// Engine answers authorization questions over a RoleSource.
type Engine struct {
	roles RoleSource
}

// New constructs an Engine.
func New(roles RoleSource) *Engine {
	return &Engine{roles: roles}
}

// Check reports whether the user holds a non-revoked role binding
// granting (resource, action) at a scope covering the requested one.
// A nil requiredScope means the check is scope-agnostic (e.g. a
// global-only action); it is satisfied only by a global binding.
func (e *Engine) Check(ctx context.Context, user models.User, resource, action string, requiredScope *models.Scope) (bool, error) {
	bindings, err := e.roles.ActiveRoleBindings(ctx, user.ID)
	if err != nil {
		return false, err
	}

	for _, binding := range bindings {
		if binding.IsRevoked() {
			continue
		}
		perms, err := e.roles.RolePermissions(ctx, binding.RoleID)
		if err != nil {
			return false, err
		}
		if !grants(perms, resource, action) {
			continue
		}
		if scopeMatches(binding.Scope, requiredScope) {
			return true, nil
		}
	}
	return false, nil
}

func grants(perms []models.Permission, resource, action string) bool {
	for _, p := range perms {
		if (p.Resource == "*" || p.Resource == resource) && (p.Action == "*" || p.Action == action) {
			return true
		}
	}
	return false
}

// scopeMatches implements the binding.scope vs required-scope table
// a global binding matches any request; a group/environment
// binding matches only the identical type and value.
func scopeMatches(binding models.Scope, required *models.Scope) bool {
	if binding.Type == models.ScopeGlobal {
		return true
	}
	if required == nil {
		return false
	}
	return binding.Type == required.Type && binding.Value == required.Value
}

// IsAdmin reports whether the user holds a "*:*" permission under a
// global-scoped binding.
func (e *Engine) IsAdmin(ctx context.Context, user models.User) (bool, error) {
	return e.Check(ctx, user, "*", "*", nil)
}

// FilterByScope returns the set of scope values of scopeType the user
// may see, or global=true with nil values if the user holds any
// non-revoked global binding (global access for listing purposes). List
// handlers use it either to filter already-fetched rows or to build a
// jobs.ListFilter before querying.
func (e *Engine) FilterByScope(ctx context.Context, user models.User, scopeType models.ScopeType) (values []string, global bool, err error) {
	bindings, err := e.roles.ActiveRoleBindings(ctx, user.ID)
	if err != nil {
		return nil, false, err
	}

	seen := map[string]struct{}{}
	for _, binding := range bindings {
		if binding.IsRevoked() {
			continue
		}
		if binding.Scope.Type == models.ScopeGlobal {
			return nil, true, nil
		}
		if binding.Scope.Type == scopeType {
			seen[binding.Scope.Value] = struct{}{}
		}
	}

	values = make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	return values, false, nil
}

// AllowedOrNotFound performs an authorization check for a read
// endpoint and collapses a denied result into "not found" so that a
// caller without access cannot distinguish a denied resource from one
// that does not exist (anti-enumeration). The audit log, not the
// HTTP response, is the only place "denied" and "absent" differ --
// callers should log the outcome via internal/audit separately.
func (e *Engine) AllowedOrNotFound(ctx context.Context, user models.User, resource, action string, scope *models.Scope) (allowed bool, err error) {
	return e.Check(ctx, user, resource, action, scope)
}
