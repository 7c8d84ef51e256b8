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

// Package repository implements the control plane's persisted-state tables over
// two backends: an in-memory store (this file), grounded on the
// teacher's sync.Mutex-guarded CommitStore (core/repository.go), used
// in tests and for local/dev runs; and a Postgres-backed store
// (postgres.go) for production.
package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/audit"
	"github.com/opsctl/fleet/internal/jobs"
	"github.com/opsctl/fleet/internal/models"
)

// Memory is an in-process, mutex-guarded implementation of every
// repository interface the control plane's services depend on.
type Memory struct {
	mu sync.Mutex

	users        map[uuid.UUID]models.User
	roles        map[uuid.UUID]models.Role
	roleBindings map[uuid.UUID]models.RoleBinding

	assetGroups map[uuid.UUID]models.AssetGroup
	hosts       map[uuid.UUID]models.Host

	jobs  map[uuid.UUID]models.Job
	tasks map[uuid.UUID][]models.Task

	runners map[uuid.UUID]models.Runner

	approvalRequests map[uuid.UUID]models.ApprovalRequest
	approvalRecords  map[uuid.UUID][]models.ApprovalRecord
	approvalGroups   []models.ApprovalGroup

	auditLog []models.AuditLogEntry

	refreshTokens map[string]models.RefreshToken // keyed by token hash
	loginEvents   []models.LoginEvent
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:            map[uuid.UUID]models.User{},
		roles:            map[uuid.UUID]models.Role{},
		roleBindings:     map[uuid.UUID]models.RoleBinding{},
		assetGroups:      map[uuid.UUID]models.AssetGroup{},
		hosts:            map[uuid.UUID]models.Host{},
		jobs:             map[uuid.UUID]models.Job{},
		tasks:            map[uuid.UUID][]models.Task{},
		runners:          map[uuid.UUID]models.Runner{},
		approvalRequests: map[uuid.UUID]models.ApprovalRequest{},
		approvalRecords:  map[uuid.UUID][]models.ApprovalRecord{},
		refreshTokens:    map[string]models.RefreshToken{},
	}
}

// -- users / roles / role bindings (internal/authz.RoleSource) --

func (m *Memory) PutUser(user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, apperr.New(apperr.NotFound, "user not found")
	}
	return u, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return models.User{}, apperr.New(apperr.NotFound, "user not found")
}

func (m *Memory) PutRole(role models.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = role
}

func (m *Memory) PutRoleBinding(binding models.RoleBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleBindings[binding.ID] = binding
}

// InsertUser persists a newly provisioned account. Username uniqueness
// is enforced here, not left to the caller, since two concurrent
// requests racing on the same username must not both succeed.
func (m *Memory) InsertUser(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return apperr.New(apperr.Conflict, "username already in use")
		}
	}
	m.users[user.ID] = user
	return nil
}

// InsertRoleBinding grants a role to a user under a scope.
func (m *Memory) InsertRoleBinding(_ context.Context, binding models.RoleBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleBindings[binding.ID] = binding
	return nil
}

// RevokeRoleBinding stamps a binding as revoked as of now without
// deleting its history.
func (m *Memory) RevokeRoleBinding(_ context.Context, id uuid.UUID, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	binding, ok := m.roleBindings[id]
	if !ok {
		return apperr.New(apperr.NotFound, "role binding not found")
	}
	binding.RevokedAt = &revokedAt
	m.roleBindings[id] = binding
	return nil
}

func (m *Memory) ActiveRoleBindings(_ context.Context, userID uuid.UUID) ([]models.RoleBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RoleBinding
	for _, b := range m.roleBindings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) RolePermissions(_ context.Context, roleID uuid.UUID) ([]models.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok {
		return nil, nil
	}
	return role.Permissions, nil
}

// -- asset groups / hosts --

func (m *Memory) PutAssetGroup(group models.AssetGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assetGroups[group.ID] = group
}

// InsertAssetGroup persists a newly created asset group.
func (m *Memory) InsertAssetGroup(_ context.Context, group models.AssetGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assetGroups[group.ID] = group
	return nil
}

func (m *Memory) GetAssetGroup(_ context.Context, id uuid.UUID) (models.AssetGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.assetGroups[id]
	if !ok {
		return models.AssetGroup{}, apperr.New(apperr.NotFound, "asset group not found")
	}
	return g, nil
}

// ListAssetGroups returns every group; the caller narrows the result to
// what the requester's scope permits.
func (m *Memory) ListAssetGroups(_ context.Context) ([]models.AssetGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AssetGroup, 0, len(m.assetGroups))
	for _, g := range m.assetGroups {
		out = append(out, g)
	}
	return out, nil
}

// DeleteAssetGroup removes a group outright; callers are responsible
// for checking it has no remaining hosts first.
func (m *Memory) DeleteAssetGroup(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assetGroups[id]; !ok {
		return apperr.New(apperr.NotFound, "asset group not found")
	}
	delete(m.assetGroups, id)
	return nil
}

func (m *Memory) PutHost(host models.Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[host.ID] = host
}

// InsertHost persists a newly registered host at version 1.
func (m *Memory) InsertHost(_ context.Context, host models.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	host.Version = 1
	m.hosts[host.ID] = host
	return nil
}

func (m *Memory) GetHost(_ context.Context, id uuid.UUID) (models.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return models.Host{}, apperr.New(apperr.NotFound, "host not found")
	}
	return h, nil
}

// ListHosts returns every host; the caller narrows the result to what
// the requester's scope permits.
func (m *Memory) ListHosts(_ context.Context) ([]models.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	return out, nil
}

// DeleteHost removes a host outright.
func (m *Memory) DeleteHost(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hosts[id]; !ok {
		return apperr.New(apperr.NotFound, "host not found")
	}
	delete(m.hosts, id)
	return nil
}

func (m *Memory) ListHostsByEnvironment(_ context.Context, environment string) ([]models.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Host
	for _, h := range m.hosts {
		if h.Environment == environment {
			out = append(out, h)
		}
	}
	return out, nil
}

// UpdateHost performs the same optimistic-lock write Postgres.UpdateHost
// does: the stored version must match host.Version or the write is
// rejected as a conflict, never silently overwritten.
func (m *Memory) UpdateHost(_ context.Context, host models.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.hosts[host.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "host not found")
	}
	if existing.Version != host.Version {
		return apperr.New(apperr.Conflict, "host version conflict")
	}
	host.Version++
	m.hosts[host.ID] = host
	return nil
}

// -- jobs / tasks (internal/jobs.Repository) --

func (m *Memory) InsertJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, apperr.New(apperr.NotFound, "job not found")
	}
	return j, nil
}

func (m *Memory) UpdateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func jobMatchesScope(job models.Job, allowedGroups []string) bool {
	if allowedGroups == nil {
		return true
	}
	if len(job.TargetGroups) == 0 {
		return false
	}
	allowed := make(map[string]struct{}, len(allowedGroups))
	for _, g := range allowedGroups {
		allowed[g] = struct{}{}
	}
	for _, g := range job.TargetGroups {
		if _, ok := allowed[g.String()]; ok {
			return true
		}
	}
	return false
}

// ListJobs applies the caller's scope filter and
// status/creator constraints before returning rows.
func (m *Memory) ListJobs(_ context.Context, filter jobs.ListFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if filter.CreatedBy != uuid.Nil && j.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if !jobMatchesScope(j, filter.AllowedGroups) {
			continue
		}
		out = append(out, j)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) InsertTasks(_ context.Context, tasks []models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		m.tasks[t.JobID] = append(m.tasks[t.JobID], t)
	}
	return nil
}

func (m *Memory) TasksForJob(_ context.Context, jobID uuid.UUID) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[jobID], nil
}

func (m *Memory) UpdateTask(_ context.Context, task models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tasks[task.JobID]
	for i, t := range rows {
		if t.ID == task.ID {
			rows[i] = task
			return nil
		}
	}
	return apperr.New(apperr.NotFound, "task not found")
}

// -- runners (internal/scheduler.RunnerSource) --

func (m *Memory) PutRunner(runner models.Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[runner.ID] = runner
}

// UpsertRunner records a Runner's registration or heartbeat, matching
// by Name since a Runner's UUID is assigned by the control plane on
// first sight and is not known to the Runner process itself.
func (m *Memory) UpsertRunner(_ context.Context, runner models.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.runners {
		if existing.Name == runner.Name {
			runner.ID = id
			runner.CurrentJobs = existing.CurrentJobs
			m.runners[id] = runner
			return nil
		}
	}
	if runner.ID == uuid.Nil {
		runner.ID = uuid.New()
	}
	m.runners[runner.ID] = runner
	return nil
}

func (m *Memory) GetRunner(_ context.Context, id uuid.UUID) (models.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[id]
	if !ok {
		return models.Runner{}, apperr.New(apperr.NotFound, "runner not found")
	}
	return runner, nil
}

// GetRunnerByName looks up a Runner by its self-reported name, the
// only identifier a Runner process knows about itself.
func (m *Memory) GetRunnerByName(_ context.Context, name string) (models.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runners {
		if r.Name == name {
			return r, nil
		}
	}
	return models.Runner{}, apperr.New(apperr.NotFound, "runner not found")
}

func (m *Memory) ActiveRunners(_ context.Context) ([]models.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) IncrementCurrentJobs(_ context.Context, runnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := uuid.Parse(runnerID)
	if err != nil {
		return apperr.Wrap(apperr.BadRequest, "parsing runner id", err)
	}
	r, ok := m.runners[id]
	if !ok {
		return apperr.New(apperr.NotFound, "runner not found")
	}
	r.CurrentJobs++
	m.runners[id] = r
	return nil
}

// DecrementCurrentJobs is called when a task reaches a terminal status.
func (m *Memory) DecrementCurrentJobs(_ context.Context, runnerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[runnerID]
	if !ok {
		return apperr.New(apperr.NotFound, "runner not found")
	}
	if r.CurrentJobs > 0 {
		r.CurrentJobs--
	}
	m.runners[runnerID] = r
	return nil
}

// -- approvals (internal/approval.Repository) --

func (m *Memory) InsertApprovalRequest(_ context.Context, req models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvalRequests[req.ID] = req
	return nil
}

func (m *Memory) GetApprovalRequest(_ context.Context, id uuid.UUID) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.approvalRequests[id]
	if !ok {
		return models.ApprovalRequest{}, apperr.New(apperr.NotFound, "approval request not found")
	}
	return r, nil
}

func (m *Memory) UpdateApprovalRequest(_ context.Context, req models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvalRequests[req.ID] = req
	return nil
}

func (m *Memory) InsertApprovalRecord(_ context.Context, rec models.ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvalRecords[rec.RequestID] = append(m.approvalRecords[rec.RequestID], rec)
	return nil
}

func (m *Memory) ApprovalRecordsFor(_ context.Context, requestID uuid.UUID) ([]models.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approvalRecords[requestID], nil
}

func (m *Memory) PutApprovalGroup(group models.ApprovalGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvalGroups = append(m.approvalGroups, group)
}

func (m *Memory) ApprovalGroups(_ context.Context) ([]models.ApprovalGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ApprovalGroup, len(m.approvalGroups))
	copy(out, m.approvalGroups)
	return out, nil
}

// ListApprovalRequests returns every approval request regardless of
// status; the caller narrows by requester, status or scope as needed.
func (m *Memory) ListApprovalRequests(_ context.Context) ([]models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ApprovalRequest, 0, len(m.approvalRequests))
	for _, r := range m.approvalRequests {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) PendingApprovalRequests(_ context.Context) ([]models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalRequest
	for _, r := range m.approvalRequests {
		if r.Status == models.ApprovalPending {
			out = append(out, r)
		}
	}
	return out, nil
}

// -- audit (internal/audit.Repository) --

func (m *Memory) InsertAuditLogEntry(_ context.Context, entry models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLog = append(m.auditLog, entry)
	return nil
}

func (m *Memory) QueryAuditLog(_ context.Context, filter audit.Filter) ([]models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLogEntry
	for _, e := range m.auditLog {
		if filter.Subject != uuid.Nil && e.Subject != filter.Subject {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Result != "" && e.Result != filter.Result {
			continue
		}
		if filter.ActionPrefix != "" && !strings.HasPrefix(e.Action, filter.ActionPrefix) {
			continue
		}
		if filter.TraceID != "" && e.TraceID != filter.TraceID {
			continue
		}
		if !filter.OccurredAfter.IsZero() && e.OccurredAt.Before(filter.OccurredAfter) {
			continue
		}
		if !filter.OccurredBefore.IsZero() && e.OccurredAt.After(filter.OccurredBefore) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// -- refresh tokens / login events (internal/auth) --

func (m *Memory) InsertRefreshToken(_ context.Context, token models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[token.TokenHash] = token
	return nil
}

func (m *Memory) GetRefreshTokenByHash(_ context.Context, tokenHash string) (models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refreshTokens[tokenHash]
	if !ok {
		return models.RefreshToken{}, apperr.New(apperr.NotFound, "refresh token not found")
	}
	return t, nil
}

func (m *Memory) RevokeRefreshToken(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, t := range m.refreshTokens {
		if t.ID == id {
			now := t.ExpiresAt
			t.RevokedAt = &now
			m.refreshTokens[hash] = t
		}
	}
	return nil
}

func (m *Memory) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, t := range m.refreshTokens {
		if t.UserID == userID {
			now := t.ExpiresAt
			t.RevokedAt = &now
			m.refreshTokens[hash] = t
		}
	}
	return nil
}

func (m *Memory) InsertLoginEvent(_ context.Context, event models.LoginEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginEvents = append(m.loginEvents, event)
	return nil
}
