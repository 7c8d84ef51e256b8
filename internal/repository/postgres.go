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

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/audit"
	"github.com/opsctl/fleet/internal/jobs"
	"github.com/opsctl/fleet/internal/models"
)

// Postgres is the production-grade repository backend: a pgx
// connection pool driving database/sql through sqlx for struct-scanned
// queries.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to databaseURL via pgxpool and wraps the pool
// for sqlx. Schema migrations are applied separately; this constructor
// assumes the tables named throughout this file already exist.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigError, "connecting to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, apperr.Wrap(apperr.ConfigError, "pinging postgres", err)
	}
	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func pgError(kind apperr.Kind, message string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.NotFound, message, err)
	}
	return apperr.Wrap(kind, message, err)
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// -- users / roles / role bindings --

type userRow struct {
	ID                  uuid.UUID  `db:"id"`
	Username            string     `db:"username"`
	PasswordHash        string     `db:"password_hash"`
	Status              string     `db:"status"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *sql.NullTime `db:"locked_until"`
	CreatedAt           sql.NullTime  `db:"created_at"`
	UpdatedAt           sql.NullTime  `db:"updated_at"`
}

func (r userRow) toModel() models.User {
	u := models.User{
		ID:                  r.ID,
		Username:             r.Username,
		PasswordHash:         r.PasswordHash,
		Status:               models.UserStatus(r.Status),
		FailedLoginAttempts:  r.FailedLoginAttempts,
		CreatedAt:            r.CreatedAt.Time,
		UpdatedAt:            r.UpdatedAt.Time,
	}
	if r.LockedUntil != nil && r.LockedUntil.Valid {
		t := r.LockedUntil.Time
		u.LockedUntil = &t
	}
	return u
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (models.User, error) {
	var row userRow
	err := p.db.GetContext(ctx, &row, `SELECT id, username, password_hash, status, failed_login_attempts, locked_until, created_at, updated_at FROM users WHERE id = $1`, id)
	if err != nil {
		return models.User{}, pgError(apperr.Database, "loading user", err)
	}
	return row.toModel(), nil
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	var row userRow
	err := p.db.GetContext(ctx, &row, `SELECT id, username, password_hash, status, failed_login_attempts, locked_until, created_at, updated_at FROM users WHERE username = $1`, username)
	if err != nil {
		return models.User{}, pgError(apperr.Database, "loading user by username", err)
	}
	return row.toModel(), nil
}

// InsertUser persists a newly provisioned account. The unique index on
// users.username, not application code, is what rejects a racing
// duplicate; a violation surfaces here as apperr.Conflict.
func (p *Postgres) InsertUser(ctx context.Context, user models.User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, status, failed_login_attempts, locked_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.Username, user.PasswordHash, string(user.Status), user.FailedLoginAttempts, user.LockedUntil, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Conflict, "username already in use")
		}
		return apperr.Wrap(apperr.Database, "inserting user", err)
	}
	return nil
}

type roleBindingRow struct {
	ID         uuid.UUID  `db:"id"`
	UserID     uuid.UUID  `db:"user_id"`
	RoleID     uuid.UUID  `db:"role_id"`
	ScopeType  string     `db:"scope_type"`
	ScopeValue string     `db:"scope_value"`
	CreatedAt  sql.NullTime `db:"created_at"`
	RevokedAt  *sql.NullTime `db:"revoked_at"`
}

func (r roleBindingRow) toModel() models.RoleBinding {
	b := models.RoleBinding{
		ID:        r.ID,
		UserID:    r.UserID,
		RoleID:    r.RoleID,
		Scope:     models.Scope{Type: models.ScopeType(r.ScopeType), Value: r.ScopeValue},
		CreatedAt: r.CreatedAt.Time,
	}
	if r.RevokedAt != nil && r.RevokedAt.Valid {
		t := r.RevokedAt.Time
		b.RevokedAt = &t
	}
	return b
}

// ActiveRoleBindings satisfies authz.RoleSource; revoked bindings are
// returned too (authz.Engine filters them), matching Memory's contract.
func (p *Postgres) ActiveRoleBindings(ctx context.Context, userID uuid.UUID) ([]models.RoleBinding, error) {
	var rows []roleBindingRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, user_id, role_id, scope_type, scope_value, created_at, revoked_at FROM role_bindings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "loading role bindings", err)
	}
	out := make([]models.RoleBinding, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (p *Postgres) RolePermissions(ctx context.Context, roleID uuid.UUID) ([]models.Permission, error) {
	var perms []models.Permission
	err := p.db.SelectContext(ctx, &perms, `SELECT resource, action FROM role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "loading role permissions", err)
	}
	return perms, nil
}

// InsertRoleBinding grants a role to a user under a scope.
func (p *Postgres) InsertRoleBinding(ctx context.Context, binding models.RoleBinding) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO role_bindings (id, user_id, role_id, scope_type, scope_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, binding.ID, binding.UserID, binding.RoleID, string(binding.Scope.Type), binding.Scope.Value, binding.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Database, "inserting role binding", err)
	}
	return nil
}

// RevokeRoleBinding stamps a binding as revoked as of now without
// deleting its history, matching Memory's contract.
func (p *Postgres) RevokeRoleBinding(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE role_bindings SET revoked_at = $1 WHERE id = $2`, revokedAt, id)
	if err != nil {
		return apperr.Wrap(apperr.Database, "revoking role binding", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "role binding not found")
	}
	return nil
}

// -- asset groups / hosts --

func (p *Postgres) GetAssetGroup(ctx context.Context, id uuid.UUID) (models.AssetGroup, error) {
	var group models.AssetGroup
	err := p.db.GetContext(ctx, &group, `SELECT id, name, created_at FROM asset_groups WHERE id = $1`, id)
	if err != nil {
		return models.AssetGroup{}, pgError(apperr.Database, "loading asset group", err)
	}
	return group, nil
}

// ListAssetGroups returns every group; the caller narrows the result
// to what the requester's scope permits.
func (p *Postgres) ListAssetGroups(ctx context.Context) ([]models.AssetGroup, error) {
	var groups []models.AssetGroup
	err := p.db.SelectContext(ctx, &groups, `SELECT id, name, created_at FROM asset_groups ORDER BY name`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "listing asset groups", err)
	}
	return groups, nil
}

// InsertAssetGroup persists a newly created asset group.
func (p *Postgres) InsertAssetGroup(ctx context.Context, group models.AssetGroup) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO asset_groups (id, name, created_at) VALUES ($1, $2, $3)`, group.ID, group.Name, group.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Conflict, "asset group name already in use")
		}
		return apperr.Wrap(apperr.Database, "inserting asset group", err)
	}
	return nil
}

// DeleteAssetGroup removes a group outright; callers are responsible
// for checking it has no remaining hosts first.
func (p *Postgres) DeleteAssetGroup(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM asset_groups WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Database, "deleting asset group", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "asset group not found")
	}
	return nil
}

type hostRow struct {
	ID            uuid.UUID `db:"id"`
	GroupID       uuid.UUID `db:"group_id"`
	Environment   string    `db:"environment"`
	Name          string    `db:"name"`
	Address       string    `db:"address"`
	SSHUser       string    `db:"ssh_user"`
	SSHCredential string    `db:"ssh_credential"`
	HostKeyPolicy string    `db:"host_key_policy"`
	Version       int       `db:"version"`
	CreatedAt     sql.NullTime `db:"created_at"`
	UpdatedAt     sql.NullTime `db:"updated_at"`
}

func (r hostRow) toModel() models.Host {
	return models.Host{
		ID:            r.ID,
		GroupID:       r.GroupID,
		Environment:   r.Environment,
		Name:          r.Name,
		Address:       r.Address,
		SSHUser:       r.SSHUser,
		SSHCredential: r.SSHCredential,
		HostKeyPolicy: models.HostKeyPolicy(r.HostKeyPolicy),
		Version:       r.Version,
		CreatedAt:     r.CreatedAt.Time,
		UpdatedAt:     r.UpdatedAt.Time,
	}
}

// InsertHost persists a newly registered host at version 1, the
// baseline UpdateHost's optimistic lock compares against.
func (p *Postgres) InsertHost(ctx context.Context, host models.Host) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO hosts (id, group_id, environment, name, address, ssh_user, ssh_credential, host_key_policy, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
	`, host.ID, host.GroupID, host.Environment, host.Name, host.Address, host.SSHUser, host.SSHCredential, string(host.HostKeyPolicy), host.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Database, "inserting host", err)
	}
	return nil
}

func (p *Postgres) GetHost(ctx context.Context, id uuid.UUID) (models.Host, error) {
	var row hostRow
	err := p.db.GetContext(ctx, &row, `SELECT id, group_id, environment, name, address, ssh_user, ssh_credential, host_key_policy, version, created_at, updated_at FROM hosts WHERE id = $1`, id)
	if err != nil {
		return models.Host{}, pgError(apperr.Database, "loading host", err)
	}
	return row.toModel(), nil
}

// ListHosts returns every host; the caller narrows the result to what
// the requester's scope permits.
func (p *Postgres) ListHosts(ctx context.Context) ([]models.Host, error) {
	var rows []hostRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, group_id, environment, name, address, ssh_user, ssh_credential, host_key_policy, version, created_at, updated_at FROM hosts ORDER BY name`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "listing hosts", err)
	}
	out := make([]models.Host, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// DeleteHost removes a host outright.
func (p *Postgres) DeleteHost(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Database, "deleting host", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "host not found")
	}
	return nil
}

// ListHostsByEnvironment is used by the scheduler and by bulk job
// creation against a whole environment rather than a named group.
func (p *Postgres) ListHostsByEnvironment(ctx context.Context, environment string) ([]models.Host, error) {
	var rows []hostRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, group_id, environment, name, address, ssh_user, ssh_credential, host_key_policy, version, created_at, updated_at FROM hosts WHERE environment = $1`, environment)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "loading hosts by environment", err)
	}
	out := make([]models.Host, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// UpdateHost performs an optimistic-lock write: the row is only
// updated when its stored version still matches host.Version, the
// host version-conflict invariant. A mismatch (or missing row) reports
// apperr.Conflict so callers can tell the two failure modes apart from
// a plain not-found.
func (p *Postgres) UpdateHost(ctx context.Context, host models.Host) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE hosts SET name = $1, address = $2, ssh_user = $3, ssh_credential = $4, host_key_policy = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8
	`, host.Name, host.Address, host.SSHUser, host.SSHCredential, string(host.HostKeyPolicy), host.UpdatedAt, host.ID, host.Version)
	if err != nil {
		return apperr.Wrap(apperr.Database, "updating host", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.Conflict, "host version conflict")
	}
	return nil
}

// -- jobs / tasks --

type jobRow struct {
	ID           uuid.UUID   `db:"id"`
	Kind         string      `db:"kind"`
	TargetHosts  []uuid.UUID `db:"target_hosts"`
	TargetGroups []uuid.UUID `db:"target_groups"`
	CreatedBy    uuid.UUID   `db:"created_by"`
	Status       string      `db:"status"`
	RetryOf      *uuid.UUID  `db:"retry_of"`
	ApprovalID   *uuid.UUID  `db:"approval_id"`
	CreatedAt    sql.NullTime `db:"created_at"`
	UpdatedAt    sql.NullTime `db:"updated_at"`
}

func (p *Postgres) InsertJob(ctx context.Context, job models.Job) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, kind, target_hosts, target_groups, created_by, status, retry_of, approval_id, created_at, updated_at)
		VALUES (:id, :kind, :target_hosts, :target_groups, :created_by, :status, :retry_of, :approval_id, :created_at, :updated_at)
	`, jobToRow(job))
	if err != nil {
		return apperr.Wrap(apperr.Database, "inserting job", err)
	}
	return nil
}

func jobToRow(j models.Job) jobRow {
	return jobRow{
		ID:           j.ID,
		Kind:         string(j.Kind),
		TargetHosts:  j.TargetHosts,
		TargetGroups: j.TargetGroups,
		CreatedBy:    j.CreatedBy,
		Status:       string(j.Status),
		RetryOf:      j.RetryOf,
		ApprovalID:   j.ApprovalID,
		CreatedAt:    sql.NullTime{Time: j.CreatedAt, Valid: true},
		UpdatedAt:    sql.NullTime{Time: j.UpdatedAt, Valid: true},
	}
}

func (r jobRow) toModel(stats models.JobStatistics) models.Job {
	return models.Job{
		ID:           r.ID,
		Kind:         models.JobKind(r.Kind),
		TargetHosts:  r.TargetHosts,
		TargetGroups: r.TargetGroups,
		CreatedBy:    r.CreatedBy,
		Status:       models.JobStatus(r.Status),
		Statistics:   stats,
		RetryOf:      r.RetryOf,
		ApprovalID:   r.ApprovalID,
		CreatedAt:    r.CreatedAt.Time,
		UpdatedAt:    r.UpdatedAt.Time,
	}
}

func (p *Postgres) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row, `SELECT id, kind, target_hosts, target_groups, created_by, status, retry_of, approval_id, created_at, updated_at FROM jobs WHERE id = $1`, id)
	if err != nil {
		return models.Job{}, pgError(apperr.Database, "loading job", err)
	}
	tasks, err := p.TasksForJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return row.toModel(models.ComputeJobStatistics(statusesOfRows(tasks))), nil
}

func (p *Postgres) UpdateJob(ctx context.Context, job models.Job) error {
	_, err := p.db.NamedExecContext(ctx, `
		UPDATE jobs SET status = :status, approval_id = :approval_id, updated_at = :updated_at WHERE id = :id
	`, jobToRow(job))
	if err != nil {
		return apperr.Wrap(apperr.Database, "updating job", err)
	}
	return nil
}

// ListJobs builds its WHERE clause dynamically from the non-zero
// ListFilter fields, mirroring the scope-aware query Memory.ListJobs
// performs in-process.
func (p *Postgres) ListJobs(ctx context.Context, filter jobs.ListFilter) ([]models.Job, error) {
	query := `SELECT id, kind, target_hosts, target_groups, created_by, status, retry_of, approval_id, created_at, updated_at FROM jobs WHERE 1=1`
	args := map[string]any{}

	if filter.CreatedBy != uuid.Nil {
		query += ` AND created_by = :created_by`
		args["created_by"] = filter.CreatedBy
	}
	if filter.Status != "" {
		query += ` AND status = :status`
		args["status"] = string(filter.Status)
	}
	if filter.AllowedGroups != nil {
		query += ` AND target_groups && :allowed_groups`
		args["allowed_groups"] = filter.AllowedGroups
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	named, namedArgs, err := sqlx.Named(query, args)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "building job list query", err)
	}
	named = p.db.Rebind(named)

	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, named, namedArgs...); err != nil {
		return nil, apperr.Wrap(apperr.Database, "listing jobs", err)
	}
	out := make([]models.Job, len(rows))
	for i, r := range rows {
		tasks, err := p.TasksForJob(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out[i] = r.toModel(models.ComputeJobStatistics(statusesOfRows(tasks)))
	}
	return out, nil
}

type taskRow struct {
	ID         uuid.UUID  `db:"id"`
	JobID      uuid.UUID  `db:"job_id"`
	HostID     *uuid.UUID `db:"host_id"`
	RunnerID   *uuid.UUID `db:"runner_id"`
	Status     string     `db:"status"`
	ExitCode   *int       `db:"exit_code"`
	Stdout     string     `db:"stdout"`
	Stderr     string     `db:"stderr"`
	StartedAt  *sql.NullTime `db:"started_at"`
	FinishedAt *sql.NullTime `db:"finished_at"`
	CreatedAt  sql.NullTime  `db:"created_at"`
}

func (r taskRow) toModel() models.Task {
	t := models.Task{
		ID:        r.ID,
		JobID:     r.JobID,
		HostID:    r.HostID,
		RunnerID:  r.RunnerID,
		Status:    models.TaskStatus(r.Status),
		ExitCode:  r.ExitCode,
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		CreatedAt: r.CreatedAt.Time,
	}
	if r.StartedAt != nil && r.StartedAt.Valid {
		v := r.StartedAt.Time
		t.StartedAt = &v
	}
	if r.FinishedAt != nil && r.FinishedAt.Valid {
		v := r.FinishedAt.Time
		t.FinishedAt = &v
	}
	return t
}

func statusesOfRows(tasks []models.Task) []models.TaskStatus {
	out := make([]models.TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = t.Status
	}
	return out
}

func (p *Postgres) InsertTasks(ctx context.Context, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Database, "beginning task insert transaction", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO tasks (id, job_id, host_id, runner_id, status, created_at)
			VALUES (:id, :job_id, :host_id, :runner_id, :status, :created_at)
		`, taskRow{ID: t.ID, JobID: t.JobID, HostID: t.HostID, RunnerID: t.RunnerID, Status: string(t.Status), CreatedAt: sql.NullTime{Time: t.CreatedAt, Valid: true}})
		if err != nil {
			return apperr.Wrap(apperr.Database, "inserting task", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Database, "committing task insert", err)
	}
	return nil
}

func (p *Postgres) TasksForJob(ctx context.Context, jobID uuid.UUID) ([]models.Task, error) {
	var rows []taskRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, job_id, host_id, runner_id, status, exit_code, stdout, stderr, started_at, finished_at, created_at FROM tasks WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "loading tasks", err)
	}
	out := make([]models.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (p *Postgres) UpdateTask(ctx context.Context, task models.Task) error {
	_, err := p.db.NamedExecContext(ctx, `
		UPDATE tasks SET status = :status, exit_code = :exit_code, stdout = :stdout, stderr = :stderr, started_at = :started_at, finished_at = :finished_at WHERE id = :id
	`, taskRow{
		ID:         task.ID,
		Status:     string(task.Status),
		ExitCode:   task.ExitCode,
		Stdout:     task.Stdout,
		Stderr:     task.Stderr,
		StartedAt:  nullableTime(task.StartedAt),
		FinishedAt: nullableTime(task.FinishedAt),
	})
	if err != nil {
		return apperr.Wrap(apperr.Database, "updating task", err)
	}
	return nil
}

func nullableTime(t *time.Time) *sql.NullTime {
	if t == nil {
		return nil
	}
	return &sql.NullTime{Time: *t, Valid: true}
}

// -- runners --

type runnerRow struct {
	ID                uuid.UUID `db:"id"`
	Name              string    `db:"name"`
	Capabilities      []string  `db:"capabilities"`
	Status            string    `db:"status"`
	MaxConcurrentJobs int       `db:"max_concurrent_jobs"`
	CurrentJobs       int       `db:"current_jobs"`
	LastHeartbeat     sql.NullTime `db:"last_heartbeat"`
}

func (r runnerRow) toModel() models.Runner {
	return models.Runner{
		ID:                r.ID,
		Name:              r.Name,
		Capabilities:      r.Capabilities,
		Status:            models.RunnerStatus(r.Status),
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		CurrentJobs:       r.CurrentJobs,
		LastHeartbeat:     r.LastHeartbeat.Time,
	}
}

// UpsertRunner records a Runner's registration or heartbeat, matching
// by name since a Runner's UUID is assigned by the control plane on
// first sight and is not known to the Runner process itself. The
// conflict target is therefore the unique index on runners.name, not
// the primary key, and current_jobs is deliberately left untouched by
// the update so a heartbeat never clobbers the scheduler's counter.
func (p *Postgres) UpsertRunner(ctx context.Context, runner models.Runner) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO runners (id, name, capabilities, status, max_concurrent_jobs, current_jobs, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (name) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, runner.ID, runner.Name, runner.Capabilities, string(runner.Status), runner.MaxConcurrentJobs, runner.LastHeartbeat)
	if err != nil {
		return apperr.Wrap(apperr.Database, "upserting runner", err)
	}
	return nil
}

func (p *Postgres) GetRunner(ctx context.Context, id uuid.UUID) (models.Runner, error) {
	var row runnerRow
	err := p.db.GetContext(ctx, &row, `SELECT id, name, capabilities, status, max_concurrent_jobs, current_jobs, last_heartbeat FROM runners WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Runner{}, apperr.New(apperr.NotFound, "runner not found")
		}
		return models.Runner{}, apperr.Wrap(apperr.Database, "loading runner", err)
	}
	return row.toModel(), nil
}

// GetRunnerByName looks up a Runner by its self-reported name, the
// only identifier a Runner process knows about itself.
func (p *Postgres) GetRunnerByName(ctx context.Context, name string) (models.Runner, error) {
	var row runnerRow
	err := p.db.GetContext(ctx, &row, `SELECT id, name, capabilities, status, max_concurrent_jobs, current_jobs, last_heartbeat FROM runners WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Runner{}, apperr.New(apperr.NotFound, "runner not found")
		}
		return models.Runner{}, apperr.Wrap(apperr.Database, "loading runner", err)
	}
	return row.toModel(), nil
}

func (p *Postgres) ActiveRunners(ctx context.Context) ([]models.Runner, error) {
	var rows []runnerRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, name, capabilities, status, max_concurrent_jobs, current_jobs, last_heartbeat FROM runners WHERE status IN ('online', 'active')`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "loading runners", err)
	}
	out := make([]models.Runner, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// IncrementCurrentJobs bumps current_jobs under the row's own lock,
// the concurrency control this method's godoc in scheduler.RunnerSource
// asks implementations to provide.
func (p *Postgres) IncrementCurrentJobs(ctx context.Context, runnerID string) error {
	id, err := uuid.Parse(runnerID)
	if err != nil {
		return apperr.Wrap(apperr.BadRequest, "parsing runner id", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE runners SET current_jobs = current_jobs + 1 WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Database, "incrementing runner job count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "runner not found")
	}
	return nil
}

// DecrementCurrentJobs is called when a task reaches a terminal status,
// floored at zero so a duplicate or out-of-order delivery can't drive
// the counter negative.
func (p *Postgres) DecrementCurrentJobs(ctx context.Context, runnerID uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `UPDATE runners SET current_jobs = GREATEST(current_jobs - 1, 0) WHERE id = $1`, runnerID)
	if err != nil {
		return apperr.Wrap(apperr.Database, "decrementing runner job count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "runner not found")
	}
	return nil
}

// -- approvals --

type approvalRequestRow struct {
	ID                uuid.UUID  `db:"id"`
	JobID             *uuid.UUID `db:"job_id"`
	RequestedBy       uuid.UUID  `db:"requested_by"`
	Triggers          []string  `db:"triggers"`
	RequiredApprovers int        `db:"required_approvers"`
	CurrentApprovals  int        `db:"current_approvals"`
	Status            string     `db:"status"`
	RequestedAt       sql.NullTime `db:"requested_at"`
	TimeoutMins       int        `db:"timeout_mins"`
	ExpiresAt         *sql.NullTime `db:"expires_at"`
}

func (r approvalRequestRow) toModel() models.ApprovalRequest {
	triggers := make([]models.Trigger, len(r.Triggers))
	for i, t := range r.Triggers {
		triggers[i] = models.Trigger(t)
	}
	req := models.ApprovalRequest{
		ID:                r.ID,
		JobID:             r.JobID,
		RequestedBy:       r.RequestedBy,
		Triggers:          triggers,
		RequiredApprovers: r.RequiredApprovers,
		CurrentApprovals:  r.CurrentApprovals,
		Status:            models.ApprovalStatus(r.Status),
		RequestedAt:       r.RequestedAt.Time,
		TimeoutMins:       r.TimeoutMins,
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		req.ExpiresAt = &t
	}
	return req
}

func approvalRequestToRow(req models.ApprovalRequest) approvalRequestRow {
	triggers := make([]string, len(req.Triggers))
	for i, t := range req.Triggers {
		triggers[i] = string(t)
	}
	row := approvalRequestRow{
		ID:                req.ID,
		JobID:             req.JobID,
		RequestedBy:       req.RequestedBy,
		Triggers:          triggers,
		RequiredApprovers: req.RequiredApprovers,
		CurrentApprovals:  req.CurrentApprovals,
		Status:            string(req.Status),
		RequestedAt:       sql.NullTime{Time: req.RequestedAt, Valid: true},
		TimeoutMins:       req.TimeoutMins,
	}
	if req.ExpiresAt != nil {
		row.ExpiresAt = &sql.NullTime{Time: *req.ExpiresAt, Valid: true}
	}
	return row
}

func (p *Postgres) InsertApprovalRequest(ctx context.Context, req models.ApprovalRequest) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO approval_requests (id, job_id, requested_by, triggers, required_approvers, current_approvals, status, requested_at, timeout_mins, expires_at)
		VALUES (:id, :job_id, :requested_by, :triggers, :required_approvers, :current_approvals, :status, :requested_at, :timeout_mins, :expires_at)
	`, approvalRequestToRow(req))
	if err != nil {
		return apperr.Wrap(apperr.Database, "inserting approval request", err)
	}
	return nil
}

func (p *Postgres) GetApprovalRequest(ctx context.Context, id uuid.UUID) (models.ApprovalRequest, error) {
	var row approvalRequestRow
	err := p.db.GetContext(ctx, &row, `SELECT id, job_id, requested_by, triggers, required_approvers, current_approvals, status, requested_at, timeout_mins, expires_at FROM approval_requests WHERE id = $1`, id)
	if err != nil {
		return models.ApprovalRequest{}, pgError(apperr.Database, "loading approval request", err)
	}
	return row.toModel(), nil
}

func (p *Postgres) UpdateApprovalRequest(ctx context.Context, req models.ApprovalRequest) error {
	_, err := p.db.NamedExecContext(ctx, `
		UPDATE approval_requests SET current_approvals = :current_approvals, status = :status WHERE id = :id
	`, approvalRequestToRow(req))
	if err != nil {
		return apperr.Wrap(apperr.Database, "updating approval request", err)
	}
	return nil
}

func (p *Postgres) InsertApprovalRecord(ctx context.Context, rec models.ApprovalRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO approval_records (id, request_id, approver_id, decision, comment, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.RequestID, rec.ApproverID, string(rec.Decision), rec.Comment, rec.DecidedAt)
	if err != nil {
		return apperr.Wrap(apperr.Database, "inserting approval record", err)
	}
	return nil
}

func (p *Postgres) ApprovalRecordsFor(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalRecord, error) {
	var recs []models.ApprovalRecord
	err := p.db.SelectContext(ctx, &recs, `SELECT id, request_id, approver_id, decision, comment, decided_at FROM approval_records WHERE request_id = $1 ORDER BY decided_at`, requestID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "loading approval records", err)
	}
	return recs, nil
}

func (p *Postgres) ApprovalGroups(ctx context.Context) ([]models.ApprovalGroup, error) {
	var groups []models.ApprovalGroup
	err := p.db.SelectContext(ctx, &groups, `SELECT id, name, priority, required_approvers, created_at FROM approval_groups ORDER BY priority DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "loading approval groups", err)
	}
	return groups, nil
}

// ListApprovalRequests returns every approval request regardless of
// status; the caller narrows by requester, status or scope as needed.
func (p *Postgres) ListApprovalRequests(ctx context.Context) ([]models.ApprovalRequest, error) {
	var rows []approvalRequestRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, job_id, requested_by, triggers, required_approvers, current_approvals, status, requested_at, timeout_mins, expires_at FROM approval_requests ORDER BY requested_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "listing approval requests", err)
	}
	out := make([]models.ApprovalRequest, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (p *Postgres) PendingApprovalRequests(ctx context.Context) ([]models.ApprovalRequest, error) {
	var rows []approvalRequestRow
	err := p.db.SelectContext(ctx, &rows, `SELECT id, job_id, requested_by, triggers, required_approvers, current_approvals, status, requested_at, timeout_mins, expires_at FROM approval_requests WHERE status = 'pending'`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "loading pending approval requests", err)
	}
	out := make([]models.ApprovalRequest, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// -- audit --

func (p *Postgres) InsertAuditLogEntry(ctx context.Context, entry models.AuditLogEntry) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, subject, action, resource_type, resource_id, source_ip, trace_id, request_id, result, occurred_at)
		VALUES (:id, :subject, :action, :resource_type, :resource_id, :source_ip, :trace_id, :request_id, :result, :occurred_at)
	`, entry)
	if err != nil {
		return apperr.Wrap(apperr.Database, "inserting audit log entry", err)
	}
	return nil
}

func (p *Postgres) QueryAuditLog(ctx context.Context, filter audit.Filter) ([]models.AuditLogEntry, error) {
	query := `SELECT id, subject, action, resource_type, resource_id, source_ip, trace_id, request_id, result, occurred_at FROM audit_logs WHERE 1=1`
	args := map[string]any{}
	if filter.Subject != uuid.Nil {
		query += ` AND subject = :subject`
		args["subject"] = filter.Subject
	}
	if filter.ResourceType != "" {
		query += ` AND resource_type = :resource_type`
		args["resource_type"] = filter.ResourceType
	}
	if filter.ActionPrefix != "" {
		query += ` AND action LIKE :action_prefix`
		args["action_prefix"] = filter.ActionPrefix + "%"
	}
	if filter.Result != "" {
		query += ` AND result = :result`
		args["result"] = string(filter.Result)
	}
	query += ` ORDER BY occurred_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	named, namedArgs, err := sqlx.Named(query, args)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "building audit query", err)
	}
	named = p.db.Rebind(named)

	var entries []models.AuditLogEntry
	if err := p.db.SelectContext(ctx, &entries, named, namedArgs...); err != nil {
		return nil, apperr.Wrap(apperr.Database, "querying audit log", err)
	}
	return entries, nil
}

// -- refresh tokens --

func (p *Postgres) InsertRefreshToken(ctx context.Context, token models.RefreshToken) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, token_hash, user_id, ip_address, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.TokenHash, token.UserID, token.IPAddress, token.ExpiresAt)
	if err != nil {
		return apperr.Wrap(apperr.Database, "inserting refresh token", err)
	}
	return nil
}

func (p *Postgres) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (models.RefreshToken, error) {
	var token models.RefreshToken
	err := p.db.GetContext(ctx, &token, `SELECT id, token_hash, user_id, ip_address, expires_at, revoked_at, replaced_by FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return models.RefreshToken{}, pgError(apperr.Database, "loading refresh token", err)
	}
	return token, nil
}

func (p *Postgres) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Database, "revoking refresh token", err)
	}
	return nil
}

func (p *Postgres) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return apperr.Wrap(apperr.Database, "revoking all refresh tokens", err)
	}
	return nil
}

func (p *Postgres) InsertLoginEvent(ctx context.Context, event models.LoginEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO login_events (id, user_id, username, success, source_ip, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.UserID, event.Username, event.Success, event.SourceIP, event.OccurredAt)
	if err != nil {
		return apperr.Wrap(apperr.Database, "inserting login event", err)
	}
	return nil
}
