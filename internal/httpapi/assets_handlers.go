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

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/models"
)

const (
	resourceAssetGroup = "asset_group"
	resourceHost       = "host"
)

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.UUID{}, apperr.New(apperr.BadRequest, "invalid id in path")
	}
	return id, nil
}

// authorizeOrNotFound collapses a denied authorization check into a
// plain not-found response so a caller can't distinguish "forbidden"
// from "doesn't exist"; the true outcome is still audited separately.
func (s *apiServer) authorizeOrNotFound(w http.ResponseWriter, r *http.Request, resource, action string, scope *models.Scope) bool {
	user := userFromContext(r.Context())
	allowed, err := s.Authz.AllowedOrNotFound(r.Context(), user, resource, action, scope)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !allowed {
		s.Audit.Record(user.ID, resource+"."+action, resource, "", models.AuditFailure, "", nil)
		writeError(w, r, apperr.New(apperr.NotFound, "resource not found"))
		return false
	}
	return true
}

func groupScope(id uuid.UUID) *models.Scope {
	return &models.Scope{Type: models.ScopeGroup, Value: id.String()}
}

type createAssetGroupRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *apiServer) handleListAssetGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	allowed, global, err := s.Authz.FilterByScope(ctx, user, models.ScopeGroup)
	if err != nil {
		writeError(w, r, err)
		return
	}

	groups, err := s.Repo.ListAssetGroups(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if global {
		writeJSON(w, http.StatusOK, groups)
		return
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, v := range allowed {
		allowedSet[v] = struct{}{}
	}
	filtered := make([]models.AssetGroup, 0, len(groups))
	for _, g := range groups {
		if _, ok := allowedSet[g.ID.String()]; ok {
			filtered = append(filtered, g)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *apiServer) handleCreateAssetGroup(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeOrNotFound(w, r, resourceAssetGroup, "create", nil) {
		return
	}
	var req createAssetGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid asset group request", err))
		return
	}

	user := userFromContext(r.Context())
	group := models.AssetGroup{ID: uuid.New(), Name: req.Name, CreatedAt: s.now()}
	if err := s.Repo.InsertAssetGroup(r.Context(), group); err != nil {
		writeError(w, r, err)
		return
	}
	s.Audit.Record(user.ID, "asset_group.create", resourceAssetGroup, group.ID.String(), models.AuditSuccess, "", map[string]any{"name": group.Name})
	writeJSON(w, http.StatusCreated, group)
}

func (s *apiServer) handleGetAssetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceAssetGroup, "read", groupScope(id)) {
		return
	}
	group, err := s.Repo.GetAssetGroup(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *apiServer) handleUpdateAssetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceAssetGroup, "update", groupScope(id)) {
		return
	}
	var req createAssetGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid asset group request", err))
		return
	}

	group, err := s.Repo.GetAssetGroup(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	group.Name = req.Name
	if err := s.Repo.InsertAssetGroup(r.Context(), group); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *apiServer) handleDeleteAssetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceAssetGroup, "delete", groupScope(id)) {
		return
	}
	user := userFromContext(r.Context())
	if err := s.Repo.DeleteAssetGroup(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.Audit.Record(user.ID, "asset_group.delete", resourceAssetGroup, id.String(), models.AuditSuccess, "", nil)
	writeJSON(w, http.StatusNoContent, nil)
}

type hostRequest struct {
	GroupID       uuid.UUID            `json:"group_id" validate:"required"`
	Environment   string               `json:"environment" validate:"required"`
	Name          string               `json:"name" validate:"required"`
	Address       string               `json:"address" validate:"required"`
	SSHUser       string               `json:"ssh_user" validate:"required"`
	SSHCredential string               `json:"ssh_credential" validate:"required"`
	HostKeyPolicy models.HostKeyPolicy `json:"host_key_policy" validate:"required"`
}

type updateHostRequest struct {
	hostRequest
	Version int `json:"version" validate:"required"`
}

func (s *apiServer) handleListHosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	allowed, global, err := s.Authz.FilterByScope(ctx, user, models.ScopeGroup)
	if err != nil {
		writeError(w, r, err)
		return
	}

	hosts, err := s.Repo.ListHosts(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if global {
		writeJSON(w, http.StatusOK, hosts)
		return
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, v := range allowed {
		allowedSet[v] = struct{}{}
	}
	filtered := make([]models.Host, 0, len(hosts))
	for _, h := range hosts {
		if _, ok := allowedSet[h.GroupID.String()]; ok {
			filtered = append(filtered, h)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *apiServer) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid host request", err))
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceHost, "create", groupScope(req.GroupID)) {
		return
	}

	user := userFromContext(r.Context())
	now := s.now()
	host := models.Host{
		ID:            uuid.New(),
		GroupID:       req.GroupID,
		Environment:   req.Environment,
		Name:          req.Name,
		Address:       req.Address,
		SSHUser:       req.SSHUser,
		SSHCredential: req.SSHCredential,
		HostKeyPolicy: req.HostKeyPolicy,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Repo.InsertHost(r.Context(), host); err != nil {
		writeError(w, r, err)
		return
	}
	s.Audit.Record(user.ID, "host.create", resourceHost, host.ID.String(), models.AuditSuccess, "", map[string]any{"name": host.Name})
	writeJSON(w, http.StatusCreated, host)
}

func (s *apiServer) handleGetHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	host, err := s.Repo.GetHost(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceHost, "read", groupScope(host.GroupID)) {
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *apiServer) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateHostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid host update request", err))
		return
	}

	existing, err := s.Repo.GetHost(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceHost, "update", groupScope(existing.GroupID)) {
		return
	}

	updated := existing
	updated.GroupID = req.GroupID
	updated.Environment = req.Environment
	updated.Name = req.Name
	updated.Address = req.Address
	updated.SSHUser = req.SSHUser
	updated.SSHCredential = req.SSHCredential
	updated.HostKeyPolicy = req.HostKeyPolicy
	updated.Version = req.Version
	updated.UpdatedAt = s.now()

	if err := s.Repo.UpdateHost(r.Context(), updated); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *apiServer) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	host, err := s.Repo.GetHost(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceHost, "delete", groupScope(host.GroupID)) {
		return
	}
	user := userFromContext(r.Context())
	if err := s.Repo.DeleteHost(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.Audit.Record(user.ID, "host.delete", resourceHost, id.String(), models.AuditSuccess, "", nil)
	writeJSON(w, http.StatusNoContent, nil)
}
