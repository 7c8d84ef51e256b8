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
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/auth"
	"github.com/opsctl/fleet/internal/models"
	"github.com/opsctl/fleet/internal/ratelimit"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// handleLogin verifies credentials and issues a token pair, recording a
// LoginEvent and an audit entry on both outcomes.
func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid login request", err))
		return
	}

	ip := ratelimit.ClientIP(r, s.TrustProxy)
	ctx := r.Context()

	user, err := s.Repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		s.recordLoginFailure(ctx, nil, req.Username, ip)
		writeError(w, r, apperr.New(apperr.Unauthorized, "invalid username or password"))
		return
	}
	if user.IsLocked(s.now()) {
		s.recordLoginFailure(ctx, &user.ID, req.Username, ip)
		writeError(w, r, apperr.New(apperr.Forbidden, "account is locked"))
		return
	}
	if !auth.VerifyPassword(user.PasswordHash, req.Password) {
		s.recordLoginFailure(ctx, &user.ID, req.Username, ip)
		writeError(w, r, apperr.New(apperr.Unauthorized, "invalid username or password"))
		return
	}

	accessToken, refreshToken, err := s.Sessions.Issue(ctx, user.ID, ip)
	if err != nil {
		writeError(w, r, err)
		return
	}

	_ = s.Repo.InsertLoginEvent(ctx, models.LoginEvent{
		ID:         uuid.New(),
		UserID:     &user.ID,
		Username:   req.Username,
		Success:    true,
		SourceIP:   ip,
		OccurredAt: s.now(),
	})
	s.Audit.Record(user.ID, "auth.login", "user", user.ID.String(), models.AuditSuccess, ip, nil)

	writeJSON(w, http.StatusOK, tokenPairResponse{AccessToken: accessToken, RefreshToken: refreshToken})
}

func (s *apiServer) recordLoginFailure(ctx context.Context, userID *uuid.UUID, username, ip string) {
	_ = s.Repo.InsertLoginEvent(ctx, models.LoginEvent{
		ID:         uuid.New(),
		UserID:     userID,
		Username:   username,
		Success:    false,
		SourceIP:   ip,
		OccurredAt: s.now(),
	})
	subject, resourceID := uuid.Nil, ""
	if userID != nil {
		subject, resourceID = *userID, userID.String()
	}
	s.Audit.Record(subject, "auth.login", "user", resourceID, models.AuditFailure, ip, nil)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *apiServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid refresh request", err))
		return
	}

	ip := ratelimit.ClientIP(r, s.TrustProxy)
	accessToken, refreshToken, err := s.Sessions.Rotate(r.Context(), req.RefreshToken, ip)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse{AccessToken: accessToken, RefreshToken: refreshToken})
}

func (s *apiServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Sessions.Revoke(r.Context(), req.RefreshToken); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *apiServer) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if err := s.Sessions.RevokeAll(r.Context(), user.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.Audit.Record(user.ID, "auth.logout_all", "user", user.ID.String(), models.AuditSuccess, ratelimit.ClientIP(r, s.TrustProxy), nil)
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *apiServer) handleMe(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, user)
}
