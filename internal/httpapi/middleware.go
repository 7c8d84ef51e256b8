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
	"strings"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/auth"
	"github.com/opsctl/fleet/internal/models"
	"github.com/opsctl/fleet/internal/ratelimit"
)

type ctxKey int

const userCtxKey ctxKey = iota

// userFromContext returns the authenticated user a prior middleware
// attached to the request, panicking if none is present -- a handler
// wired behind requireAuth can always assume this succeeds.
func userFromContext(ctx context.Context) models.User {
	u, ok := ctx.Value(userCtxKey).(models.User)
	if !ok {
		panic("httpapi: userFromContext called without requireAuth")
	}
	return u
}

// requireAuth verifies the bearer access token and loads the owning
// user, attaching it to the request context for downstream handlers
// and authz checks.
func (s *apiServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeError(w, r, apperr.New(apperr.Unauthorized, "missing bearer token"))
			return
		}

		claims, err := s.Tokens.Verify(token, auth.TokenAccess)
		if err != nil {
			writeError(w, r, apperr.Wrap(apperr.Unauthorized, "invalid access token", err))
			return
		}

		user, err := s.Repo.GetUser(r.Context(), claims.UserID)
		if err != nil {
			writeError(w, r, apperr.Wrap(apperr.Unauthorized, "user not found", err))
			return
		}
		if user.IsLocked(s.now()) {
			writeError(w, r, apperr.New(apperr.Forbidden, "account is locked"))
			return
		}

		ctx := context.WithValue(r.Context(), userCtxKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit admits requests per-IP under limiter, keyed by whether the
// deployment trusts its upstream proxy's forwarding headers.
func rateLimit(limiter *ratelimit.Limiter, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ratelimit.ClientIP(r, trustProxy)
			if !limiter.Allow(ip) {
				writeError(w, r, apperr.New(apperr.RateLimitExceeded, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
