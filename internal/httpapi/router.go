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
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsctl/fleet/internal/ratelimit"
)

// NewRouter assembles the control plane's chi.Router over deps.
func NewRouter(deps Deps) http.Handler {
	s := newAPIServer(deps)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(deps.TrustProxy))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(rateLimit(deps.GeneralLimiter, deps.TrustProxy))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.With(rateLimit(deps.LoginLimiter, deps.TrustProxy)).Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
		r.With(s.requireAuth).Post("/logout-all", s.handleLogoutAll)
		r.With(s.requireAuth).Get("/me", s.handleMe)
	})

	r.Route("/asset", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.handleListAssetGroups)
			r.Post("/", s.handleCreateAssetGroup)
			r.Get("/{id}", s.handleGetAssetGroup)
			r.Put("/{id}", s.handleUpdateAssetGroup)
			r.Delete("/{id}", s.handleDeleteAssetGroup)
		})
		r.Route("/hosts", func(r chi.Router) {
			r.Get("/", s.handleListHosts)
			r.Post("/", s.handleCreateHost)
			r.Get("/{id}", s.handleGetHost)
			r.Put("/{id}", s.handleUpdateHost)
			r.Delete("/{id}", s.handleDeleteHost)
		})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/command", s.handleCreateCommand)
		r.Post("/script", s.handleCreateScript)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/tasks", s.handleJobTasks)
		r.Get("/{id}/events", s.handleJobEvents)
		r.Get("/{id}/statistics", s.handleJobStatistics)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Post("/{id}/retry", s.handleRetryJob)
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/", s.handleCreateApproval)
		r.Get("/", s.handleListApprovals)
		r.Get("/events", s.handleApprovalsEvents)
		r.Get("/{id}", s.handleGetApproval)
		r.Post("/{id}/decision", s.handleApprovalDecision)
		r.Post("/{id}/cancel", s.handleCancelApproval)
	})

	return r
}

func requestLogger(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("client_ip", ratelimit.ClientIP(r, trustProxy)).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
