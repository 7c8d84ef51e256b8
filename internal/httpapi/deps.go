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
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/approval"
	"github.com/opsctl/fleet/internal/audit"
	"github.com/opsctl/fleet/internal/auth"
	"github.com/opsctl/fleet/internal/authz"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/jobs"
	"github.com/opsctl/fleet/internal/models"
	"github.com/opsctl/fleet/internal/ratelimit"
)

// Repository is the slice of repository methods handlers call
// directly, beyond what jobs.Service and approval.Engine already wrap.
type Repository interface {
	GetUser(ctx context.Context, id uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	InsertLoginEvent(ctx context.Context, event models.LoginEvent) error

	ListAssetGroups(ctx context.Context) ([]models.AssetGroup, error)
	GetAssetGroup(ctx context.Context, id uuid.UUID) (models.AssetGroup, error)
	InsertAssetGroup(ctx context.Context, group models.AssetGroup) error
	DeleteAssetGroup(ctx context.Context, id uuid.UUID) error

	ListHosts(ctx context.Context) ([]models.Host, error)
	GetHost(ctx context.Context, id uuid.UUID) (models.Host, error)
	InsertHost(ctx context.Context, host models.Host) error
	UpdateHost(ctx context.Context, host models.Host) error
	DeleteHost(ctx context.Context, id uuid.UUID) error

	GetApprovalRequest(ctx context.Context, id uuid.UUID) (models.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context) ([]models.ApprovalRequest, error)
	ApprovalRecordsFor(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalRecord, error)
}

// Deps is every collaborator the router wires into handlers.
type Deps struct {
	Repo           Repository
	Tokens         *auth.TokenIssuer
	Sessions       *auth.Sessions
	Authz          *authz.Engine
	Audit          *audit.Sink
	Jobs           *jobs.Service
	Approvals      *approval.Engine
	Bus            *eventbus.Bus
	GeneralLimiter *ratelimit.Limiter
	LoginLimiter   *ratelimit.Limiter
	TrustProxy     bool
	AllowedOrigins []string
}

// apiServer closes over Deps for handler methods; its fields are a
// flattening of Deps for brevity at call sites.
type apiServer struct {
	Deps
	now func() time.Time
}

func newAPIServer(d Deps) *apiServer {
	return &apiServer{Deps: d, now: time.Now}
}
