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

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/approval"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/jobs"
	"github.com/opsctl/fleet/internal/models"
)

const resourceJob = "job"

// jobTriggerRequest carries the facts a caller supplies so the
// approval engine can evaluate triggers without re-deriving them from
// the asset catalog on every submission.
type jobTriggerRequest struct {
	Environment     string `json:"environment"`
	GroupIsCritical bool   `json:"group_is_critical"`
	HighRiskCommand bool   `json:"high_risk_command"`
	TargetThreshold int    `json:"target_count_threshold"`
	CustomRuleMatched bool `json:"custom_rule_matched"`
}

func (t jobTriggerRequest) toContext(targetCount int) approval.TriggerContext {
	return approval.TriggerContext{
		Environment:       t.Environment,
		GroupIsCritical:   t.GroupIsCritical,
		HighRiskCommand:   t.HighRiskCommand,
		TargetCount:       targetCount,
		TargetThreshold:   t.TargetThreshold,
		CustomRuleMatched: t.CustomRuleMatched,
	}
}

type createCommandRequest struct {
	TargetHosts  []uuid.UUID       `json:"target_hosts"`
	TargetGroups []uuid.UUID       `json:"target_groups"`
	Command      string            `json:"command" validate:"required"`
	TimeoutSecs  int               `json:"timeout_secs"`
	Env          map[string]string `json:"env,omitempty"`
	Trigger      jobTriggerRequest `json:"trigger"`
	TimeoutMins  int               `json:"approval_timeout_mins"`
}

func (s *apiServer) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid command request", err))
		return
	}
	if !s.authorizeJobCreate(w, r, req.TargetGroups) {
		return
	}

	user := userFromContext(r.Context())
	targetCount := len(req.TargetHosts) + len(req.TargetGroups)
	job, err := s.Jobs.Create(r.Context(), jobs.CreateRequest{
		Kind:         models.JobCommand,
		CreatedBy:    user.ID,
		TargetHosts:  req.TargetHosts,
		TargetGroups: req.TargetGroups,
		BuildType:    "command",
		Steps: []models.BuildStep{{
			ID:          uuid.NewString(),
			Name:        "command",
			Kind:        models.StepCommand,
			Command:     req.Command,
			Env:         req.Env,
			TimeoutSecs: req.TimeoutSecs,
		}},
		Trigger:     req.Trigger.toContext(targetCount),
		TimeoutMins: orDefault(req.TimeoutMins, 60),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

type createScriptRequest struct {
	TargetHosts  []uuid.UUID       `json:"target_hosts"`
	TargetGroups []uuid.UUID       `json:"target_groups"`
	Script       string            `json:"script" validate:"required"`
	WorkingDir   string            `json:"working_dir,omitempty"`
	TimeoutSecs  int               `json:"timeout_secs"`
	Env          map[string]string `json:"env,omitempty"`
	Trigger      jobTriggerRequest `json:"trigger"`
	TimeoutMins  int               `json:"approval_timeout_mins"`
}

func (s *apiServer) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var req createScriptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid script request", err))
		return
	}
	if !s.authorizeJobCreate(w, r, req.TargetGroups) {
		return
	}

	user := userFromContext(r.Context())
	targetCount := len(req.TargetHosts) + len(req.TargetGroups)
	job, err := s.Jobs.Create(r.Context(), jobs.CreateRequest{
		Kind:         models.JobScript,
		CreatedBy:    user.ID,
		TargetHosts:  req.TargetHosts,
		TargetGroups: req.TargetGroups,
		BuildType:    "script",
		Steps: []models.BuildStep{{
			ID:          uuid.NewString(),
			Name:        "script",
			Kind:        models.StepScript,
			Command:     req.Script,
			WorkingDir:  req.WorkingDir,
			Env:         req.Env,
			TimeoutSecs: req.TimeoutSecs,
		}},
		Trigger:     req.Trigger.toContext(targetCount),
		TimeoutMins: orDefault(req.TimeoutMins, 60),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// authorizeJobCreate checks creation authority against the first target
// group, matching jobs.Service.Create's own firstOrEmpty concurrency
// scoping: a multi-group job is authorized on its first group.
func (s *apiServer) authorizeJobCreate(w http.ResponseWriter, r *http.Request, groups []uuid.UUID) bool {
	var scope *models.Scope
	if len(groups) > 0 {
		scope = groupScope(groups[0])
	}
	return s.authorizeOrNotFound(w, r, resourceJob, "create", scope)
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	allowedGroups, global, err := s.Authz.FilterByScope(ctx, user, models.ScopeGroup)
	if err != nil {
		writeError(w, r, err)
		return
	}
	allowedEnvs, envGlobal, err := s.Authz.FilterByScope(ctx, user, models.ScopeEnvironment)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter := jobs.ListFilter{Limit: 100}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.JobStatus(status)
	}
	if !global {
		filter.AllowedGroups = allowedGroups
	}
	if !envGlobal {
		filter.AllowedEnvironments = allowedEnvs
	}

	list, err := s.Jobs.List(ctx, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceJob, "read", jobScope(job)) {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func jobScope(job models.Job) *models.Scope {
	if len(job.TargetGroups) > 0 {
		return groupScope(job.TargetGroups[0])
	}
	return nil
}

func (s *apiServer) handleJobTasks(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceJob, "read", jobScope(job)) {
		return
	}

	user := userFromContext(r.Context())
	hasOutputDetail, err := s.Authz.Check(r.Context(), user, resourceJob, "output_detail", jobScope(job))
	if err != nil {
		writeError(w, r, err)
		return
	}

	fullTasks, summaries, err := s.Jobs.Tasks(r.Context(), id, hasOutputDetail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hasOutputDetail {
		s.Audit.Record(user.ID, "job.output_view", resourceJob, id.String(), models.AuditSuccess, "", nil)
		writeJSON(w, http.StatusOK, fullTasks)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type cancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceJob, "cancel", jobScope(job)) {
		return
	}

	var req cancelJobRequest
	_ = decodeJSON(r, &req)

	user := userFromContext(r.Context())
	cancelled, err := s.Jobs.Cancel(r.Context(), id, user.ID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

type retryJobRequest struct {
	OnlyFailed bool `json:"only_failed"`
}

func (s *apiServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceJob, "retry", jobScope(job)) {
		return
	}

	req := retryJobRequest{OnlyFailed: true}
	_ = decodeJSON(r, &req)

	user := userFromContext(r.Context())
	retry, err := s.Jobs.Retry(r.Context(), id, user.ID, req.OnlyFailed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, retry)
}

func (s *apiServer) handleJobStatistics(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceJob, "read", jobScope(job)) {
		return
	}
	writeJSON(w, http.StatusOK, job.Statistics)
}

func (s *apiServer) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceJob, "read", jobScope(job)) {
		return
	}
	s.Bus.ServeSSE(w, r, eventbus.JobTopic(id.String()))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
