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
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/models"
)

const resourceApproval = "approval"

type createApprovalRequest struct {
	JobID             *string  `json:"job_id,omitempty"`
	Triggers          []string `json:"triggers" validate:"required,min=1"`
	RequiredApprovers int      `json:"required_approvers,omitempty"`
	TimeoutMins       int      `json:"timeout_mins" validate:"required"`
}

func (s *apiServer) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeOrNotFound(w, r, resourceApproval, "create", nil) {
		return
	}
	var req createApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid approval request", err))
		return
	}

	var jobID *uuid.UUID
	if req.JobID != nil {
		parsed, err := uuid.Parse(*req.JobID)
		if err != nil {
			writeError(w, r, apperr.New(apperr.BadRequest, "invalid job_id"))
			return
		}
		jobID = &parsed
	}

	triggers := make([]models.Trigger, len(req.Triggers))
	for i, t := range req.Triggers {
		triggers[i] = models.Trigger(t)
	}

	user := userFromContext(r.Context())
	approvalReq, err := s.Approvals.Request(r.Context(), user.ID, jobID, triggers, req.RequiredApprovers, req.TimeoutMins)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, approvalReq)
}

func (s *apiServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeOrNotFound(w, r, resourceApproval, "list", nil) {
		return
	}
	list, err := s.Repo.ListApprovalRequests(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceApproval, "read", nil) {
		return
	}
	req, err := s.Repo.GetApprovalRequest(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := s.Repo.ApprovalRecordsFor(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		models.ApprovalRequest
		Records []models.ApprovalRecord `json:"records"`
	}{ApprovalRequest: req, Records: records})
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Comment  string `json:"comment,omitempty"`
}

func (s *apiServer) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceApproval, "decide", nil) {
		return
	}

	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.BadRequest, "invalid decision request", err))
		return
	}

	// Decide only records the decision and, on quorum, publishes
	// approval.approved; jobs.Service.Run (subscribed to that topic)
	// picks it up and dispatches the parked job asynchronously.
	user := userFromContext(r.Context())
	updated, err := s.Approvals.Decide(r.Context(), id, user.ID, models.Decision(req.Decision), req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *apiServer) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeOrNotFound(w, r, resourceApproval, "cancel", nil) {
		return
	}
	user := userFromContext(r.Context())
	updated, err := s.Approvals.Cancel(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *apiServer) handleApprovalsEvents(w http.ResponseWriter, r *http.Request) {
	s.Bus.ServeSSE(w, r, eventbus.ApprovalsTopic)
}
