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

// Package approval implements the trigger evaluation and quorum
// engine gating sensitive jobs behind human sign-off.
// The background timeout sweep follows the same
// runnersHealthcheck ticker loop (core/server.go).
package approval

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/models"
)

// Repository persists approval requests, records and groups.
type Repository interface {
	InsertApprovalRequest(ctx context.Context, req models.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id uuid.UUID) (models.ApprovalRequest, error)
	UpdateApprovalRequest(ctx context.Context, req models.ApprovalRequest) error
	InsertApprovalRecord(ctx context.Context, rec models.ApprovalRecord) error
	ApprovalRecordsFor(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalRecord, error)
	ApprovalGroups(ctx context.Context) ([]models.ApprovalGroup, error)
	PendingApprovalRequests(ctx context.Context) ([]models.ApprovalRequest, error)
}

// Engine evaluates triggers and drives the approval state machine.
type Engine struct {
	repo Repository
	bus  *eventbus.Bus
	now  func() time.Time
}

// New constructs an Engine.
func New(repo Repository, bus *eventbus.Bus) *Engine {
	return &Engine{repo: repo, bus: bus, now: time.Now}
}

// TriggerContext carries the facts the evaluator checks against the
// closed trigger set.
type TriggerContext struct {
	Environment       string
	GroupIsCritical   bool
	HighRiskCommand   bool
	TargetCount       int
	TargetThreshold   int
	CustomRuleMatched bool
}

// Evaluate returns every Trigger that matches tc. Evaluation is
// disjunctive: any non-empty result means the job must be gated.
func Evaluate(tc TriggerContext) []models.Trigger {
	var triggers []models.Trigger
	if tc.Environment == "production" {
		triggers = append(triggers, models.TriggerProductionEnvironment)
	}
	if tc.GroupIsCritical {
		triggers = append(triggers, models.TriggerCriticalGroup)
	}
	if tc.HighRiskCommand {
		triggers = append(triggers, models.TriggerHighRiskCommand)
	}
	if tc.TargetThreshold > 0 && tc.TargetCount >= tc.TargetThreshold {
		triggers = append(triggers, models.TriggerTargetCountThreshold)
	}
	if tc.CustomRuleMatched {
		triggers = append(triggers, models.TriggerCustomRule)
	}
	return triggers
}

// RequiredApprovers resolves the required-approver count for a request
// that didn't specify one explicitly: the best-matching ApprovalGroup,
// highest Priority wins, ties broken by earlier CreatedAt.
func RequiredApprovers(groups []models.ApprovalGroup) (int, bool) {
	if len(groups) == 0 {
		return 0, false
	}
	sorted := make([]models.ApprovalGroup, len(groups))
	copy(sorted, groups)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted[0].RequiredApprovers, true
}

// Request opens a new approval request for triggers, parking the
// referencing job until quorum or timeout.
func (e *Engine) Request(ctx context.Context, requestedBy uuid.UUID, jobID *uuid.UUID, triggers []models.Trigger, requiredApprovers, timeoutMins int) (models.ApprovalRequest, error) {
	if requiredApprovers <= 0 {
		groups, err := e.repo.ApprovalGroups(ctx)
		if err != nil {
			return models.ApprovalRequest{}, apperr.Wrap(apperr.Database, "listing approval groups", err)
		}
		resolved, ok := RequiredApprovers(groups)
		if !ok {
			resolved = 1
		}
		requiredApprovers = resolved
	}

	now := e.now()
	expires := now.Add(time.Duration(timeoutMins) * time.Minute)
	req := models.ApprovalRequest{
		ID:                uuid.New(),
		JobID:             jobID,
		RequestedBy:       requestedBy,
		Triggers:          triggers,
		RequiredApprovers: requiredApprovers,
		CurrentApprovals:  0,
		Status:            models.ApprovalPending,
		RequestedAt:       now,
		TimeoutMins:       timeoutMins,
		ExpiresAt:         &expires,
	}

	if err := e.repo.InsertApprovalRequest(ctx, req); err != nil {
		return models.ApprovalRequest{}, apperr.Wrap(apperr.Database, "inserting approval request", err)
	}
	return req, nil
}

// Decide records an approver's decision. A self-approval attempt is
// rejected with apperr.Forbidden; decisions on a terminal request are
// rejected with apperr.Conflict, preserving monotonicity.
func (e *Engine) Decide(ctx context.Context, requestID, approverID uuid.UUID, decision models.Decision, comment string) (models.ApprovalRequest, error) {
	req, err := e.repo.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return models.ApprovalRequest{}, apperr.Wrap(apperr.NotFound, "loading approval request", err)
	}
	if req.Status.IsTerminal() {
		return models.ApprovalRequest{}, apperr.New(apperr.Conflict, "approval request already resolved")
	}
	if req.RequestedBy == approverID {
		return models.ApprovalRequest{}, apperr.New(apperr.Forbidden, "an approver may not approve their own request")
	}

	record := models.ApprovalRecord{
		ID:         uuid.New(),
		RequestID:  requestID,
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  e.now(),
	}
	if err := e.repo.InsertApprovalRecord(ctx, record); err != nil {
		return models.ApprovalRequest{}, apperr.Wrap(apperr.Database, "inserting approval record", err)
	}

	switch decision {
	case models.DecisionReject:
		req.Status = models.ApprovalRejected
	case models.DecisionApprove:
		req.CurrentApprovals++
		if req.CurrentApprovals >= req.RequiredApprovers {
			req.Status = models.ApprovalApproved
		}
	}

	if err := e.repo.UpdateApprovalRequest(ctx, req); err != nil {
		return models.ApprovalRequest{}, apperr.Wrap(apperr.Database, "updating approval request", err)
	}

	if req.Status == models.ApprovalApproved {
		e.bus.Publish(eventbus.ApprovalsTopic, eventbus.Event{Type: "approval.approved", Payload: req})
	} else if req.Status == models.ApprovalRejected {
		e.bus.Publish(eventbus.ApprovalsTopic, eventbus.Event{Type: "approval.rejected", Payload: req})
	}

	return req, nil
}

// Cancel transitions a Pending request to Cancelled. Valid only from
// Pending, and only for the original requester.
func (e *Engine) Cancel(ctx context.Context, requestID, requesterID uuid.UUID) (models.ApprovalRequest, error) {
	req, err := e.repo.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return models.ApprovalRequest{}, apperr.Wrap(apperr.NotFound, "loading approval request", err)
	}
	if req.Status != models.ApprovalPending {
		return models.ApprovalRequest{}, apperr.New(apperr.Conflict, "only a pending request may be cancelled")
	}
	if req.RequestedBy != requesterID {
		return models.ApprovalRequest{}, apperr.New(apperr.Forbidden, "only the requester may cancel")
	}

	req.Status = models.ApprovalCancelled
	if err := e.repo.UpdateApprovalRequest(ctx, req); err != nil {
		return models.ApprovalRequest{}, apperr.Wrap(apperr.Database, "updating approval request", err)
	}
	e.bus.Publish(eventbus.ApprovalsTopic, eventbus.Event{Type: "approval.cancelled", Payload: req})
	return req, nil
}

// sweepOnce flips every Pending request past its expiry to Timeout.
func (e *Engine) sweepOnce(ctx context.Context) {
	pending, err := e.repo.PendingApprovalRequests(ctx)
	if err != nil {
		return
	}
	now := e.now()
	for _, req := range pending {
		if req.ExpiresAt == nil || req.ExpiresAt.After(now) {
			continue
		}
		req.Status = models.ApprovalTimeout
		if err := e.repo.UpdateApprovalRequest(ctx, req); err != nil {
			continue
		}
		e.bus.Publish(eventbus.ApprovalsTopic, eventbus.Event{Type: "approval.timeout", Payload: req})
	}
}

// RunTimeoutSweep runs sweepOnce on every tick until ctx is cancelled,
// ticker-plus-select shape as a runnersHealthcheck
// loop.
func (e *Engine) RunTimeoutSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}
