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

package models

import (
	"time"

	"github.com/google/uuid"
)

// Trigger is one of the closed set of conditions that can gate a Job
// behind approval.
type Trigger string

const (
	TriggerProductionEnvironment Trigger = "production_environment"
	TriggerCriticalGroup         Trigger = "critical_group"
	TriggerHighRiskCommand       Trigger = "high_risk_command"
	TriggerTargetCountThreshold  Trigger = "target_count_threshold"
	TriggerCustomRule            Trigger = "custom_rule"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest. Approved,
// Rejected, Cancelled and Timeout are terminal and never revert.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalTimeout   ApprovalStatus = "timeout"
)

// IsTerminal reports whether the status never changes further.
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalCancelled, ApprovalTimeout:
		return true
	}
	return false
}

// ApprovalRequest gates a sensitive job behind a quorum of approvals.
type ApprovalRequest struct {
	ID                uuid.UUID      `json:"id"`
	JobID             *uuid.UUID     `json:"job_id,omitempty"`
	RequestedBy       uuid.UUID      `json:"requested_by"`
	Triggers          []Trigger      `json:"triggers"`
	RequiredApprovers int            `json:"required_approvers"`
	CurrentApprovals  int            `json:"current_approvals"`
	Status            ApprovalStatus `json:"status"`
	RequestedAt       time.Time      `json:"requested_at"`
	TimeoutMins       int            `json:"timeout_mins"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
}

// Decision is an approver's vote on an ApprovalRecord.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalRecord is one approver's decision on an ApprovalRequest.
type ApprovalRecord struct {
	ID         uuid.UUID `json:"id" db:"id"`
	RequestID  uuid.UUID `json:"request_id" db:"request_id"`
	ApproverID uuid.UUID `json:"approver_id" db:"approver_id"`
	Decision   Decision  `json:"decision" db:"decision"`
	Comment    string    `json:"comment,omitempty" db:"comment"`
	DecidedAt  time.Time `json:"decided_at" db:"decided_at"`
}

// ApprovalGroup resolves required-approver counts for requests matching
// no explicit override; highest Priority wins, ties broken by creation
// time.
type ApprovalGroup struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	Priority          int       `json:"priority" db:"priority"`
	RequiredApprovers int       `json:"required_approvers" db:"required_approvers"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
