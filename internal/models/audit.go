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

// AuditResult is the outcome of the audited action.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
)

// AuditLogEntry is one append-only audit record. Audit rows outlive
// every other entity and are never mutated.
type AuditLogEntry struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	Subject         uuid.UUID         `json:"subject" db:"subject"`
	Action          string            `json:"action" db:"action"`
	ResourceType    string            `json:"resource_type" db:"resource_type"`
	ResourceID      string            `json:"resource_id,omitempty" db:"resource_id"`
	Changes         map[string]any    `json:"changes,omitempty" db:"-"`
	ChangesSummary  string            `json:"changes_summary,omitempty" db:"changes_summary"`
	SourceIP        string            `json:"source_ip" db:"source_ip"`
	UserAgent       string            `json:"user_agent,omitempty" db:"user_agent"`
	TraceID         string            `json:"trace_id,omitempty" db:"trace_id"`
	RequestID       uuid.UUID         `json:"request_id" db:"request_id"`
	Result          AuditResult       `json:"result" db:"result"`
	OccurredAt      time.Time         `json:"occurred_at" db:"occurred_at"`
}

// RefreshToken is a durable, revocable refresh-token record.
type RefreshToken struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	TokenHash  string     `json:"token_hash" db:"token_hash"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	IPAddress  string     `json:"ip_address" db:"ip_address"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	ReplacedBy *uuid.UUID `json:"replaced_by,omitempty" db:"replaced_by"`
}

// Usable reports whether the token may still be exchanged for a new
// access token.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// LoginEvent records one authentication attempt, successful or not.
type LoginEvent struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	UserID     *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	Username   string     `json:"username" db:"username"`
	Success    bool       `json:"success" db:"success"`
	SourceIP   string     `json:"source_ip" db:"source_ip"`
	OccurredAt time.Time  `json:"occurred_at" db:"occurred_at"`
}
