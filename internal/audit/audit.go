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

// Package audit provides the append-only audit log sink.
// Writes are fire-and-forget over a bounded channel drained by a
// single background goroutine, the same drain-on-a-goroutine shape as
// AmqpQueue producer/consumer split in agent/message_queue.go,
// collapsed here to an in-process channel since durability is the
// repository's job, not the sink's.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/logging"
	"github.com/opsctl/fleet/internal/models"
)

var auditLog = logging.WithComponent("audit")

// Repository persists and queries audit log entries.
type Repository interface {
	InsertAuditLogEntry(ctx context.Context, entry models.AuditLogEntry) error
	QueryAuditLog(ctx context.Context, filter Filter) ([]models.AuditLogEntry, error)
}

// Filter narrows a QueryAuditLog call. Zero-value fields are
// unconstrained.
type Filter struct {
	Subject        uuid.UUID
	ResourceType   string
	ResourceID     string
	ActionPrefix   string
	Result         models.AuditResult
	TraceID        string
	OccurredAfter  time.Time
	OccurredBefore time.Time
	Limit          int
}

// Sink buffers audit entries and writes them out on a background
// goroutine so that callers on the request/command path never block
// on a slow audit write. Entries dropped because the buffer is full
// are logged, never silently discarded; no drop counter is kept.
type Sink struct {
	repo    Repository
	entries chan models.AuditLogEntry
	now     func() time.Time
	done    chan struct{}
}

// NewSink constructs a Sink with the given buffer depth and starts its
// drain goroutine. Call Close to stop it.
func NewSink(repo Repository, bufferSize int) *Sink {
	s := &Sink{
		repo:    repo,
		entries: make(chan models.AuditLogEntry, bufferSize),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *Sink) drain() {
	defer close(s.done)
	for entry := range s.entries {
		if err := s.repo.InsertAuditLogEntry(context.Background(), entry); err != nil {
			auditLog.Error().Err(err).
				Str("action", entry.Action).
				Str("resource_type", entry.ResourceType).
				Msg("audit write failed")
		}
	}
}

// Close stops accepting new entries and waits for the drain goroutine
// to flush whatever is already buffered.
func (s *Sink) Close() {
	close(s.entries)
	<-s.done
}

// Record synthesizes a request id and timestamp and enqueues the entry
// for best-effort persistence. It never blocks the caller on I/O: if
// the buffer is full the entry is dropped and logged, a deliberate open
// question recommendation of best-effort audit over blocking writes.
func (s *Sink) Record(subject uuid.UUID, action, resourceType, resourceID string, result models.AuditResult, sourceIP string, changes map[string]any) {
	entry := models.AuditLogEntry{
		ID:           uuid.New(),
		Subject:      subject,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Changes:      changes,
		SourceIP:     sourceIP,
		RequestID:    uuid.New(),
		Result:       result,
		OccurredAt:   s.now(),
	}

	select {
	case s.entries <- entry:
	default:
		auditLog.Warn().
			Str("action", action).
			Str("resource_type", resourceType).
			Str("resource_id", resourceID).
			Msg("audit buffer full, dropping entry")
	}
}

// Query delegates to the repository, applying the given filter.
func (s *Sink) Query(ctx context.Context, filter Filter) ([]models.AuditLogEntry, error) {
	return s.repo.QueryAuditLog(ctx, filter)
}
