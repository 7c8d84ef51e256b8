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

package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/models"
)

type fakeRepo struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
}

func (f *fakeRepo) InsertAuditLogEntry(_ context.Context, entry models.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeRepo) QueryAuditLog(_ context.Context, filter Filter) ([]models.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AuditLogEntry
	for _, e := range f.entries {
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeRepo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestRecordPersistsEntryThroughSink(t *testing.T) {
	repo := &fakeRepo{}
	sink := NewSink(repo, 8)

	subject := uuid.New()
	sink.Record(subject, "job.create", "job", "job-1", models.AuditSuccess, "10.0.0.1", nil)
	sink.Close()

	if repo.len() != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", repo.len())
	}
	if repo.entries[0].Subject != subject {
		t.Fatalf("expected subject %v, got %v", subject, repo.entries[0].Subject)
	}
	if repo.entries[0].RequestID == uuid.Nil {
		t.Fatal("expected a synthesized request id")
	}
}

func TestRecordDropsWhenBufferFull(t *testing.T) {
	repo := &fakeRepo{}
	sink := &Sink{repo: repo, entries: make(chan models.AuditLogEntry, 1), now: time.Now, done: make(chan struct{})}
	close(sink.done)

	sink.entries <- models.AuditLogEntry{}
	sink.Record(uuid.New(), "job.create", "job", "job-1", models.AuditSuccess, "10.0.0.1", nil)

	if len(sink.entries) != 1 {
		t.Fatalf("expected buffer to stay at capacity 1 after drop, got %d", len(sink.entries))
	}
}

func TestQueryFiltersByResourceType(t *testing.T) {
	repo := &fakeRepo{}
	sink := NewSink(repo, 8)

	sink.Record(uuid.New(), "job.create", "job", "job-1", models.AuditSuccess, "10.0.0.1", nil)
	sink.Record(uuid.New(), "host.update", "host", "host-1", models.AuditSuccess, "10.0.0.1", nil)
	sink.Close()

	results, err := sink.Query(context.Background(), Filter{ResourceType: "host"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].ResourceType != "host" {
		t.Fatalf("expected 1 host entry, got %+v", results)
	}
}
