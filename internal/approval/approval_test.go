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

package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/models"
)

type fakeApprovalRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]models.ApprovalRequest
	records  map[uuid.UUID][]models.ApprovalRecord
	groups   []models.ApprovalGroup
}

func newFakeApprovalRepo() *fakeApprovalRepo {
	return &fakeApprovalRepo{
		requests: map[uuid.UUID]models.ApprovalRequest{},
		records:  map[uuid.UUID][]models.ApprovalRecord{},
	}
}

func (f *fakeApprovalRepo) InsertApprovalRequest(_ context.Context, req models.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.ID] = req
	return nil
}

func (f *fakeApprovalRepo) GetApprovalRequest(_ context.Context, id uuid.UUID) (models.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return models.ApprovalRequest{}, apperr.New(apperr.NotFound, "approval request not found")
	}
	return req, nil
}

func (f *fakeApprovalRepo) UpdateApprovalRequest(_ context.Context, req models.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.ID] = req
	return nil
}

func (f *fakeApprovalRepo) InsertApprovalRecord(_ context.Context, rec models.ApprovalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.RequestID] = append(f.records[rec.RequestID], rec)
	return nil
}

func (f *fakeApprovalRepo) ApprovalRecordsFor(_ context.Context, requestID uuid.UUID) ([]models.ApprovalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[requestID], nil
}

func (f *fakeApprovalRepo) ApprovalGroups(_ context.Context) ([]models.ApprovalGroup, error) {
	return f.groups, nil
}

func (f *fakeApprovalRepo) PendingApprovalRequests(_ context.Context) ([]models.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ApprovalRequest
	for _, r := range f.requests {
		if r.Status == models.ApprovalPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestEvaluateIsDisjunctive(t *testing.T) {
	triggers := Evaluate(TriggerContext{Environment: "production", TargetCount: 1, TargetThreshold: 0})
	if len(triggers) != 1 || triggers[0] != models.TriggerProductionEnvironment {
		t.Fatalf("expected single production trigger, got %v", triggers)
	}

	none := Evaluate(TriggerContext{Environment: "dev"})
	if len(none) != 0 {
		t.Fatalf("expected no triggers, got %v", none)
	}
}

func TestRequiredApproversPicksHighestPriorityTieBrokenByCreatedAt(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	groups := []models.ApprovalGroup{
		{ID: uuid.New(), Priority: 5, RequiredApprovers: 2, CreatedAt: newer},
		{ID: uuid.New(), Priority: 5, RequiredApprovers: 3, CreatedAt: older},
		{ID: uuid.New(), Priority: 1, RequiredApprovers: 9, CreatedAt: older},
	}
	n, ok := RequiredApprovers(groups)
	if !ok {
		t.Fatal("expected a resolved group")
	}
	if n != 3 {
		t.Fatalf("expected tie broken by earlier CreatedAt (3 approvers), got %d", n)
	}
}

func TestDecideApprovesOnQuorum(t *testing.T) {
	repo := newFakeApprovalRepo()
	bus := eventbus.New(10)
	e := New(repo, bus)

	requester := uuid.New()
	req, err := e.Request(context.Background(), requester, nil, []models.Trigger{models.TriggerProductionEnvironment}, 2, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	approver1 := uuid.New()
	updated, err := e.Decide(context.Background(), req.ID, approver1, models.DecisionApprove, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != models.ApprovalPending {
		t.Fatalf("expected still pending after first approval, got %s", updated.Status)
	}

	approver2 := uuid.New()
	updated, err = e.Decide(context.Background(), req.ID, approver2, models.DecisionApprove, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != models.ApprovalApproved {
		t.Fatalf("expected approved after quorum met, got %s", updated.Status)
	}
	if updated.CurrentApprovals != 2 {
		t.Fatalf("expected current_approvals=2, got %d", updated.CurrentApprovals)
	}
}

func TestDecideRejectsImmediately(t *testing.T) {
	repo := newFakeApprovalRepo()
	bus := eventbus.New(10)
	e := New(repo, bus)

	requester := uuid.New()
	req, _ := e.Request(context.Background(), requester, nil, nil, 3, 30)

	updated, err := e.Decide(context.Background(), req.ID, uuid.New(), models.DecisionReject, "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != models.ApprovalRejected {
		t.Fatalf("expected rejected, got %s", updated.Status)
	}
}

func TestDecideRejectsSelfApproval(t *testing.T) {
	repo := newFakeApprovalRepo()
	bus := eventbus.New(10)
	e := New(repo, bus)

	requester := uuid.New()
	req, _ := e.Request(context.Background(), requester, nil, nil, 1, 30)

	_, err := e.Decide(context.Background(), req.ID, requester, models.DecisionApprove, "")
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Forbidden {
		t.Fatalf("expected apperr.Forbidden for self-approval, got %v", err)
	}
}

func TestDecideRejectsOnTerminalRequest(t *testing.T) {
	repo := newFakeApprovalRepo()
	bus := eventbus.New(10)
	e := New(repo, bus)

	requester := uuid.New()
	req, _ := e.Request(context.Background(), requester, nil, nil, 1, 30)
	_, _ = e.Decide(context.Background(), req.ID, uuid.New(), models.DecisionApprove, "")

	_, err := e.Decide(context.Background(), req.ID, uuid.New(), models.DecisionApprove, "")
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Conflict {
		t.Fatalf("expected apperr.Conflict on a terminal request, got %v", err)
	}
}

func TestCancelOnlyValidFromPendingByRequester(t *testing.T) {
	repo := newFakeApprovalRepo()
	bus := eventbus.New(10)
	e := New(repo, bus)

	requester := uuid.New()
	req, _ := e.Request(context.Background(), requester, nil, nil, 1, 30)

	_, err := e.Cancel(context.Background(), req.ID, uuid.New())
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Forbidden {
		t.Fatalf("expected forbidden for non-requester cancel, got %v", err)
	}

	updated, err := e.Cancel(context.Background(), req.ID, requester)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != models.ApprovalCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
}

func TestSweepFlipsExpiredPendingToTimeout(t *testing.T) {
	repo := newFakeApprovalRepo()
	bus := eventbus.New(10)
	e := New(repo, bus)
	e.now = func() time.Time { return time.Now() }

	requester := uuid.New()
	req, _ := e.Request(context.Background(), requester, nil, nil, 1, 30)

	e.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	e.sweepOnce(context.Background())

	updated, _ := repo.GetApprovalRequest(context.Background(), req.ID)
	if updated.Status != models.ApprovalTimeout {
		t.Fatalf("expected timeout after expiry, got %s", updated.Status)
	}
}
