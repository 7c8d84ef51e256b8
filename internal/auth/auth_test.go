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

package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/models"
)

func TestHashPasswordRoundTrips(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !VerifyPassword(hash, "correct horse battery staple") {
		t.Fatal("expected verification of the original password to succeed")
	}
	if VerifyPassword(hash, "wrong password") {
		t.Fatal("expected verification of a wrong password to fail")
	}
}

func TestHashPasswordSaltsEachCall(t *testing.T) {
	h1, _ := HashPassword("same password")
	h2, _ := HashPassword("same password")
	if h1 == h2 {
		t.Fatal("expected distinct salts to produce distinct encoded hashes")
	}
}

func TestTokenIssuerRejectsWrongKind(t *testing.T) {
	issuer := NewTokenIssuer("a-secret-at-least-32-bytes-long!!", time.Minute, time.Hour)
	userID := uuid.New()

	access, err := issuer.IssueAccessToken(userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := issuer.Verify(access, TokenRefresh); err == nil {
		t.Fatal("expected an access token presented as a refresh token to be rejected")
	}

	claims, err := issuer.Verify(access, TokenAccess)
	if err != nil {
		t.Fatalf("unexpected error verifying as access: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected user id %v, got %v", userID, claims.UserID)
	}
}

func TestTokenIssuerRejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer("a-secret-at-least-32-bytes-long!!", time.Millisecond, time.Hour)
	token, err := issuer.IssueAccessToken(uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := issuer.Verify(token, TokenAccess); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

type fakeRefreshRepo struct {
	mu       sync.Mutex
	byHash   map[string]models.RefreshToken
}

func newFakeRefreshRepo() *fakeRefreshRepo {
	return &fakeRefreshRepo{byHash: map[string]models.RefreshToken{}}
}

func (f *fakeRefreshRepo) InsertRefreshToken(_ context.Context, token models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHash[token.TokenHash] = token
	return nil
}

func (f *fakeRefreshRepo) GetRefreshTokenByHash(_ context.Context, tokenHash string) (models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byHash[tokenHash]
	if !ok {
		return models.RefreshToken{}, apperr.New(apperr.NotFound, "refresh token not found")
	}
	return t, nil
}

func (f *fakeRefreshRepo) RevokeRefreshToken(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, t := range f.byHash {
		if t.ID == id {
			now := time.Now()
			t.RevokedAt = &now
			f.byHash[hash] = t
		}
	}
	return nil
}

func (f *fakeRefreshRepo) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for hash, t := range f.byHash {
		if t.UserID == userID {
			t.RevokedAt = &now
			f.byHash[hash] = t
		}
	}
	return nil
}

func TestSessionsRotateRevokesThePresentedToken(t *testing.T) {
	issuer := NewTokenIssuer("a-secret-at-least-32-bytes-long!!", time.Minute, time.Hour)
	repo := newFakeRefreshRepo()
	sessions := NewSessions(issuer, repo, time.Hour)

	userID := uuid.New()
	_, refreshToken, err := sessions.Issue(context.Background(), userID, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err = sessions.Rotate(context.Background(), refreshToken, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, err := sessions.Rotate(context.Background(), refreshToken, "10.0.0.1"); err == nil {
		t.Fatal("expected rotating an already-rotated refresh token to fail")
	}
}

func TestSessionsRotateRejectsAccessTokenPresentedAsRefresh(t *testing.T) {
	issuer := NewTokenIssuer("a-secret-at-least-32-bytes-long!!", time.Minute, time.Hour)
	repo := newFakeRefreshRepo()
	sessions := NewSessions(issuer, repo, time.Hour)

	accessToken, _, err := sessions.Issue(context.Background(), uuid.New(), "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, err := sessions.Rotate(context.Background(), accessToken, "10.0.0.1"); err == nil {
		t.Fatal("expected an access token presented as a refresh token to be rejected")
	}
}
