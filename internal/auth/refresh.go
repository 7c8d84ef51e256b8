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
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/models"
)

// RefreshRepository persists refresh-token records.
type RefreshRepository interface {
	InsertRefreshToken(ctx context.Context, token models.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}

// Sessions drives refresh-token issuance and rotation on top of a
// TokenIssuer and a RefreshRepository.
type Sessions struct {
	issuer *TokenIssuer
	repo   RefreshRepository
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions constructs a Sessions manager.
func NewSessions(issuer *TokenIssuer, repo RefreshRepository, ttl time.Duration) *Sessions {
	return &Sessions{issuer: issuer, repo: repo, ttl: ttl, now: time.Now}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue mints a fresh access/refresh token pair for userID and persists
// the refresh token's hash (never the raw token) for later rotation.
func (s *Sessions) Issue(ctx context.Context, userID uuid.UUID, ipAddress string) (accessToken, refreshToken string, err error) {
	accessToken, err = s.issuer.IssueAccessToken(userID)
	if err != nil {
		return "", "", err
	}
	refreshToken, err = s.issuer.IssueRefreshToken(userID)
	if err != nil {
		return "", "", err
	}

	now := s.now()
	record := models.RefreshToken{
		ID:        uuid.New(),
		TokenHash: hashToken(refreshToken),
		UserID:    userID,
		IPAddress: ipAddress,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.repo.InsertRefreshToken(ctx, record); err != nil {
		return "", "", apperr.Wrap(apperr.Database, "inserting refresh token", err)
	}
	return accessToken, refreshToken, nil
}

// Rotate exchanges a still-usable refresh token for a new access/refresh
// pair and revokes the presented token. The revoked record's ReplacedBy
// is not set. A revoked or expired refresh token, or a token that fails
// verification as a refresh token, is always rejected.
func (s *Sessions) Rotate(ctx context.Context, refreshToken, ipAddress string) (accessToken, newRefreshToken string, err error) {
	claims, err := s.issuer.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return "", "", apperr.Wrap(apperr.Unauthorized, "invalid refresh token", err)
	}

	record, err := s.repo.GetRefreshTokenByHash(ctx, hashToken(refreshToken))
	if err != nil {
		return "", "", apperr.Wrap(apperr.Unauthorized, "refresh token not recognized", err)
	}
	if !record.Usable(s.now()) {
		return "", "", apperr.New(apperr.Unauthorized, "refresh token is revoked or expired")
	}

	accessToken, newRefreshToken, err = s.Issue(ctx, claims.UserID, ipAddress)
	if err != nil {
		return "", "", err
	}
	if err := s.repo.RevokeRefreshToken(ctx, record.ID); err != nil {
		return "", "", apperr.Wrap(apperr.Database, "revoking rotated refresh token", err)
	}
	return accessToken, newRefreshToken, nil
}

// Revoke invalidates a single refresh token (logout). An already-revoked
// or unrecognized token is treated as a no-op rather than an error,
// since the caller's goal (the token no longer works) already holds.
func (s *Sessions) Revoke(ctx context.Context, refreshToken string) error {
	record, err := s.repo.GetRefreshTokenByHash(ctx, hashToken(refreshToken))
	if err != nil {
		return nil
	}
	if err := s.repo.RevokeRefreshToken(ctx, record.ID); err != nil {
		return apperr.Wrap(apperr.Database, "revoking refresh token", err)
	}
	return nil
}

// RevokeAll invalidates every refresh token for userID (logout-all).
func (s *Sessions) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.RevokeAllForUser(ctx, userID); err != nil {
		return apperr.Wrap(apperr.Database, "revoking all refresh tokens", err)
	}
	return nil
}
