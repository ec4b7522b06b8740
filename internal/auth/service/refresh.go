package service

import (
	"context"
	"errors"
	"time"

	"taskbrew/internal/auth/device"
	"taskbrew/internal/auth/models"
	"taskbrew/internal/auth/secrets"
	"taskbrew/internal/platform/metrics"
	id "taskbrew/pkg/domain"
	dErrors "taskbrew/pkg/domain-errors"
	"taskbrew/pkg/platform/audit"
	"taskbrew/pkg/platform/sentinel"
	"taskbrew/pkg/requestcontext"
)

// Refresh redeems a refresh secret exactly once. The lineage keeps its ID and
// gets a fresh secret and expiry. Once the redemption runs, the presented
// secret is dead whether or not this call won.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (tokens *models.SessionTokens, err error) {
	ctx, span := s.startSpan(ctx, "Refresh")
	defer func() { endSpan(span, err) }()

	if refreshToken == "" {
		s.metrics.IncRefresh(metrics.OutcomeRejected)
		return nil, errInvalidRefresh
	}

	now := requestcontext.Now(ctx)
	secretHash := secrets.Hash(refreshToken)

	// Everything that can fail transiently runs before the redemption, so a
	// retryable error leaves the presented secret alive for the retry.
	current, err := s.refreshTokens.FindByHash(ctx, secretHash)
	if err != nil {
		return nil, s.rejectRefresh(ctx, err)
	}

	var (
		user        *models.User
		accessToken string
		accessExp   time.Time
	)
	if current.IsLive(now) {
		user, err = s.users.FindByID(ctx, current.UserID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, s.rejectRefresh(ctx, err)
			}
			s.metrics.IncRefresh(metrics.OutcomeUnavailable)
			return nil, storeError(err, "failed to load user")
		}
		accessToken, accessExp, err = s.signer.Sign(user.ID, user.Role)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign access token")
		}
	}

	newSecret, err := s.newRefreshSecret()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate refresh token")
	}
	newExpiresAt := now.Add(s.refreshTTL)

	// The redemption is authoritative: a record read as dead above fails here
	// with its real reason, and a concurrent winner makes this call lose.
	start := time.Now()
	rec, err := s.refreshTokens.RedeemAndRotate(ctx,
		secretHash,
		secrets.Hash(newSecret),
		newExpiresAt,
		now,
		device.MetaFromContext(ctx),
	)
	s.metrics.ObserveRotation(start)
	if err != nil {
		return nil, s.rejectRefresh(ctx, err)
	}
	if user == nil || rec.UserID != user.ID {
		s.metrics.IncRefresh(metrics.OutcomeUnavailable)
		return nil, dErrors.New(dErrors.CodeInternal, "failed to refresh session")
	}

	s.emitAudit(ctx, audit.ActionTokenRefreshed, user.ID, "", "")
	s.metrics.IncRefresh(metrics.OutcomeSuccess)

	return &models.SessionTokens{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     newSecret,
		RefreshExpiresAt: newExpiresAt,
	}, nil
}

// rejectRefresh collapses every redemption failure into one of two external
// answers: retryable outage, or the uniform invalid-token error. The internal
// reason goes to the audit trail only.
func (s *Service) rejectRefresh(ctx context.Context, err error) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		s.metrics.IncRefresh(metrics.OutcomeUnavailable)
		s.logger.ErrorContext(ctx, "refresh token store unavailable", "error", err)
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "service temporarily unavailable")
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		s.metrics.IncRefresh(metrics.OutcomeUnavailable)
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to refresh session")
	}

	reason := "unknown"
	switch {
	case errors.Is(err, sentinel.ErrExpired):
		reason = "expired"
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		reason = "revoked"
	}
	s.metrics.IncRefresh(metrics.OutcomeRejected)
	s.emitAudit(ctx, audit.ActionRefreshRejected, id.UserID{}, "", reason)
	return errInvalidRefresh
}

// Logout revokes the lineage behind refreshToken. It always succeeds from the
// caller's point of view: an unknown, already revoked or unreadable secret is
// the same as a successful logout, and store outages are only logged.
func (s *Service) Logout(ctx context.Context, refreshToken string) (err error) {
	ctx, span := s.startSpan(ctx, "Logout")
	defer func() { endSpan(span, err) }()

	s.metrics.IncLogout()
	if refreshToken == "" {
		return nil
	}

	revoked, err := s.refreshTokens.Revoke(ctx, secrets.Hash(refreshToken), requestcontext.Now(ctx))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to revoke refresh token on logout", "error", err)
		return nil
	}

	reason := "revoked"
	if !revoked {
		reason = "no_live_session"
	}
	s.emitAudit(ctx, audit.ActionLogout, requestcontext.UserID(ctx), "", reason)
	return nil
}
