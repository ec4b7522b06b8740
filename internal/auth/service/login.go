package service

import (
	"context"
	"errors"

	"taskbrew/internal/auth/device"
	"taskbrew/internal/auth/models"
	"taskbrew/internal/platform/metrics"
	id "taskbrew/pkg/domain"
	"taskbrew/pkg/platform/audit"
	"taskbrew/pkg/platform/sentinel"
	"taskbrew/pkg/requestcontext"
)

// Login checks credentials, then the verification gate, and only then issues
// an access token and a new refresh lineage.
//
// Unknown email and wrong password produce the same error and cost the same
// bcrypt work. An unverified account with the right password gets 403, which
// confirms the account exists to someone who already knows the password.
func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (result *models.LoginResult, err error) {
	ctx, span := s.startSpan(ctx, "Login")
	defer func() { endSpan(span, err) }()

	req.Normalize()
	if err := req.Validate(); err != nil {
		s.metrics.IncLogin(metrics.OutcomeRejected)
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.IncLogin(metrics.OutcomeUnavailable)
			return nil, storeError(err, "failed to load user")
		}
		s.hasher.VerifyDummy(req.Password)
		s.rejectLogin(ctx, req.Email, "unknown_email")
		return nil, errInvalidCredentials
	}

	if !s.hasher.Verify(user.PasswordHash, req.Password) {
		s.rejectLogin(ctx, req.Email, "bad_password")
		return nil, errInvalidCredentials
	}

	if !user.EmailVerified {
		s.metrics.IncLogin(metrics.OutcomeForbidden)
		s.emitAudit(ctx, audit.ActionLoginFailed, user.ID, req.Email, "email_not_verified")
		return nil, errEmailNotVerified
	}

	now := requestcontext.Now(ctx)
	tokens, err := s.issueSession(ctx, user, now, device.MetaFromContext(ctx))
	if err != nil {
		s.metrics.IncLogin(metrics.OutcomeUnavailable)
		return nil, err
	}

	// The session is already issued; a failed timestamp write is not worth
	// failing the login over.
	if err := s.users.RecordLogin(ctx, user.ID, now); err != nil {
		s.logger.WarnContext(ctx, "failed to record last login",
			"user_id", user.ID,
			"error", err,
		)
	}
	user.LastLoginAt = &now

	s.emitAudit(ctx, audit.ActionLoginSucceeded, user.ID, "", "")
	s.metrics.IncLogin(metrics.OutcomeSuccess)

	return &models.LoginResult{
		SessionTokens: *tokens,
		User:          models.NewUserView(user),
	}, nil
}

func (s *Service) rejectLogin(ctx context.Context, email, reason string) {
	s.metrics.IncLogin(metrics.OutcomeRejected)
	s.emitAudit(ctx, audit.ActionLoginFailed, id.UserID{}, email, reason)
}
