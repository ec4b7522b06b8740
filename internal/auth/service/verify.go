package service

import (
	"context"
	"errors"

	"taskbrew/internal/auth/models"
	"taskbrew/internal/platform/metrics"
	dErrors "taskbrew/pkg/domain-errors"
	"taskbrew/pkg/platform/audit"
	"taskbrew/pkg/platform/sentinel"
	"taskbrew/pkg/requestcontext"
)

// VerifyEmail consumes a verification token. Unknown, already used and empty
// tokens are indistinguishable to the caller.
func (s *Service) VerifyEmail(ctx context.Context, token string) (view *models.UserView, err error) {
	ctx, span := s.startSpan(ctx, "VerifyEmail")
	defer func() { endSpan(span, err) }()

	if token == "" {
		s.metrics.IncEmailVerification(metrics.OutcomeRejected)
		return nil, dErrors.New(dErrors.CodeValidation, "verification token is required")
	}

	user, err := s.users.MarkVerified(ctx, token, requestcontext.Now(ctx))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.IncEmailVerification(metrics.OutcomeRejected)
			return nil, errInvalidVerifyToken
		}
		s.metrics.IncEmailVerification(metrics.OutcomeUnavailable)
		return nil, storeError(err, "failed to verify email")
	}

	s.emitAudit(ctx, audit.ActionEmailVerified, user.ID, "", "")
	s.metrics.IncEmailVerification(metrics.OutcomeSuccess)

	v := models.NewUserView(user)
	return &v, nil
}

// Me returns the profile of the authenticated caller.
func (s *Service) Me(ctx context.Context) (*models.UserView, error) {
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, storeError(err, "failed to load user")
	}

	v := models.NewUserView(user)
	return &v, nil
}
