package service

import (
	"context"
	"errors"

	"taskbrew/internal/auth/models"
	"taskbrew/internal/email"
	"taskbrew/internal/platform/metrics"
	id "taskbrew/pkg/domain"
	dErrors "taskbrew/pkg/domain-errors"
	"taskbrew/pkg/platform/audit"
	"taskbrew/pkg/platform/sentinel"
	"taskbrew/pkg/requestcontext"
)

// Register creates an unverified account and dispatches the verification
// email. A failed send is logged and reported as a fallback delivery; it never
// fails the registration.
func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (result *models.RegisterResult, err error) {
	ctx, span := s.startSpan(ctx, "Register")
	defer func() { endSpan(span, err) }()

	req.Normalize()
	if err := req.Validate(); err != nil {
		s.metrics.IncRegistration(metrics.OutcomeRejected)
		return nil, err
	}

	digest, err := s.hasher.Hash(req.Password)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeValidation) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash password")
	}

	token, err := s.newVerificationToken()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate verification token")
	}

	now := requestcontext.Now(ctx)
	user := &models.User{
		ID:                id.NewUserID(),
		Email:             req.Email,
		Name:              req.Name,
		PasswordHash:      digest,
		Role:              models.DefaultRole,
		VerificationToken: token,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.IncRegistration(metrics.OutcomeConflict)
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "user already exists with the email")
		}
		return nil, storeError(err, "failed to create user")
	}

	delivery := s.sendVerification(ctx, user)

	s.emitAudit(ctx, audit.ActionUserRegistered, user.ID, "", delivery)
	s.metrics.IncRegistration(metrics.OutcomeSuccess)
	s.logger.InfoContext(ctx, "user registered",
		"user_id", user.ID,
		"delivery", delivery,
	)

	return &models.RegisterResult{
		User:     models.NewUserView(user),
		Delivery: delivery,
	}, nil
}

func (s *Service) sendVerification(ctx context.Context, user *models.User) string {
	d, err := s.mailer.SendVerificationEmail(ctx, user.Email, user.Name, user.VerificationToken)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to send verification email, user was created",
			"user_id", user.ID,
			"error", err,
		)
		d = email.Delivery{Fallback: true}
	}
	if !d.Fallback {
		return models.DeliveryAccepted
	}

	s.metrics.IncEmailFallback()
	s.logger.WarnContext(ctx, "email service unavailable, using fallback method",
		"user_id", user.ID,
		"verification_url", d.VerificationURL,
	)
	return models.DeliveryFallback
}
