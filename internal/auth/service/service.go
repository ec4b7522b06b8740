// Package service implements the session issuer: registration, login, refresh
// rotation, logout and email verification.
//
// Errors returned from this package are always domain errors. Store facts
// (sentinel errors) are translated here and never cross the boundary
// unchanged; in particular every way a refresh secret can fail to redeem
// collapses into the same "invalid refresh token" error.
package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks UserStore,RefreshTokenStore,TokenSigner,PasswordHasher,Mailer,AuditPublisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskbrew/internal/auth/models"
	"taskbrew/internal/auth/secrets"
	"taskbrew/internal/email"
	"taskbrew/internal/platform/metrics"
	id "taskbrew/pkg/domain"
	dErrors "taskbrew/pkg/domain-errors"
	"taskbrew/pkg/platform/audit"
	"taskbrew/pkg/platform/sentinel"
	"taskbrew/pkg/requestcontext"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRefreshTTL applies when no refresh lifetime is configured.
const DefaultRefreshTTL = 7 * 24 * time.Hour

type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	MarkVerified(ctx context.Context, token string, now time.Time) (*models.User, error)
	RecordLogin(ctx context.Context, userID id.UserID, now time.Time) error
}

type RefreshTokenStore interface {
	Issue(ctx context.Context, rec *models.RefreshTokenRecord) (id.RefreshTokenID, error)
	RedeemAndRotate(ctx context.Context, secretHash, newSecretHash string, newExpiresAt, now time.Time, meta models.ClientMeta) (*models.RefreshTokenRecord, error)
	Revoke(ctx context.Context, secretHash string, now time.Time) (bool, error)
	FindByHash(ctx context.Context, secretHash string) (*models.RefreshTokenRecord, error)
}

type TokenSigner interface {
	Sign(userID id.UserID, role string) (string, time.Time, error)
}

type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(digest, plain string) bool
	VerifyDummy(plain string)
}

type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, name, token string) (email.Delivery, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

var (
	errInvalidCredentials = dErrors.New(dErrors.CodeUnauthorized, "invalid email or password")
	errInvalidRefresh     = dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token")
	errEmailNotVerified   = dErrors.New(dErrors.CodeForbidden, "please verify your email address before logging in")
	errInvalidVerifyToken = dErrors.New(dErrors.CodeValidation, "invalid or expired verification token")
)

type Service struct {
	users          UserStore
	refreshTokens  RefreshTokenStore
	signer         TokenSigner
	hasher         PasswordHasher
	mailer         Mailer
	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer

	refreshTTL           time.Duration
	newRefreshSecret     func() (string, error)
	newVerificationToken func() (string, error)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithSecretGenerators replaces the random sources for refresh secrets and
// verification tokens. Either may be nil to keep the default.
func WithSecretGenerators(refresh, verification func() (string, error)) Option {
	return func(s *Service) {
		if refresh != nil {
			s.newRefreshSecret = refresh
		}
		if verification != nil {
			s.newVerificationToken = verification
		}
	}
}

func New(users UserStore, refreshTokens RefreshTokenStore, signer TokenSigner, hasher PasswordHasher, mailer Mailer, opts ...Option) (*Service, error) {
	switch {
	case users == nil:
		return nil, fmt.Errorf("user store is required")
	case refreshTokens == nil:
		return nil, fmt.Errorf("refresh token store is required")
	case signer == nil:
		return nil, fmt.Errorf("token signer is required")
	case hasher == nil:
		return nil, fmt.Errorf("password hasher is required")
	case mailer == nil:
		return nil, fmt.Errorf("mailer is required")
	}

	svc := &Service{
		users:                users,
		refreshTokens:        refreshTokens,
		signer:               signer,
		hasher:               hasher,
		mailer:               mailer,
		logger:               slog.Default(),
		tracer:               otel.Tracer("taskbrew/auth"),
		refreshTTL:           DefaultRefreshTTL,
		newRefreshSecret:     secrets.NewRefreshSecret,
		newVerificationToken: secrets.NewVerificationToken,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.metrics == nil {
		svc.metrics = metrics.New(prometheus.NewRegistry())
	}
	return svc, nil
}

// RefreshTTL is the lifetime given to new and rotated refresh secrets.
func (s *Service) RefreshTTL() time.Duration {
	return s.refreshTTL
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "auth."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	span.End()
}

// emitAudit never fails the calling operation.
func (s *Service) emitAudit(ctx context.Context, action audit.Action, userID id.UserID, subject, reason string) {
	if s.auditPublisher == nil {
		return
	}
	event := audit.Event{
		Timestamp: requestcontext.Now(ctx),
		UserID:    userID,
		Action:    string(action),
		Subject:   subject,
		Reason:    reason,
		RequestID: requestcontext.RequestID(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event",
			"action", action,
			"error", err,
		)
	}
}

// storeError translates a store failure that has no operation-specific
// meaning: outages become retryable, everything else is internal.
func storeError(err error, msg string) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "service temporarily unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}

// issueSession signs an access token and opens a new refresh lineage.
func (s *Service) issueSession(ctx context.Context, user *models.User, now time.Time, meta models.ClientMeta) (*models.SessionTokens, error) {
	accessToken, accessExp, err := s.signer.Sign(user.ID, user.Role)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign access token")
	}

	secret, err := s.newRefreshSecret()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate refresh token")
	}

	rec := &models.RefreshTokenRecord{
		ID:               id.NewRefreshTokenID(),
		UserID:           user.ID,
		SecretHash:       secrets.Hash(secret),
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.refreshTTL),
		CreatedFromIP:    meta.IP,
		CreatedFromAgent: meta.UserAgent,
		DeviceName:       meta.DeviceName,
	}
	if _, err := s.refreshTokens.Issue(ctx, rec); err != nil {
		return nil, storeError(err, "failed to store refresh token")
	}

	return &models.SessionTokens{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     secret,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}
