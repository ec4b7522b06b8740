package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskbrew/internal/auth/models"
	"taskbrew/internal/platform/postgres"
	id "taskbrew/pkg/domain"
	"taskbrew/pkg/platform/sentinel"
)

// PostgresStore persists users. Email uniqueness rests on users_email_key.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, name, password_hash, role, email_verified,
	COALESCE(verification_token, ''), created_at, updated_at, last_login_at`

func (s *PostgresStore) Create(ctx context.Context, u *models.User) error {
	query := `
		INSERT INTO users (id, email, name, password_hash, role, email_verified, verification_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(u.ID), u.Email, u.Name, u.PasswordHash, u.Role, u.EmailVerified,
		u.VerificationToken, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("user email already registered: %w", sentinel.ErrConflict)
		}
		return classify("create user", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, uuid.UUID(userID))
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// MarkVerified is a single conditional UPDATE, so two concurrent verifications
// with the same token cannot both succeed.
func (s *PostgresStore) MarkVerified(ctx context.Context, token string, now time.Time) (*models.User, error) {
	if token == "" {
		return nil, fmt.Errorf("verification token not found: %w", sentinel.ErrNotFound)
	}
	return s.findOne(ctx, `
		UPDATE users SET email_verified = TRUE, verification_token = NULL, updated_at = $2
		WHERE verification_token = $1 AND email_verified = FALSE
		RETURNING `+userColumns, token, now)
}

func (s *PostgresStore) RecordLogin(ctx context.Context, userID id.UserID, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, uuid.UUID(userID), now)
	if err != nil {
		return classify("record login", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) findOne(ctx context.Context, query string, args ...any) (*models.User, error) {
	var (
		u         models.User
		userID    uuid.UUID
		lastLogin sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&userID, &u.Email, &u.Name, &u.PasswordHash, &u.Role,
		&u.EmailVerified, &u.VerificationToken, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
		}
		return nil, classify("find user", err)
	}
	u.ID = id.UserID(userID)
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	return &u, nil
}

func classify(op string, err error) error {
	if postgres.IsConnectionError(err) {
		return fmt.Errorf("%s (%w): %w", op, sentinel.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
