package refreshtoken

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

// PostgresStore is safe across server instances: rotation is one conditional
// UPDATE on the unique secret_hash index, so concurrent redemptions of the
// same secret serialize on the row lock and only the first matches.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, user_id, secret_hash, issued_at, expires_at, revoked, revoked_at,
	last_rotated_at, rotation_count, created_from_ip, created_from_agent, device_name`

func (s *PostgresStore) Issue(ctx context.Context, rec *models.RefreshTokenRecord) (id.RefreshTokenID, error) {
	recordID := rec.ID
	if recordID.IsNil() {
		recordID = id.NewRefreshTokenID()
	}
	query := `
		INSERT INTO refresh_tokens (id, user_id, secret_hash, issued_at, expires_at, revoked,
			created_from_ip, created_from_agent, device_name)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(recordID), uuid.UUID(rec.UserID), rec.SecretHash, rec.IssuedAt, rec.ExpiresAt,
		rec.CreatedFromIP, rec.CreatedFromAgent, rec.DeviceName,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return id.RefreshTokenID{}, fmt.Errorf("refresh token hash already issued: %w", sentinel.ErrConflict)
		}
		return id.RefreshTokenID{}, classify("issue refresh token", err)
	}
	return recordID, nil
}

func (s *PostgresStore) RedeemAndRotate(ctx context.Context, secretHash, newSecretHash string, newExpiresAt, now time.Time, meta models.ClientMeta) (*models.RefreshTokenRecord, error) {
	query := `
		UPDATE refresh_tokens SET
			secret_hash = $2,
			expires_at = $3,
			last_rotated_at = $4,
			rotation_count = rotation_count + 1,
			created_from_ip = COALESCE(NULLIF($5, ''), created_from_ip),
			created_from_agent = COALESCE(NULLIF($6, ''), created_from_agent),
			device_name = COALESCE(NULLIF($7, ''), device_name)
		WHERE secret_hash = $1 AND revoked = FALSE AND expires_at > $4
		RETURNING ` + recordColumns
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query,
		secretHash, newSecretHash, newExpiresAt, now, meta.IP, meta.UserAgent, meta.DeviceName,
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if postgres.IsUniqueViolation(err) {
			return nil, fmt.Errorf("rotated hash already issued: %w", sentinel.ErrConflict)
		}
		return nil, classify("rotate refresh token", err)
	}

	// No live match. If the hash names an expired but unrevoked record, retire it.
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2
		WHERE secret_hash = $1 AND revoked = FALSE AND expires_at <= $2
	`, secretHash, now)
	if err != nil {
		return nil, classify("revoke expired refresh token", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil, errExpired
	}
	return nil, errUnknown
}

func (s *PostgresStore) Revoke(ctx context.Context, secretHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2
		WHERE secret_hash = $1 AND revoked = FALSE
	`, secretHash, now)
	if err != nil {
		return false, classify("revoke refresh token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("revoke refresh token", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) FindByHash(ctx context.Context, secretHash string) (*models.RefreshTokenRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM refresh_tokens WHERE secret_hash = $1`, secretHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errUnknown
		}
		return nil, classify("find refresh token", err)
	}
	return rec, nil
}

func classify(op string, err error) error {
	if postgres.IsConnectionError(err) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func scanRecord(row *sql.Row) (*models.RefreshTokenRecord, error) {
	var (
		recordID, userID         uuid.UUID
		revokedAt, lastRotatedAt sql.NullTime
		rec                      models.RefreshTokenRecord
	)
	err := row.Scan(&recordID, &userID, &rec.SecretHash, &rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked,
		&revokedAt, &lastRotatedAt, &rec.RotationCount, &rec.CreatedFromIP, &rec.CreatedFromAgent, &rec.DeviceName)
	if err != nil {
		return nil, err
	}
	rec.ID = id.RefreshTokenID(recordID)
	rec.UserID = id.UserID(userID)
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	if lastRotatedAt.Valid {
		rec.LastRotatedAt = &lastRotatedAt.Time
	}
	return &rec, nil
}
