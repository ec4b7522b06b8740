package refreshtoken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskbrew/internal/auth/models"
	id "taskbrew/pkg/domain"
	"taskbrew/pkg/platform/sentinel"
)

// InMemoryStore keeps lineages in process memory for tests and single-node dev.
// The mutex makes every method a critical section, which gives the same
// single-winner guarantee as the conditional UPDATE in Postgres.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[id.RefreshTokenID]*models.RefreshTokenRecord
	byHash  map[string]id.RefreshTokenID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[id.RefreshTokenID]*models.RefreshTokenRecord),
		byHash:  make(map[string]id.RefreshTokenID),
	}
}

func (s *InMemoryStore) Issue(_ context.Context, rec *models.RefreshTokenRecord) (id.RefreshTokenID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[rec.SecretHash]; exists {
		return id.RefreshTokenID{}, fmt.Errorf("refresh token hash already issued: %w", sentinel.ErrConflict)
	}
	stored := *rec
	if stored.ID.IsNil() {
		stored.ID = id.NewRefreshTokenID()
	}
	stored.Revoked = false
	s.records[stored.ID] = &stored
	s.byHash[stored.SecretHash] = stored.ID
	return stored.ID, nil
}

func (s *InMemoryStore) RedeemAndRotate(_ context.Context, secretHash, newSecretHash string, newExpiresAt, now time.Time, meta models.ClientMeta) (*models.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordID, ok := s.byHash[secretHash]
	if !ok {
		return nil, errUnknown
	}
	rec := s.records[recordID]
	if rec.Revoked {
		return nil, errRevoked
	}
	if !now.Before(rec.ExpiresAt) {
		rec.MarkRevoked(now)
		return nil, errExpired
	}
	if _, taken := s.byHash[newSecretHash]; taken {
		return nil, fmt.Errorf("rotated hash already issued: %w", sentinel.ErrConflict)
	}

	delete(s.byHash, secretHash)
	rec.ApplyRotation(newSecretHash, newExpiresAt, now, meta)
	s.byHash[newSecretHash] = rec.ID

	out := *rec
	return &out, nil
}

func (s *InMemoryStore) Revoke(_ context.Context, secretHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordID, ok := s.byHash[secretHash]
	if !ok {
		return false, nil
	}
	rec := s.records[recordID]
	if rec.Revoked {
		return false, nil
	}
	rec.MarkRevoked(now)
	return true, nil
}

func (s *InMemoryStore) FindByHash(_ context.Context, secretHash string) (*models.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordID, ok := s.byHash[secretHash]
	if !ok {
		return nil, errUnknown
	}
	out := *s.records[recordID]
	return &out, nil
}
