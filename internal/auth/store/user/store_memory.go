package user

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskbrew/internal/auth/models"
	id "taskbrew/pkg/domain"
	"taskbrew/pkg/platform/sentinel"
)

// InMemoryUserStore keeps users in process memory for tests and dev. Email
// uniqueness is enforced under the same lock as the insert.
type InMemoryUserStore struct {
	mu      sync.RWMutex
	users   map[id.UserID]*models.User
	byEmail map[string]id.UserID
}

func New() *InMemoryUserStore {
	return &InMemoryUserStore{
		users:   make(map[id.UserID]*models.User),
		byEmail: make(map[string]id.UserID),
	}
}

func (s *InMemoryUserStore) Create(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[u.Email]; exists {
		return fmt.Errorf("user email already registered: %w", sentinel.ErrConflict)
	}
	stored := *u
	s.users[u.ID] = &stored
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *InMemoryUserStore) FindByID(_ context.Context, userID id.UserID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
	}
	out := *u
	return &out, nil
}

func (s *InMemoryUserStore) FindByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
	}
	out := *s.users[userID]
	return &out, nil
}

// MarkVerified consumes a verification token. The token is cleared in the same
// step, so a second call with it finds nothing.
func (s *InMemoryUserStore) MarkVerified(_ context.Context, token string, now time.Time) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		return nil, fmt.Errorf("verification token not found: %w", sentinel.ErrNotFound)
	}
	for _, u := range s.users {
		if u.VerificationToken == token && !u.EmailVerified {
			u.EmailVerified = true
			u.VerificationToken = ""
			u.UpdatedAt = now
			out := *u
			return &out, nil
		}
	}
	return nil, fmt.Errorf("verification token not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryUserStore) RecordLogin(_ context.Context, userID id.UserID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
	}
	u.LastLoginAt = &now
	u.UpdatedAt = now
	return nil
}
