package refreshtoken

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"taskbrew/internal/auth/models"
	id "taskbrew/pkg/domain"
	"taskbrew/pkg/platform/sentinel"
)

type store interface {
	Issue(ctx context.Context, rec *models.RefreshTokenRecord) (id.RefreshTokenID, error)
	RedeemAndRotate(ctx context.Context, secretHash, newSecretHash string, newExpiresAt, now time.Time, meta models.ClientMeta) (*models.RefreshTokenRecord, error)
	Revoke(ctx context.Context, secretHash string, now time.Time) (bool, error)
	FindByHash(ctx context.Context, secretHash string) (*models.RefreshTokenRecord, error)
}

// contractSuite is run against every backend. Embedders set newStore and,
// when the backend needs it, a user factory for foreign keys.
type contractSuite struct {
	suite.Suite
	newStore func() store
	newUser  func() id.UserID

	store store
	ctx   context.Context
	now   time.Time
}

func (s *contractSuite) SetupTest() {
	s.store = s.newStore()
	s.ctx = context.Background()
	s.now = time.Now().UTC().Truncate(time.Millisecond)
}

func (s *contractSuite) userID() id.UserID {
	if s.newUser != nil {
		return s.newUser()
	}
	return id.NewUserID()
}

func (s *contractSuite) issue(hash string, ttl time.Duration) id.RefreshTokenID {
	recordID, err := s.store.Issue(s.ctx, &models.RefreshTokenRecord{
		UserID:           s.userID(),
		SecretHash:       hash,
		IssuedAt:         s.now,
		ExpiresAt:        s.now.Add(ttl),
		CreatedFromIP:    "10.0.0.1",
		CreatedFromAgent: "agent/1",
		DeviceName:       "Chrome on Linux",
	})
	s.Require().NoError(err)
	return recordID
}

func (s *contractSuite) TestIssueAndFind() {
	recordID := s.issue("hash-a", time.Hour)

	rec, err := s.store.FindByHash(s.ctx, "hash-a")
	s.Require().NoError(err)
	s.Equal(recordID, rec.ID)
	s.False(rec.Revoked)
	s.Equal("10.0.0.1", rec.CreatedFromIP)
	s.WithinDuration(s.now.Add(time.Hour), rec.ExpiresAt, time.Millisecond)

	_, err = s.store.FindByHash(s.ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestIssueDuplicateHash() {
	s.issue("hash-dup", time.Hour)
	_, err := s.store.Issue(s.ctx, &models.RefreshTokenRecord{
		UserID: s.userID(), SecretHash: "hash-dup", IssuedAt: s.now, ExpiresAt: s.now.Add(time.Hour),
	})
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *contractSuite) TestRotateKeepsLineage() {
	recordID := s.issue("hash-1", time.Hour)
	later := s.now.Add(time.Minute)

	rec, err := s.store.RedeemAndRotate(s.ctx, "hash-1", "hash-2", later.Add(2*time.Hour), later,
		models.ClientMeta{IP: "10.0.0.2"})
	s.Require().NoError(err)
	s.Equal(recordID, rec.ID)
	s.Equal("hash-2", rec.SecretHash)
	s.Equal(1, rec.RotationCount)
	s.Equal("10.0.0.2", rec.CreatedFromIP)
	s.Equal("agent/1", rec.CreatedFromAgent, "empty meta fields keep their previous value")
	s.Require().NotNil(rec.LastRotatedAt)

	_, err = s.store.RedeemAndRotate(s.ctx, "hash-1", "hash-3", later.Add(time.Hour), later, models.ClientMeta{})
	s.ErrorIs(err, sentinel.ErrNotFound, "old secret is spent")

	rec, err = s.store.RedeemAndRotate(s.ctx, "hash-2", "hash-3", later.Add(time.Hour), later, models.ClientMeta{})
	s.Require().NoError(err)
	s.Equal(recordID, rec.ID)
	s.Equal(2, rec.RotationCount)
}

func (s *contractSuite) TestRotateUnknown() {
	_, err := s.store.RedeemAndRotate(s.ctx, "nope", "next", s.now.Add(time.Hour), s.now, models.ClientMeta{})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// Expired secrets are inert and get revoked on the way out, whatever their
// revoked flag said before.
func (s *contractSuite) TestRotateExpiredRevokes() {
	s.issue("hash-old", time.Minute)
	after := s.now.Add(2 * time.Minute)

	_, err := s.store.RedeemAndRotate(s.ctx, "hash-old", "hash-new", after.Add(time.Hour), after, models.ClientMeta{})
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.ErrorIs(err, sentinel.ErrExpired)

	rec, err := s.store.FindByHash(s.ctx, "hash-old")
	s.Require().NoError(err)
	s.True(rec.Revoked)

	_, err = s.store.FindByHash(s.ctx, "hash-new")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.RedeemAndRotate(s.ctx, "hash-old", "hash-new", after.Add(time.Hour), after, models.ClientMeta{})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestRotateAtExactExpiry() {
	s.issue("hash-edge", time.Minute)
	at := s.now.Add(time.Minute)
	_, err := s.store.RedeemAndRotate(s.ctx, "hash-edge", "hash-next", at.Add(time.Hour), at, models.ClientMeta{})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestRevokeIsIdempotent() {
	s.issue("hash-r", time.Hour)

	revoked, err := s.store.Revoke(s.ctx, "hash-r", s.now)
	s.Require().NoError(err)
	s.True(revoked)

	revoked, err = s.store.Revoke(s.ctx, "hash-r", s.now)
	s.Require().NoError(err)
	s.False(revoked)

	revoked, err = s.store.Revoke(s.ctx, "never-issued", s.now)
	s.Require().NoError(err)
	s.False(revoked)

	_, err = s.store.RedeemAndRotate(s.ctx, "hash-r", "hash-r2", s.now.Add(time.Hour), s.now, models.ClientMeta{})
	s.ErrorIs(err, sentinel.ErrNotFound)

	rec, err := s.store.FindByHash(s.ctx, "hash-r")
	s.Require().NoError(err)
	s.True(rec.Revoked, "revoked records are kept")
}

// Many redeemers racing on one secret: exactly one rotation wins.
func (s *contractSuite) TestConcurrentRedeemSingleWinner() {
	s.issue("hash-race", time.Hour)

	const racers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  atomic.Int32
		start   = make(chan struct{})
	)
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			next := "hash-race-next-" + string(rune('a'+i))
			_, err := s.store.RedeemAndRotate(s.ctx, "hash-race", next, s.now.Add(time.Hour), s.now, models.ClientMeta{})
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, sentinel.ErrNotFound):
				losers.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	s.Equal(int32(1), winners.Load())
	s.Equal(int32(racers-1), losers.Load())
}
