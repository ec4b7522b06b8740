package refreshtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type InMemoryStoreSuite struct {
	contractSuite
}

func TestInMemoryStoreSuite(t *testing.T) {
	s := new(InMemoryStoreSuite)
	s.newStore = func() store { return NewInMemory() }
	suite.Run(t, s)
}

// Returned records are copies; mutating them must not leak into the store.
func (s *InMemoryStoreSuite) TestReturnsCopies() {
	s.issue("hash-copy", time.Hour)

	rec, err := s.store.FindByHash(s.ctx, "hash-copy")
	s.Require().NoError(err)
	rec.Revoked = true

	again, err := s.store.FindByHash(s.ctx, "hash-copy")
	s.Require().NoError(err)
	s.False(again.Revoked)
}
