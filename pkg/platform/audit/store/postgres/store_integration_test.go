//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	id "taskbrew/pkg/domain"
	audit "taskbrew/pkg/platform/audit"
	"taskbrew/pkg/testutil/containers"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type AuditStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *Store
}

func TestAuditStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(AuditStoreSuite))
}

func (s *AuditStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = New(s.postgres.DB)
}

func (s *AuditStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_events"))
}

func (s *AuditStoreSuite) TestAppendAndListByUser() {
	ctx := context.Background()
	userID := id.UserID(uuid.New())
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Timestamp: base,
		UserID:    userID,
		Action:    string(audit.ActionLoginSucceeded),
		ClientIP:  "10.0.0.7",
		UserAgent: "Chrome on macOS",
		RequestID: "req-1",
	}))
	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Timestamp: base.Add(time.Minute),
		UserID:    userID,
		Action:    string(audit.ActionTokenRefreshed),
	}))

	events, err := s.store.ListByUser(ctx, userID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(string(audit.ActionLoginSucceeded), events[0].Action)
	s.Equal("10.0.0.7", events[0].ClientIP)
	s.Equal("req-1", events[0].RequestID)
	s.True(events[0].Timestamp.Equal(base))
	s.Equal(userID, events[1].UserID)
}

func (s *AuditStoreSuite) TestAnonymousEventStoresNullUser() {
	ctx := context.Background()
	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Timestamp: time.Now(),
		Action:    string(audit.ActionLoginFailed),
		Subject:   "ghost@example.com",
		Reason:    "invalid_credentials",
	}))

	var (
		userID  *uuid.UUID
		subject string
	)
	err := s.postgres.DB.QueryRowContext(ctx,
		`SELECT user_id, subject FROM audit_events WHERE action = $1`, string(audit.ActionLoginFailed),
	).Scan(&userID, &subject)
	s.Require().NoError(err)
	s.Nil(userID)
	s.Equal("ghost@example.com", subject)
}
