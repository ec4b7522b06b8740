package audit

import (
	"context"
	"errors"
	"time"

	id "taskbrew/pkg/domain"
)

// Event is emitted from the session issuer to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time
	UserID    id.UserID
	Action    string
	// Subject is the email for pre-authentication events where no user ID
	// is known yet. Never a secret.
	Subject   string
	Reason    string
	RequestID string
	ClientIP  string
	UserAgent string
}

type Action string

const (
	ActionUserRegistered  Action = "user_registered"
	ActionEmailVerified   Action = "email_verified"
	ActionLoginSucceeded  Action = "login_succeeded"
	ActionLoginFailed     Action = "login_failed"
	ActionTokenRefreshed  Action = "token_refreshed"
	ActionRefreshRejected Action = "refresh_rejected"
	ActionLogout          Action = "logout"
)

// ErrBufferFull is returned by an async publisher that cannot accept more events.
var ErrBufferFull = errors.New("audit buffer full")

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Lister is implemented by stores that can read events back.
type Lister interface {
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
}

// Fanout appends every event to each store in order. All stores are tried;
// their errors are joined.
type Fanout []Store

func (f Fanout) Append(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListByUser reads from the first store that supports listing.
func (f Fanout) ListByUser(ctx context.Context, userID id.UserID) ([]Event, error) {
	for _, s := range f {
		if l, ok := s.(Lister); ok {
			return l.ListByUser(ctx, userID)
		}
	}
	return nil, nil
}
