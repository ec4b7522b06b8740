// Package publisher emits audit events to a store, either inline or through a
// bounded buffer drained by a background worker.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	id "taskbrew/pkg/domain"
	audit "taskbrew/pkg/platform/audit"
	"taskbrew/pkg/platform/audit/worker"
)

type Publisher struct {
	store  audit.Store
	logger *slog.Logger
	now    func() time.Time

	bufSize int
	mu      sync.RWMutex
	closed  bool
	inbox   chan audit.Event
	done    chan struct{}
}

type Option func(*Publisher)

// WithAsyncBuffer makes Emit non-blocking. Events beyond n pending are
// rejected with audit.ErrBufferFull.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		p.bufSize = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bufSize > 0 {
		p.inbox = make(chan audit.Event, p.bufSize)
		p.done = make(chan struct{})
		w := worker.NewWorker(store, p.inbox, p.logger)
		go func() {
			defer close(p.done)
			_ = w.Run(context.Background())
		}()
	}
	return p
}

func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if p.inbox == nil {
		return p.store.Append(ctx, event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return audit.ErrBufferFull
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.inbox <- event:
		return nil
	default:
		p.logger.WarnContext(ctx, "audit event dropped", "action", event.Action)
		return audit.ErrBufferFull
	}
}

// List reads events back when the store supports it.
func (p *Publisher) List(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	l, ok := p.store.(audit.Lister)
	if !ok {
		return nil, nil
	}
	return l.ListByUser(ctx, userID)
}

// Close stops accepting events and waits for buffered ones to be written.
func (p *Publisher) Close() {
	if p.inbox == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()
	<-p.done
}
