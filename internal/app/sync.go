package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/telemetry"
)

// StateStore is the shared document store participants read from.
type StateStore interface {
	// Patch merges fields at path, leaving siblings untouched.
	Patch(ctx context.Context, path string, fields map[string]any) error
	// Subscribe calls fn with the current value, then again on every change.
	Subscribe(ctx context.Context, path string, fn func(value any)) (cancel func(), err error)
	// Read fetches the value at path once.
	Read(ctx context.Context, path string) (any, error)
}

// syncer pushes patches to the store in submission order on a single worker.
// Enqueue never blocks the caller; a failed patch is retried once and then
// dropped, flipping the degraded flag until a later patch succeeds.
type syncer struct {
	store      StateStore
	session    string
	newBackOff func() backoff.BackOff
	onChange   func(degraded bool)

	mu     sync.Mutex
	queue  []syncOp
	closed bool
	wake   chan struct{}
	done   chan struct{}

	degraded atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

type syncOp struct {
	path    string
	fields  map[string]any
	barrier chan struct{}
}

func newSyncer(store StateStore, session string, newBackOff func() backoff.BackOff, onChange func(bool)) *syncer {
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &syncer{
		store:      store,
		session:    session,
		newBackOff: newBackOff,
		onChange:   onChange,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go s.run()
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

func (s *syncer) enqueue(path string, fields map[string]any) {
	s.push(syncOp{path: path, fields: fields})
}

// flush blocks until every patch enqueued before it has been attempted.
func (s *syncer) flush() {
	barrier := make(chan struct{})
	if !s.push(syncOp{barrier: barrier}) {
		return
	}
	<-barrier
}

func (s *syncer) push(op syncOp) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, op)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// close drains pending patches and stops the worker.
func (s *syncer) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
	s.cancel()
}

func (s *syncer) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		op := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		s.apply(op)
	}
}

func (s *syncer) apply(op syncOp) {
	if s.store == nil {
		return
	}
	attempt := func() error {
		err := s.store.Patch(s.ctx, op.path, op.fields)
		if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), 1), s.ctx))
	if err != nil {
		telemetry.StorePatchFailures.Inc()
		slog.Warn("sync: patch dropped", "session", s.session, "path", op.path, "error", err)
		if !s.degraded.Swap(true) {
			slog.Error("sync: degraded", "session", s.session)
			s.notify(true)
		}
		return
	}
	if s.degraded.Swap(false) {
		slog.Info("sync: recovered", "session", s.session)
		s.notify(false)
	}
}

func (s *syncer) notify(degraded bool) {
	if s.onChange != nil {
		s.onChange(degraded)
	}
}

func (s *syncer) isDegraded() bool {
	return s.degraded.Load()
}
