package memory

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/doctree"
)

// StateStore is an in-process implementation of app.StateStore. Subscribers
// are notified through a one-slot signal and always read the latest value, so
// bursts of patches coalesce into fewer callbacks.
type StateStore struct {
	mu     sync.RWMutex
	tree   map[string]any
	subs   map[*subscription]struct{}
	outage atomic.Bool
}

type subscription struct {
	segs   []string
	fn     func(any)
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewStateStore() *StateStore {
	return &StateStore{
		tree: make(map[string]any),
		subs: make(map[*subscription]struct{}),
	}
}

// SetUnavailable simulates the backing service going away (tests/demos).
func (s *StateStore) SetUnavailable(down bool) {
	s.outage.Store(down)
}

func (s *StateStore) Patch(_ context.Context, path string, fields map[string]any) error {
	if s.outage.Load() {
		return domain.ErrStoreUnavailable
	}
	normalized, err := doctree.Normalize(fields)
	if err != nil {
		return err
	}
	segs := doctree.Split(path)

	s.mu.Lock()
	doctree.Merge(s.tree, segs, normalized)
	touched := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		if touches(sub.segs, segs, normalized) {
			touched = append(touched, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range touched {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *StateStore) Read(_ context.Context, path string) (any, error) {
	if s.outage.Load() {
		return nil, domain.ErrStoreUnavailable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := doctree.Get(s.tree, doctree.Split(path))
	if !ok {
		return nil, domain.ErrNotFound
	}
	return doctree.Clone(v), nil
}

// Subscribe calls fn with the current value (nil when unset) before returning,
// then again after every patch that touches path, until cancel or ctx is done.
func (s *StateStore) Subscribe(ctx context.Context, path string, fn func(any)) (func(), error) {
	if s.outage.Load() {
		return nil, domain.ErrStoreUnavailable
	}
	sub := &subscription{
		segs:   doctree.Split(path),
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	fn(s.current(sub.segs))

	go func() {
		for {
			select {
			case <-sub.notify:
				sub.fn(s.current(sub.segs))
			case <-ctx.Done():
				s.unsubscribe(sub)
				return
			case <-sub.done:
				return
			}
		}
	}()

	return func() { s.unsubscribe(sub) }, nil
}

func (s *StateStore) current(segs []string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, _ := doctree.Get(s.tree, segs)
	return doctree.Clone(v)
}

func (s *StateStore) unsubscribe(sub *subscription) {
	sub.once.Do(func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		close(sub.done)
	})
}

// touches reports whether writing fields under written can change the value at watched.
func touches(watched, written []string, fields map[string]any) bool {
	for key := range fields {
		full := append(append([]string{}, written...), doctree.Split(key)...)
		if overlaps(watched, full) {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	n := min(len(a), len(b))
	return strings.Join(a[:n], "/") == strings.Join(b[:n], "/")
}
