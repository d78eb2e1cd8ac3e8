package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/doctree"
	"github.com/redis/go-redis/v9"
)

const maxPatchAttempts = 5

// StateStore keeps shared documents in Redis so several instances see the same
// session state.
//   - Each document root (the first two path segments, e.g. "sessions/s1") is a
//     JSON string under {prefix}:doc:{root}.
//   - Patch is a WATCH/MULTI read-merge-write, atomic for that root.
//   - Every successful patch publishes the written path on {prefix}:changes:{root};
//     subscribers re-read on each message, so duplicate deliveries are harmless.
type StateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewStateStore(client *redis.Client, prefix string, ttl time.Duration) *StateStore {
	if prefix == "" {
		prefix = "live"
	}
	return &StateStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *StateStore) Patch(ctx context.Context, path string, fields map[string]any) error {
	root, rest, err := splitRoot(path)
	if err != nil {
		return err
	}
	normalized, err := doctree.Normalize(fields)
	if err != nil {
		return err
	}

	key := s.docKey(root)
	txf := func(tx *redis.Tx) error {
		tree, err := loadTree(ctx, tx, key)
		if err != nil {
			return err
		}
		doctree.Merge(tree, rest, normalized)
		raw, err := json.Marshal(tree)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			pipe.Publish(ctx, s.changesChannel(root), path)
			return nil
		})
		return err
	}

	for i := 0; i < maxPatchAttempts; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *StateStore) Read(ctx context.Context, path string) (any, error) {
	root, rest, err := splitRoot(path)
	if err != nil {
		return nil, err
	}
	tree, err := loadTree(ctx, s.client, s.docKey(root))
	if err != nil {
		return nil, unavailable(err)
	}
	if len(tree) == 0 {
		return nil, domain.ErrNotFound
	}
	v, ok := doctree.Get(tree, rest)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

// Subscribe delivers the current value before returning, then the latest value
// after every change published for the document root that overlaps path.
func (s *StateStore) Subscribe(ctx context.Context, path string, fn func(any)) (func(), error) {
	root, rest, err := splitRoot(path)
	if err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(ctx, s.changesChannel(root))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable(err)
	}

	deliver := func() {
		tree, err := loadTree(ctx, s.client, s.docKey(root))
		if err != nil {
			slog.WarnContext(ctx, "redis store: reload after change failed", "path", path, "error", err)
			return
		}
		v, _ := doctree.Get(tree, rest)
		fn(v)
	}
	deliver()

	watched := doctree.Split(path)
	go func() {
		for msg := range pubsub.Channel() {
			if prefixOverlap(watched, doctree.Split(msg.Payload)) {
				deliver()
			}
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

func (s *StateStore) docKey(root string) string {
	return s.prefix + ":doc:" + root
}

func (s *StateStore) changesChannel(root string) string {
	return s.prefix + ":changes:" + root
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadTree(ctx context.Context, c getter, key string) (map[string]any, error) {
	tree := make(map[string]any)
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return tree, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return tree, nil
}

func splitRoot(path string) (string, []string, error) {
	segs := doctree.Split(path)
	if len(segs) < 2 {
		return "", nil, fmt.Errorf("redis store: path %q must name a document root", path)
	}
	return doctree.Join(segs[:2]...), segs[2:], nil
}

func prefixOverlap(a, b []string) bool {
	n := min(len(a), len(b))
	return strings.Join(a[:n], "/") == strings.Join(b[:n], "/")
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
