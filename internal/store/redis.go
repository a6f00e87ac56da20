package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis stores documents as JSON strings, tracks collection membership in
// index sets, and signals changes over pub/sub channels keyed by path. Every
// write notifies the written path and its parent collection, so document and
// collection subscribers wake on the same write.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. The client stays owned by the caller.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) docKey(path string) string {
	return fmt.Sprintf("%s:doc:%s", r.prefix, path)
}

func (r *Redis) idxKey(collection string) string {
	return fmt.Sprintf("%s:idx:%s", r.prefix, collection)
}

func (r *Redis) chKey(path string) string {
	return fmt.Sprintf("%s:chg:%s", r.prefix, path)
}

func (r *Redis) GetOne(ctx context.Context, path string) (map[string]any, bool, error) {
	raw, err := r.rdb.Get(ctx, r.docKey(path)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", path, err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, false, fmt.Errorf("store: decode %s: %w", path, err)
	}
	return data, true, nil
}

func (r *Redis) SetOne(ctx context.Context, path string, data map[string]any, merge bool) error {
	next := data
	if merge {
		existing, ok, err := r.GetOne(ctx, path)
		if err != nil {
			return err
		}
		if ok {
			for k, v := range data {
				existing[k] = v
			}
			next = existing
		}
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}

	if err := r.rdb.Set(ctx, r.docKey(path), raw, 0).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}
	if parent := Parent(path); parent != "" {
		if err := r.rdb.SAdd(ctx, r.idxKey(parent), DocID(path)).Err(); err != nil {
			return fmt.Errorf("store: index %s: %w", path, err)
		}
	}

	return r.notify(ctx, path)
}

func (r *Redis) AddOne(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := r.SetOne(ctx, collection+"/"+id, data, false); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Redis) UpdateFields(ctx context.Context, path string, fields map[string]any) error {
	return r.SetOne(ctx, path, fields, true)
}

func (r *Redis) DeleteOne(ctx context.Context, path string) error {
	if err := r.rdb.Del(ctx, r.docKey(path)).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	if parent := Parent(path); parent != "" {
		if err := r.rdb.SRem(ctx, r.idxKey(parent), DocID(path)).Err(); err != nil {
			return fmt.Errorf("store: unindex %s: %w", path, err)
		}
	}
	return r.notify(ctx, path)
}

func (r *Redis) notify(ctx context.Context, path string) error {
	if err := r.rdb.Publish(ctx, r.chKey(path), "").Err(); err != nil {
		return fmt.Errorf("store: notify %s: %w", path, err)
	}
	if parent := Parent(path); parent != "" {
		if err := r.rdb.Publish(ctx, r.chKey(parent), "").Err(); err != nil {
			return fmt.Errorf("store: notify %s: %w", parent, err)
		}
	}
	return nil
}

func (r *Redis) List(ctx context.Context, collection string, orderBy string) ([]Document, error) {
	ids, err := r.rdb.SMembers(ctx, r.idxKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.docKey(collection+"/"+id))
	}
	raws, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", collection, err)
	}

	docs := make([]Document, 0, len(ids))
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			// Index entry without a document; treat as deleted.
			continue
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(s), &data); err != nil {
			return nil, fmt.Errorf("store: decode %s/%s: %w", collection, ids[i], err)
		}
		docs = append(docs, Document{ID: ids[i], Data: data})
	}

	SortDocs(docs, orderBy)
	return docs, nil
}

func (r *Redis) SubscribeDoc(ctx context.Context, path string, fn DocFunc) (Unsubscribe, error) {
	ps := r.rdb.Subscribe(ctx, r.chKey(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("store: subscribe %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		deliver := func() {
			data, ok, err := r.GetOne(ctx, path)
			if err != nil {
				slog.ErrorContext(ctx, "store: refresh document failed", "path", path, "error", err)
				return
			}
			fn(data, ok)
		}

		deliver()
		for range ps.Channel() {
			deliver()
		}
	}()

	return func() {
		_ = ps.Close()
		<-done
	}, nil
}

func (r *Redis) SubscribeCollection(ctx context.Context, collection string, orderBy string, fn ListFunc) (Unsubscribe, error) {
	ps := r.rdb.Subscribe(ctx, r.chKey(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("store: subscribe %s: %w", collection, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		deliver := func() {
			docs, err := r.List(ctx, collection, orderBy)
			if err != nil {
				slog.ErrorContext(ctx, "store: refresh collection failed", "collection", collection, "error", err)
				return
			}
			fn(docs)
		}

		deliver()
		for range ps.Channel() {
			deliver()
		}
	}()

	return func() {
		_ = ps.Close()
		<-done
	}, nil
}

// Close is a no-op: the underlying client belongs to the caller.
func (r *Redis) Close() error { return nil }

var _ Store = (*Redis)(nil)
