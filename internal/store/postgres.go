package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgNotifyChannel = "document_changes"

const pgSchema = `
CREATE TABLE IF NOT EXISTS documents (
	path        text PRIMARY KEY,
	collection  text NOT NULL,
	data        jsonb NOT NULL,
	update_time timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection);`

// Postgres keeps every document in a single jsonb table and signals changes
// through pg_notify. One dedicated listener connection dispatches
// notifications to in-process subscribers; each write notifies the written
// path, and subscribers of both the path and its parent collection wake.
type Postgres struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	subs   map[string]map[int]chan struct{}
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres ensures the schema and starts the notification listener. The
// pool stays owned by the caller; Close stops only the listener.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		pool:   pool,
		subs:   make(map[string]map[int]chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go p.listen(lctx)
	return p, nil
}

func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)

	for ctx.Err() == nil {
		if err := p.listenOnce(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "store: listener reconnecting", "error", err)
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgNotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		p.signal(n.Payload)
	}
}

// signal wakes subscribers of the changed path and of its parent collection.
// The per-subscriber channel is buffered and the send non-blocking: bursts
// coalesce, and the subscriber re-reads a full snapshot either way.
func (p *Postgres) signal(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range []string{path, Parent(path)} {
		for _, ch := range p.subs[key] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func (p *Postgres) watch(key string) (<-chan struct{}, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	ch := make(chan struct{}, 1)
	if p.subs[key] == nil {
		p.subs[key] = make(map[int]chan struct{})
	}
	p.subs[key][id] = ch

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs[key], id)
	}
}

func (p *Postgres) GetOne(ctx context.Context, path string) (map[string]any, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM documents WHERE path = $1`, path).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", path, err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("store: decode %s: %w", path, err)
	}
	return data, true, nil
}

func (p *Postgres) SetOne(ctx context.Context, path string, data map[string]any, merge bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}

	const stmt = `
INSERT INTO documents (path, collection, data)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (path) DO UPDATE SET
	data = CASE WHEN $4 THEN documents.data || EXCLUDED.data ELSE EXCLUDED.data END,
	update_time = now();`

	if _, err := p.pool.Exec(ctx, stmt, path, Parent(path), string(raw), merge); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}

	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, path); err != nil {
		return fmt.Errorf("store: notify %s: %w", path, err)
	}
	return nil
}

func (p *Postgres) AddOne(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := p.SetOne(ctx, collection+"/"+id, data, false); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) UpdateFields(ctx context.Context, path string, fields map[string]any) error {
	return p.SetOne(ctx, path, fields, true)
}

func (p *Postgres) DeleteOne(ctx context.Context, path string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, path); err != nil {
		return fmt.Errorf("store: notify %s: %w", path, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, collection string, orderBy string) ([]Document, error) {
	rows, err := p.pool.Query(ctx, `SELECT path, data FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", collection, err)
	}

	docs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Document, error) {
		var (
			path string
			raw  []byte
		)
		if err := r.Scan(&path, &raw); err != nil {
			return Document{}, err
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return Document{}, err
		}
		return Document{ID: DocID(path), Data: data}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", collection, err)
	}

	SortDocs(docs, orderBy)
	return docs, nil
}

func (p *Postgres) SubscribeDoc(ctx context.Context, path string, fn DocFunc) (Unsubscribe, error) {
	signal, remove := p.watch(path)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		deliver := func() {
			data, ok, err := p.GetOne(ctx, path)
			if err != nil {
				slog.ErrorContext(ctx, "store: refresh document failed", "path", path, "error", err)
				return
			}
			fn(data, ok)
		}

		deliver()
		for {
			select {
			case <-signal:
				deliver()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		remove()
		close(stop)
		<-done
	}, nil
}

func (p *Postgres) SubscribeCollection(ctx context.Context, collection string, orderBy string, fn ListFunc) (Unsubscribe, error) {
	signal, remove := p.watch(collection)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		deliver := func() {
			docs, err := p.List(ctx, collection, orderBy)
			if err != nil {
				slog.ErrorContext(ctx, "store: refresh collection failed", "collection", collection, "error", err)
				return
			}
			fn(docs)
		}

		deliver()
		for {
			select {
			case <-signal:
				deliver()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		remove()
		close(stop)
		<-done
	}, nil
}

// Close stops the notification listener. The pool belongs to the caller.
func (p *Postgres) Close() error {
	p.cancel()
	<-p.done
	return nil
}

var _ Store = (*Postgres)(nil)
