// Package leaderboard maintains a live ranking of every song in a room by
// overall average score. One vote-collection subscription is held per song,
// created lazily the first time the song appears in the room's song list and
// torn down when it disappears; the acquire/release pairing on those
// subscription handles is strict, a leaked handle is a defect.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jamesarrow/Song-rating/internal/domain"
	"github.com/jamesarrow/Song-rating/internal/event"
	"github.com/jamesarrow/Song-rating/internal/rating"
	"github.com/jamesarrow/Song-rating/internal/room"
	"github.com/jamesarrow/Song-rating/internal/store"
)

type Config struct {
	Store    store.Store
	EventBus *event.Bus
	RoomID   string
}

type songEntry struct {
	name  string
	order int64
	votes []domain.Vote
	stats rating.Averages
}

// Compiler watches one room and keeps per-song aggregates current. Every
// vote-collection snapshot triggers a full recompute of that song via the
// aggregation engine; the criteria count is tracked live from the room
// document so a criteria resize immediately re-ranks all songs.
type Compiler struct {
	st     store.Store
	eb     *event.Bus
	roomID string

	mu            sync.Mutex
	criteriaCount int
	songs         map[string]*songEntry
	voteSubs      map[string]store.Unsubscribe

	roomUnsub  store.Unsubscribe
	songsUnsub store.Unsubscribe
}

// New starts compiling the room's leaderboard. Call Close to release every
// subscription.
func New(ctx context.Context, c Config) (*Compiler, error) {
	cp := &Compiler{
		st:            c.Store,
		eb:            c.EventBus,
		roomID:        c.RoomID,
		criteriaCount: len(domain.DefaultCriteria),
		songs:         make(map[string]*songEntry),
		voteSubs:      make(map[string]store.Unsubscribe),
	}

	var err error
	cp.roomUnsub, err = c.Store.SubscribeDoc(ctx, store.RoomPath(c.RoomID), func(data map[string]any, exists bool) {
		cp.onRoom(ctx, data, exists)
	})
	if err != nil {
		return nil, fmt.Errorf("leaderboard: subscribe room: %w", err)
	}

	cp.songsUnsub, err = c.Store.SubscribeCollection(ctx, store.SongsPath(c.RoomID), "order", func(docs []store.Document) {
		cp.onSongs(ctx, docs)
	})
	if err != nil {
		cp.roomUnsub()
		return nil, fmt.Errorf("leaderboard: subscribe songs: %w", err)
	}

	return cp, nil
}

func (cp *Compiler) onRoom(ctx context.Context, data map[string]any, exists bool) {
	if !exists {
		return
	}
	r, err := room.DecodeRoom(cp.roomID, data)
	if err != nil {
		slog.ErrorContext(ctx, "leaderboard: decode room failed", "room", cp.roomID, "error", err)
		return
	}

	cp.mu.Lock()
	changed := cp.criteriaCount != len(r.Criteria)
	cp.criteriaCount = len(r.Criteria)
	if changed {
		for _, e := range cp.songs {
			e.stats = rating.Compute(e.votes, cp.criteriaCount)
		}
	}
	cp.mu.Unlock()

	if changed {
		cp.publish(ctx)
	}
}

func (cp *Compiler) onSongs(ctx context.Context, docs []store.Document) {
	songs, err := room.DecodeSongs(docs)
	if err != nil {
		slog.ErrorContext(ctx, "leaderboard: decode songs failed", "room", cp.roomID, "error", err)
		return
	}

	current := make(map[string]domain.Song, len(songs))
	for _, sg := range songs {
		current[sg.SongID] = sg
	}

	cp.mu.Lock()
	changed := false
	for id, sg := range current {
		e, ok := cp.songs[id]
		if !ok {
			e = &songEntry{}
			cp.songs[id] = e
		}
		if e.name != sg.Name || e.order != sg.Order {
			changed = true
		}
		e.name = sg.Name
		e.order = sg.Order
	}

	// Set-difference against the previously seen ids drives both lazy
	// subscription and teardown.
	var toOpen []string
	for id := range current {
		if _, ok := cp.voteSubs[id]; !ok {
			toOpen = append(toOpen, id)
		}
	}
	var toCancel []store.Unsubscribe
	for id, unsub := range cp.voteSubs {
		if _, ok := current[id]; !ok {
			toCancel = append(toCancel, unsub)
			delete(cp.voteSubs, id)
			delete(cp.songs, id)
		}
	}
	cp.mu.Unlock()

	// Cancel outside the lock: Unsubscribe blocks until the delivery
	// goroutine exits, and that goroutine may be waiting on the lock.
	for _, unsub := range toCancel {
		unsub()
	}

	for _, id := range toOpen {
		id := id
		unsub, err := cp.st.SubscribeCollection(ctx, store.VotesPath(cp.roomID, id), "", func(docs []store.Document) {
			cp.onVotes(ctx, id, docs)
		})
		if err != nil {
			slog.ErrorContext(ctx, "leaderboard: subscribe votes failed", "room", cp.roomID, "song", id, "error", err)
			continue
		}
		cp.mu.Lock()
		if _, ok := cp.songs[id]; ok {
			cp.voteSubs[id] = unsub
			cp.mu.Unlock()
		} else {
			// Song disappeared while we were subscribing.
			cp.mu.Unlock()
			unsub()
		}
	}

	// Renames and reorders change the published ranking even when no vote
	// moved, so they republish too.
	if changed || len(toCancel) > 0 {
		cp.publish(ctx)
	}
}

func (cp *Compiler) onVotes(ctx context.Context, songID string, docs []store.Document) {
	votes, err := room.DecodeVotes(docs)
	if err != nil {
		slog.ErrorContext(ctx, "leaderboard: decode votes failed", "room", cp.roomID, "song", songID, "error", err)
		return
	}

	cp.mu.Lock()
	e, ok := cp.songs[songID]
	if !ok {
		cp.mu.Unlock()
		return
	}
	e.votes = votes
	e.stats = rating.Compute(votes, cp.criteriaCount)
	cp.mu.Unlock()

	cp.publish(ctx)
}

func (cp *Compiler) publish(ctx context.Context) {
	cp.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: cp.Rows()})
}

// Rows compiles the current ranking: descending by overall average, ties
// broken by ascending song order (creation order), then song id. Sorting
// happens here at read time; internal state is unordered.
func (cp *Compiler) Rows() domain.Leaderboard {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	type row struct {
		entry domain.LeaderboardEntry
		order int64
	}
	rows := make([]row, 0, len(cp.songs))
	for id, e := range cp.songs {
		rows = append(rows, row{
			entry: domain.LeaderboardEntry{
				SongID:  id,
				Name:    e.name,
				Overall: e.stats.Overall.InexactFloat64(),
			},
			order: e.order,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].entry.Overall != rows[j].entry.Overall {
			return rows[i].entry.Overall > rows[j].entry.Overall
		}
		if rows[i].order != rows[j].order {
			return rows[i].order < rows[j].order
		}
		return rows[i].entry.SongID < rows[j].entry.SongID
	})

	entries := make([]domain.LeaderboardEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.entry)
	}
	return domain.Leaderboard{RoomID: cp.roomID, Entries: entries}
}

// Stats returns the full per-song aggregates in song order.
func (cp *Compiler) Stats() []domain.SongStats {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	type row struct {
		stats domain.SongStats
		order int64
	}
	rows := make([]row, 0, len(cp.songs))
	for id, e := range cp.songs {
		rows = append(rows, row{
			stats: domain.SongStats{
				SongID:       id,
				Name:         e.name,
				PerCriterion: e.stats.PerCriterion,
				Overall:      e.stats.Overall,
				VoteCount:    e.stats.VoteCount,
			},
			order: e.order,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].order != rows[j].order {
			return rows[i].order < rows[j].order
		}
		return rows[i].stats.SongID < rows[j].stats.SongID
	})

	out := make([]domain.SongStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.stats)
	}
	return out
}

// Close releases the room, song list, and every per-song vote subscription.
// The song-list subscription goes first: onSongs is the only place vote
// subscriptions are opened, so once it can no longer run the voteSubs drain
// cannot race a concurrent snapshot re-populating the map.
func (cp *Compiler) Close() {
	cp.songsUnsub()
	cp.roomUnsub()

	cp.mu.Lock()
	subs := make([]store.Unsubscribe, 0, len(cp.voteSubs))
	for id, unsub := range cp.voteSubs {
		subs = append(subs, unsub)
		delete(cp.voteSubs, id)
	}
	cp.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}
