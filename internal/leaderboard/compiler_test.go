package leaderboard_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesarrow/Song-rating/internal/domain"
	"github.com/jamesarrow/Song-rating/internal/event"
	"github.com/jamesarrow/Song-rating/internal/flags"
	"github.com/jamesarrow/Song-rating/internal/leaderboard"
	"github.com/jamesarrow/Song-rating/internal/rating"
	"github.com/jamesarrow/Song-rating/internal/room"
	"github.com/jamesarrow/Song-rating/internal/store"
)

type fixture struct {
	store *store.Redis
	bus   *event.Bus
	rooms *room.Service
}

func makeFixture(t *testing.T) *fixture {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")
	t.Cleanup(func() { _ = rc.Close() })

	st := store.NewRedis(rc, "test")
	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	return &fixture{
		store: st,
		bus:   eb,
		rooms: room.NewService(room.Config{Store: st, EventBus: eb, Flags: flags.NewLookup()}),
	}
}

func TestCompiler_RanksByOverallAverage(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	_, err := f.rooms.EnsureRoom(ctx, "demo")
	require.NoError(t, err)
	_, err = f.rooms.SaveCriteria(ctx, room.SaveCriteriaRequest{RoomID: "demo", Criteria: []string{"Вокал", "Текст"}})
	require.NoError(t, err)

	a, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "A"})
	require.NoError(t, err)
	b, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "B"})
	require.NoError(t, err)

	cp, err := leaderboard.New(ctx, leaderboard.Config{Store: f.store, EventBus: f.bus, RoomID: "demo"})
	require.NoError(t, err)
	defer cp.Close()

	// Three voters on A averaging [8,6] → 7.0; one on B at [9,9] → 9.0.
	for pid, scores := range map[string][]int{
		"p1": {9, 5},
		"p2": {8, 6},
		"p3": {7, 7},
	} {
		_, err = f.rooms.SubmitVote(ctx, room.SubmitVoteRequest{
			RoomID: "demo", SongID: a.SongID, ParticipantID: pid, Scores: scores,
		})
		require.NoError(t, err)
	}
	_, err = f.rooms.SubmitVote(ctx, room.SubmitVoteRequest{
		RoomID: "demo", SongID: b.SongID, ParticipantID: "p4", Scores: []int{9, 9},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rows := cp.Rows()
		return len(rows.Entries) == 2 &&
			rows.Entries[0].SongID == b.SongID &&
			rows.Entries[0].Overall == 9.0 &&
			rows.Entries[1].Overall == 7.0
	}, 2*time.Second, 10*time.Millisecond, "B must rank above A; got %+v", cp.Rows())
}

// The compiled overall for a song must always match what the aggregation
// engine computes directly from that song's current vote set.
func TestCompiler_ConsistentWithDirectAggregation(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	r, err := f.rooms.EnsureRoom(ctx, "demo")
	require.NoError(t, err)

	a, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "Sweden — Loreen — Tattoo"})
	require.NoError(t, err)

	cp, err := leaderboard.New(ctx, leaderboard.Config{Store: f.store, EventBus: f.bus, RoomID: "demo"})
	require.NoError(t, err)
	defer cp.Close()

	for _, sub := range []struct {
		pid    string
		scores []int
	}{
		{"p1", []int{3, 9, 4}},
		{"p2", []int{10, 2}},
		{"p1", []int{5, 5, 5}}, // resubmission overwrites
	} {
		_, err = f.rooms.SubmitVote(ctx, room.SubmitVoteRequest{
			RoomID: "demo", SongID: a.SongID, ParticipantID: sub.pid, Name: "x", Scores: sub.scores,
		})
		require.NoError(t, err)
	}

	votes, err := f.rooms.ListVotes(ctx, "demo", a.SongID)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	want := rating.Compute(votes, len(r.Criteria)).Overall.InexactFloat64()

	require.Eventually(t, func() bool {
		rows := cp.Rows()
		return len(rows.Entries) == 1 &&
			math.Abs(rows.Entries[0].Overall-want) < 1e-9
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCompiler_TearsDownRemovedSongs(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	_, err := f.rooms.EnsureRoom(ctx, "demo")
	require.NoError(t, err)

	a, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "A"})
	require.NoError(t, err)
	b, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "B"})
	require.NoError(t, err)

	cp, err := leaderboard.New(ctx, leaderboard.Config{Store: f.store, EventBus: f.bus, RoomID: "demo"})
	require.NoError(t, err)
	defer cp.Close()

	require.Eventually(t, func() bool {
		return len(cp.Rows().Entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.rooms.RemoveSong(ctx, room.RemoveSongRequest{RoomID: "demo", SongID: a.SongID}))

	require.Eventually(t, func() bool {
		rows := cp.Rows()
		return len(rows.Entries) == 1 && rows.Entries[0].SongID == b.SongID
	}, 2*time.Second, 10*time.Millisecond, "removed song must leave the board")
}

// After Close returns, no subscription may still feed the compiler: the
// song-list handle is released before the vote handles are drained, so a
// snapshot racing Close cannot re-open vote subscriptions behind the drain.
func TestCompiler_CloseStopsDeliveries(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	_, err := f.rooms.EnsureRoom(ctx, "demo")
	require.NoError(t, err)
	_, err = f.rooms.SaveCriteria(ctx, room.SaveCriteriaRequest{RoomID: "demo", Criteria: []string{"Вокал"}})
	require.NoError(t, err)

	a, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "A"})
	require.NoError(t, err)

	cp, err := leaderboard.New(ctx, leaderboard.Config{Store: f.store, EventBus: f.bus, RoomID: "demo"})
	require.NoError(t, err)

	_, err = f.rooms.SubmitVote(ctx, room.SubmitVoteRequest{
		RoomID: "demo", SongID: a.SongID, ParticipantID: "p1", Scores: []int{4},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rows := cp.Rows()
		return len(rows.Entries) == 1 && rows.Entries[0].Overall == 4.0
	}, 2*time.Second, 10*time.Millisecond)

	cp.Close()

	// Concurrent churn after Close must not reach the compiler.
	_, err = f.rooms.SubmitVote(ctx, room.SubmitVoteRequest{
		RoomID: "demo", SongID: a.SongID, ParticipantID: "p1", Scores: []int{10},
	})
	require.NoError(t, err)
	_, err = f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "B"})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	rows := cp.Rows()
	require.Len(t, rows.Entries, 1)
	assert.Equal(t, 4.0, rows.Entries[0].Overall, "no recompute after close")
}

func TestCompiler_RecomputesOnCriteriaResize(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	_, err := f.rooms.EnsureRoom(ctx, "demo")
	require.NoError(t, err)
	_, err = f.rooms.SaveCriteria(ctx, room.SaveCriteriaRequest{RoomID: "demo", Criteria: []string{"Вокал", "Текст"}})
	require.NoError(t, err)

	a, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "A"})
	require.NoError(t, err)

	cp, err := leaderboard.New(ctx, leaderboard.Config{Store: f.store, EventBus: f.bus, RoomID: "demo"})
	require.NoError(t, err)
	defer cp.Close()

	_, err = f.rooms.SubmitVote(ctx, room.SubmitVoteRequest{
		RoomID: "demo", SongID: a.SongID, ParticipantID: "p1", Scores: []int{4, 10},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rows := cp.Rows()
		return len(rows.Entries) == 1 && rows.Entries[0].Overall == 7.0
	}, 2*time.Second, 10*time.Millisecond)

	// Shrinking to one criterion drops position 1 from the overall.
	_, err = f.rooms.SaveCriteria(ctx, room.SaveCriteriaRequest{RoomID: "demo", Criteria: []string{"Вокал"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rows := cp.Rows()
		return len(rows.Entries) == 1 && rows.Entries[0].Overall == 4.0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCompiler_PublishesLeaderboardUpdates(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	_, err := f.rooms.EnsureRoom(ctx, "demo")
	require.NoError(t, err)
	a, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "A"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		last domain.Leaderboard
		n    int
	)
	f.bus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		last = e.(domain.EventLeaderboardUpdated).Leaderboard
		n++
		return nil
	})

	cp, err := leaderboard.New(ctx, leaderboard.Config{Store: f.store, EventBus: f.bus, RoomID: "demo"})
	require.NoError(t, err)
	defer cp.Close()

	_, err = f.rooms.SubmitVote(ctx, room.SubmitVoteRequest{
		RoomID: "demo", SongID: a.SongID, ParticipantID: "p1", Scores: []int{8},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n > 0 && len(last.Entries) == 1 && last.Entries[0].SongID == a.SongID
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "demo", cp.Rows().RoomID)
}

// A song rename republishes even though no vote moved; the ranking pushed to
// listeners must never carry a stale name.
func TestCompiler_PublishesOnSongRename(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	_, err := f.rooms.EnsureRoom(ctx, "demo")
	require.NoError(t, err)
	a, err := f.rooms.AddSong(ctx, room.AddSongRequest{RoomID: "demo", Name: "A"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		last domain.Leaderboard
	)
	f.bus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		last = e.(domain.EventLeaderboardUpdated).Leaderboard
		return nil
	})

	cp, err := leaderboard.New(ctx, leaderboard.Config{Store: f.store, EventBus: f.bus, RoomID: "demo"})
	require.NoError(t, err)
	defer cp.Close()

	require.Eventually(t, func() bool {
		return len(cp.Rows().Entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.UpdateFields(ctx, store.SongPath("demo", a.SongID), map[string]any{
		"name": "A (remastered)",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last.Entries) == 1 && last.Entries[0].Name == "A (remastered)"
	}, 2*time.Second, 10*time.Millisecond, "rename must reach the published ranking")
}
