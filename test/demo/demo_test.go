//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jamesarrow/Song-rating/internal/domain"
)

const (
	baseURL = "http://localhost:8080"
)

func TestRoomRating(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		roomID = fmt.Sprintf("demo-%s", uuid.NewString()[:8])
		wg     = new(sync.WaitGroup)
		users  = map[string]string{
			uuid.NewString(): "Аня",
			uuid.NewString(): "Борис",
			uuid.NewString(): "Вера",
		}
	)

	// Prepare Redis subscriber for the room channel
	subscribeToRoom(t, makeRedis(t), wg, roomID)

	// Everyone joins
	for pid, name := range users {
		var resp struct {
			Room struct {
				Criteria []string `json:"criteria"`
			} `json:"room"`
		}
		post(t, ctx, fmt.Sprintf("/api/rooms/%s/join", roomID), map[string]any{
			"participant_id": pid,
			"name":           name,
		}, &resp)
		require.Len(t, resp.Room.Criteria, len(domain.DefaultCriteria))
	}

	// Add two songs
	var songs []string
	for _, name := range []string{"Швеция — ABBA", "Норвегия — a-ha"} {
		var resp struct {
			Song struct {
				SongID string `json:"song_id"`
				Flag   string `json:"flag"`
			} `json:"song"`
		}
		post(t, ctx, fmt.Sprintf("/api/rooms/%s/songs", roomID), map[string]any{"name": name}, &resp)
		t.Logf("Added song %q %s", name, resp.Song.Flag)
		songs = append(songs, resp.Song.SongID)
	}

	// Start the room's live leaderboard
	get(t, ctx, fmt.Sprintf("/api/rooms/%s/leaderboard", roomID), nil)

	// All users vote on every song concurrently
	for i, songID := range songs {
		var eg errgroup.Group
		for pid, name := range users {
			pid, name, base := pid, name, 5+i
			eg.Go(func() error {
				return tryPost(ctx, fmt.Sprintf("/api/rooms/%s/songs/%s/vote", roomID, songID), map[string]any{
					"participant_id": pid,
					"name":           name,
					"scores":         []int{base, base + 1, base + 2},
				}, nil)
			})
		}
		require.NoError(t, eg.Wait())
		time.Sleep(2 * time.Second)
	}

	// Final standings
	var board struct {
		Scoreboard []struct {
			Name      string `json:"name"`
			Overall   string `json:"overall"`
			VoteCount int    `json:"vote_count"`
		} `json:"scoreboard"`
	}
	get(t, ctx, fmt.Sprintf("/api/rooms/%s/scoreboard", roomID), &board)
	for _, row := range board.Scoreboard {
		t.Logf("%s: %s (%d votes)", row.Name, row.Overall, row.VoteCount)
	}
	require.Len(t, board.Scoreboard, 2)

	wg.Wait()
}

func subscribeToRoom(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, roomID string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("local:pubsub:room:%s", roomID))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardUpdated:
				var l leaderboard
				if err := json.Unmarshal(n.Data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("room %s leaderboard:\n%s", roomID, formatLeaderboard(l))
			case domain.EventNameActiveSongChanged:
				t.Logf("room %s active song changed: %s", roomID, n.Data)
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	t.Cleanup(cancel)

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

// leaderboard mirrors the notification payload: overall averages arrive as
// decimal strings.
type leaderboard struct {
	RoomID  string `json:"room_id"`
	Entries []struct {
		SongID  string `json:"song_id"`
		Name    string `json:"name"`
		Overall string `json:"overall"`
	} `json:"entries"`
}

func formatLeaderboard(l leaderboard) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("%s: %s\n", e.Name, e.Overall)
	}
	return s
}

func post(t *testing.T, ctx context.Context, path string, body, out any) {
	t.Helper()
	require.NoError(t, tryPost(ctx, path, body, out))
}

func tryPost(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return do(req, out)
}

func get(t *testing.T, ctx context.Context, path string, out any) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	require.NoError(t, err)
	require.NoError(t, do(req, out))
}

func do(req *http.Request, out any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
