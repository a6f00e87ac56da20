package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesarrow/Song-rating/internal/api"
	"github.com/jamesarrow/Song-rating/internal/event"
	"github.com/jamesarrow/Song-rating/internal/flags"
	"github.com/jamesarrow/Song-rating/internal/leaderboard"
	"github.com/jamesarrow/Song-rating/internal/room"
	"github.com/jamesarrow/Song-rating/internal/store"
)

func makeRouter(t *testing.T) *gin.Engine {
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

	rooms := room.NewService(room.Config{Store: st, EventBus: eb, Flags: flags.NewLookup()})
	boards := leaderboard.NewManager(leaderboard.ManagerConfig{Store: st, EventBus: eb})
	t.Cleanup(boards.Close)

	gin.SetMode(gin.TestMode)
	e := gin.New()
	api.New(api.Config{
		Router:       e,
		EventBus:     eb,
		Rooms:        rooms,
		Boards:       boards,
		Redis:        rc,
		PubsubPrefix: "test:pubsub",
	})
	return e
}

func doJSON(t *testing.T, e *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestAPI_JoinAndVoteFlow(t *testing.T) {
	e := makeRouter(t)

	w := doJSON(t, e, http.MethodPost, "/api/rooms/Demo/join", `{"participant_id":"p1","name":"Аня"}`)
	require.Equal(t, http.StatusOK, w.Code, "join should succeed: %s", w.Body)

	var joined struct {
		Room struct {
			RoomID   string   `json:"room_id"`
			Criteria []string `json:"criteria"`
		} `json:"room"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &joined))
	assert.Equal(t, "demo", joined.Room.RoomID, "room code is normalized")
	assert.Len(t, joined.Room.Criteria, 10)

	w = doJSON(t, e, http.MethodPost, "/api/rooms/demo/songs", `{"name":"Sweden — ABBA"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var added struct {
		Song struct {
			SongID string `json:"song_id"`
			Flag   string `json:"flag"`
		} `json:"song"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &added))
	assert.Equal(t, "🇸🇪", added.Song.Flag)

	w = doJSON(t, e, http.MethodPost, "/api/rooms/demo/songs/"+added.Song.SongID+"/vote",
		`{"participant_id":"p1","name":"Аня","scores":[15,0,9]}`)
	require.Equal(t, http.StatusOK, w.Code, "vote should succeed: %s", w.Body)

	var voted struct {
		Scores []int `json:"scores"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &voted))
	assert.Equal(t, []int{10, 1, 9}, voted.Scores, "scores are clamped on write")

	w = doJSON(t, e, http.MethodGet, "/api/rooms/demo/scoreboard", "")
	require.Equal(t, http.StatusOK, w.Code)

	var board struct {
		Scoreboard []struct {
			Overall   string `json:"overall"`
			VoteCount int    `json:"vote_count"`
		} `json:"scoreboard"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &board))
	require.Len(t, board.Scoreboard, 1)
	assert.Equal(t, 1, board.Scoreboard[0].VoteCount)
}

func TestAPI_ValidatesRequests(t *testing.T) {
	e := makeRouter(t)

	// Missing participant id
	w := doJSON(t, e, http.MethodPost, "/api/rooms/demo/join", `{"name":"Аня"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Empty score vector
	w = doJSON(t, e, http.MethodPost, "/api/rooms/demo/songs/s1/vote",
		`{"participant_id":"p1","scores":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Blank song name
	w = doJSON(t, e, http.MethodPost, "/api/rooms/demo/songs", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_GetRoomListsState(t *testing.T) {
	e := makeRouter(t)

	doJSON(t, e, http.MethodPost, "/api/rooms/demo/join", `{"participant_id":"p1","name":"Аня"}`)
	doJSON(t, e, http.MethodPost, "/api/rooms/demo/join", `{"participant_id":"p2","name":"Борис"}`)
	doJSON(t, e, http.MethodPost, "/api/rooms/demo/songs", `{"name":"A"}`)
	doJSON(t, e, http.MethodPost, "/api/rooms/demo/songs", `{"name":"B"}`)

	w := doJSON(t, e, http.MethodGet, "/api/rooms/demo", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Room struct {
			ActiveSongID string `json:"active_song_id"`
		} `json:"room"`
		Songs        []struct{ Order int64 `json:"order"` } `json:"songs"`
		Participants []struct{ Name string `json:"name"` }  `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Songs, 2)
	assert.Equal(t, int64(1), resp.Songs[0].Order)
	assert.Equal(t, int64(2), resp.Songs[1].Order)
	assert.Len(t, resp.Participants, 2)
	assert.NotEmpty(t, resp.Room.ActiveSongID, "last added song is active")
}
