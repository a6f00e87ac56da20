package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jamesarrow/Song-rating/internal/domain"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		RoomID  string             `json:"room_id"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		SongID  string  `json:"song_id"`
		Name    string  `json:"name"`
		Overall float64 `json:"overall"`
	}

	ActiveSong struct {
		RoomID string `json:"room_id"`
		SongID string `json:"song_id"`
	}
)

// PublishLeaderboardUpdated pushes a ranking snapshot to the room's pub/sub
// channel whenever the compiler republishes. Overall averages cross the wire
// as strings to keep their decimal rendering exact.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	type wireEntry struct {
		SongID  string `json:"song_id"`
		Name    string `json:"name"`
		Overall string `json:"overall"`
	}
	entries := make([]wireEntry, 0, len(l.Entries))
	for _, entry := range l.Entries {
		entries = append(entries, wireEntry{
			SongID:  entry.SongID,
			Name:    entry.Name,
			Overall: strconv.FormatFloat(entry.Overall, 'f', -1, 64),
		})
	}

	data := struct {
		RoomID  string      `json:"room_id"`
		Entries []wireEntry `json:"entries"`
	}{RoomID: l.RoomID, Entries: entries}

	return a.publishNotification(ctx, l.RoomID, e.Name(), data)
}

// PublishActiveSongChanged tells room listeners that the shared active-song
// pointer moved.
func (a *API) PublishActiveSongChanged(ctx context.Context, e domain.EventActiveSongChanged) error {
	return a.publishNotification(ctx, e.RoomID, e.Name(), ActiveSong{
		RoomID: e.RoomID,
		SongID: e.SongID,
	})
}

func (a *API) publishNotification(ctx context.Context, roomID, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:room:%s", a.prefix, roomID), b).Err()
}
