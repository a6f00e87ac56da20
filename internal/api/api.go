// Package api exposes the room service over HTTP and fans domain events out
// to Redis pub/sub for external listeners.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/jamesarrow/Song-rating/internal/domain"
	"github.com/jamesarrow/Song-rating/internal/errors"
	"github.com/jamesarrow/Song-rating/internal/event"
	"github.com/jamesarrow/Song-rating/internal/leaderboard"
	"github.com/jamesarrow/Song-rating/internal/room"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Rooms        *room.Service
	Boards       *leaderboard.Manager
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

var (
	joinCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "songrating_room_joins_total",
		Help: "Participants joined across all rooms.",
	})
	voteCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "songrating_votes_submitted_total",
		Help: "Vote submissions accepted across all rooms.",
	})
)

type API struct {
	rooms  *room.Service
	boards *leaderboard.Manager

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		rooms:  c.Rooms,
		boards: c.Boards,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	g := c.Router.Group("/api/rooms/:room")
	g.POST("/join", a.JoinRoom)
	g.GET("", a.GetRoom)
	g.PUT("/criteria", a.SaveCriteria)
	g.POST("/active", a.SetActiveSong)
	g.POST("/songs", a.AddSong)
	g.DELETE("/songs/:song", a.RemoveSong)
	g.POST("/songs/:song/vote", a.SubmitVote)
	g.PUT("/participants/:participant/avatar", a.UpdateAvatar)
	g.GET("/scoreboard", a.GetScoreboard)
	g.GET("/leaderboard", a.GetLeaderboard)

	// Event handlers
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameActiveSongChanged, func(ctx context.Context, e event.Event) error {
		return a.PublishActiveSongChanged(ctx, e.(domain.EventActiveSongChanged))
	})

	return a
}

type (
	Room struct {
		RoomID       string   `json:"room_id"`
		Criteria     []string `json:"criteria"`
		ActiveSongID string   `json:"active_song_id"`
	}

	Participant struct {
		ParticipantID string `json:"participant_id"`
		Name          string `json:"name"`
		PhotoData     string `json:"photo_data,omitempty"`
	}

	Song struct {
		SongID string `json:"song_id"`
		Name   string `json:"name"`
		Order  int64  `json:"order"`
		Flag   string `json:"flag,omitempty"`
	}

	SongStats struct {
		SongID       string   `json:"song_id"`
		Name         string   `json:"name"`
		PerCriterion []string `json:"per_criterion"`
		Overall      string   `json:"overall"`
		VoteCount    int      `json:"vote_count"`
	}
)

func newRoom(r *domain.Room) Room {
	return Room{RoomID: r.RoomID, Criteria: r.Criteria, ActiveSongID: r.ActiveSongID}
}

func newSong(sg domain.Song) Song {
	return Song{SongID: sg.SongID, Name: sg.Name, Order: sg.Order, Flag: sg.Flag}
}

type JoinRoomRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Name          string `json:"name"`
}

func (a *API) JoinRoom(c *gin.Context) {
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	r, err := a.rooms.JoinRoom(c.Request.Context(), room.JoinRoomRequest{
		RoomID:        room.NormalizeRoomCode(c.Param("room")),
		ParticipantID: req.ParticipantID,
		Name:          room.NormalizeName(req.Name),
	})
	if err != nil {
		abort(c, err)
		return
	}

	joinCount.Inc()
	c.JSON(http.StatusOK, gin.H{"room": newRoom(r)})
}

func (a *API) GetRoom(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := room.NormalizeRoomCode(c.Param("room"))

	r, err := a.rooms.EnsureRoom(ctx, roomID)
	if err != nil {
		abort(c, err)
		return
	}
	songs, err := a.rooms.ListSongs(ctx, roomID)
	if err != nil {
		abort(c, err)
		return
	}
	parts, err := a.rooms.ListParticipants(ctx, roomID)
	if err != nil {
		abort(c, err)
		return
	}

	respSongs := make([]Song, 0, len(songs))
	for _, sg := range songs {
		respSongs = append(respSongs, newSong(sg))
	}
	respParts := make([]Participant, 0, len(parts))
	for _, p := range parts {
		respParts = append(respParts, Participant{
			ParticipantID: p.ParticipantID,
			Name:          p.Name,
			PhotoData:     p.PhotoData,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"room":         newRoom(r),
		"songs":        respSongs,
		"participants": respParts,
	})
}

type SaveCriteriaRequest struct {
	Criteria []string `json:"criteria" binding:"required"`
}

func (a *API) SaveCriteria(c *gin.Context) {
	var req SaveCriteriaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	criteria, err := a.rooms.SaveCriteria(c.Request.Context(), room.SaveCriteriaRequest{
		RoomID:   room.NormalizeRoomCode(c.Param("room")),
		Criteria: req.Criteria,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"criteria": criteria})
}

type SetActiveSongRequest struct {
	SongID string `json:"song_id" binding:"required"`
}

func (a *API) SetActiveSong(c *gin.Context) {
	var req SetActiveSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.rooms.SetActiveSong(c.Request.Context(), room.SetActiveSongRequest{
		RoomID: room.NormalizeRoomCode(c.Param("room")),
		SongID: req.SongID,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type AddSongRequest struct {
	Name string `json:"name" binding:"required"`
}

func (a *API) AddSong(c *gin.Context) {
	var req AddSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	sg, err := a.rooms.AddSong(c.Request.Context(), room.AddSongRequest{
		RoomID: room.NormalizeRoomCode(c.Param("room")),
		Name:   req.Name,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"song": newSong(*sg)})
}

func (a *API) RemoveSong(c *gin.Context) {
	err := a.rooms.RemoveSong(c.Request.Context(), room.RemoveSongRequest{
		RoomID: room.NormalizeRoomCode(c.Param("room")),
		SongID: c.Param("song"),
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type SubmitVoteRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Name          string `json:"name"`
	Scores        []int  `json:"scores" binding:"required,min=1"`
}

func (a *API) SubmitVote(c *gin.Context) {
	var req SubmitVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	v, err := a.rooms.SubmitVote(c.Request.Context(), room.SubmitVoteRequest{
		RoomID:        room.NormalizeRoomCode(c.Param("room")),
		SongID:        c.Param("song"),
		ParticipantID: req.ParticipantID,
		Name:          req.Name,
		Scores:        req.Scores,
	})
	if err != nil {
		abort(c, err)
		return
	}

	voteCount.Inc()
	c.JSON(http.StatusOK, gin.H{"scores": v.Scores})
}

type UpdateAvatarRequest struct {
	PhotoData string `json:"photo_data" binding:"required"`
}

func (a *API) UpdateAvatar(c *gin.Context) {
	var req UpdateAvatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.rooms.UpdateAvatar(c.Request.Context(), room.UpdateAvatarRequest{
		RoomID:        room.NormalizeRoomCode(c.Param("room")),
		ParticipantID: c.Param("participant"),
		PhotoData:     req.PhotoData,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetScoreboard aggregates directly from the store: a fresh read of every
// vote, bypassing the live compiler state.
func (a *API) GetScoreboard(c *gin.Context) {
	stats, err := a.rooms.Scoreboard(c.Request.Context(), room.NormalizeRoomCode(c.Param("room")))
	if err != nil {
		abort(c, err)
		return
	}

	resp := make([]SongStats, 0, len(stats))
	for _, st := range stats {
		per := make([]string, 0, len(st.PerCriterion))
		for _, d := range st.PerCriterion {
			per = append(per, d.String())
		}
		resp = append(resp, SongStats{
			SongID:       st.SongID,
			Name:         st.Name,
			PerCriterion: per,
			Overall:      st.Overall.String(),
			VoteCount:    st.VoteCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"scoreboard": resp})
}

// GetLeaderboard serves the live compiler's ranking, starting a compiler for
// the room on first request.
func (a *API) GetLeaderboard(c *gin.Context) {
	cp, err := a.boards.Get(c.Request.Context(), room.NormalizeRoomCode(c.Param("room")))
	if err != nil {
		abort(c, err)
		return
	}

	l := cp.Rows()
	entries := make([]LeaderboardEntry, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, LeaderboardEntry{
			SongID:  e.SongID,
			Name:    e.Name,
			Overall: e.Overall,
		})
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": Leaderboard{RoomID: l.RoomID, Entries: entries}})
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e.Error()})
}
