// Package room holds the write side of the engine: room and participant
// upserts, song creation, the shared active-song pointer, criteria editing,
// and the vote submission pipeline. Shared fields (active song, criteria)
// are plain last-write-wins overwrites: contention is human-paced, so races
// are rare and harmless, and no compare-and-swap is attempted.
package room

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/jamesarrow/Song-rating/internal/domain"
	"github.com/jamesarrow/Song-rating/internal/errors"
	"github.com/jamesarrow/Song-rating/internal/event"
	"github.com/jamesarrow/Song-rating/internal/flags"
	"github.com/jamesarrow/Song-rating/internal/rating"
	"github.com/jamesarrow/Song-rating/internal/store"
)

var validate = validator.New()

type Config struct {
	Store    store.Store
	EventBus *event.Bus
	Flags    *flags.Lookup
}

type Service struct {
	st    store.Store
	eb    *event.Bus
	flags *flags.Lookup
}

func NewService(c Config) *Service {
	return &Service{
		st:    c.Store,
		eb:    c.EventBus,
		flags: c.Flags,
	}
}

// NormalizeRoomCode lowercases and trims a room code, generating a random
// one when the input is blank.
func NormalizeRoomCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		code = GenerateRoomCode()
	}
	return code
}

var (
	codeAdjectives = []string{"loud", "epic", "fresh", "brave", "lucky", "gold", "neon", "vivid"}
	codeNouns      = []string{"eurovision", "contest", "party", "song", "final", "semifinal"}
)

// GenerateRoomCode produces a human-readable word-pair code with a numeric
// suffix, e.g. "lucky-final-417".
func GenerateRoomCode() string {
	return fmt.Sprintf("%s-%s-%d",
		codeAdjectives[rand.Intn(len(codeAdjectives))],
		codeNouns[rand.Intn(len(codeNouns))],
		rand.Intn(1000),
	)
}

// NormalizeName substitutes the default display name for a blank one.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.DefaultDisplayName
	}
	return name
}

// EnsureRoom creates the room with the default criteria if it does not
// exist, and returns its current state either way.
func (s *Service) EnsureRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	data, ok, err := s.st.GetOne(ctx, store.RoomPath(roomID))
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.st.SetOne(ctx, store.RoomPath(roomID), map[string]any{
			"criteria":     domain.DefaultCriteria,
			"activeSongId": "",
			"createdAt":    store.Timestamp(time.Now()),
		}, false); err != nil {
			return nil, err
		}
		data, _, err = s.st.GetOne(ctx, store.RoomPath(roomID))
		if err != nil {
			return nil, err
		}
	}

	return DecodeRoom(roomID, data)
}

type JoinRoomRequest struct {
	RoomID        string `validate:"required"`
	ParticipantID string `validate:"required"`
	Name          string
}

// JoinRoom ensures the room exists and upserts the participant document.
// Re-joining under the same participant id overwrites, never duplicates.
func (s *Service) JoinRoom(ctx context.Context, req JoinRoomRequest) (*domain.Room, error) {
	if err := validate.Struct(req); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
	}

	r, err := s.EnsureRoom(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("ensure room: %w", err)
	}

	err = s.st.SetOne(ctx, store.ParticipantPath(req.RoomID, req.ParticipantID), map[string]any{
		"name":      NormalizeName(req.Name),
		"updatedAt": store.Timestamp(time.Now()),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("upsert participant: %w", err)
	}

	return r, nil
}

type UpdateAvatarRequest struct {
	RoomID        string `validate:"required"`
	ParticipantID string `validate:"required"`
	PhotoData     string `validate:"required"`
}

// UpdateAvatar stores a pre-encoded avatar image on the participant
// document. The image is opaque to the engine.
func (s *Service) UpdateAvatar(ctx context.Context, req UpdateAvatarRequest) error {
	if err := validate.Struct(req); err != nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
	}

	return s.st.SetOne(ctx, store.ParticipantPath(req.RoomID, req.ParticipantID), map[string]any{
		"photoData": req.PhotoData,
		"updatedAt": store.Timestamp(time.Now()),
	}, true)
}

type AddSongRequest struct {
	RoomID string `validate:"required"`
	Name   string `validate:"required"`
}

// AddSong appends a song with order = max(existing)+1 and makes it the
// room's active song.
func (s *Service) AddSong(ctx context.Context, req AddSongRequest) (*domain.Song, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
	}

	songs, err := s.ListSongs(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	var order int64 = 1
	for _, sg := range songs {
		if sg.Order >= order {
			order = sg.Order + 1
		}
	}

	song := &domain.Song{
		Name:       req.Name,
		Order:      order,
		Flag:       s.flags.SongFlag(req.Name),
		CreateTime: time.Now(),
	}

	song.SongID, err = s.st.AddOne(ctx, store.SongsPath(req.RoomID), map[string]any{
		"name":      song.Name,
		"order":     song.Order,
		"flag":      song.Flag,
		"createdAt": store.Timestamp(song.CreateTime),
	})
	if err != nil {
		return nil, fmt.Errorf("add song: %w", err)
	}

	if err := s.SetActiveSong(ctx, SetActiveSongRequest{RoomID: req.RoomID, SongID: song.SongID}); err != nil {
		return nil, fmt.Errorf("activate song: %w", err)
	}

	return song, nil
}

type SetActiveSongRequest struct {
	RoomID string `validate:"required"`
	SongID string `validate:"required"`
}

// SetActiveSong overwrites the room's shared active-song pointer.
// Concurrent callers race last-write-wins; the most recent write observed by
// all subscribers is the one that sticks.
func (s *Service) SetActiveSong(ctx context.Context, req SetActiveSongRequest) error {
	if err := validate.Struct(req); err != nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
	}

	if err := s.st.UpdateFields(ctx, store.RoomPath(req.RoomID), map[string]any{
		"activeSongId": req.SongID,
	}); err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventActiveSongChanged{RoomID: req.RoomID, SongID: req.SongID})
	return nil
}

type SaveCriteriaRequest struct {
	RoomID   string   `validate:"required"`
	Criteria []string `validate:"max=20"`
}

// SaveCriteria sanitizes and overwrites the room's criteria list. Existing
// vote vectors are never resized to match; the aggregation engine reconciles
// them against the new length on read.
func (s *Service) SaveCriteria(ctx context.Context, req SaveCriteriaRequest) ([]string, error) {
	if err := validate.Struct(req); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
	}

	cleaned := rating.SanitizeCriteriaDraft(req.Criteria)
	if err := s.st.UpdateFields(ctx, store.RoomPath(req.RoomID), map[string]any{
		"criteria": cleaned,
	}); err != nil {
		return nil, err
	}
	return cleaned, nil
}

type SubmitVoteRequest struct {
	RoomID        string `validate:"required"`
	SongID        string `validate:"required"`
	ParticipantID string `validate:"required"`
	Name          string
	Scores        []int `validate:"min=1"`
}

// SubmitVote clamps the score vector against the room's current criteria
// count and upserts the vote keyed by participant id. Resubmitting
// overwrites the single existing record. The criteria count is re-read live
// here so a concurrent criteria edit cannot leave a stale-length write.
func (s *Service) SubmitVote(ctx context.Context, req SubmitVoteRequest) (*domain.Vote, error) {
	if err := validate.Struct(req); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
	}

	r, err := s.EnsureRoom(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("read room: %w", err)
	}

	vote := &domain.Vote{
		ParticipantID: req.ParticipantID,
		Name:          NormalizeName(req.Name),
		Scores:        rating.ClampVector(req.Scores, len(r.Criteria)),
		UpdateTime:    time.Now(),
	}

	err = s.st.SetOne(ctx, store.VotePath(req.RoomID, req.SongID, req.ParticipantID), map[string]any{
		"scores":    vote.Scores,
		"name":      vote.Name,
		"updatedAt": store.Timestamp(vote.UpdateTime),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("upsert vote: %w", err)
	}

	s.eb.Publish(ctx, domain.EventVoteSubmitted{RoomID: req.RoomID, SongID: req.SongID, Vote: *vote})
	return vote, nil
}

type RemoveSongRequest struct {
	RoomID string `validate:"required"`
	SongID string `validate:"required"`
}

// RemoveSong deletes a song and its votes. Remaining songs keep their order
// values; nothing is reindexed.
func (s *Service) RemoveSong(ctx context.Context, req RemoveSongRequest) error {
	if err := validate.Struct(req); err != nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
	}

	votes, err := s.st.List(ctx, store.VotesPath(req.RoomID, req.SongID), "")
	if err != nil {
		return fmt.Errorf("list votes: %w", err)
	}
	for _, v := range votes {
		if err := s.st.DeleteOne(ctx, store.VotePath(req.RoomID, req.SongID, v.ID)); err != nil {
			return fmt.Errorf("delete vote: %w", err)
		}
	}

	return s.st.DeleteOne(ctx, store.SongPath(req.RoomID, req.SongID))
}

// ListSongs returns the room's songs in stable order.
func (s *Service) ListSongs(ctx context.Context, roomID string) ([]domain.Song, error) {
	docs, err := s.st.List(ctx, store.SongsPath(roomID), "order")
	if err != nil {
		return nil, err
	}
	return DecodeSongs(docs)
}

// ListParticipants returns everyone who has joined the room.
func (s *Service) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	docs, err := s.st.List(ctx, store.ParticipantsPath(roomID), "")
	if err != nil {
		return nil, err
	}
	return DecodeParticipants(docs)
}

// ListVotes returns the current vote set for one song.
func (s *Service) ListVotes(ctx context.Context, roomID, songID string) ([]domain.Vote, error) {
	docs, err := s.st.List(ctx, store.VotesPath(roomID, songID), "")
	if err != nil {
		return nil, err
	}
	return DecodeVotes(docs)
}

// Scoreboard aggregates every song's current vote set against the room's
// current criteria count, fetching vote sets concurrently.
func (s *Service) Scoreboard(ctx context.Context, roomID string) ([]domain.SongStats, error) {
	r, err := s.EnsureRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("read room: %w", err)
	}

	songs, err := s.ListSongs(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}

	stats := make([]domain.SongStats, len(songs))
	g, gctx := errgroup.WithContext(ctx)
	for i, song := range songs {
		i, song := i, song
		g.Go(func() error {
			votes, err := s.ListVotes(gctx, roomID, song.SongID)
			if err != nil {
				return fmt.Errorf("votes for %s: %w", song.SongID, err)
			}
			avg := rating.Compute(votes, len(r.Criteria))
			stats[i] = domain.SongStats{
				SongID:       song.SongID,
				Name:         song.Name,
				PerCriterion: avg.PerCriterion,
				Overall:      avg.Overall,
				VoteCount:    avg.VoteCount,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return stats, nil
}
