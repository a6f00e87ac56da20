package room

import (
	"fmt"

	"github.com/jamesarrow/Song-rating/internal/domain"
	"github.com/jamesarrow/Song-rating/internal/rating"
	"github.com/jamesarrow/Song-rating/internal/store"
)

// DecodeRoom maps a room document onto the domain type. A malformed or
// missing criteria list falls back to the default set rather than failing:
// readers always see a usable room.
func DecodeRoom(roomID string, data map[string]any) (*domain.Room, error) {
	var r domain.Room
	if err := store.Decode(data, &r); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	r.RoomID = roomID
	r.Criteria = rating.NormalizeCriteria(r.Criteria)
	return &r, nil
}

func DecodeSongs(docs []store.Document) ([]domain.Song, error) {
	songs := make([]domain.Song, 0, len(docs))
	for _, d := range docs {
		var sg domain.Song
		if err := store.Decode(d.Data, &sg); err != nil {
			return nil, fmt.Errorf("decode song %s: %w", d.ID, err)
		}
		sg.SongID = d.ID
		songs = append(songs, sg)
	}
	return songs, nil
}

func DecodeVotes(docs []store.Document) ([]domain.Vote, error) {
	votes := make([]domain.Vote, 0, len(docs))
	for _, d := range docs {
		var v domain.Vote
		if err := store.Decode(d.Data, &v); err != nil {
			return nil, fmt.Errorf("decode vote %s: %w", d.ID, err)
		}
		v.ParticipantID = d.ID
		votes = append(votes, v)
	}
	return votes, nil
}

func DecodeParticipants(docs []store.Document) ([]domain.Participant, error) {
	parts := make([]domain.Participant, 0, len(docs))
	for _, d := range docs {
		var p domain.Participant
		if err := store.Decode(d.Data, &p); err != nil {
			return nil, fmt.Errorf("decode participant %s: %w", d.ID, err)
		}
		p.ParticipantID = d.ID
		parts = append(parts, p)
	}
	return parts, nil
}

// DecodeVote maps one vote document; used by the own-vote subscription.
func DecodeVote(participantID string, data map[string]any) (*domain.Vote, error) {
	var v domain.Vote
	if err := store.Decode(data, &v); err != nil {
		return nil, fmt.Errorf("decode vote %s: %w", participantID, err)
	}
	v.ParticipantID = participantID
	return &v, nil
}
