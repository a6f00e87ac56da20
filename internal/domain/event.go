package domain

const (
	EventNameVoteSubmitted      = "vote.submitted"
	EventNameActiveSongChanged  = "song.activated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventVoteSubmitted struct {
	RoomID string
	SongID string
	Vote   Vote
}

func (EventVoteSubmitted) Name() string { return EventNameVoteSubmitted }

type EventActiveSongChanged struct {
	RoomID string
	SongID string
}

func (EventActiveSongChanged) Name() string { return EventNameActiveSongChanged }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
