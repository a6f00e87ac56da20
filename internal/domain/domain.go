package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MinScore and MaxScore bound every stored score. 0 never appears in a
	// stored position except as the absence sentinel.
	MinScore = 1
	MaxScore = 10

	// MaxCriteria caps the room's criteria list length.
	MaxCriteria = 20
)

// DefaultDisplayName substitutes an empty participant name.
const DefaultDisplayName = "Без имени"

// DefaultCriteria is the criteria set a freshly created room starts with.
var DefaultCriteria = []string{
	"Вокал",
	"Мелодия",
	"Текст",
	"Сценический образ",
	"Хореография",
	"Оригинальность",
	"Аранжировка",
	"Визуал",
	"Подача",
	"Эмоции",
}

// FallbackCriterion replaces a criteria draft that sanitizes down to nothing.
const FallbackCriterion = "Оценка"

// Room is a shared rating session identified by a lowercased code.
type Room struct {
	RoomID       string    `mapstructure:"-"`
	Criteria     []string  `mapstructure:"criteria"`
	ActiveSongID string    `mapstructure:"activeSongId"`
	CreateTime   time.Time `mapstructure:"createdAt"`
}

// Participant is one member of a room. The ParticipantID is a self-assigned
// opaque token persisted on the participant's own machine; no identity
// guarantee is made.
type Participant struct {
	ParticipantID string    `mapstructure:"-"`
	Name          string    `mapstructure:"name"`
	PhotoData     string    `mapstructure:"photoData"`
	UpdateTime    time.Time `mapstructure:"updatedAt"`
}

// Song is one rated entry within a room. Order is assigned once at creation
// and never reindexed, so it stays stable across deletions.
type Song struct {
	SongID     string    `mapstructure:"-"`
	Name       string    `mapstructure:"name"`
	Order      int64     `mapstructure:"order"`
	Flag       string    `mapstructure:"flag"`
	CreateTime time.Time `mapstructure:"createdAt"`
}

// Vote is one participant's score vector for one song. At most one vote
// exists per (room, song, participant); resubmitting overwrites.
//
// Scores is positional against the room's criteria list. A 0 entry means the
// position was never rated, not that it scored zero; a vector shorter than
// the current criteria count simply lacks the trailing positions.
type Vote struct {
	ParticipantID string    `mapstructure:"-"`
	Name          string    `mapstructure:"name"`
	Scores        []int     `mapstructure:"scores"`
	UpdateTime    time.Time `mapstructure:"updatedAt"`
}

// ClampScore forces n into the valid score range. Out-of-range input is
// clamped to the nearest bound, never dropped.
func ClampScore(n int) int {
	if n < MinScore {
		return MinScore
	}
	if n > MaxScore {
		return MaxScore
	}
	return n
}

// SongStats is the aggregate of all current votes for one song.
type SongStats struct {
	SongID       string
	Name         string
	PerCriterion []decimal.Decimal
	Overall      decimal.Decimal
	VoteCount    int
}

// Leaderboard ranks every song in a room by overall average, descending.
type Leaderboard struct {
	RoomID  string
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	SongID  string
	Name    string
	Overall float64
}
