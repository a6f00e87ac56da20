// Package session drives one participant's room session: the gate→lobby
// state machine, the live subscriptions behind it, and the local slider
// state. All callback work is serialized on the controller's mutex, so the
// independent subscriptions may deliver in any order without corrupting
// state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jamesarrow/Song-rating/internal/domain"
	"github.com/jamesarrow/Song-rating/internal/localstate"
	"github.com/jamesarrow/Song-rating/internal/rating"
	"github.com/jamesarrow/Song-rating/internal/room"
	"github.com/jamesarrow/Song-rating/internal/store"
)

type State int

const (
	// StateGate: no room joined; the client is collecting a display name
	// and room code.
	StateGate State = iota
	// StateLobby: joined; subscriptions are live.
	StateLobby
)

const defaultScore = 5

type Config struct {
	Store store.Store
	Rooms *room.Service
	Local *localstate.Store

	// OnChange, when set, is called after every state change. Redundant
	// invocations are expected; renderers must tolerate re-draws.
	OnChange func()
}

// Controller owns the subscription lifecycle for one active room session.
type Controller struct {
	st       store.Store
	rooms    *room.Service
	local    *localstate.Store
	onChange func()

	mu            sync.Mutex
	state         State
	ctx           context.Context
	cancel        context.CancelFunc
	roomID        string
	participantID string
	name          string

	criteria       []string
	activeSongID   string
	selectedSongID string
	songs          []domain.Song
	participants   []domain.Participant
	myScores       []int
	selectedVotes  []domain.Vote
	selectedStats  rating.Averages

	unsubs     []store.Unsubscribe
	voteUnsub  store.Unsubscribe
	votesUnsub store.Unsubscribe
}

// New restores the locally persisted identity and starts in the gate state.
func New(c Config) (*Controller, error) {
	ident, err := c.Local.Load()
	if err != nil {
		return nil, fmt.Errorf("session: load identity: %w", err)
	}

	return &Controller{
		st:            c.Store,
		rooms:         c.Rooms,
		local:         c.Local,
		onChange:      c.OnChange,
		state:         StateGate,
		participantID: ident.ParticipantID,
		roomID:        ident.RoomID,
		name:          ident.Name,
	}, nil
}

// Join moves gate→lobby: normalize the inputs (blank code generates one,
// blank name gets the default), persist them locally, ensure the room and
// participant documents exist, then open the room, participant, and song
// subscriptions. The vote subscription follows once a song is selected.
func (c *Controller) Join(ctx context.Context, roomCode, displayName string) error {
	c.Leave()

	roomID := room.NormalizeRoomCode(roomCode)
	name := room.NormalizeName(displayName)

	if err := c.local.Save(roomID, name); err != nil {
		return err
	}

	r, err := c.rooms.JoinRoom(ctx, room.JoinRoomRequest{
		RoomID:        roomID,
		ParticipantID: c.participantID,
		Name:          name,
	})
	if err != nil {
		return fmt.Errorf("session: join room: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.state = StateLobby
	c.ctx = sctx
	c.cancel = cancel
	c.roomID = roomID
	c.name = name
	c.criteria = r.Criteria
	c.activeSongID = r.ActiveSongID
	c.selectedSongID = ""
	c.songs = nil
	c.participants = nil
	c.myScores = defaultScores(len(r.Criteria))
	c.mu.Unlock()

	roomUnsub, err := c.st.SubscribeDoc(sctx, store.RoomPath(roomID), c.onRoom)
	if err != nil {
		c.Leave()
		return fmt.Errorf("session: subscribe room: %w", err)
	}
	partsUnsub, err := c.st.SubscribeCollection(sctx, store.ParticipantsPath(roomID), "", c.onParticipants)
	if err != nil {
		roomUnsub()
		c.Leave()
		return fmt.Errorf("session: subscribe participants: %w", err)
	}
	songsUnsub, err := c.st.SubscribeCollection(sctx, store.SongsPath(roomID), "order", c.onSongs)
	if err != nil {
		roomUnsub()
		partsUnsub()
		c.Leave()
		return fmt.Errorf("session: subscribe songs: %w", err)
	}

	c.mu.Lock()
	c.unsubs = []store.Unsubscribe{roomUnsub, partsUnsub, songsUnsub}
	c.mu.Unlock()

	c.notify()
	return nil
}

// Leave moves lobby→gate and synchronously cancels every open subscription,
// including the own-vote one. The room and participant documents persist;
// there is no server-side cleanup.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.state != StateLobby {
		c.mu.Unlock()
		return
	}
	c.state = StateGate
	unsubs := c.unsubs
	c.unsubs = nil
	if c.voteUnsub != nil {
		unsubs = append(unsubs, c.voteUnsub)
		c.voteUnsub = nil
	}
	if c.votesUnsub != nil {
		unsubs = append(unsubs, c.votesUnsub)
		c.votesUnsub = nil
	}
	cancel := c.cancel
	c.cancel = nil
	c.selectedSongID = ""
	c.songs = nil
	c.participants = nil
	c.selectedVotes = nil
	c.selectedStats = rating.Averages{}
	c.mu.Unlock()

	// Cancel outside the lock: each Unsubscribe blocks until its delivery
	// goroutine exits, and those goroutines take the lock.
	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	c.notify()
}

func (c *Controller) onRoom(data map[string]any, exists bool) {
	if !exists {
		return
	}

	c.mu.Lock()
	r, err := room.DecodeRoom(c.roomID, data)
	if err != nil {
		c.mu.Unlock()
		slog.Error("session: decode room failed", "room", c.roomID, "error", err)
		return
	}
	c.criteria = r.Criteria
	c.activeSongID = r.ActiveSongID
	c.myScores = resizeScores(c.myScores, len(r.Criteria))
	c.selectedStats = rating.Compute(c.selectedVotes, len(r.Criteria))
	c.mu.Unlock()

	c.notify()
}

func (c *Controller) onParticipants(docs []store.Document) {
	parts, err := room.DecodeParticipants(docs)
	if err != nil {
		slog.Error("session: decode participants failed", "error", err)
		return
	}

	c.mu.Lock()
	c.participants = parts
	c.mu.Unlock()

	c.notify()
}

func (c *Controller) onSongs(docs []store.Document) {
	songs, err := room.DecodeSongs(docs)
	if err != nil {
		slog.Error("session: decode songs failed", "error", err)
		return
	}

	c.mu.Lock()
	c.songs = songs

	// Selection policy: pick the room's active song (else the first by
	// order) only while nothing is selected; an existing selection is
	// sticky across list updates and moves only on an explicit action —
	// or when the selected song disappears from the room.
	next := c.selectedSongID
	if next != "" && !songInList(songs, next) {
		next = ""
	}
	if next == "" && len(songs) > 0 {
		if songInList(songs, c.activeSongID) {
			next = c.activeSongID
		} else {
			next = songs[0].SongID
		}
	}
	c.mu.Unlock()

	c.reselect(next)
	c.notify()
}

func (c *Controller) onVote(data map[string]any, exists bool) {
	if !exists {
		return
	}

	c.mu.Lock()
	v, err := room.DecodeVote(c.participantID, data)
	if err != nil {
		c.mu.Unlock()
		slog.Error("session: decode own vote failed", "error", err)
		return
	}
	for i := range c.myScores {
		if i < len(v.Scores) && v.Scores[i] != 0 {
			c.myScores[i] = domain.ClampScore(v.Scores[i])
		}
	}
	c.mu.Unlock()

	c.notify()
}

// reselect swaps the local selection and the two subscriptions that follow
// it: the selected song's full vote collection (feeding the live results)
// and the caller's own vote document. Pairing is strict: the old handles are
// released before new ones are stored, and a selection that moved on
// mid-subscribe releases the fresh handles immediately.
func (c *Controller) reselect(songID string) {
	c.mu.Lock()
	if c.state != StateLobby ||
		(c.selectedSongID == songID && (songID == "" || (c.voteUnsub != nil && c.votesUnsub != nil))) {
		c.mu.Unlock()
		return
	}
	c.selectedSongID = songID
	oldVote := c.voteUnsub
	oldVotes := c.votesUnsub
	c.voteUnsub = nil
	c.votesUnsub = nil
	c.selectedVotes = nil
	c.selectedStats = rating.Averages{}
	ctx, roomID, pid := c.ctx, c.roomID, c.participantID
	c.mu.Unlock()

	if oldVote != nil {
		oldVote()
	}
	if oldVotes != nil {
		oldVotes()
	}
	if songID == "" {
		return
	}

	voteUnsub, err := c.st.SubscribeDoc(ctx, store.VotePath(roomID, songID, pid), c.onVote)
	if err != nil {
		slog.Error("session: subscribe own vote failed", "song", songID, "error", err)
		voteUnsub = nil
	}
	votesUnsub, err := c.st.SubscribeCollection(ctx, store.VotesPath(roomID, songID), "", func(docs []store.Document) {
		c.onSelectedVotes(songID, docs)
	})
	if err != nil {
		slog.Error("session: subscribe vote collection failed", "song", songID, "error", err)
		votesUnsub = nil
	}

	c.mu.Lock()
	if c.state == StateLobby && c.selectedSongID == songID {
		c.voteUnsub = voteUnsub
		c.votesUnsub = votesUnsub
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if voteUnsub != nil {
		voteUnsub()
	}
	if votesUnsub != nil {
		votesUnsub()
	}
}

// onSelectedVotes feeds every vote snapshot for the selected song through the
// aggregation engine so the live per-criterion and overall averages track the
// room in real time.
func (c *Controller) onSelectedVotes(songID string, docs []store.Document) {
	votes, err := room.DecodeVotes(docs)
	if err != nil {
		slog.Error("session: decode selected votes failed", "song", songID, "error", err)
		return
	}

	c.mu.Lock()
	if c.selectedSongID != songID {
		c.mu.Unlock()
		return
	}
	c.selectedVotes = votes
	c.selectedStats = rating.Compute(votes, len(c.criteria))
	c.mu.Unlock()

	c.notify()
}

// Select changes which song this participant is viewing. Purely local; the
// shared active-song pointer is untouched.
func (c *Controller) Select(songID string) {
	c.mu.Lock()
	ok := c.state == StateLobby && songInList(c.songs, songID)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.reselect(songID)
	c.notify()
}

// MakeActive sets the room-wide active song (last write wins, no locking)
// and moves the caller's own selection to match. Other participants'
// selections stay put.
func (c *Controller) MakeActive(ctx context.Context, songID string) error {
	c.mu.Lock()
	roomID := c.roomID
	ok := c.state == StateLobby && songInList(c.songs, songID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown song %q", songID)
	}

	if err := c.rooms.SetActiveSong(ctx, room.SetActiveSongRequest{RoomID: roomID, SongID: songID}); err != nil {
		return err
	}

	c.reselect(songID)
	c.notify()
	return nil
}

// AddSong appends a song; it becomes both the new selection and the room's
// active song for this caller.
func (c *Controller) AddSong(ctx context.Context, name string) (*domain.Song, error) {
	c.mu.Lock()
	roomID := c.roomID
	ok := c.state == StateLobby
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session: not in a room")
	}

	sg, err := c.rooms.AddSong(ctx, room.AddSongRequest{RoomID: roomID, Name: name})
	if err != nil {
		return nil, err
	}

	c.reselect(sg.SongID)
	c.notify()
	return sg, nil
}

// SetScore moves one local slider. Nothing is written until Submit.
func (c *Controller) SetScore(position, score int) {
	c.mu.Lock()
	if position >= 0 && position < len(c.myScores) {
		c.myScores[position] = domain.ClampScore(score)
	}
	c.mu.Unlock()

	c.notify()
}

// Submit writes the full local score vector as this participant's vote for
// the selected song. Submission is explicit: there is no autosave on slider
// movement. The stored vote echoes back through the own-vote subscription,
// so no optimistic local update is needed.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateLobby || c.selectedSongID == "" {
		c.mu.Unlock()
		return fmt.Errorf("session: no song selected")
	}
	req := room.SubmitVoteRequest{
		RoomID:        c.roomID,
		SongID:        c.selectedSongID,
		ParticipantID: c.participantID,
		Name:          c.name,
		Scores:        append([]int(nil), c.myScores...),
	}
	c.mu.Unlock()

	_, err := c.rooms.SubmitVote(ctx, req)
	return err
}

// SaveCriteria writes an edited criteria draft for the whole room.
func (c *Controller) SaveCriteria(ctx context.Context, draft []string) error {
	c.mu.Lock()
	roomID := c.roomID
	ok := c.state == StateLobby
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: not in a room")
	}

	_, err := c.rooms.SaveCriteria(ctx, room.SaveCriteriaRequest{RoomID: roomID, Criteria: draft})
	return err
}

// View is an immutable snapshot of the controller for rendering.
type View struct {
	State          State
	RoomID         string
	ParticipantID  string
	Name           string
	Criteria       []string
	Songs          []domain.Song
	Participants   []domain.Participant
	ActiveSongID   string
	SelectedSongID string
	MyScores       []int
	MyAverage      decimal.Decimal

	// SelectedStats is the live aggregate of every current vote for the
	// selected song, recomputed on each vote-collection snapshot.
	SelectedStats rating.Averages
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	myVote := domain.Vote{Scores: c.myScores}
	avg := rating.Compute([]domain.Vote{myVote}, len(c.myScores))

	return View{
		State:          c.state,
		RoomID:         c.roomID,
		ParticipantID:  c.participantID,
		Name:           c.name,
		Criteria:       append([]string(nil), c.criteria...),
		Songs:          append([]domain.Song(nil), c.songs...),
		Participants:   append([]domain.Participant(nil), c.participants...),
		ActiveSongID:   c.activeSongID,
		SelectedSongID: c.selectedSongID,
		MyScores:       append([]int(nil), c.myScores...),
		MyAverage:      avg.Overall,
		SelectedStats:  c.selectedStats,
	}
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

func songInList(songs []domain.Song, id string) bool {
	if id == "" {
		return false
	}
	for _, sg := range songs {
		if sg.SongID == id {
			return true
		}
	}
	return false
}

func defaultScores(k int) []int {
	if k < 1 {
		k = 1
	}
	scores := make([]int, k)
	for i := range scores {
		scores[i] = defaultScore
	}
	return scores
}

// resizeScores fits the local sliders to a new criteria count, keeping
// clamped existing values and defaulting new positions.
func resizeScores(prev []int, k int) []int {
	if k < 1 {
		k = 1
	}
	scores := make([]int, k)
	for i := range scores {
		if i < len(prev) && prev[i] != 0 {
			scores[i] = domain.ClampScore(prev[i])
		} else {
			scores[i] = defaultScore
		}
	}
	return scores
}
