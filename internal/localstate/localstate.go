// Package localstate persists the participant's local identity: the
// self-assigned opaque participant id plus the last room code and display
// name. It is the only file-backed state in the client.
package localstate

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	participant_id TEXT NOT NULL,
	room_id        TEXT NOT NULL DEFAULT '',
	display_name   TEXT NOT NULL DEFAULT '',
	update_time    TIMESTAMP NOT NULL
);`

// Identity is the locally persisted participant state. ParticipantID is an
// opaque token with no security property; it only keys this machine's votes.
type Identity struct {
	ParticipantID string
	RoomID        string
	Name          string
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("localstate: create dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("localstate: open: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstate: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load returns the persisted identity, minting and storing a fresh
// participant id on first use.
func (s *Store) Load() (Identity, error) {
	var ident Identity
	err := s.db.QueryRow(
		`SELECT participant_id, room_id, display_name FROM identity WHERE id = 1`,
	).Scan(&ident.ParticipantID, &ident.RoomID, &ident.Name)
	if err == sql.ErrNoRows {
		ident = Identity{ParticipantID: uuid.NewString()}
		_, err = s.db.Exec(
			`INSERT INTO identity (id, participant_id, update_time) VALUES (1, ?, ?)`,
			ident.ParticipantID, time.Now(),
		)
		if err != nil {
			return Identity{}, fmt.Errorf("localstate: init identity: %w", err)
		}
		return ident, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("localstate: load: %w", err)
	}
	return ident, nil
}

// Save records the last-joined room and display name.
func (s *Store) Save(roomID, name string) error {
	_, err := s.db.Exec(
		`UPDATE identity SET room_id = ?, display_name = ?, update_time = ? WHERE id = 1`,
		roomID, name, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("localstate: save: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
