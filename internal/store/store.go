// Package store is the document-store boundary: a small key-value document
// API with snapshot subscriptions, scoped to logical collection paths.
// Subscriptions always deliver the full current state of the watched
// document or collection, never a diff, so consumers reconcile against a
// complete snapshot on every invocation.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Document is one stored record together with its id (the last path segment).
type Document struct {
	ID   string
	Data map[string]any
}

// DocFunc receives the current state of a watched document. exists is false
// when the document has never been written (or its data is empty).
type DocFunc func(data map[string]any, exists bool)

// ListFunc receives the full current contents of a watched collection.
type ListFunc func(docs []Document)

// Unsubscribe cancels one subscription. It blocks until the delivery
// goroutine has exited, so no callback runs after it returns.
type Unsubscribe func()

// Store is the external document store the engine runs against.
//
// Writes are fallible round-trips with no implicit timeout beyond the
// caller's context. A stalled write blocks only that call, never the
// subscription-driven read path.
type Store interface {
	// GetOne reads the document at path. The second result reports whether
	// the document exists.
	GetOne(ctx context.Context, path string) (map[string]any, bool, error)

	// SetOne writes the document at path. With merge, fields in data are
	// patched into the existing document; without, the document is replaced.
	SetOne(ctx context.Context, path string, data map[string]any, merge bool) error

	// AddOne appends a document with a generated id to the collection and
	// returns the id.
	AddOne(ctx context.Context, collection string, data map[string]any) (string, error)

	// UpdateFields patches the given fields into the document at path.
	UpdateFields(ctx context.Context, path string, fields map[string]any) error

	// DeleteOne removes the document at path. Deleting an absent document
	// is not an error.
	DeleteOne(ctx context.Context, path string) error

	// List returns the collection's documents, ordered ascending by the
	// numeric orderBy field when given, else by id.
	List(ctx context.Context, collection string, orderBy string) ([]Document, error)

	// SubscribeDoc watches a single document. fn is invoked with the current
	// state immediately after subscribing and again after every change.
	SubscribeDoc(ctx context.Context, path string, fn DocFunc) (Unsubscribe, error)

	// SubscribeCollection watches a collection, ordered like List.
	SubscribeCollection(ctx context.Context, collection string, orderBy string, fn ListFunc) (Unsubscribe, error)

	Close() error
}

// Logical paths used by the rating engine.

func RoomPath(roomID string) string {
	return "rooms/" + roomID
}

func ParticipantsPath(roomID string) string {
	return RoomPath(roomID) + "/participants"
}

func ParticipantPath(roomID, participantID string) string {
	return ParticipantsPath(roomID) + "/" + participantID
}

func SongsPath(roomID string) string {
	return RoomPath(roomID) + "/songs"
}

func SongPath(roomID, songID string) string {
	return SongsPath(roomID) + "/" + songID
}

func VotesPath(roomID, songID string) string {
	return SongPath(roomID, songID) + "/votes"
}

func VotePath(roomID, songID, participantID string) string {
	return VotesPath(roomID, songID) + "/" + participantID
}

// DocID returns the last segment of a document path.
func DocID(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent returns the collection path of a document path, or "" at the root.
func Parent(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// Decode maps raw document data onto a typed struct. Numbers arrive from
// JSON as float64 and are converted weakly; timestamps are RFC3339 strings.
func Decode(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// Timestamp renders t the way documents store times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// SortDocs orders docs ascending by the numeric orderBy field, ties and
// missing fields falling back to id. An empty orderBy sorts by id alone.
// Shared by the store implementations so both back ends agree on ordering.
func SortDocs(docs []Document, orderBy string) {
	sort.SliceStable(docs, func(i, j int) bool {
		if orderBy != "" {
			oi, iok := numericField(docs[i].Data, orderBy)
			oj, jok := numericField(docs[j].Data, orderBy)
			switch {
			case iok && jok && oi != oj:
				return oi < oj
			case iok != jok:
				return iok
			}
		}
		return docs[i].ID < docs[j].ID
	})
}

func numericField(data map[string]any, field string) (float64, bool) {
	switch v := data[field].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
