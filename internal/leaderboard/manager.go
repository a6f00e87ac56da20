package leaderboard

import (
	"context"
	"sync"

	"github.com/jamesarrow/Song-rating/internal/event"
	"github.com/jamesarrow/Song-rating/internal/store"
)

type ManagerConfig struct {
	Store    store.Store
	EventBus *event.Bus
}

// Manager owns one Compiler per room, created on first use. The server keeps
// a single Manager and closes it on shutdown.
type Manager struct {
	st store.Store
	eb *event.Bus

	mu        sync.Mutex
	compilers map[string]*Compiler
}

func NewManager(c ManagerConfig) *Manager {
	return &Manager{
		st:        c.Store,
		eb:        c.EventBus,
		compilers: make(map[string]*Compiler),
	}
}

// Get returns the room's compiler, starting one if none is running yet.
func (m *Manager) Get(ctx context.Context, roomID string) (*Compiler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp, ok := m.compilers[roomID]; ok {
		return cp, nil
	}

	// Compilers outlive the request that starts them.
	cp, err := New(context.WithoutCancel(ctx), Config{Store: m.st, EventBus: m.eb, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	m.compilers[roomID] = cp
	return cp, nil
}

// Close stops every compiler.
func (m *Manager) Close() {
	m.mu.Lock()
	compilers := m.compilers
	m.compilers = make(map[string]*Compiler)
	m.mu.Unlock()

	for _, cp := range compilers {
		cp.Close()
	}
}
