// Package memstore keeps pastes in process memory. Nothing survives a restart.
package memstore

import (
	"context"
	"sync"
	"time"

	"pastebin-lite/internal/lifecycle"
	"pastebin-lite/internal/storage"
)

// Store implements storage.Store with a mutex-guarded map.
type Store struct {
	mu     sync.Mutex
	pastes map[string]*storage.Paste
	closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{pastes: make(map[string]*storage.Paste)}
}

func (m *Store) Insert(ctx context.Context, paste *storage.Paste) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Classify(err, "insert paste")
	}
	if err := paste.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", storage.ErrUnavailable
	}
	if _, ok := m.pastes[paste.ID]; ok {
		return "", storage.ErrConflict
	}
	m.pastes[paste.ID] = paste.Clone()
	return paste.ID, nil
}

func (m *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Classify(err, "get paste")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storage.ErrUnavailable
	}
	p, ok := m.pastes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Store) ConsumeView(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Classify(err, "consume view")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storage.ErrUnavailable
	}
	p, ok := m.pastes[id]
	if !ok || lifecycle.IsUnavailable(p, now) {
		return nil, storage.ErrNotFound
	}
	p.ViewCount++
	return p.Clone(), nil
}

func (m *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.Classify(err, "delete expired")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, p := range m.pastes {
		if p.ExpiresAt != nil && p.ExpiresAt.Before(before) {
			delete(m.pastes, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Store) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrUnavailable
	}
	return ctx.Err()
}

func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Len reports how many records are held, expired or not.
func (m *Store) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pastes)
}
