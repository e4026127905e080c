// Package store persists wallet valuation snapshots per user.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/card-valuation-ea/internal/model"
)

// ErrNotFound is returned when no snapshot exists for a user and wallet
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the saved summary of one wallet valuation
type Snapshot struct {
	UserID   string                 `json:"user_id"`
	Wallet   string                 `json:"wallet"`
	Summary  model.PortfolioSummary `json:"summary"`
	Degraded bool                   `json:"degraded,omitempty"`
	SavedAt  time.Time              `json:"saved_at"`
}

// Store saves and loads snapshots keyed by (user, wallet). Wallets are
// compared case-insensitively.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, userID, wallet string) (Snapshot, error)
	Close() error
}

// FromPortfolio builds the snapshot saved after a valuation
func FromPortfolio(userID string, p model.Portfolio) Snapshot {
	return Snapshot{
		UserID:   userID,
		Wallet:   p.Wallet,
		Summary:  p.Summary,
		Degraded: p.Degraded,
		SavedAt:  p.ValuatedAt,
	}
}

func key(userID, wallet string) string {
	return "snapshot:" + userID + ":" + strings.ToLower(wallet)
}

// Memory is an in-process Store
type Memory struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

// NewMemory creates an empty in-process store
func NewMemory() *Memory {
	return &Memory{items: make(map[string]Snapshot)}
}

// Save stores the snapshot, replacing any previous one
func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key(snap.UserID, snap.Wallet)] = snap
	return nil
}

// Get returns the saved snapshot or ErrNotFound
func (m *Memory) Get(_ context.Context, userID, wallet string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.items[key(userID, wallet)]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (m *Memory) Close() error { return nil }
