package memory

import (
	"context"
	"sync"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// Profiles stores owner profiles.
type Profiles struct {
	mu       sync.Mutex
	profiles map[string]domain.OwnerProfile
}

// NewProfiles creates an empty profile store.
func NewProfiles() *Profiles {
	return &Profiles{profiles: make(map[string]domain.OwnerProfile)}
}

// Put inserts or replaces a profile.
func (m *Profiles) Put(p domain.OwnerProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.OwnerID] = p
}

// Get implements sending.ProfileStore.
func (m *Profiles) Get(_ context.Context, ownerID string) (*domain.OwnerProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[ownerID]
	if !ok {
		return nil, sending.ErrNotFound
	}
	return &p, nil
}
