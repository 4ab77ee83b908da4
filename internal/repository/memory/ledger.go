package memory

import (
	"context"
	"sync"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/ledger"
)

// Ledger is an append-only slice of entries.
type Ledger struct {
	mu      sync.Mutex
	entries []domain.LedgerEntry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger { return &Ledger{} }

// Append implements ledger.Repository.
func (m *Ledger) Append(_ context.Context, e *domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

// AppendUnique implements ledger.Repository.
func (m *Ledger) AppendUnique(_ context.Context, e *domain.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.entries {
		if x.StepID == e.StepID && x.Email == e.Email && x.EventType == e.EventType {
			return false, nil
		}
	}
	m.entries = append(m.entries, *e)
	return true, nil
}

// Get implements ledger.Repository.
func (m *Ledger) Get(_ context.Context, id string, t domain.EventType) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.entries {
		if x.ID == id && x.EventType == t {
			cp := x
			return &cp, nil
		}
	}
	return nil, ledger.ErrTrackingIDNotFound
}

// FindForStep implements ledger.Repository.
func (m *Ledger) FindForStep(_ context.Context, stepID, email string, t domain.EventType) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.entries {
		if x.StepID == stepID && x.Email == email && x.EventType == t {
			cp := x
			return &cp, nil
		}
	}
	return nil, nil
}

// ExistsForCampaign implements ledger.Repository.
func (m *Ledger) ExistsForCampaign(_ context.Context, campaignID, email string, t domain.EventType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.entries {
		if x.CampaignID == campaignID && x.Email == email && x.EventType == t {
			return true, nil
		}
	}
	return false, nil
}

// CountByType implements ledger.Repository.
func (m *Ledger) CountByType(_ context.Context, campaignID string) (map[domain.EventType]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.EventType]int64)
	for _, x := range m.entries {
		if x.CampaignID == campaignID {
			out[x.EventType]++
		}
	}
	return out, nil
}

// Entries returns a copy of every entry in append order.
func (m *Ledger) Entries() []domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LedgerEntry(nil), m.entries...)
}

// Count returns how many entries match (campaign, email, type). Empty
// arguments match anything.
func (m *Ledger) Count(campaignID, email string, t domain.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, x := range m.entries {
		if (campaignID == "" || x.CampaignID == campaignID) &&
			(email == "" || x.Email == email) &&
			(t == "" || x.EventType == t) {
			n++
		}
	}
	return n
}
