package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/counters"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// Campaigns stores campaigns with their steps and counters.
type Campaigns struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

// NewCampaigns creates an empty campaign store.
func NewCampaigns() *Campaigns {
	return &Campaigns{campaigns: make(map[string]*domain.Campaign)}
}

// Put inserts or replaces a campaign.
func (m *Campaigns) Put(c *domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = copyCampaign(c)
}

// Get implements sending.CampaignStore.
func (m *Campaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, sending.ErrNotFound
	}
	return copyCampaign(c), nil
}

// ListActiveByList implements sending.CampaignStore.
func (m *Campaigns) ListActiveByList(_ context.Context, ownerID, listID string) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.Active && c.OwnerID == ownerID && c.ListID == listID {
			out = append(out, *copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetActive implements sending.CampaignStore.
func (m *Campaigns) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return sending.ErrNotFound
	}
	c.Active = active
	return nil
}

// Increment implements counters.Repository.
func (m *Campaigns) Increment(_ context.Context, campaignID string, t domain.EventType) error {
	if _, ok := counters.Column(t); !ok {
		return counters.ErrUnknownEvent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return counters.ErrCampaignNotFound
	}
	c.Counters.Add(t, 1)
	return nil
}

// SetCounters implements counters.Repository.
func (m *Campaigns) SetCounters(_ context.Context, campaignID string, cs domain.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return counters.ErrCampaignNotFound
	}
	c.Counters = cs
	return nil
}

// ListCampaignIDs implements counters.Repository.
func (m *Campaigns) ListCampaignIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.campaigns))
	for id := range m.campaigns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func copyCampaign(c *domain.Campaign) *domain.Campaign {
	cp := *c
	cp.Steps = append([]domain.Step(nil), c.Steps...)
	domain.SortSteps(cp.Steps)
	return &cp
}
