package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// Requests stores send requests.
type Requests struct {
	mu       sync.Mutex
	requests map[string]*domain.SendRequest
	now      func() time.Time
}

// NewRequests creates an empty request store.
func NewRequests() *Requests {
	return &Requests{requests: make(map[string]*domain.SendRequest), now: time.Now}
}

// Create implements sending.RequestRepository.
func (m *Requests) Create(_ context.Context, r *domain.SendRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	cp := copyRequest(r)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	m.requests[cp.ID] = cp
	return nil
}

// Get implements sending.RequestRepository.
func (m *Requests) Get(_ context.Context, id string) (*domain.SendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, sending.ErrNotFound
	}
	return copyRequest(r), nil
}

// Transition implements sending.RequestRepository.
func (m *Requests) Transition(_ context.Context, id string, status domain.SendStatus, u sending.TransitionFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return sending.ErrNotFound
	}
	if !r.Status.CanTransition(status) {
		return sending.ErrInvalidTransition
	}
	r.Status = status
	r.ErrorMessage = u.ErrorMessage
	if u.SentAt != nil {
		t := *u.SentAt
		r.SentAt = &t
	}
	r.UpdatedAt = m.now().UTC()
	return nil
}

// Annotate implements sending.RequestRepository.
func (m *Requests) Annotate(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return sending.ErrNotFound
	}
	if r.Status.IsTerminal() {
		return sending.ErrInvalidTransition
	}
	if errMsg != "" {
		r.ErrorMessage = errMsg
	}
	r.UpdatedAt = m.now().UTC()
	return nil
}

// SetTrackingID implements sending.RequestRepository.
func (m *Requests) SetTrackingID(_ context.Context, id, trackingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return sending.ErrNotFound
	}
	r.TrackingID = trackingID
	return nil
}

// HasOpen implements sending.RequestRepository.
func (m *Requests) HasOpen(_ context.Context, stepID, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.StepID == stepID && r.Email == email && !r.IsTest && !r.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// ListStale implements sending.RequestRepository.
func (m *Requests) ListStale(_ context.Context, status domain.SendStatus, scheduledBefore, updatedBefore time.Time, limit int) ([]domain.SendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SendRequest
	for _, r := range m.requests {
		if r.Status == status && !r.ScheduledFor.After(scheduledBefore) && !r.UpdatedAt.After(updatedBefore) {
			out = append(out, *copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List implements sending.RequestRepository.
func (m *Requests) List(_ context.Context, f sending.ListFilter) ([]domain.SendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SendRequest
	for _, r := range m.requests {
		if f.CampaignID != "" && r.CampaignID != f.CampaignID {
			continue
		}
		if f.Email != "" && r.Email != f.Email {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *copyRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CancelOpen implements sending.RequestRepository.
func (m *Requests) CancelOpen(_ context.Context, f sending.CancelFilter, errMsg string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, r := range m.requests {
		if r.Status.IsTerminal() {
			continue
		}
		if f.CampaignID != "" && r.CampaignID != f.CampaignID {
			continue
		}
		if f.OwnerID != "" && r.OwnerID != f.OwnerID {
			continue
		}
		if f.Email != "" && r.Email != f.Email {
			continue
		}
		r.Status = domain.SendFailed
		r.ErrorMessage = errMsg
		r.UpdatedAt = m.now().UTC()
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// All returns every stored request, oldest first.
func (m *Requests) All() []domain.SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SendRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, *copyRequest(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetClock overrides the time source used for timestamps.
func (m *Requests) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func copyRequest(r *domain.SendRequest) *domain.SendRequest {
	cp := *r
	if r.Variables != nil {
		cp.Variables = make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			cp.Variables[k] = v
		}
	}
	if r.SentAt != nil {
		t := *r.SentAt
		cp.SentAt = &t
	}
	return &cp
}
