package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// Directory is an in-memory subscriber store keyed by owner and email.
type Directory struct {
	mu         sync.Mutex
	recipients map[string]*domain.Recipient
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{recipients: make(map[string]*domain.Recipient)}
}

func dirKey(ownerID, email string) string {
	return ownerID + "|" + strings.ToLower(strings.TrimSpace(email))
}

// Put inserts or replaces a recipient.
func (m *Directory) Put(ownerID string, r *domain.Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Lists = append([]string(nil), r.Lists...)
	m.recipients[dirKey(ownerID, r.Email)] = &cp
}

// Lookup implements sending.RecipientDirectory.
func (m *Directory) Lookup(_ context.Context, ownerID, email string) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[dirKey(ownerID, email)]
	if !ok {
		return nil, sending.ErrRecipientNotFound
	}
	cp := *r
	cp.Lists = append([]string(nil), r.Lists...)
	return &cp, nil
}

// Unsubscribe implements sending.RecipientDirectory.
func (m *Directory) Unsubscribe(_ context.Context, ownerID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[dirKey(ownerID, email)]
	if !ok {
		return sending.ErrRecipientNotFound
	}
	r.Active = false
	return nil
}
