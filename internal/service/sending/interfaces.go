package sending

import (
	"context"
	"time"

	"github.com/ignite/drip-engine/internal/domain"
)

// Transport hands a finished message to the mail provider. Implementations
// must support multipart bodies, custom headers and BCC, and be safe for
// concurrent use.
type Transport interface {
	Send(ctx context.Context, msg *domain.EmailMessage) error
}

// TaskQueue is the durable delayed queue consumed by the worker pool.
type TaskQueue interface {
	// Enqueue schedules requestID to be delivered no earlier than notBefore.
	// Re-enqueueing an id moves it rather than duplicating it.
	Enqueue(ctx context.Context, requestID string, notBefore time.Time) error

	// IsBrokerAvailable reports whether the broker answers right now.
	IsBrokerAvailable(ctx context.Context) bool

	// Remove drops ids that have not been claimed yet.
	Remove(ctx context.Context, requestIDs ...string) error
}

// RecipientDirectory is the subscriber store.
type RecipientDirectory interface {
	// Lookup resolves an email within an owner's subscribers. Returns
	// ErrRecipientNotFound when the email is unknown.
	Lookup(ctx context.Context, ownerID, email string) (*domain.Recipient, error)

	// Unsubscribe deactivates the recipient.
	Unsubscribe(ctx context.Context, ownerID, email string) error
}

// ProfileStore supplies the owner settings that shape outgoing mail.
type ProfileStore interface {
	Get(ctx context.Context, ownerID string) (*domain.OwnerProfile, error)
}

// CampaignStore loads campaigns with their ordered steps.
type CampaignStore interface {
	// Get returns a campaign and its steps sorted by order. Returns
	// ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// ListActiveByList returns the owner's active campaigns backed by listID.
	ListActiveByList(ctx context.Context, ownerID, listID string) ([]domain.Campaign, error)

	// SetActive flips the campaign's active flag.
	SetActive(ctx context.Context, id string, active bool) error
}

// Ledger is the subset of the ledger service the dispatcher writes through.
type Ledger interface {
	RecordSent(ctx context.Context, id, campaignID, stepID, email string) (*domain.LedgerEntry, error)
	SentForStep(ctx context.Context, stepID, email string) (*domain.LedgerEntry, error)
	RecordFeedback(ctx context.Context, trackingID, email string, t domain.EventType) (*domain.LedgerEntry, bool, error)
}

// Continuer schedules the step following a successful delivery.
type Continuer interface {
	Continue(ctx context.Context, req *domain.SendRequest) error
}
