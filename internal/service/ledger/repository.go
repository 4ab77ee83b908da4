package ledger

import (
	"context"

	"github.com/ignite/drip-engine/internal/domain"
)

// Repository defines the data access contract for ledger entries.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Append inserts an entry unconditionally.
	Append(ctx context.Context, e *domain.LedgerEntry) error

	// AppendUnique inserts e only if no entry of the same type exists for
	// (step, email). It reports whether a row was written.
	AppendUnique(ctx context.Context, e *domain.LedgerEntry) (bool, error)

	// Get returns the entry with the given id and type. Returns
	// ErrTrackingIDNotFound if no such entry exists.
	Get(ctx context.Context, id string, t domain.EventType) (*domain.LedgerEntry, error)

	// FindForStep returns the first entry of type t for (step, email), or
	// nil when none exists.
	FindForStep(ctx context.Context, stepID, email string, t domain.EventType) (*domain.LedgerEntry, error)

	// ExistsForCampaign reports whether any entry of type t exists for
	// (campaign, email).
	ExistsForCampaign(ctx context.Context, campaignID, email string, t domain.EventType) (bool, error)

	// CountByType scans every entry of a campaign and returns per-type totals.
	CountByType(ctx context.Context, campaignID string) (map[domain.EventType]int64, error)
}

// Projector reacts to a freshly appended ledger entry.
type Projector interface {
	Project(ctx context.Context, e *domain.LedgerEntry) error
}
