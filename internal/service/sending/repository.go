package sending

import (
	"context"
	"time"

	"github.com/ignite/drip-engine/internal/domain"
)

// RequestRepository defines the data access contract for send requests.
// Implementations must be safe for concurrent use.
type RequestRepository interface {
	// Create inserts a new request.
	Create(ctx context.Context, r *domain.SendRequest) error

	// Get returns a single request. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.SendRequest, error)

	// Transition moves a non-terminal request to status. Returns
	// ErrInvalidTransition if the request is already sent or failed.
	Transition(ctx context.Context, id string, status domain.SendStatus, u TransitionFields) error

	// Annotate records errMsg on a non-terminal request without changing
	// its status, and bumps updated_at. An empty errMsg only touches it.
	Annotate(ctx context.Context, id, errMsg string) error

	// SetTrackingID stores the tracking id of the delivery's sent entry.
	SetTrackingID(ctx context.Context, id, trackingID string) error

	// HasOpen reports whether a pending or queued request exists for
	// (step, email).
	HasOpen(ctx context.Context, stepID, email string) (bool, error)

	// ListStale returns requests in status scheduled at or before
	// scheduledBefore and untouched since updatedBefore, oldest update first.
	ListStale(ctx context.Context, status domain.SendStatus, scheduledBefore, updatedBefore time.Time, limit int) ([]domain.SendRequest, error)

	// List returns requests matching the filter, newest first.
	List(ctx context.Context, f ListFilter) ([]domain.SendRequest, error)

	// CancelOpen fails every pending or queued request matching f with
	// errMsg and returns the ids it touched.
	CancelOpen(ctx context.Context, f CancelFilter, errMsg string) ([]string, error)
}

// TransitionFields carries the columns written alongside a status change.
type TransitionFields struct {
	ErrorMessage string
	SentAt       *time.Time
}

// ListFilter controls request listing.
type ListFilter struct {
	CampaignID string
	Email      string
	Status     domain.SendStatus
	Limit      int
}

// CancelFilter selects open requests to cancel. CampaignID alone cancels a
// campaign; OwnerID with Email cancels a recipient across campaigns.
type CancelFilter struct {
	CampaignID string
	OwnerID    string
	Email      string
}

// Empty reports whether the filter would match every open request.
func (f CancelFilter) Empty() bool {
	return f.CampaignID == "" && f.Email == ""
}
