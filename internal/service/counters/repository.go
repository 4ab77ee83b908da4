package counters

import (
	"context"

	"github.com/ignite/drip-engine/internal/domain"
)

// Columns maps each ledger event type to its counter column on
// drip_campaigns. Repositories must only interpolate names from this map.
var Columns = map[domain.EventType]string{
	domain.EventSent:         "sent_count",
	domain.EventOpened:       "open_count",
	domain.EventClicked:      "click_count",
	domain.EventBounced:      "bounce_count",
	domain.EventUnsubscribed: "unsubscribe_count",
	domain.EventComplained:   "complaint_count",
}

// Column returns the counter column for t.
func Column(t domain.EventType) (string, bool) {
	c, ok := Columns[t]
	return c, ok
}

// Repository defines the data access contract for campaign counters.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Increment atomically adds one to the counter for t. Returns
	// ErrCampaignNotFound when the campaign row does not exist.
	Increment(ctx context.Context, campaignID string, t domain.EventType) error

	// SetCounters overwrites all six counters.
	SetCounters(ctx context.Context, campaignID string, c domain.Counters) error

	// ListCampaignIDs returns every campaign id.
	ListCampaignIDs(ctx context.Context) ([]string, error)
}

// LedgerCounter supplies the authoritative per-type totals.
type LedgerCounter interface {
	CountByType(ctx context.Context, campaignID string) (map[domain.EventType]int64, error)
}
