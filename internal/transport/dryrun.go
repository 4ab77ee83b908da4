package transport

import (
	"context"

	"github.com/ignite/drip-engine/internal/domain"
)

// DryRun logs messages instead of delivering them. It backs local runs on the
// in-memory store.
type DryRun struct{}

// Send logs msg and reports success.
func (DryRun) Send(_ context.Context, msg *domain.EmailMessage) error {
	log.Info("dry run delivery",
		"to", msg.To,
		"subject", msg.Subject,
		"tracking_id", msg.TrackingID,
		"campaign_id", msg.CampaignID,
		"bcc", len(msg.Bcc),
	)
	return nil
}
