package counters

import (
	"context"
	"fmt"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/pkg/logger"
)

var log = logger.New("counters")

// Projector applies ledger entries to campaign counters.
type Projector struct {
	repo   Repository
	ledger LedgerCounter
}

// NewProjector creates a projector. ledger is only needed by Recompute and
// may be set later with SetLedger.
func NewProjector(repo Repository, ledger LedgerCounter) *Projector {
	return &Projector{repo: repo, ledger: ledger}
}

// SetLedger wires the ledger used for recomputation.
func (p *Projector) SetLedger(l LedgerCounter) { p.ledger = l }

// Project increments the counter matching the entry's event type.
func (p *Projector) Project(ctx context.Context, e *domain.LedgerEntry) error {
	if _, ok := Column(e.EventType); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.EventType)
	}
	if err := p.repo.Increment(ctx, e.CampaignID, e.EventType); err != nil {
		return fmt.Errorf("increment %s for campaign %s: %w", e.EventType, e.CampaignID, err)
	}
	return nil
}

// Recompute rebuilds a campaign's counters from the ledger and returns the
// values written.
func (p *Projector) Recompute(ctx context.Context, campaignID string) (domain.Counters, error) {
	var c domain.Counters
	if p.ledger == nil {
		return c, fmt.Errorf("recompute: no ledger configured")
	}
	totals, err := p.ledger.CountByType(ctx, campaignID)
	if err != nil {
		return c, fmt.Errorf("count ledger for campaign %s: %w", campaignID, err)
	}
	for _, t := range domain.EventTypes {
		c.Add(t, totals[t])
	}
	if err := p.repo.SetCounters(ctx, campaignID, c); err != nil {
		return c, fmt.Errorf("store counters for campaign %s: %w", campaignID, err)
	}
	return c, nil
}

// RecomputeAll rebuilds every campaign's counters. A failure on one campaign
// is logged and does not stop the rest; the number of campaigns rebuilt is
// returned.
func (p *Projector) RecomputeAll(ctx context.Context) (int, error) {
	ids, err := p.repo.ListCampaignIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list campaigns: %w", err)
	}
	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := p.Recompute(ctx, id); err != nil {
			log.Error("recompute failed", "campaign_id", id, "error", err)
			continue
		}
		done++
	}
	log.Info("recomputed campaign counters", "campaigns", done, "total", len(ids))
	return done, nil
}
