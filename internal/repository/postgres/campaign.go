package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/counters"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// CampaignRepo implements sending.CampaignStore and counters.Repository.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, list_id, name, active,
		       sent_count, open_count, click_count, bounce_count,
		       unsubscribe_count, complaint_count, created_at, updated_at
		FROM drip_campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.OwnerID, &c.ListID, &c.Name, &c.Active,
		&c.SentCount, &c.OpenCount, &c.ClickCount, &c.BounceCount,
		&c.UnsubscribeCount, &c.ComplaintCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sending.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	steps, err := r.steps(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Steps = steps
	return c, nil
}

func (r *CampaignRepo) steps(ctx context.Context, campaignID string) ([]domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.campaign_id, s.subject, s.html_content, s.text_content,
		       s.step_order, s.wait_time, s.wait_unit, s.footer_id, COALESCE(f.html, '')
		FROM drip_steps s
		LEFT JOIN drip_footers f ON f.id = s.footer_id
		WHERE s.campaign_id = $1
		ORDER BY s.step_order, s.id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.Step
	for rows.Next() {
		var s domain.Step
		var footerID sql.NullString
		if err := rows.Scan(
			&s.ID, &s.CampaignID, &s.Subject, &s.HTMLContent, &s.TextContent,
			&s.Order, &s.WaitTime, &s.WaitUnit, &footerID, &s.FooterHTML,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if footerID.Valid {
			s.FooterID = &footerID.String
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) ListActiveByList(ctx context.Context, ownerID, listID string) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, list_id, name, active
		FROM drip_campaigns
		WHERE owner_id = $1 AND list_id = $2 AND active
		ORDER BY id
	`, ownerID, listID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns by list: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.ListID, &c.Name, &c.Active); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE drip_campaigns SET active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set campaign active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sending.ErrNotFound
	}
	return nil
}

// Increment bumps one counter with a single "col = col + 1" statement so
// concurrent deliveries never lose updates.
func (r *CampaignRepo) Increment(ctx context.Context, campaignID string, t domain.EventType) error {
	col, ok := counters.Column(t)
	if !ok {
		return counters.ErrUnknownEvent
	}
	q := fmt.Sprintf(`UPDATE drip_campaigns SET %s = %s + 1 WHERE id = $1`, col, col)
	res, err := r.db.ExecContext(ctx, q, campaignID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", col, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return counters.ErrCampaignNotFound
	}
	return nil
}

func (r *CampaignRepo) SetCounters(ctx context.Context, campaignID string, c domain.Counters) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE drip_campaigns
		SET sent_count = $2, open_count = $3, click_count = $4,
		    bounce_count = $5, unsubscribe_count = $6, complaint_count = $7
		WHERE id = $1
	`, campaignID, c.SentCount, c.OpenCount, c.ClickCount,
		c.BounceCount, c.UnsubscribeCount, c.ComplaintCount)
	if err != nil {
		return fmt.Errorf("set counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return counters.ErrCampaignNotFound
	}
	return nil
}

func (r *CampaignRepo) ListCampaignIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM drip_campaigns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list campaign ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
