package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/ledger"
)

// LedgerRepo implements ledger.Repository. Rows are never updated or deleted.
type LedgerRepo struct{ db *sql.DB }

// NewLedgerRepo creates a Postgres-backed ledger repository.
func NewLedgerRepo(db *sql.DB) *LedgerRepo { return &LedgerRepo{db: db} }

const ledgerColumns = `id, campaign_id, step_id, email, event_type, link_url, created_at`

func (r *LedgerRepo) Append(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO drip_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.CampaignID, e.StepID, e.Email, string(e.EventType), e.LinkURL, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// AppendUnique relies on uq_drip_ledger_once, so clicks are never passed here.
func (r *LedgerRepo) AppendUnique(ctx context.Context, e *domain.LedgerEntry) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO drip_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (step_id, email, event_type) WHERE event_type <> 'clicked' DO NOTHING
	`, e.ID, e.CampaignID, e.StepID, e.Email, string(e.EventType), e.LinkURL, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("append unique ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *LedgerRepo) Get(ctx context.Context, id string, t domain.EventType) (*domain.LedgerEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+` FROM drip_ledger WHERE id = $1 AND event_type = $2
	`, id, string(t))
	e, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTrackingIDNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

func (r *LedgerRepo) FindForStep(ctx context.Context, stepID, email string, t domain.EventType) (*domain.LedgerEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM drip_ledger
		WHERE step_id = $1 AND email = $2 AND event_type = $3
		ORDER BY created_at
		LIMIT 1
	`, stepID, email, string(t))
	e, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return e, nil
}

func (r *LedgerRepo) ExistsForCampaign(ctx context.Context, campaignID, email string, t domain.EventType) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM drip_ledger WHERE campaign_id = $1 AND email = $2 AND event_type = $3
		)
	`, campaignID, email, string(t)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ledger entry: %w", err)
	}
	return exists, nil
}

func (r *LedgerRepo) CountByType(ctx context.Context, campaignID string) (map[domain.EventType]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM drip_ledger
		WHERE campaign_id = $1
		GROUP BY event_type
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count ledger entries: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.EventType]int64, len(domain.EventTypes))
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan ledger count: %w", err)
		}
		out[domain.EventType(t)] = n
	}
	return out, rows.Err()
}

func scanLedger(row rowScanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var t string
	if err := row.Scan(&e.ID, &e.CampaignID, &e.StepID, &e.Email, &t, &e.LinkURL, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.EventType = domain.EventType(t)
	return &e, nil
}
