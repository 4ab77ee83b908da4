package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// DirectoryRepo implements sending.RecipientDirectory over drip_subscribers.
type DirectoryRepo struct{ db *sql.DB }

// NewDirectoryRepo creates a Postgres-backed recipient directory.
func NewDirectoryRepo(db *sql.DB) *DirectoryRepo { return &DirectoryRepo{db: db} }

func (r *DirectoryRepo) Lookup(ctx context.Context, ownerID, email string) (*domain.Recipient, error) {
	var rec domain.Recipient
	var lists []string
	err := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.email, s.first_name, s.last_name, s.active,
		       COALESCE(array_agg(m.list_id) FILTER (WHERE m.list_id IS NOT NULL), '{}')
		FROM drip_subscribers s
		LEFT JOIN drip_list_members m ON m.subscriber_id = s.id
		WHERE s.owner_id = $1 AND s.email = $2
		GROUP BY s.id
	`, ownerID, strings.ToLower(strings.TrimSpace(email))).Scan(
		&rec.ID, &rec.Email, &rec.FirstName, &rec.LastName, &rec.Active, pq.Array(&lists),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sending.ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup recipient: %w", err)
	}
	rec.Lists = lists
	return &rec, nil
}

func (r *DirectoryRepo) Unsubscribe(ctx context.Context, ownerID, email string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE drip_subscribers SET active = FALSE, updated_at = NOW()
		WHERE owner_id = $1 AND email = $2
	`, ownerID, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("unsubscribe recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sending.ErrRecipientNotFound
	}
	return nil
}
