package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// ProfileRepo implements sending.ProfileStore.
type ProfileRepo struct{ db *sql.DB }

// NewProfileRepo creates a Postgres-backed owner profile store.
func NewProfileRepo(db *sql.DB) *ProfileRepo { return &ProfileRepo{db: db} }

func (r *ProfileRepo) Get(ctx context.Context, ownerID string) (*domain.OwnerProfile, error) {
	var p domain.OwnerProfile
	err := r.db.QueryRowContext(ctx, `
		SELECT owner_id, email, display_name, sender_auth_verified, promotion_verified,
		       unsubscribe_disabled, footer_html,
		       address_company, address_street, address_city, address_region,
		       address_postal_code, address_country
		FROM drip_owner_profiles
		WHERE owner_id = $1
	`, ownerID).Scan(
		&p.OwnerID, &p.Email, &p.DisplayName, &p.SenderAuthVerified, &p.PromotionVerified,
		&p.UnsubscribeDisabled, &p.FooterHTML,
		&p.Address.Company, &p.Address.Street, &p.Address.City, &p.Address.Region,
		&p.Address.PostalCode, &p.Address.Country,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sending.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get owner profile: %w", err)
	}
	return &p, nil
}
