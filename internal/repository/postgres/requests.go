package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// RequestRepo implements sending.RequestRepository against PostgreSQL.
type RequestRepo struct{ db *sql.DB }

// NewRequestRepo creates a Postgres-backed send request repository.
func NewRequestRepo(db *sql.DB) *RequestRepo { return &RequestRepo{db: db} }

const requestColumns = `id, owner_id, campaign_id, step_id, subscriber_id, email, variables,
	status, scheduled_for, sent_at, error_message, tracking_id, is_test, created_at, updated_at`

// openStatuses are the non-terminal states a transition may start from.
var openStatuses = pq.Array([]string{string(domain.SendPending), string(domain.SendQueued)})

func (r *RequestRepo) Create(ctx context.Context, req *domain.SendRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	vars, err := json.Marshal(nonNilVars(req.Variables))
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO drip_send_requests
			(id, owner_id, campaign_id, step_id, subscriber_id, email, variables,
			 status, scheduled_for, error_message, tracking_id, is_test, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, req.ID, req.OwnerID, req.CampaignID, req.StepID, req.SubscriberID, req.Email, vars,
		string(req.Status), req.ScheduledFor, req.ErrorMessage, req.TrackingID, req.IsTest)
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	return nil
}

func (r *RequestRepo) Get(ctx context.Context, id string) (*domain.SendRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM drip_send_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sending.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send request: %w", err)
	}
	return req, nil
}

// Transition only matches open rows, so two racing writers cannot both move
// a request out of pending/queued.
func (r *RequestRepo) Transition(ctx context.Context, id string, status domain.SendStatus, u sending.TransitionFields) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE drip_send_requests
		SET status = $2, error_message = $3, sent_at = COALESCE($4, sent_at), updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`, id, string(status), u.ErrorMessage, u.SentAt, openStatuses)
	if err != nil {
		return fmt.Errorf("transition send request: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *RequestRepo) Annotate(ctx context.Context, id, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE drip_send_requests
		SET error_message = CASE WHEN $2::text = '' THEN error_message ELSE $2::text END, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, errMsg, openStatuses)
	if err != nil {
		return fmt.Errorf("annotate send request: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

// checkAffected maps a zero-row update to ErrNotFound or ErrInvalidTransition.
func (r *RequestRepo) checkAffected(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM drip_send_requests WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check send request: %w", err)
	}
	if !exists {
		return sending.ErrNotFound
	}
	return sending.ErrInvalidTransition
}

func (r *RequestRepo) SetTrackingID(ctx context.Context, id, trackingID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE drip_send_requests SET tracking_id = $2 WHERE id = $1
	`, id, trackingID)
	if err != nil {
		return fmt.Errorf("set tracking id: %w", err)
	}
	return nil
}

func (r *RequestRepo) HasOpen(ctx context.Context, stepID, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM drip_send_requests
			WHERE step_id = $1 AND email = $2 AND NOT is_test AND status = ANY($3)
		)
	`, stepID, email, openStatuses).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open request: %w", err)
	}
	return exists, nil
}

func (r *RequestRepo) ListStale(ctx context.Context, status domain.SendStatus, scheduledBefore, updatedBefore time.Time, limit int) ([]domain.SendRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM drip_send_requests
		WHERE status = $1 AND scheduled_for <= $2 AND updated_at <= $3
		ORDER BY updated_at
		LIMIT $4
	`, string(status), scheduledBefore, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (r *RequestRepo) List(ctx context.Context, f sending.ListFilter) ([]domain.SendRequest, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + requestColumns + ` FROM drip_send_requests WHERE TRUE`
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		q += fmt.Sprintf(" AND %s = $%d", col, idx)
		args = append(args, val)
		idx++
	}
	if f.CampaignID != "" {
		add("campaign_id", f.CampaignID)
	}
	if f.Email != "" {
		add("email", f.Email)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list send requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (r *RequestRepo) CancelOpen(ctx context.Context, f sending.CancelFilter, errMsg string) ([]string, error) {
	if f.Empty() {
		return nil, fmt.Errorf("cancel filter needs a campaign or recipient")
	}
	conds := []string{"status = ANY($1)"}
	args := []interface{}{openStatuses, errMsg}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("campaign_id", f.CampaignID)
	add("owner_id", f.OwnerID)
	add("email", f.Email)

	rows, err := r.db.QueryContext(ctx, `
		UPDATE drip_send_requests
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE `+strings.Join(conds, " AND ")+`
		RETURNING id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("cancel open requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cancelled id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*domain.SendRequest, error) {
	var (
		req          domain.SendRequest
		subscriberID sql.NullString
		vars         []byte
		sentAt       sql.NullTime
	)
	if err := row.Scan(
		&req.ID, &req.OwnerID, &req.CampaignID, &req.StepID, &subscriberID, &req.Email, &vars,
		&req.Status, &req.ScheduledFor, &sentAt, &req.ErrorMessage, &req.TrackingID, &req.IsTest,
		&req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if subscriberID.Valid {
		req.SubscriberID = &subscriberID.String
	}
	if sentAt.Valid {
		t := sentAt.Time
		req.SentAt = &t
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &req.Variables); err != nil {
			return nil, fmt.Errorf("decode variables: %w", err)
		}
	}
	return &req, nil
}

func scanRequests(rows *sql.Rows) ([]domain.SendRequest, error) {
	var out []domain.SendRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func nonNilVars(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
