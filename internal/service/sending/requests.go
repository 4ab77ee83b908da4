package sending

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/drip-engine/internal/domain"
)

// SendNow executes a pending or queued request inline, pulling it from the
// queue first. Failed and sent requests return ErrInvalidTransition.
func (d *Dispatcher) SendNow(ctx context.Context, id string) (*domain.SendRequest, error) {
	req, err := d.Requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return req, fmt.Errorf("%w: request is %s", ErrInvalidTransition, req.Status)
	}
	if d.Queue != nil {
		if err := d.Queue.Remove(ctx, id); err != nil {
			log.Warn("remove from queue failed", "request_id", id, "error", err)
		}
	}
	execErr := d.Execute(ctx, id)
	return d.reload(ctx, id, execErr)
}

// TestInput describes an owner preview send.
type TestInput struct {
	OwnerID    string            `json:"owner_id"`
	CampaignID string            `json:"campaign_id"`
	StepID     string            `json:"step_id"`
	Email      string            `json:"email"`
	Variables  map[string]string `json:"variables"`
}

// SendTest delivers one step to an arbitrary address immediately. Test sends
// skip the guards, write no ledger entry and never continue the sequence.
func (d *Dispatcher) SendTest(ctx context.Context, in TestInput) (*domain.SendRequest, error) {
	if in.CampaignID == "" || in.StepID == "" || strings.TrimSpace(in.Email) == "" {
		return nil, fmt.Errorf("%w: campaign_id, step_id and email are required", ErrInvalidInput)
	}
	if _, err := mailAddress(in.Email); err != nil {
		return nil, err
	}
	req := d.newRequest(in.OwnerID, in.CampaignID, in.StepID, in.Email, in.Variables)
	req.IsTest = true
	if err := d.Requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create test request: %w", err)
	}
	execErr := d.Execute(ctx, req.ID)
	return d.reload(ctx, req.ID, execErr)
}

// Retry clones a failed request into a new pending one scheduled now. The
// clone carries the tracking id so an existing sent entry is reused rather
// than duplicated.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*domain.SendRequest, error) {
	orig, err := d.Requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != domain.SendFailed {
		return nil, fmt.Errorf("%w: only failed requests can be retried (status %s)", ErrInvalidTransition, orig.Status)
	}
	clone := d.newRequest(orig.OwnerID, orig.CampaignID, orig.StepID, orig.Email, orig.Variables)
	clone.SubscriberID = orig.SubscriberID
	clone.TrackingID = orig.TrackingID
	clone.IsTest = orig.IsTest
	if err := d.Requests.Create(ctx, clone); err != nil {
		return nil, fmt.Errorf("create retry request: %w", err)
	}
	log.Info("retrying failed request", "request_id", orig.ID, "retry_id", clone.ID)
	if err := d.Schedule(ctx, clone); err != nil && !IsSkip(err) {
		return d.reload(ctx, clone.ID, err)
	}
	return d.reload(ctx, clone.ID, nil)
}

// CancelPending fails every open request matching f with a "cancelled:"
// message and drops them from the queue. It returns the number cancelled.
func (d *Dispatcher) CancelPending(ctx context.Context, f CancelFilter, reason string) (int, error) {
	if f.Empty() {
		return 0, fmt.Errorf("%w: cancel filter needs a campaign or recipient", ErrInvalidInput)
	}
	f.Email = NormalizeEmail(f.Email)
	ids, err := d.Requests.CancelOpen(ctx, f, "cancelled: "+reason)
	if err != nil {
		return 0, fmt.Errorf("cancel open requests: %w", err)
	}
	if len(ids) > 0 && d.Queue != nil {
		if err := d.Queue.Remove(ctx, ids...); err != nil {
			// Leftover ids are terminal and become no-ops when claimed.
			log.Warn("remove cancelled ids from queue failed", "count", len(ids), "error", err)
		}
	}
	if len(ids) > 0 {
		log.Info("cancelled open requests", "count", len(ids), "campaign_id", f.CampaignID, "email", f.Email, "reason", reason)
	}
	return len(ids), nil
}

// DeactivateCampaign stops a campaign and cancels its open requests.
func (d *Dispatcher) DeactivateCampaign(ctx context.Context, campaignID string) (int, error) {
	if err := d.Campaigns.SetActive(ctx, campaignID, false); err != nil {
		return 0, fmt.Errorf("deactivate campaign: %w", err)
	}
	return d.CancelPending(ctx, CancelFilter{CampaignID: campaignID}, "campaign deactivated")
}

// HandleFeedback records an unsubscribe, bounce or complaint for the delivery
// behind trackingID. Unsubscribes and complaints also deactivate the
// recipient; all three cancel the recipient's open requests for the owner.
func (d *Dispatcher) HandleFeedback(ctx context.Context, trackingID, email string, t domain.EventType) error {
	sent, recorded, err := d.Ledger.RecordFeedback(ctx, trackingID, email, t)
	if err != nil {
		return err
	}
	if !recorded {
		log.Debug("duplicate feedback ignored", "tracking_id", trackingID, "event", t)
	}

	campaign, err := d.Campaigns.Get(ctx, sent.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign %s: %w", sent.CampaignID, err)
	}

	if t == domain.EventUnsubscribed || t == domain.EventComplained {
		if d.Directory != nil {
			err := d.Directory.Unsubscribe(ctx, campaign.OwnerID, sent.Email)
			if err != nil && !errors.Is(err, ErrRecipientNotFound) {
				return fmt.Errorf("unsubscribe recipient: %w", err)
			}
		}
	}
	_, err = d.CancelPending(ctx, CancelFilter{OwnerID: campaign.OwnerID, Email: sent.Email}, "recipient "+string(t))
	return err
}

// CreateRequest persists a request built by a caller outside the sequencer,
// such as a list-trigger "send now", and schedules it.
func (d *Dispatcher) CreateRequest(ctx context.Context, req *domain.SendRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Email = NormalizeEmail(req.Email)
	if req.Status == "" {
		req.Status = domain.SendPending
	}
	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = d.now().UTC()
	}
	if err := d.Requests.Create(ctx, req); err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	return d.Schedule(ctx, req)
}

func (d *Dispatcher) newRequest(ownerID, campaignID, stepID, email string, vars map[string]string) *domain.SendRequest {
	now := d.now().UTC()
	cp := make(map[string]string, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return &domain.SendRequest{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		CampaignID:   campaignID,
		StepID:       stepID,
		Email:        NormalizeEmail(email),
		Variables:    cp,
		Status:       domain.SendPending,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// reload returns the stored request alongside execErr so callers see the
// final status and error message.
func (d *Dispatcher) reload(ctx context.Context, id string, execErr error) (*domain.SendRequest, error) {
	req, err := d.Requests.Get(ctx, id)
	if err != nil {
		if execErr != nil {
			return nil, execErr
		}
		return nil, err
	}
	return req, execErr
}
