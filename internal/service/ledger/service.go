package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/pkg/logger"
)

var log = logger.New("ledger")

// Service appends ledger entries and resolves tracking ids.
type Service struct {
	repo      Repository
	projector Projector
	now       func() time.Time
}

// NewService creates a ledger service. projector may be nil.
func NewService(repo Repository, projector Projector) *Service {
	return &Service{repo: repo, projector: projector, now: time.Now}
}

// Record appends e, assigning a random id and timestamp when missing, and
// hands it to the projector. A projection failure is logged, not returned:
// the entry is durable and a recompute repairs the counters.
func (s *Service) Record(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if err := s.prepare(e); err != nil {
		return nil, err
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s entry: %w", e.EventType, err)
	}
	s.project(ctx, e)
	return e, nil
}

// recordUnique appends e unless an entry of the same type already exists
// for its (step, email).
func (s *Service) recordUnique(ctx context.Context, e *domain.LedgerEntry) (bool, error) {
	if err := s.prepare(e); err != nil {
		return false, err
	}
	ok, err := s.repo.AppendUnique(ctx, e)
	if err != nil {
		return false, fmt.Errorf("append %s entry: %w", e.EventType, err)
	}
	if ok {
		s.project(ctx, e)
	}
	return ok, nil
}

func (s *Service) prepare(e *domain.LedgerEntry) error {
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidEvent, e.EventType)
	}
	if e.CampaignID == "" || e.StepID == "" || e.Email == "" {
		return fmt.Errorf("%w: campaign, step and email are required", ErrInvalidEvent)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	return nil
}

func (s *Service) project(ctx context.Context, e *domain.LedgerEntry) {
	if s.projector == nil {
		return
	}
	if err := s.projector.Project(ctx, e); err != nil {
		log.Error("counter projection failed", "campaign_id", e.CampaignID, "event", e.EventType, "error", err)
	}
}

// RecordSent writes the sent entry for a delivery. id may be empty, in which
// case a fresh tracking id is generated.
func (s *Service) RecordSent(ctx context.Context, id, campaignID, stepID, email string) (*domain.LedgerEntry, error) {
	return s.Record(ctx, &domain.LedgerEntry{
		ID:         id,
		CampaignID: campaignID,
		StepID:     stepID,
		Email:      email,
		EventType:  domain.EventSent,
	})
}

// SentEntry resolves a tracking id to its sent entry. When email is given it
// must match the entry's recipient. Feedback from the provider may omit it.
func (s *Service) SentEntry(ctx context.Context, trackingID, email string) (*domain.LedgerEntry, error) {
	if trackingID == "" {
		return nil, ErrTrackingIDNotFound
	}
	e, err := s.repo.Get(ctx, trackingID, domain.EventSent)
	if err != nil {
		return nil, err
	}
	if email != "" && !strings.EqualFold(strings.TrimSpace(email), e.Email) {
		return nil, ErrTrackingIDNotFound
	}
	return e, nil
}

// recipientEntry is SentEntry for links embedded in a message, which always
// carry the recipient's address.
func (s *Service) recipientEntry(ctx context.Context, trackingID, email string) (*domain.LedgerEntry, error) {
	if strings.TrimSpace(email) == "" {
		return nil, ErrTrackingIDNotFound
	}
	return s.SentEntry(ctx, trackingID, email)
}

// SentForStep returns the sent entry for (step, email), or nil.
func (s *Service) SentForStep(ctx context.Context, stepID, email string) (*domain.LedgerEntry, error) {
	return s.repo.FindForStep(ctx, stepID, email, domain.EventSent)
}

// HasSentForStep reports whether step was already delivered to email.
func (s *Service) HasSentForStep(ctx context.Context, stepID, email string) (bool, error) {
	e, err := s.SentForStep(ctx, stepID, email)
	return e != nil, err
}

// HasSentForCampaign reports whether any step of the campaign was already
// delivered to email.
func (s *Service) HasSentForCampaign(ctx context.Context, campaignID, email string) (bool, error) {
	return s.repo.ExistsForCampaign(ctx, campaignID, email, domain.EventSent)
}

// RecordOpen writes an opened entry for the delivery behind trackingID. At
// most one open is recorded per delivery; the return value reports whether
// this call wrote it.
func (s *Service) RecordOpen(ctx context.Context, trackingID, email string) (bool, error) {
	sent, err := s.recipientEntry(ctx, trackingID, email)
	if err != nil {
		return false, err
	}
	return s.recordUnique(ctx, derived(sent, domain.EventOpened, ""))
}

// RecordClick writes a clicked entry carrying the destination. Every click is
// recorded.
func (s *Service) RecordClick(ctx context.Context, trackingID, email, linkURL string) (*domain.LedgerEntry, error) {
	sent, err := s.recipientEntry(ctx, trackingID, email)
	if err != nil {
		return nil, err
	}
	return s.Record(ctx, derived(sent, domain.EventClicked, linkURL))
}

// RecordFeedback writes a deduplicated unsubscribed, bounced or complained
// entry for the delivery behind trackingID. It returns the sent entry so
// callers can act on the recipient.
func (s *Service) RecordFeedback(ctx context.Context, trackingID, email string, t domain.EventType) (*domain.LedgerEntry, bool, error) {
	switch t {
	case domain.EventUnsubscribed, domain.EventBounced, domain.EventComplained:
	default:
		return nil, false, fmt.Errorf("%w: %q is not a feedback event", ErrInvalidEvent, t)
	}
	sent, err := s.SentEntry(ctx, trackingID, email)
	if err != nil {
		return nil, false, err
	}
	ok, err := s.recordUnique(ctx, derived(sent, t, ""))
	return sent, ok, err
}

// CountByType returns per-type totals for a campaign.
func (s *Service) CountByType(ctx context.Context, campaignID string) (map[domain.EventType]int64, error) {
	return s.repo.CountByType(ctx, campaignID)
}

func derived(sent *domain.LedgerEntry, t domain.EventType, link string) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		CampaignID: sent.CampaignID,
		StepID:     sent.StepID,
		Email:      sent.Email,
		EventType:  t,
		LinkURL:    link,
	}
}
