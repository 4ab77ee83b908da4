package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/pkg/distlock"
	"github.com/ignite/drip-engine/internal/pkg/logger"
	"github.com/ignite/drip-engine/internal/service/sending"
)

var log = logger.New("sequencer")

// LedgerChecker answers the idempotency questions the sequencer asks.
type LedgerChecker interface {
	HasSentForStep(ctx context.Context, stepID, email string) (bool, error)
	HasSentForCampaign(ctx context.Context, campaignID, email string) (bool, error)
}

// Scheduler hands a new request to the queue or runs it inline.
type Scheduler interface {
	Schedule(ctx context.Context, req *domain.SendRequest) error
}

// Canceller cancels open requests.
type Canceller interface {
	CancelPending(ctx context.Context, f sending.CancelFilter, reason string) (int, error)
}

// Sequencer creates send requests for sequence entry and continuation.
type Sequencer struct {
	campaigns sending.CampaignStore
	requests  sending.RequestRepository
	ledger    LedgerChecker
	scheduler Scheduler
	locker    distlock.Locker
	now       func() time.Time
}

// NewSequencer creates a sequencer. scheduler is usually the dispatcher.
func NewSequencer(campaigns sending.CampaignStore, requests sending.RequestRepository, ledger LedgerChecker, scheduler Scheduler, locker distlock.Locker) *Sequencer {
	if locker == nil {
		locker = distlock.NewLocalLocker()
	}
	return &Sequencer{
		campaigns: campaigns,
		requests:  requests,
		ledger:    ledger,
		scheduler: scheduler,
		locker:    locker,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (s *Sequencer) SetClock(now func() time.Time) { s.now = now }

// Enrollment is one attempt to put a recipient on a step.
type Enrollment struct {
	Campaign     *domain.Campaign
	Step         *domain.Step
	Email        string
	SubscriberID *string
	Variables    map[string]string
	ScheduledFor time.Time

	// Entry selects the sequence-entry guard: no sent entry may exist for
	// the whole campaign. Continuations only check the target step.
	Entry bool
}

// TryEnterOrContinue creates and schedules a pending request for e, unless
// the step was already delivered to the recipient, an open request for it
// exists, or another trigger holds the enrollment lock. Those cases return
// ErrAlreadyEnrolled.
func (s *Sequencer) TryEnterOrContinue(ctx context.Context, e Enrollment) (*domain.SendRequest, error) {
	email := sending.NormalizeEmail(e.Email)
	key := fmt.Sprintf("enroll:%s:%s:%s", e.Campaign.ID, e.Step.ID, email)

	var req *domain.SendRequest
	err := distlock.WithLock(ctx, s.locker, key, func() error {
		var delivered bool
		var err error
		if e.Entry {
			delivered, err = s.ledger.HasSentForCampaign(ctx, e.Campaign.ID, email)
		} else {
			delivered, err = s.ledger.HasSentForStep(ctx, e.Step.ID, email)
		}
		if err != nil {
			return fmt.Errorf("ledger check: %w", err)
		}
		if delivered {
			return ErrAlreadyEnrolled
		}

		open, err := s.requests.HasOpen(ctx, e.Step.ID, email)
		if err != nil {
			return fmt.Errorf("open request check: %w", err)
		}
		if open {
			return ErrAlreadyEnrolled
		}

		now := s.now().UTC()
		vars := make(map[string]string, len(e.Variables))
		for k, v := range e.Variables {
			vars[k] = v
		}
		req = &domain.SendRequest{
			ID:           uuid.New().String(),
			OwnerID:      e.Campaign.OwnerID,
			CampaignID:   e.Campaign.ID,
			StepID:       e.Step.ID,
			SubscriberID: e.SubscriberID,
			Email:        email,
			Variables:    vars,
			Status:       domain.SendPending,
			ScheduledFor: e.ScheduledFor.UTC(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return s.requests.Create(ctx, req)
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return nil, ErrAlreadyEnrolled
	}
	if err != nil {
		return nil, err
	}

	log.Info("send request created", "request_id", req.ID, "campaign_id", req.CampaignID,
		"step_id", req.StepID, "email", req.Email, "scheduled_for", req.ScheduledFor)

	// Scheduling runs outside the enrollment lock; a due request may be
	// delivered inline right here.
	if err := s.scheduler.Schedule(ctx, req); err != nil {
		log.Warn("schedule failed, left for sweeper", "request_id", req.ID, "error", err)
	}
	return req, nil
}

// EnterSequence enrolls a recipient at the campaign's first step, fired now.
func (s *Sequencer) EnterSequence(ctx context.Context, c *domain.Campaign, email string, subscriberID *string, vars map[string]string) (*domain.SendRequest, error) {
	if !c.Active {
		return nil, sending.ErrCampaignInactive
	}
	first := domain.FirstStep(c.Steps)
	if first == nil {
		return nil, ErrNoSteps
	}
	return s.TryEnterOrContinue(ctx, Enrollment{
		Campaign:     c,
		Step:         first,
		Email:        email,
		SubscriberID: subscriberID,
		Variables:    vars,
		ScheduledFor: s.now(),
		Entry:        true,
	})
}

// Continue schedules the step after req's step at now + wait. The end of the
// sequence is not an error.
func (s *Sequencer) Continue(ctx context.Context, req *domain.SendRequest) error {
	c, err := s.campaigns.Get(ctx, req.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign %s: %w", req.CampaignID, err)
	}
	if !c.Active {
		log.Debug("campaign inactive, sequence stopped", "campaign_id", c.ID, "email", req.Email)
		return nil
	}
	var current *domain.Step
	for i := range c.Steps {
		if c.Steps[i].ID == req.StepID {
			current = &c.Steps[i]
			break
		}
	}
	if current == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, req.StepID)
	}

	next := domain.NextStep(c.Steps, current.Order)
	if next == nil {
		log.Debug("sequence complete", "campaign_id", c.ID, "email", req.Email)
		return nil
	}

	_, err = s.TryEnterOrContinue(ctx, Enrollment{
		Campaign:     c,
		Step:         next,
		Email:        req.Email,
		SubscriberID: req.SubscriberID,
		Variables:    req.Variables,
		ScheduledFor: s.now().Add(next.Wait()),
	})
	return err
}

// OnListJoin enrolls a recipient into every active campaign backed by the
// list. A failure for one campaign is logged and does not stop the others.
// It returns the number of campaigns entered.
func (s *Sequencer) OnListJoin(ctx context.Context, ownerID, listID, email string, subscriberID *string, vars map[string]string) (int, error) {
	campaigns, err := s.campaigns.ListActiveByList(ctx, ownerID, listID)
	if err != nil {
		return 0, fmt.Errorf("list campaigns for list %s: %w", listID, err)
	}
	entered := 0
	for i := range campaigns {
		c, err := s.campaigns.Get(ctx, campaigns[i].ID)
		if err != nil {
			log.Error("load campaign failed", "campaign_id", campaigns[i].ID, "error", err)
			continue
		}
		_, err = s.EnterSequence(ctx, c, email, subscriberID, vars)
		switch {
		case err == nil:
			entered++
		case errors.Is(err, ErrAlreadyEnrolled), errors.Is(err, ErrNoSteps), sending.IsSkip(err):
			log.Debug("sequence entry skipped", "campaign_id", c.ID, "email", email, "reason", err)
		default:
			log.Error("sequence entry failed", "campaign_id", c.ID, "email", email, "error", err)
		}
	}
	return entered, nil
}

// OnListLeave cancels the recipient's open requests in every active campaign
// backed by the list.
func (s *Sequencer) OnListLeave(ctx context.Context, canceller Canceller, ownerID, listID, email string) (int, error) {
	campaigns, err := s.campaigns.ListActiveByList(ctx, ownerID, listID)
	if err != nil {
		return 0, fmt.Errorf("list campaigns for list %s: %w", listID, err)
	}
	total := 0
	for _, c := range campaigns {
		n, err := canceller.CancelPending(ctx, sending.CancelFilter{CampaignID: c.ID, Email: email}, "recipient left list")
		if err != nil {
			log.Error("cancel on list leave failed", "campaign_id", c.ID, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}
