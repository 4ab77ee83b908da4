package sending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/mailing"
	"github.com/ignite/drip-engine/internal/pkg/distlock"
	"github.com/ignite/drip-engine/internal/pkg/logger"
)

var log = logger.New("dispatcher")

const (
	defaultEnqueueTimeout   = 5 * time.Second
	defaultTransportTimeout = 30 * time.Second
)

// Config tunes the dispatcher.
type Config struct {
	// EnqueueTimeout bounds a single Enqueue call.
	EnqueueTimeout time.Duration
	// TransportTimeout bounds a single Transport.Send call.
	TransportTimeout time.Duration
	// PreferSync executes due requests inline instead of queueing them.
	PreferSync bool
	// LedgerAfterTransport writes the sent entry only after the transport
	// accepted the message. Off by default: the entry is written first and
	// survives a transport failure.
	LedgerAfterTransport bool
	// SystemSender is the neutral Sender used when the owner's domain lacks
	// verified sender authentication.
	SystemSender string
}

// Deps groups the dispatcher's collaborators.
type Deps struct {
	Requests    RequestRepository
	Campaigns   CampaignStore
	Ledger      Ledger
	Directory   RecipientDirectory
	Profiles    ProfileStore
	Transport   Transport
	Queue       TaskQueue
	Locker      distlock.Locker
	Transformer *mailing.Transformer
}

// Dispatcher performs delivery attempts and records their outcome. All
// public methods are safe for concurrent use.
type Dispatcher struct {
	Deps
	cfg       Config
	sequencer Continuer
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. The sequencer is wired afterwards with
// SetSequencer since it schedules through the dispatcher itself.
func NewDispatcher(d Deps, cfg Config) *Dispatcher {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = defaultTransportTimeout
	}
	if d.Locker == nil {
		d.Locker = distlock.NewLocalLocker()
	}
	return &Dispatcher{Deps: d, cfg: cfg, now: time.Now}
}

// SetSequencer wires the continuation path.
func (d *Dispatcher) SetSequencer(c Continuer) { d.sequencer = c }

// SetClock overrides the time source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Schedule hands a freshly created request to the task queue. When the
// deployment prefers sync execution, the broker is unreachable or the
// enqueue fails, a due request runs inline and a future one stays pending
// for the sweeper. Schedule never blocks longer than the enqueue timeout
// plus, for due requests, one delivery.
func (d *Dispatcher) Schedule(ctx context.Context, req *domain.SendRequest) error {
	if req.IsTest || d.cfg.PreferSync || d.Queue == nil {
		return d.runOrDefer(ctx, req, "")
	}
	if !d.Queue.IsBrokerAvailable(ctx) {
		log.Warn("broker unavailable, degrading to inline", "request_id", req.ID)
		return d.runOrDefer(ctx, req, ErrBrokerUnavailable.Error())
	}

	ectx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	err := d.Queue.Enqueue(ectx, req.ID, req.ScheduledFor)
	cancel()
	if err != nil {
		log.Warn("enqueue failed, degrading to inline", "request_id", req.ID, "error", err)
		return d.runOrDefer(ctx, req, fmt.Sprintf("enqueue: %v", err))
	}

	if err := d.Requests.Transition(ctx, req.ID, domain.SendQueued, TransitionFields{}); err != nil {
		// The queue still holds the id; the worker re-reads status anyway.
		log.Warn("mark queued failed", "request_id", req.ID, "error", err)
		return nil
	}
	req.Status = domain.SendQueued
	return nil
}

// runOrDefer executes a due request inline, otherwise leaves it pending with
// errMsg recorded.
func (d *Dispatcher) runOrDefer(ctx context.Context, req *domain.SendRequest, errMsg string) error {
	if errMsg != "" {
		if err := d.Requests.Annotate(ctx, req.ID, errMsg); err != nil {
			log.Warn("annotate request failed", "request_id", req.ID, "error", err)
		}
		req.ErrorMessage = errMsg
	}
	if !req.IsDue(d.now()) {
		return nil
	}
	return d.Execute(ctx, req.ID)
}

// Execute performs one delivery attempt for the request. Terminal requests
// are a no-op. Guard failures leave the request as-is and return a skip
// error (see IsSkip). Delivery failures mark the request failed and are
// returned wrapped.
func (d *Dispatcher) Execute(ctx context.Context, id string) error {
	req, err := d.Requests.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load request %s: %w", id, err)
	}
	if req.Status.IsTerminal() {
		log.Debug("request already terminal", "request_id", id, "status", req.Status)
		return nil
	}

	campaign, err := d.Campaigns.Get(ctx, req.CampaignID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return d.fail(ctx, req, "campaign not found", err)
		}
		return fmt.Errorf("load campaign %s: %w", req.CampaignID, err)
	}
	step := findStep(campaign.Steps, req.StepID)
	if step == nil {
		return d.fail(ctx, req, "step not found", fmt.Errorf("step %s: %w", req.StepID, ErrNotFound))
	}

	recipient, err := d.lookup(ctx, req.OwnerID, req.Email)
	if err != nil {
		return fmt.Errorf("lookup recipient: %w", err)
	}

	if req.IsTest {
		return d.deliverTest(ctx, req, step, recipient)
	}

	if err := guard(campaign, recipient); err != nil {
		log.Info("skipping send request", "request_id", req.ID, "email", req.Email, "reason", err)
		if terr := d.Requests.Annotate(ctx, req.ID, ""); terr != nil {
			log.Warn("touch request failed", "request_id", req.ID, "error", terr)
		}
		return err
	}

	key := fmt.Sprintf("deliver:%s:%s:%s", req.CampaignID, req.StepID, req.Email)
	err = distlock.WithLock(ctx, d.Locker, key, func() error {
		return d.deliver(ctx, req.ID, campaign, step, recipient)
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return ErrDeliveryInProgress
	}
	return err
}

// guard enforces the campaign and recipient preconditions. An unknown
// recipient (nil) passes: the raw email is delivered as-is.
func guard(c *domain.Campaign, r *domain.Recipient) error {
	if !c.Active {
		return ErrCampaignInactive
	}
	if r != nil && (!r.Active || !r.InList(c.ListID)) {
		return ErrRecipientInactive
	}
	return nil
}

// deliver runs under the per-(campaign, step, email) lock.
func (d *Dispatcher) deliver(ctx context.Context, id string, c *domain.Campaign, step *domain.Step, r *domain.Recipient) error {
	// Re-read inside the lock: a concurrent holder may have finished it.
	req, err := d.Requests.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload request %s: %w", id, err)
	}
	if req.Status.IsTerminal() {
		return nil
	}

	existing, err := d.Ledger.SentForStep(ctx, step.ID, req.Email)
	if err != nil {
		return fmt.Errorf("ledger check: %w", err)
	}
	reuse := false
	if existing != nil {
		if existing.ID != req.TrackingID {
			msg := fmt.Sprintf("duplicate delivery: step already sent (tracking id %s)", existing.ID)
			return d.fail(ctx, req, msg, ErrDuplicateDelivery)
		}
		reuse = true
	}

	trackingID := req.TrackingID
	if !reuse {
		if d.cfg.LedgerAfterTransport {
			if trackingID == "" {
				trackingID = uuid.New().String()
			}
		} else {
			entry, err := d.Ledger.RecordSent(ctx, trackingID, c.ID, step.ID, req.Email)
			if err != nil {
				return fmt.Errorf("record sent entry: %w", err)
			}
			trackingID = entry.ID
		}
		if err := d.Requests.SetTrackingID(ctx, req.ID, trackingID); err != nil {
			log.Warn("store tracking id failed", "request_id", req.ID, "error", err)
		}
		req.TrackingID = trackingID
	}

	if err := d.send(ctx, req, c, step, r); err != nil {
		return err
	}

	if !reuse && d.cfg.LedgerAfterTransport {
		if _, err := d.Ledger.RecordSent(ctx, trackingID, c.ID, step.ID, req.Email); err != nil {
			log.Error("record sent entry after transport failed", "request_id", req.ID, "error", err)
		}
	}
	if err := d.markSent(ctx, req); err != nil {
		// Cancelled mid-transport or the store is failing: the request did
		// not reach sent, so the sequence does not advance from it.
		log.Warn("request not marked sent, continuation skipped", "request_id", req.ID, "error", err)
		return nil
	}

	if d.sequencer != nil {
		if err := d.sequencer.Continue(ctx, req); err != nil {
			log.Warn("schedule next step failed", "request_id", req.ID, "campaign_id", req.CampaignID, "error", err)
		}
	}
	return nil
}

// deliverTest sends an owner preview: no guards, no ledger, no continuation.
func (d *Dispatcher) deliverTest(ctx context.Context, req *domain.SendRequest, step *domain.Step, r *domain.Recipient) error {
	campaign := &domain.Campaign{ID: req.CampaignID, OwnerID: req.OwnerID}
	if req.TrackingID == "" {
		req.TrackingID = uuid.New().String()
	}
	if err := d.send(ctx, req, campaign, step, r); err != nil {
		return err
	}
	return d.markSent(ctx, req)
}

// send transforms, builds and transports the message. Failures mark the
// request failed.
func (d *Dispatcher) send(ctx context.Context, req *domain.SendRequest, c *domain.Campaign, step *domain.Step, r *domain.Recipient) error {
	owner, err := d.Profiles.Get(ctx, req.OwnerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return d.fail(ctx, req, "owner profile not found", err)
		}
		return fmt.Errorf("load owner profile: %w", err)
	}

	footer := step.FooterHTML
	if strings.TrimSpace(footer) == "" {
		footer = owner.FooterHTML
	}
	out, err := d.Transformer.Transform(mailing.Input{
		Subject:        step.Subject,
		HTML:           step.HTMLContent,
		Text:           step.TextContent,
		Variables:      variables(req, r),
		Email:          req.Email,
		TrackingID:     req.TrackingID,
		FooterHTML:     footer,
		Owner:          owner,
		RecipientKnown: r != nil,
	})
	if err != nil {
		return d.fail(ctx, req, err.Error(), err)
	}

	msg := buildMessage(req, c, owner, out, d.cfg.SystemSender)

	tctx, cancel := context.WithTimeout(ctx, d.cfg.TransportTimeout)
	defer cancel()
	if err := d.Transport.Send(tctx, msg); err != nil {
		return d.fail(ctx, req, fmt.Sprintf("transport: %v", err), fmt.Errorf("%w: %v", ErrTransport, err))
	}
	return nil
}

func (d *Dispatcher) markSent(ctx context.Context, req *domain.SendRequest) error {
	now := d.now().UTC()
	if err := d.Requests.Transition(ctx, req.ID, domain.SendSent, TransitionFields{SentAt: &now}); err != nil {
		log.Error("mark sent failed", "request_id", req.ID, "error", err)
		return fmt.Errorf("mark request %s sent: %w", req.ID, err)
	}
	req.Status = domain.SendSent
	req.SentAt = &now
	log.Info("send request delivered", "request_id", req.ID, "campaign_id", req.CampaignID, "email", req.Email)
	return nil
}

// fail marks the request failed with msg and returns cause.
func (d *Dispatcher) fail(ctx context.Context, req *domain.SendRequest, msg string, cause error) error {
	if err := d.Requests.Transition(ctx, req.ID, domain.SendFailed, TransitionFields{ErrorMessage: msg}); err != nil {
		log.Error("mark failed failed", "request_id", req.ID, "error", err)
	} else {
		req.Status = domain.SendFailed
		req.ErrorMessage = msg
	}
	log.Warn("send request failed", "request_id", req.ID, "campaign_id", req.CampaignID, "reason", msg)
	return cause
}

// lookup resolves the recipient, returning nil for unknown emails.
func (d *Dispatcher) lookup(ctx context.Context, ownerID, email string) (*domain.Recipient, error) {
	if d.Directory == nil {
		return nil, nil
	}
	r, err := d.Directory.Lookup(ctx, ownerID, email)
	if errors.Is(err, ErrRecipientNotFound) {
		return nil, nil
	}
	return r, err
}

// variables fills recipient defaults under any caller-provided values.
func variables(req *domain.SendRequest, r *domain.Recipient) map[string]string {
	vars := make(map[string]string, len(req.Variables)+4)
	vars["email"] = req.Email
	if r != nil {
		vars["first_name"] = r.FirstName
		vars["last_name"] = r.LastName
		vars["full_name"] = r.FullName()
	}
	for k, v := range req.Variables {
		vars[k] = v
	}
	return vars
}

func findStep(steps []domain.Step, id string) *domain.Step {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}

// NormalizeEmail is the canonical form emails are stored and locked under.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
