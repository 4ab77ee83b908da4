package sending_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/mailing"
	"github.com/ignite/drip-engine/internal/pkg/distlock"
	"github.com/ignite/drip-engine/internal/repository/memory"
	"github.com/ignite/drip-engine/internal/service/counters"
	"github.com/ignite/drip-engine/internal/service/ledger"
	"github.com/ignite/drip-engine/internal/service/sending"
	"github.com/ignite/drip-engine/internal/service/sequence"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*domain.EmailMessage
	err  error

	// onSend runs before the message is accepted.
	onSend func()
}

func (f *fakeTransport) Send(_ context.Context, msg *domain.EmailMessage) error {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Sent() []*domain.EmailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.EmailMessage(nil), f.sent...)
}

type fakeQueue struct {
	mu         sync.Mutex
	available  bool
	enqueueErr error
	items      map[string]time.Time
	removed    []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{available: true, items: make(map[string]time.Time)}
}

func (q *fakeQueue) Enqueue(_ context.Context, id string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.items[id] = notBefore
	return nil
}

func (q *fakeQueue) IsBrokerAvailable(context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.available
}

func (q *fakeQueue) Remove(_ context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.items, id)
		q.removed = append(q.removed, id)
	}
	return nil
}

func (q *fakeQueue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

const (
	ownerID   = "owner-1"
	listID    = "list-1"
	recipient = "a@example.com"
)

type harness struct {
	store      *memory.Store
	ledger     *ledger.Service
	projector  *counters.Projector
	transport  *fakeTransport
	queue      *fakeQueue
	dispatcher *sending.Dispatcher
	sequencer  *sequence.Sequencer
	campaign   *domain.Campaign
}

func newHarness(t *testing.T, cfg sending.Config) *harness {
	t.Helper()
	return newHarnessOn(t, cfg, nil, nil)
}

// newHarnessOn swaps in a real queue and locker. A nil queue keeps the fake.
func newHarnessOn(t *testing.T, cfg sending.Config, queue sending.TaskQueue, locker distlock.Locker) *harness {
	t.Helper()
	store := memory.New()
	projector := counters.NewProjector(store.Campaigns, nil)
	led := ledger.NewService(store.Ledger, projector)
	projector.SetLedger(led)

	urls, err := mailing.NewTrackingURLs("https://track.example.com")
	require.NoError(t, err)

	if cfg.SystemSender == "" {
		cfg.SystemSender = "bounces@drip.example.com"
	}
	h := &harness{
		store:     store,
		ledger:    led,
		projector: projector,
		transport: &fakeTransport{},
		queue:     newFakeQueue(),
	}
	if queue == nil {
		queue = h.queue
	}
	h.dispatcher = sending.NewDispatcher(sending.Deps{
		Requests:    store.Requests,
		Campaigns:   store.Campaigns,
		Ledger:      led,
		Directory:   store.Directory,
		Profiles:    store.Profiles,
		Transport:   h.transport,
		Queue:       queue,
		Locker:      locker,
		Transformer: mailing.NewTransformer(urls, ""),
	}, cfg)
	h.sequencer = sequence.NewSequencer(store.Campaigns, store.Requests, led, h.dispatcher, locker)
	h.dispatcher.SetSequencer(h.sequencer)

	h.campaign = &domain.Campaign{
		ID:      "welcome",
		OwnerID: ownerID,
		ListID:  listID,
		Name:    "Welcome",
		Active:  true,
		Steps: []domain.Step{
			{ID: "step0", CampaignID: "welcome", Subject: "Welcome {{first_name}}", HTMLContent: "<p>Hello {{first_name}}</p>", Order: 0},
			{ID: "step1", CampaignID: "welcome", Subject: "Day two", HTMLContent: "<p>Still here?</p>", Order: 1, WaitTime: 1, WaitUnit: domain.WaitDays},
		},
	}
	store.Campaigns.Put(h.campaign)
	store.Profiles.Put(domain.OwnerProfile{
		OwnerID:     ownerID,
		Email:       "owner@shop.com",
		DisplayName: "Shop",
		Address:     domain.PostalAddress{Company: "Shop Inc"},
	})
	store.Directory.Put(ownerID, &domain.Recipient{
		ID: "sub-1", Email: recipient, FirstName: "Ann", LastName: "Lee", Active: true, Lists: []string{listID},
	})
	return h
}

// pendingRequest stores an open request for step without scheduling it.
func (h *harness) pendingRequest(t *testing.T, id, stepID string, at time.Time) *domain.SendRequest {
	t.Helper()
	req := &domain.SendRequest{
		ID:           id,
		OwnerID:      ownerID,
		CampaignID:   h.campaign.ID,
		StepID:       stepID,
		Email:        recipient,
		Status:       domain.SendPending,
		ScheduledFor: at,
	}
	require.NoError(t, h.store.Requests.Create(context.Background(), req))
	return req
}

func (h *harness) request(t *testing.T, id string) *domain.SendRequest {
	t.Helper()
	r, err := h.store.Requests.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) requestsForStep(stepID string) []domain.SendRequest {
	var out []domain.SendRequest
	for _, r := range h.store.Requests.All() {
		if r.StepID == stepID {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) counters(t *testing.T) domain.Counters {
	t.Helper()
	c, err := h.store.Campaigns.Get(context.Background(), h.campaign.ID)
	require.NoError(t, err)
	return c.Counters
}

var errSMTP = errors.New("421 try again later")
