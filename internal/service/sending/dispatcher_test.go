package sending_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/mailing"
	"github.com/ignite/drip-engine/internal/service/sending"
)

func TestWelcomeScenario(t *testing.T) {
	h := newHarness(t, sending.Config{})
	ctx := context.Background()

	n, err := h.sequencer.OnListJoin(ctx, ownerID, listID, recipient, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	step0 := h.requestsForStep("step0")
	require.Len(t, step0, 1)
	assert.Equal(t, domain.SendQueued, step0[0].Status)
	assert.WithinDuration(t, time.Now(), step0[0].ScheduledFor, 5*time.Second)
	assert.True(t, h.queue.Has(step0[0].ID))

	require.NoError(t, h.dispatcher.Execute(ctx, step0[0].ID))

	assert.Len(t, h.transport.Sent(), 1)
	assert.Equal(t, 1, h.store.Ledger.Count("welcome", recipient, domain.EventSent))
	assert.Equal(t, int64(1), h.counters(t).SentCount)
	assert.Equal(t, domain.SendSent, h.request(t, step0[0].ID).Status)

	step1 := h.requestsForStep("step1")
	require.Len(t, step1, 1)
	assert.Equal(t, domain.SendQueued, step1[0].Status)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), step1[0].ScheduledFor, 5*time.Second)
	assert.True(t, h.queue.Has(step1[0].ID))
}

func TestWelcomeScenarioTransportFailure(t *testing.T) {
	h := newHarness(t, sending.Config{})
	ctx := context.Background()
	h.transport.err = errSMTP

	_, err := h.sequencer.OnListJoin(ctx, ownerID, listID, recipient, nil, nil)
	require.NoError(t, err)
	step0 := h.requestsForStep("step0")
	require.Len(t, step0, 1)

	err = h.dispatcher.Execute(ctx, step0[0].ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sending.ErrTransport))

	got := h.request(t, step0[0].ID)
	assert.Equal(t, domain.SendFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "421 try again later")
	assert.Empty(t, h.requestsForStep("step1"), "a failed send must not continue the sequence")

	// The sent entry is written before the transport attempt and survives.
	assert.Equal(t, 1, h.store.Ledger.Count("welcome", recipient, domain.EventSent))
	assert.Equal(t, int64(1), h.counters(t).SentCount)
	assert.NotEmpty(t, got.TrackingID)
}

func TestLedgerAfterTransport(t *testing.T) {
	h := newHarness(t, sending.Config{LedgerAfterTransport: true})
	ctx := context.Background()

	h.transport.err = errSMTP
	h.pendingRequest(t, "r1", "step0", time.Now())
	require.Error(t, h.dispatcher.Execute(ctx, "r1"))
	assert.Equal(t, 0, h.store.Ledger.Count("welcome", "", domain.EventSent))
	assert.Equal(t, int64(0), h.counters(t).SentCount)

	h.transport.err = nil
	retry, err := h.dispatcher.Retry(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.Execute(ctx, retry.ID))

	got := h.request(t, retry.ID)
	assert.Equal(t, domain.SendSent, got.Status)
	entries := h.store.Ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, got.TrackingID, entries[0].ID)
	assert.Equal(t, int64(1), h.counters(t).SentCount)
}

func TestExecuteMessage(t *testing.T) {
	h := newHarness(t, sending.Config{})
	h.pendingRequest(t, "r1", "step0", time.Now())

	require.NoError(t, h.dispatcher.Execute(context.Background(), "r1"))

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	msg := sent[0]
	req := h.request(t, "r1")

	assert.Equal(t, `"Shop" <owner@shop.com>`, msg.From)
	assert.Equal(t, recipient, msg.To)
	assert.Equal(t, []string{"owner@shop.com"}, msg.Bcc)
	assert.Equal(t, "Welcome Ann", msg.Subject)
	assert.Equal(t, req.TrackingID, msg.TrackingID)
	assert.Equal(t, "bounces@drip.example.com", msg.Headers[sending.HeaderSender])
	assert.True(t, strings.HasPrefix(msg.Headers[sending.HeaderListUnsubscribe],
		"<https://track.example.com/track/unsubscribe/"+req.TrackingID))
	assert.Equal(t, "List-Unsubscribe=One-Click", msg.Headers[sending.HeaderListUnsubscribePost])
	assert.Contains(t, msg.HTMLContent, "/track/open/"+req.TrackingID)
	assert.Contains(t, msg.HTMLContent, "Hello Ann")
	assert.Contains(t, msg.TextContent, "Hello Ann")

	entries := h.store.Ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, req.TrackingID, entries[0].ID)
	require.NotNil(t, req.SentAt)
}

func TestExecuteUnknownRecipient(t *testing.T) {
	h := newHarness(t, sending.Config{})
	req := h.pendingRequest(t, "r1", "step0", time.Now())
	req.Email = "stranger@example.com"
	require.NoError(t, h.store.Requests.Create(context.Background(), req))

	require.NoError(t, h.dispatcher.Execute(context.Background(), "r1"))

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Headers[sending.HeaderListUnsubscribe])
	assert.Contains(t, sent[0].Subject, "{{first_name}}", "unknown placeholders stay intact")
}

func TestExecuteGuardsSkip(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
	}{
		{
			name: "inactive campaign",
			setup: func(h *harness) {
				require.NoError(t, h.store.Campaigns.SetActive(context.Background(), "welcome", false))
			},
			wantErr: sending.ErrCampaignInactive,
		},
		{
			name: "inactive recipient",
			setup: func(h *harness) {
				require.NoError(t, h.store.Directory.Unsubscribe(context.Background(), ownerID, recipient))
			},
			wantErr: sending.ErrRecipientInactive,
		},
		{
			name: "recipient left list",
			setup: func(h *harness) {
				h.store.Directory.Put(ownerID, &domain.Recipient{Email: recipient, Active: true, Lists: []string{"other"}})
			},
			wantErr: sending.ErrRecipientInactive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, sending.Config{})
			h.pendingRequest(t, "r1", "step0", time.Now())
			tt.setup(h)

			err := h.dispatcher.Execute(context.Background(), "r1")
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, sending.IsSkip(err))

			got := h.request(t, "r1")
			assert.Equal(t, domain.SendPending, got.Status)
			assert.Empty(t, got.ErrorMessage)
			assert.Empty(t, h.transport.Sent())
			assert.Empty(t, h.store.Ledger.Entries())
		})
	}
}

func TestExecuteEmptyContentFails(t *testing.T) {
	h := newHarness(t, sending.Config{})
	h.campaign.Steps[0].HTMLContent = "{{body}}"
	h.store.Campaigns.Put(h.campaign)
	req := h.pendingRequest(t, "r1", "step0", time.Now())
	req.Variables = map[string]string{"body": " "}
	require.NoError(t, h.store.Requests.Create(context.Background(), req))

	err := h.dispatcher.Execute(context.Background(), "r1")
	require.Error(t, err)
	got := h.request(t, "r1")
	assert.Equal(t, domain.SendFailed, got.Status)
	assert.True(t, errors.Is(err, mailing.ErrEmptyContent))
	assert.Equal(t, mailing.ErrEmptyContent.Error(), got.ErrorMessage)
	assert.Empty(t, h.transport.Sent())
}

func TestExecuteTerminalIsNoop(t *testing.T) {
	h := newHarness(t, sending.Config{})
	h.pendingRequest(t, "r1", "step0", time.Now())
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Execute(ctx, "r1"))
	require.NoError(t, h.dispatcher.Execute(ctx, "r1"))
	assert.Len(t, h.transport.Sent(), 1)
}

func TestDuplicateDeliveryMarkedFailed(t *testing.T) {
	h := newHarness(t, sending.Config{})
	ctx := context.Background()
	h.pendingRequest(t, "r1", "step0", time.Now())
	require.NoError(t, h.dispatcher.Execute(ctx, "r1"))

	h.pendingRequest(t, "r2", "step0", time.Now())
	err := h.dispatcher.Execute(ctx, "r2")
	assert.True(t, errors.Is(err, sending.ErrDuplicateDelivery))

	got := h.request(t, "r2")
	assert.Equal(t, domain.SendFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "duplicate delivery")
	assert.Len(t, h.transport.Sent(), 1)
	assert.Equal(t, 1, h.store.Ledger.Count("welcome", recipient, domain.EventSent))
}

func TestConcurrentExecuteDeliversOnce(t *testing.T) {
	h := newHarness(t, sending.Config{})
	h.pendingRequest(t, "r1", "step0", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.dispatcher.Execute(context.Background(), "r1")
			if err != nil {
				assert.True(t, errors.Is(err, sending.ErrDeliveryInProgress), "unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, h.transport.Sent(), 1)
	assert.Equal(t, 1, h.store.Ledger.Count("welcome", recipient, domain.EventSent))
}

func TestRetryReusesTrackingID(t *testing.T) {
	h := newHarness(t, sending.Config{PreferSync: true})
	ctx := context.Background()

	h.transport.err = errSMTP
	h.pendingRequest(t, "r1", "step0", time.Now())
	require.Error(t, h.dispatcher.Execute(ctx, "r1"))
	failed := h.request(t, "r1")
	require.Equal(t, domain.SendFailed, failed.Status)
	require.NotEmpty(t, failed.TrackingID)

	h.transport.err = nil
	clone, err := h.dispatcher.Retry(ctx, "r1")
	require.NoError(t, err)

	assert.NotEqual(t, "r1", clone.ID)
	assert.Equal(t, domain.SendSent, clone.Status)
	assert.Equal(t, failed.TrackingID, clone.TrackingID)
	assert.Equal(t, domain.SendFailed, h.request(t, "r1").Status, "the original stays failed")
	assert.Equal(t, 1, h.store.Ledger.Count("welcome", recipient, domain.EventSent))
	assert.Len(t, h.requestsForStep("step1"), 1)

	_, err = h.dispatcher.Retry(ctx, clone.ID)
	assert.True(t, errors.Is(err, sending.ErrInvalidTransition))
}

func TestScheduleBrokerUnavailable(t *testing.T) {
	h := newHarness(t, sending.Config{})
	h.queue.available = false
	ctx := context.Background()

	due := &domain.SendRequest{OwnerID: ownerID, CampaignID: "welcome", StepID: "step0", Email: recipient}
	require.NoError(t, h.dispatcher.CreateRequest(ctx, due))
	assert.Equal(t, domain.SendSent, h.request(t, due.ID).Status, "due requests run inline")

	future := &domain.SendRequest{
		OwnerID: ownerID, CampaignID: "welcome", StepID: "step1", Email: "b@example.com",
		ScheduledFor: time.Now().Add(time.Hour),
	}
	require.NoError(t, h.dispatcher.CreateRequest(ctx, future))
	got := h.request(t, future.ID)
	assert.Equal(t, domain.SendPending, got.Status)
	assert.Equal(t, sending.ErrBrokerUnavailable.Error(), got.ErrorMessage)
	assert.False(t, h.queue.Has(future.ID))
}

func TestScheduleEnqueueFailure(t *testing.T) {
	h := newHarness(t, sending.Config{})
	h.queue.enqueueErr = errors.New("dial tcp 10.0.0.1:6379: i/o timeout")
	ctx := context.Background()

	future := &domain.SendRequest{
		OwnerID: ownerID, CampaignID: "welcome", StepID: "step1", Email: recipient,
		ScheduledFor: time.Now().Add(time.Hour),
	}
	require.NoError(t, h.dispatcher.CreateRequest(ctx, future))
	got := h.request(t, future.ID)
	assert.Equal(t, domain.SendPending, got.Status)
	assert.Contains(t, got.ErrorMessage, "enqueue: dial tcp")
	assert.Empty(t, h.transport.Sent())
}

func TestSchedulePreferSync(t *testing.T) {
	h := newHarness(t, sending.Config{PreferSync: true})
	req := &domain.SendRequest{OwnerID: ownerID, CampaignID: "welcome", StepID: "step0", Email: recipient}
	require.NoError(t, h.dispatcher.CreateRequest(context.Background(), req))

	assert.Equal(t, domain.SendSent, h.request(t, req.ID).Status)
	assert.False(t, h.queue.Has(req.ID))
	// The continuation is in the future, so it waits for the sweeper.
	step1 := h.requestsForStep("step1")
	require.Len(t, step1, 1)
	assert.Equal(t, domain.SendPending, step1[0].Status)
}

func TestSendTest(t *testing.T) {
	h := newHarness(t, sending.Config{})
	require.NoError(t, h.store.Campaigns.SetActive(context.Background(), "welcome", false))

	req, err := h.dispatcher.SendTest(context.Background(), sending.TestInput{
		OwnerID: ownerID, CampaignID: "welcome", StepID: "step0", Email: "Owner@Shop.com",
		Variables: map[string]string{"first_name": "Preview"},
	})
	require.NoError(t, err)

	assert.True(t, req.IsTest)
	assert.Equal(t, domain.SendSent, req.Status)
	assert.Equal(t, "owner@shop.com", req.Email)
	require.Len(t, h.transport.Sent(), 1)
	assert.Equal(t, "Welcome Preview", h.transport.Sent()[0].Subject)
	assert.Empty(t, h.store.Ledger.Entries(), "test sends write no ledger entry")
	assert.Empty(t, h.requestsForStep("step1"), "test sends never continue")
}

func TestSendTestValidatesEmail(t *testing.T) {
	h := newHarness(t, sending.Config{})
	_, err := h.dispatcher.SendTest(context.Background(), sending.TestInput{
		OwnerID: ownerID, CampaignID: "welcome", StepID: "step0", Email: "not an email",
	})
	assert.Error(t, err)
}

func TestSendNow(t *testing.T) {
	h := newHarness(t, sending.Config{})
	ctx := context.Background()
	req := &domain.SendRequest{
		OwnerID: ownerID, CampaignID: "welcome", StepID: "step0", Email: recipient,
		ScheduledFor: time.Now().Add(48 * time.Hour),
	}
	require.NoError(t, h.dispatcher.CreateRequest(ctx, req))
	require.True(t, h.queue.Has(req.ID))

	got, err := h.dispatcher.SendNow(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SendSent, got.Status)
	assert.False(t, h.queue.Has(req.ID))

	_, err = h.dispatcher.SendNow(ctx, req.ID)
	assert.True(t, errors.Is(err, sending.ErrInvalidTransition))
}

func TestDeactivateCampaignCancelsPending(t *testing.T) {
	h := newHarness(t, sending.Config{})
	ctx := context.Background()
	for _, email := range []string{"a@example.com", "b@example.com"} {
		req := &domain.SendRequest{
			OwnerID: ownerID, CampaignID: "welcome", StepID: "step1", Email: email,
			ScheduledFor: time.Now().Add(time.Hour),
		}
		require.NoError(t, h.dispatcher.CreateRequest(ctx, req))
	}

	n, err := h.dispatcher.DeactivateCampaign(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, r := range h.store.Requests.All() {
		assert.Equal(t, domain.SendFailed, r.Status)
		assert.Equal(t, "cancelled: campaign deactivated", r.ErrorMessage)
		assert.False(t, h.queue.Has(r.ID))
	}
	c, err := h.store.Campaigns.Get(ctx, "welcome")
	require.NoError(t, err)
	assert.False(t, c.Active)
}

func TestDeactivateDuringTransportStopsSequence(t *testing.T) {
	h := newHarness(t, sending.Config{})
	ctx := context.Background()
	h.pendingRequest(t, "r1", "step0", time.Now())
	h.transport.onSend = func() {
		_, err := h.dispatcher.DeactivateCampaign(ctx, "welcome")
		require.NoError(t, err)
	}

	require.NoError(t, h.dispatcher.Execute(ctx, "r1"))

	assert.Len(t, h.transport.Sent(), 1)
	r1 := h.request(t, "r1")
	assert.Equal(t, domain.SendFailed, r1.Status)
	assert.Equal(t, "cancelled: campaign deactivated", r1.ErrorMessage)
	assert.Empty(t, h.requestsForStep("step1"))
}

func TestCancelPendingRequiresFilter(t *testing.T) {
	h := newHarness(t, sending.Config{})
	_, err := h.dispatcher.CancelPending(context.Background(), sending.CancelFilter{}, "x")
	assert.Error(t, err)
}

func TestHandleFeedbackUnsubscribe(t *testing.T) {
	h := newHarness(t, sending.Config{})
	ctx := context.Background()
	h.pendingRequest(t, "r1", "step0", time.Now())
	require.NoError(t, h.dispatcher.Execute(ctx, "r1"))
	trackingID := h.request(t, "r1").TrackingID

	step1 := h.requestsForStep("step1")
	require.Len(t, step1, 1)

	require.NoError(t, h.dispatcher.HandleFeedback(ctx, trackingID, recipient, domain.EventUnsubscribed))
	require.NoError(t, h.dispatcher.HandleFeedback(ctx, trackingID, recipient, domain.EventUnsubscribed))

	r, err := h.store.Directory.Lookup(ctx, ownerID, recipient)
	require.NoError(t, err)
	assert.False(t, r.Active)

	next := h.request(t, step1[0].ID)
	assert.Equal(t, domain.SendFailed, next.Status)
	assert.True(t, strings.HasPrefix(next.ErrorMessage, "cancelled:"))
	assert.Equal(t, 1, h.store.Ledger.Count("welcome", recipient, domain.EventUnsubscribed))
	assert.Equal(t, int64(1), h.counters(t).UnsubscribeCount)
}

func TestHandleFeedbackBounceKeepsRecipient(t *testing.T) {
	h := newHarness(t, sending.Config{})
	ctx := context.Background()
	h.pendingRequest(t, "r1", "step0", time.Now())
	require.NoError(t, h.dispatcher.Execute(ctx, "r1"))

	require.NoError(t, h.dispatcher.HandleFeedback(ctx, h.request(t, "r1").TrackingID, "", domain.EventBounced))

	r, err := h.store.Directory.Lookup(ctx, ownerID, recipient)
	require.NoError(t, err)
	assert.True(t, r.Active)
	assert.Equal(t, int64(1), h.counters(t).BounceCount)
}
