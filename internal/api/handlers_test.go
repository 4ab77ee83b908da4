package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/mailing"
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
}

func (f *fakeTransport) Send(_ context.Context, msg *domain.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testAPI struct {
	store     *memory.Store
	transport *fakeTransport
	server    *httptest.Server
	token     string
}

func newTestAPI(t *testing.T, token string) *testAPI {
	t.Helper()
	store := memory.New()
	projector := counters.NewProjector(store.Campaigns, nil)
	led := ledger.NewService(store.Ledger, projector)
	projector.SetLedger(led)

	urls, err := mailing.NewTrackingURLs("https://track.example.com")
	require.NoError(t, err)

	tr := &fakeTransport{}
	d := sending.NewDispatcher(sending.Deps{
		Requests:    store.Requests,
		Campaigns:   store.Campaigns,
		Ledger:      led,
		Directory:   store.Directory,
		Profiles:    store.Profiles,
		Transport:   tr,
		Transformer: mailing.NewTransformer(urls, ""),
	}, sending.Config{PreferSync: true, SystemSender: "bounces@drip.example.com"})
	seq := sequence.NewSequencer(store.Campaigns, store.Requests, led, d, nil)
	d.SetSequencer(seq)

	store.Campaigns.Put(&domain.Campaign{
		ID: "welcome", OwnerID: "owner-1", ListID: "list-1", Name: "Welcome", Active: true,
		Steps: []domain.Step{
			{ID: "step0", CampaignID: "welcome", Subject: "Hi {{first_name}}", HTMLContent: "<p>Hello</p>", Order: 0},
			{ID: "step1", CampaignID: "welcome", Subject: "Day two", HTMLContent: "<p>Again</p>", Order: 1, WaitTime: 1, WaitUnit: domain.WaitDays},
		},
	})
	store.Profiles.Put(domain.OwnerProfile{OwnerID: "owner-1", Email: "owner@shop.com", DisplayName: "Shop"})
	store.Directory.Put("owner-1", &domain.Recipient{
		ID: "sub-1", Email: "a@example.com", FirstName: "Ann", Active: true, Lists: []string{"list-1"},
	})

	srv := httptest.NewServer(SetupRoutes(NewHandlers(d, seq, projector), NewHealthChecker(nil, nil, nil), RouteConfig{APIToken: token}))
	t.Cleanup(srv.Close)
	return &testAPI{store: store, transport: tr, server: srv, token: token}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (a *testAPI) pending(t *testing.T, id, stepID string, at time.Time) {
	t.Helper()
	require.NoError(t, a.store.Requests.Create(context.Background(), &domain.SendRequest{
		ID: id, OwnerID: "owner-1", CampaignID: "welcome", StepID: stepID, Email: "a@example.com",
		Status: domain.SendPending, ScheduledFor: at,
	}))
}

func TestListJoinEnrollsAndSendsFirstStep(t *testing.T) {
	a := newTestAPI(t, "")
	status, body := a.do(t, http.MethodPost, "/api/lists/list-1/join",
		map[string]string{"owner_id": "owner-1", "email": "A@example.com"})

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["enrolled"])
	assert.Equal(t, 1, a.transport.count())

	// step1 waits a day and stays pending
	reqs, err := a.store.Requests.List(context.Background(), sending.ListFilter{Status: domain.SendPending})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "step1", reqs[0].StepID)

	status, body = a.do(t, http.MethodPost, "/api/lists/list-1/join",
		map[string]string{"owner_id": "owner-1", "email": "a@example.com"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["enrolled"])
}

func TestListJoinValidates(t *testing.T) {
	a := newTestAPI(t, "")
	status, _ := a.do(t, http.MethodPost, "/api/lists/list-1/join", map[string]string{"email": "a@example.com"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListLeaveCancelsOpenRequests(t *testing.T) {
	a := newTestAPI(t, "")
	a.pending(t, "r1", "step1", time.Now().Add(time.Hour))

	status, body := a.do(t, http.MethodPost, "/api/lists/list-1/leave",
		map[string]string{"owner_id": "owner-1", "email": "a@example.com"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["cancelled"])

	r, err := a.store.Requests.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.SendFailed, r.Status)
}

func TestSendNow(t *testing.T) {
	a := newTestAPI(t, "")
	a.pending(t, "r1", "step0", time.Now().Add(48*time.Hour))

	status, body := a.do(t, http.MethodPost, "/api/requests/r1/send", nil)
	require.Equal(t, http.StatusOK, status)
	req := body["request"].(map[string]interface{})
	assert.Equal(t, "sent", req["status"])
	assert.Equal(t, 1, a.transport.count())

	status, body = a.do(t, http.MethodPost, "/api/requests/r1/send", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.NotEmpty(t, body["error"])
}

func TestSendNowTransportFailureReturnsRequest(t *testing.T) {
	a := newTestAPI(t, "")
	a.transport.err = errors.New("421 try again")
	a.pending(t, "r1", "step0", time.Now())

	status, body := a.do(t, http.MethodPost, "/api/requests/r1/send", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	req := body["request"].(map[string]interface{})
	assert.Equal(t, "failed", req["status"])
	assert.Contains(t, req["error_message"], "transport")
}

func TestRetryFailedRequest(t *testing.T) {
	a := newTestAPI(t, "")
	a.transport.err = errors.New("421 try again")
	a.pending(t, "r1", "step0", time.Now())
	a.do(t, http.MethodPost, "/api/requests/r1/send", nil)

	a.transport.err = nil
	status, body := a.do(t, http.MethodPost, "/api/requests/r1/retry", nil)
	require.Equal(t, http.StatusOK, status)
	req := body["request"].(map[string]interface{})
	assert.NotEqual(t, "r1", req["id"])
	assert.Equal(t, "sent", req["status"])

	status, _ = a.do(t, http.MethodPost, "/api/requests/"+req["id"].(string)+"/retry", nil)
	assert.Equal(t, http.StatusConflict, status, "only failed requests retry")
}

func TestSendTestEndpoint(t *testing.T) {
	a := newTestAPI(t, "")
	status, body := a.do(t, http.MethodPost, "/api/campaigns/welcome/steps/step1/test",
		map[string]interface{}{"email": "preview@example.com", "variables": map[string]string{"first_name": "Bo"}})
	require.Equal(t, http.StatusOK, status)
	req := body["request"].(map[string]interface{})
	assert.Equal(t, true, req["is_test"])
	assert.Equal(t, 1, a.transport.count())
	assert.Zero(t, a.store.Ledger.Count("welcome", "", ""), "test sends write no ledger entries")

	status, _ = a.do(t, http.MethodPost, "/api/campaigns/welcome/steps/step1/test",
		map[string]string{"email": "not an address"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/api/campaigns/nope/steps/step1/test",
		map[string]string{"email": "preview@example.com"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEnrollEndpoint(t *testing.T) {
	a := newTestAPI(t, "")
	status, body := a.do(t, http.MethodPost, "/api/campaigns/welcome/enroll", map[string]string{"email": "a@example.com"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "step0", body["step_id"])

	status, _ = a.do(t, http.MethodPost, "/api/campaigns/welcome/enroll", map[string]string{"email": "a@example.com"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestDeactivateAndActivate(t *testing.T) {
	a := newTestAPI(t, "")
	a.pending(t, "r1", "step1", time.Now().Add(time.Hour))
	a.pending(t, "r2", "step0", time.Now().Add(time.Hour))

	status, body := a.do(t, http.MethodPost, "/api/campaigns/welcome/deactivate", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["cancelled"])

	status, body = a.do(t, http.MethodGet, "/api/campaigns/welcome", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["active"])

	status, _ = a.do(t, http.MethodPost, "/api/campaigns/welcome/activate", nil)
	require.Equal(t, http.StatusOK, status)
	c, err := a.store.Campaigns.Get(context.Background(), "welcome")
	require.NoError(t, err)
	assert.True(t, c.Active)
}

func TestRecomputeEndpoints(t *testing.T) {
	a := newTestAPI(t, "")
	a.do(t, http.MethodPost, "/api/lists/list-1/join", map[string]string{"owner_id": "owner-1", "email": "a@example.com"})
	require.NoError(t, a.store.Campaigns.SetCounters(context.Background(), "welcome", domain.Counters{SentCount: 99}))

	status, body := a.do(t, http.MethodPost, "/api/campaigns/welcome/recompute", nil)
	require.Equal(t, http.StatusOK, status)
	c := body["counters"].(map[string]interface{})
	assert.Equal(t, float64(1), c["sent_count"])

	status, body = a.do(t, http.MethodPost, "/api/counters/recompute", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["campaigns"])
}

func TestListRequests(t *testing.T) {
	a := newTestAPI(t, "")
	a.pending(t, "r1", "step0", time.Now().Add(time.Hour))
	a.pending(t, "r2", "step1", time.Now().Add(time.Hour))

	status, body := a.do(t, http.MethodGet, "/api/requests?campaign_id=welcome&status=pending&limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = a.do(t, http.MethodGet, "/api/requests?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodGet, "/api/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCancelRequiresFilter(t *testing.T) {
	a := newTestAPI(t, "")
	status, _ := a.do(t, http.MethodPost, "/api/requests/cancel", map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBearerToken(t *testing.T) {
	a := newTestAPI(t, "s3cret")
	status, _ := a.do(t, http.MethodGet, "/api/campaigns/welcome", nil)
	assert.Equal(t, http.StatusOK, status)

	a.token = "wrong"
	status, _ = a.do(t, http.MethodGet, "/api/campaigns/welcome", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status, "health is public")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{sending.ErrNotFound, http.StatusNotFound},
		{sending.ErrInvalidTransition, http.StatusConflict},
		{sending.ErrCampaignInactive, http.StatusConflict},
		{sequence.ErrNoSteps, http.StatusUnprocessableEntity},
		{mailing.ErrEmptyContent, http.StatusUnprocessableEntity},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, msg := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
		if got == http.StatusInternalServerError {
			assert.NotContains(t, msg, "pq")
		}
	}
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantMsg    string
	}{
		{sending.ErrNotFound, http.StatusNotFound, sending.ErrNotFound.Error()},
		{sequence.ErrAlreadyEnrolled, http.StatusConflict, sequence.ErrAlreadyEnrolled.Error()},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, "internal server error"},
		{sending.ErrTransport, http.StatusBadGateway, sending.ErrTransport.Error()},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		respondError(rec, tt.err)

		assert.Equal(t, tt.wantStatus, rec.Code, tt.err.Error())
		assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tt.wantMsg, body["error"])
	}
}
