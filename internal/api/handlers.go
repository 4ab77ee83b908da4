package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/pkg/httputil"
	"github.com/ignite/drip-engine/internal/pkg/logger"
	"github.com/ignite/drip-engine/internal/service/counters"
	"github.com/ignite/drip-engine/internal/service/sending"
	"github.com/ignite/drip-engine/internal/service/sequence"
)

var log = logger.New("api")

// Handlers serves the owner-facing drip operations.
type Handlers struct {
	dispatcher *sending.Dispatcher
	sequencer  *sequence.Sequencer
	projector  *counters.Projector
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d *sending.Dispatcher, s *sequence.Sequencer, p *counters.Projector) *Handlers {
	return &Handlers{dispatcher: d, sequencer: s, projector: p}
}

// ---------------------------------------------------------------------------
// Campaigns
// ---------------------------------------------------------------------------

// GetCampaign returns a campaign with its steps and counters.
//
//	GET /api/campaigns/{campaignID}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.dispatcher.Campaigns.Get(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ActivateCampaign turns a campaign on. Existing list members are not
// enrolled retroactively.
//
//	POST /api/campaigns/{campaignID}/activate
func (h *Handlers) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	if err := h.dispatcher.Campaigns.SetActive(r.Context(), id, true); err != nil {
		respondError(w, err)
		return
	}
	log.Info("campaign activated", "campaign_id", id)
	httputil.OK(w, map[string]interface{}{"campaign_id": id, "active": true})
}

// DeactivateCampaign turns a campaign off and cancels its open requests.
//
//	POST /api/campaigns/{campaignID}/deactivate
func (h *Handlers) DeactivateCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	n, err := h.dispatcher.DeactivateCampaign(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"campaign_id": id, "active": false, "cancelled": n})
}

// RecomputeCampaign rebuilds one campaign's counters from the ledger.
//
//	POST /api/campaigns/{campaignID}/recompute
func (h *Handlers) RecomputeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	c, err := h.projector.Recompute(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"campaign_id": id, "counters": c})
}

// RecomputeAll rebuilds the counters of every campaign.
//
//	POST /api/counters/recompute
func (h *Handlers) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.projector.RecomputeAll(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"campaigns": n})
}

type enrollInput struct {
	Email        string            `json:"email"`
	SubscriberID *string           `json:"subscriber_id,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// Enroll enters one recipient into a campaign at its first step.
//
//	POST /api/campaigns/{campaignID}/enroll
func (h *Handlers) Enroll(w http.ResponseWriter, r *http.Request) {
	var in enrollInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Email) == "" {
		httputil.BadRequest(w, "email is required")
		return
	}
	c, err := h.dispatcher.Campaigns.Get(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, err)
		return
	}
	req, err := h.sequencer.EnterSequence(r.Context(), c, in.Email, in.SubscriberID, in.Variables)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, req)
}

type testSendInput struct {
	Email     string            `json:"email"`
	Variables map[string]string `json:"variables,omitempty"`
}

// SendTest delivers one step to an arbitrary address right away.
//
//	POST /api/campaigns/{campaignID}/steps/{stepID}/test
func (h *Handlers) SendTest(w http.ResponseWriter, r *http.Request) {
	var in testSendInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.dispatcher.Campaigns.Get(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, err)
		return
	}
	req, err := h.dispatcher.SendTest(r.Context(), sending.TestInput{
		OwnerID:    c.OwnerID,
		CampaignID: c.ID,
		StepID:     chi.URLParam(r, "stepID"),
		Email:      in.Email,
		Variables:  in.Variables,
	})
	respondAttempt(w, req, err)
}

// ---------------------------------------------------------------------------
// Send requests
// ---------------------------------------------------------------------------

// ListRequests lists send requests, newest first.
//
//	GET /api/requests?campaign_id=&email=&status=&limit=
func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sending.ListFilter{
		CampaignID: q.Get("campaign_id"),
		Email:      sending.NormalizeEmail(q.Get("email")),
		Status:     domain.SendStatus(q.Get("status")),
		Limit:      100,
	}
	switch f.Status {
	case "", domain.SendPending, domain.SendQueued, domain.SendSent, domain.SendFailed:
	default:
		httputil.BadRequest(w, "unknown status "+string(f.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	reqs, err := h.dispatcher.Requests.List(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	if reqs == nil {
		reqs = []domain.SendRequest{}
	}
	httputil.OK(w, map[string]interface{}{"requests": reqs, "count": len(reqs)})
}

// GetRequest returns one send request.
//
//	GET /api/requests/{requestID}
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.dispatcher.Requests.Get(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, req)
}

// SendNow executes a pending or queued request inline.
//
//	POST /api/requests/{requestID}/send
func (h *Handlers) SendNow(w http.ResponseWriter, r *http.Request) {
	req, err := h.dispatcher.SendNow(r.Context(), chi.URLParam(r, "requestID"))
	respondAttempt(w, req, err)
}

// Retry clones a failed request into a new pending one.
//
//	POST /api/requests/{requestID}/retry
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	req, err := h.dispatcher.Retry(r.Context(), chi.URLParam(r, "requestID"))
	respondAttempt(w, req, err)
}

type cancelInput struct {
	CampaignID string `json:"campaign_id"`
	OwnerID    string `json:"owner_id"`
	Email      string `json:"email"`
	Reason     string `json:"reason"`
}

// CancelRequests cancels open requests of a campaign or a recipient.
//
//	POST /api/requests/cancel
func (h *Handlers) CancelRequests(w http.ResponseWriter, r *http.Request) {
	var in cancelInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	if in.Reason == "" {
		in.Reason = "cancelled by owner"
	}
	n, err := h.dispatcher.CancelPending(r.Context(), sending.CancelFilter{
		CampaignID: in.CampaignID,
		OwnerID:    in.OwnerID,
		Email:      in.Email,
	}, in.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"cancelled": n})
}

// ---------------------------------------------------------------------------
// List triggers
// ---------------------------------------------------------------------------

type listMemberInput struct {
	OwnerID      string            `json:"owner_id"`
	Email        string            `json:"email"`
	SubscriberID *string           `json:"subscriber_id,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

func (in listMemberInput) valid() bool {
	return in.OwnerID != "" && strings.TrimSpace(in.Email) != ""
}

// ListJoin enrolls a new list member into every active campaign backed by
// the list.
//
//	POST /api/lists/{listID}/join
func (h *Handlers) ListJoin(w http.ResponseWriter, r *http.Request) {
	var in listMemberInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	if !in.valid() {
		httputil.BadRequest(w, "owner_id and email are required")
		return
	}
	n, err := h.sequencer.OnListJoin(r.Context(), in.OwnerID, chi.URLParam(r, "listID"), in.Email, in.SubscriberID, in.Variables)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"enrolled": n})
}

// ListLeave cancels a departing member's open requests for the list's
// campaigns.
//
//	POST /api/lists/{listID}/leave
func (h *Handlers) ListLeave(w http.ResponseWriter, r *http.Request) {
	var in listMemberInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	if !in.valid() {
		httputil.BadRequest(w, "owner_id and email are required")
		return
	}
	n, err := h.sequencer.OnListLeave(r.Context(), h.dispatcher, in.OwnerID, chi.URLParam(r, "listID"), in.Email)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"cancelled": n})
}
