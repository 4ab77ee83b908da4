package tracking

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/pkg/logger"
	"github.com/ignite/drip-engine/internal/service/ledger"
)

var log = logger.New("tracking")

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EngagementRecorder writes open and click facts. *ledger.Service satisfies it.
type EngagementRecorder interface {
	RecordOpen(ctx context.Context, trackingID, email string) (bool, error)
	RecordClick(ctx context.Context, trackingID, email, linkURL string) (*domain.LedgerEntry, error)
}

// FeedbackHandler applies unsubscribe, bounce and complaint feedback.
// *sending.Dispatcher satisfies it.
type FeedbackHandler interface {
	HandleFeedback(ctx context.Context, trackingID, email string, t domain.EventType) error
}

// Handler serves the public tracking endpoints.
type Handler struct {
	ledger   EngagementRecorder
	feedback FeedbackHandler
	ses      *SESWebhook
}

// NewHandler creates the tracking handler. ses may be nil to leave the
// webhook unmounted.
func NewHandler(ledger EngagementRecorder, feedback FeedbackHandler, ses *SESWebhook) *Handler {
	return &Handler{ledger: ledger, feedback: feedback, ses: ses}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/track/open/{trackingID}", h.HandleOpen)
	r.Get("/track/click/{trackingID}", h.HandleClick)
	r.Get("/track/unsubscribe/{trackingID}", h.HandleUnsubscribe)
	r.Post("/track/unsubscribe/{trackingID}", h.HandleUnsubscribe)
	if h.ses != nil {
		r.Post("/webhooks/ses", h.ses.ServeHTTP)
	}
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen records at most one open per delivery and always serves the
// pixel, whatever the tracking id.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	email := r.URL.Query().Get("e")

	recorded, err := h.ledger.RecordOpen(r.Context(), trackingID, email)
	switch {
	case err == nil && recorded:
		log.Debug("open recorded", "tracking_id", trackingID)
	case err == nil:
	case errors.Is(err, ledger.ErrTrackingIDNotFound):
		log.Debug("open for unknown tracking id", "tracking_id", trackingID)
	default:
		log.Warn("record open failed", "tracking_id", trackingID, "error", err)
	}
	h.servePixel(w)
}

// HandleClick records every click and redirects to the original link.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	q := r.URL.Query()
	dest := q.Get("url")
	if !redirectable(dest) {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	if _, err := h.ledger.RecordClick(r.Context(), trackingID, q.Get("email"), dest); err != nil {
		if errors.Is(err, ledger.ErrTrackingIDNotFound) {
			log.Debug("click for unknown tracking id", "tracking_id", trackingID)
		} else {
			log.Warn("record click failed", "tracking_id", trackingID, "error", err)
		}
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// HandleUnsubscribe serves both the footer link (GET) and RFC 8058 one-click
// unsubscribe (POST).
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	email := r.URL.Query().Get("e")

	err := h.feedback.HandleFeedback(r.Context(), trackingID, email, domain.EventUnsubscribed)
	if err != nil {
		if errors.Is(err, ledger.ErrTrackingIDNotFound) {
			http.Error(w, "unknown or expired link", http.StatusNotFound)
			return
		}
		log.Error("unsubscribe failed", "tracking_id", trackingID, "error", err)
		http.Error(w, "could not process request", http.StatusInternalServerError)
		return
	}
	log.Info("unsubscribed", "tracking_id", trackingID, "one_click", r.Method == http.MethodPost)

	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from this sender.</p>
	</body></html>`))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

// redirectable only allows absolute http(s) destinations.
func redirectable(dest string) bool {
	if dest == "" {
		return false
	}
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
