package api

import (
	"errors"
	"net/http"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/mailing"
	"github.com/ignite/drip-engine/internal/pkg/httputil"
	"github.com/ignite/drip-engine/internal/service/ledger"
	"github.com/ignite/drip-engine/internal/service/sending"
	"github.com/ignite/drip-engine/internal/service/sequence"
)

// statusFor maps service errors to an HTTP status and a public-safe message.
// 5xx errors never expose the internal error text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sending.ErrNotFound),
		errors.Is(err, ledger.ErrTrackingIDNotFound),
		errors.Is(err, sequence.ErrStepNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, sending.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, sending.ErrInvalidTransition),
		errors.Is(err, sending.ErrDuplicateDelivery),
		errors.Is(err, sending.ErrDeliveryInProgress),
		errors.Is(err, sequence.ErrAlreadyEnrolled),
		sending.IsSkip(err):
		return http.StatusConflict, err.Error()
	case errors.Is(err, sequence.ErrNoSteps),
		errors.Is(err, mailing.ErrEmptyContent):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, sending.ErrTransport):
		return http.StatusBadGateway, sending.ErrTransport.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}

// respondError logs 5xx errors server-side and writes the mapped status.
func respondError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	switch status {
	case http.StatusNotFound:
		httputil.NotFound(w, msg)
	case http.StatusConflict:
		httputil.Conflict(w, msg)
	case http.StatusInternalServerError:
		httputil.InternalError(w, err)
	default:
		if status > http.StatusInternalServerError {
			log.Error("request failed", "status", status, "error", err)
		}
		httputil.Error(w, status, msg)
	}
}

// requestResult is returned by operations that attempt a delivery. The
// request is included even when the attempt failed so callers see its
// final status and error message.
type requestResult struct {
	Request *domain.SendRequest `json:"request,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func respondAttempt(w http.ResponseWriter, req *domain.SendRequest, err error) {
	if err == nil {
		httputil.OK(w, requestResult{Request: req})
		return
	}
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("delivery attempt failed", "status", status, "error", err)
	}
	httputil.JSON(w, status, requestResult{Request: req, Error: msg})
}
