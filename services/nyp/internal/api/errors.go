package api

import (
	"context"
	"errors"
	"net/http"

	"pricelane/pkg/httpx"
	"pricelane/pkg/logger"
	"pricelane/services/nyp/internal/negotiation"
	"pricelane/services/nyp/internal/store"
	"pricelane/services/nyp/internal/users"

	"golang.org/x/exp/slog"
)

type errorClass struct {
	status int
	code   string
}

var errorClasses = []struct {
	err   error
	class errorClass
}{
	{negotiation.ErrNotFound, errorClass{404, "NOT_FOUND"}},
	{negotiation.ErrAgreementNotFound, errorClass{404, "NOT_FOUND"}},
	{negotiation.ErrProductNotFound, errorClass{404, "NOT_FOUND"}},
	{negotiation.ErrForbidden, errorClass{403, "FORBIDDEN"}},
	{negotiation.ErrNotEligible, errorClass{403, "NOT_ELIGIBLE"}},
	{negotiation.ErrNotOpen, errorClass{409, "NOT_OPEN"}},
	{negotiation.ErrInvalidTransition, errorClass{409, "INVALID_TRANSITION"}},
	{negotiation.ErrProductNotNegotiable, errorClass{400, "PRODUCT_NOT_NEGOTIABLE"}},
	{negotiation.ErrMissingAmount, errorClass{400, "MISSING_AMOUNT"}},
	{negotiation.ErrInvalidAmount, errorClass{400, "INVALID_AMOUNT"}},
	{negotiation.ErrInvalidKindForRole, errorClass{400, "INVALID_KIND_FOR_ROLE"}},
	{negotiation.ErrInvalidTTL, errorClass{400, "INVALID_TTL"}},
	{users.ErrInvalidUser, errorClass{400, "BAD_REQUEST"}},
	{store.ErrInvalidName, errorClass{400, "BAD_REQUEST"}},
}

// writeErr maps domain errors to the response envelope. Anything unmapped is
// a storage failure; its detail is logged and never returned.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var tie *negotiation.TokenInvalidError
	if errors.As(err, &tie) {
		httpx.WriteError(w, 400, "TOKEN_INVALID", tie.Error(), map[string]any{"reason": tie.Reason})
		return
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			httpx.WriteError(w, c.class.status, c.class.code, c.err.Error(), nil)
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		h.log.Error("store timed out", slog.String("path", r.URL.Path), logger.Err(err))
		httpx.WriteError(w, 503, "STORAGE_TIMEOUT", "storage did not respond in time", nil)
		return
	}
	h.log.Error("request failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), logger.Err(err))
	httpx.WriteError(w, 500, "STORAGE_ERROR", "storage unavailable", nil)
}
