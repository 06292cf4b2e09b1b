// Package api exposes the negotiation service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"pricelane/pkg/authn"
	"pricelane/pkg/httpx"
	"pricelane/pkg/logger"
	"pricelane/services/nyp/internal/entitlement"
	"pricelane/services/nyp/internal/idempotency"
	"pricelane/services/nyp/internal/issuer"
	"pricelane/services/nyp/internal/ledger"
	"pricelane/services/nyp/internal/negotiation"
	"pricelane/services/nyp/internal/store"
	"pricelane/services/nyp/internal/token"
	"pricelane/services/nyp/internal/users"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

type Deps struct {
	Ledger      *ledger.Ledger
	Issuer      *issuer.Issuer
	Tokens      *token.Service
	Entitlement *entitlement.Evaluator
	Users       *users.Directory
	Store       store.Store
	Idempotency idempotency.Store
	Operators   *authn.OperatorAuth
	// Feed serves the operator websocket feed; nil disables the route.
	Feed         http.Handler
	Log          *slog.Logger
	StoreTimeout time.Duration
}

type Handler struct {
	Deps
	log *slog.Logger
	// replays serializes requests sharing an idempotency scope.
	replays *store.KeyLock
}

func New(d Deps) *Handler {
	if d.StoreTimeout <= 0 {
		d.StoreTimeout = 5 * time.Second
	}
	return &Handler{Deps: d, log: d.Log, replays: store.NewKeyLock()}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/nyp/v1", func(api chi.Router) {
		api.Group(func(u chi.Router) {
			u.Use(h.requireUser, h.storeTimeout)
			u.Post("/negotiations", h.createNegotiation)
			u.Get("/negotiations", h.listUserNegotiations)
			u.Get("/negotiations/{negotiation_id}", h.getUserNegotiation)
			u.Post("/negotiations/{negotiation_id}/message", h.addUserMessage)
			u.Get("/negotiations/{negotiation_id}/agreement", h.getAgreementAvailability)
			u.Post("/purchase/quote", h.purchaseQuote)
			u.Post("/purchase/checkout", h.purchaseCheckout)
			u.Get("/entitlements/nyp", h.getEntitlement)
		})

		api.Route("/admin", func(adm chi.Router) {
			adm.Use(h.requireOperator)
			if h.Feed != nil {
				adm.Get("/feed", h.Feed.ServeHTTP)
			}
			adm.Group(func(g chi.Router) {
				g.Use(h.storeTimeout)
				g.Get("/negotiations", h.adminListNegotiations)
				g.Get("/negotiations/{negotiation_id}", h.adminGetNegotiation)
				g.Post("/negotiations/{negotiation_id}/counter", h.adminCounter)
				g.Post("/negotiations/{negotiation_id}/accept", h.adminAccept)
				g.Post("/negotiations/{negotiation_id}/close", h.adminClose)
				g.Post("/agreements/sweep", h.adminSweep)
				g.Put("/users/{user_id}/nyp-override", h.adminSetOverride)
				g.Get("/persistence", h.adminPersistenceInfo)
				g.Post("/persistence/{name}/backup", h.adminBackup)
			})
		})
	})
	return r
}

type ctxKey int

const (
	userKey ctxKey = iota
	operatorKey
)

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := authn.UserFromRequest(r)
		if err != nil {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "missing user identity", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, err := h.Operators.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "operator token required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey, op)))
	})
}

func (h *Handler) storeTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.StoreTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) authn.User {
	u, _ := r.Context().Value(userKey).(authn.User)
	return u
}

func operatorFrom(r *http.Request) authn.Operator {
	op, _ := r.Context().Value(operatorKey).(authn.Operator)
	return op
}

func readBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := httpx.ReadJSON(w, r, dst); err != nil {
		if allowEmpty && errors.Is(err, httpx.ErrEmptyBody) {
			return true
		}
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return false
	}
	return true
}

// handleIdempotentMutation replays the stored response for a repeated
// Idempotency-Key, otherwise runs the mutation and records a 2xx result.
// Requests with the same key, actor and endpoint run one at a time, so a
// retry racing the original waits and then replays it.
func (h *Handler) handleIdempotentMutation(w http.ResponseWriter, r *http.Request, actor idempotency.ActorContext, endpoint string, run func() (int, map[string]any, error)) {
	actor.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if h.Idempotency != nil && actor.IdempotencyKey != "" {
		scope := strings.Join([]string{actor.Role, actor.ActorID, actor.IdempotencyKey, endpoint}, "\x00")
		unlock, err := h.replays.Lock(r.Context(), scope)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		defer unlock()
	}
	if h.Idempotency != nil {
		status, body, replayed, err := idempotency.Replay(r.Context(), h.Idempotency, actor, endpoint)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		if replayed {
			httpx.WriteJSON(w, status, body)
			return
		}
	}

	status, body, err := run()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if h.Idempotency != nil {
		if err := idempotency.Save(r.Context(), h.Idempotency, actor, endpoint, status, body); err != nil {
			h.log.Warn("failed to record idempotent response", slog.String("endpoint", endpoint), logger.Err(err))
		}
	}
	httpx.WriteJSON(w, status, body)
}

func (h *Handler) createNegotiation(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	var req struct {
		ProductID   string           `json:"product_id"`
		OfferAmount *decimal.Decimal `json:"offer_amount"`
		Text        *string          `json:"text"`
	}
	if !readBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "product_id is required", nil)
		return
	}

	actor := idempotency.ActorContext{Role: string(negotiation.RoleUser), ActorID: u.ID}
	h.handleIdempotentMutation(w, r, actor, "POST /nyp/v1/negotiations", func() (int, map[string]any, error) {
		if _, err := h.Users.Touch(r.Context(), u.ID, u.Email, u.Name); err != nil {
			h.log.Warn("failed to record user profile", slog.String("user_id", u.ID), logger.Err(err))
		}
		th, err := h.Ledger.CreateThread(r.Context(), ledger.CreateInput{
			UserID:      u.ID,
			UserEmail:   u.Email,
			UserName:    u.Name,
			ProductID:   req.ProductID,
			OfferAmount: req.OfferAmount,
			Text:        req.Text,
		})
		if err != nil {
			return 0, nil, err
		}
		return 201, map[string]any{
			"request_id":     httpx.RequestID(r),
			"negotiation_id": th.NegotiationID,
			"status":         th.Status,
			"created_at":     th.CreatedAt,
		}, nil
	})
}

func (h *Handler) listUserNegotiations(w http.ResponseWriter, r *http.Request) {
	list, err := h.Ledger.ListForUser(r.Context(), userFrom(r).ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "negotiations": list})
}

func (h *Handler) getUserNegotiation(w http.ResponseWriter, r *http.Request) {
	th, err := h.Ledger.GetForUser(r.Context(), userFrom(r).ID, chi.URLParam(r, "negotiation_id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "negotiation": th})
}

func (h *Handler) addUserMessage(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	id := chi.URLParam(r, "negotiation_id")
	var req struct {
		Kind   negotiation.Kind `json:"kind"`
		Amount *decimal.Decimal `json:"amount"`
		Text   *string          `json:"text"`
	}
	if !readBody(w, r, &req, false) {
		return
	}
	if _, err := h.Ledger.GetForUser(r.Context(), u.ID, id); err != nil {
		h.writeErr(w, r, err)
		return
	}
	th, err := h.Ledger.AppendMessage(r.Context(), id, negotiation.RoleUser, req.Kind, req.Amount, req.Text)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":    httpx.RequestID(r),
		"message_count": len(th.Messages),
		"negotiation":   th,
	})
}

func (h *Handler) getAgreementAvailability(w http.ResponseWriter, r *http.Request) {
	av, err := h.Issuer.Availability(r.Context(), userFrom(r).ID, chi.URLParam(r, "negotiation_id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "agreement": av})
}

type tokenRequest struct {
	PurchaseToken string `json:"purchase_token"`
}

func (h *Handler) purchaseQuote(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !readBody(w, r, &req, false) {
		return
	}
	res, err := h.Tokens.Verify(r.Context(), userFrom(r).ID, strings.TrimSpace(req.PurchaseToken))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := res.Err(); err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":        httpx.RequestID(r),
		"product_id":        res.ProductID,
		"amount":            res.Amount,
		"token_valid_until": res.ExpiresAt,
		"agreement_id":      res.AgreementID,
	})
}

// purchaseCheckout redeems the token. Payment capture is not wired, so the
// response only describes what would be charged.
func (h *Handler) purchaseCheckout(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !readBody(w, r, &req, false) {
		return
	}
	res, err := h.Tokens.Consume(r.Context(), userFrom(r).ID, strings.TrimSpace(req.PurchaseToken))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := res.Err(); err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":       httpx.RequestID(r),
		"requires_payment": true,
		"provider":         "NOT_CONFIGURED",
		"amount":           res.Amount,
		"product_id":       res.ProductID,
		"agreement_id":     res.AgreementID,
	})
}

func (h *Handler) getEntitlement(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	override, err := h.Users.NYPOverride(r.Context(), u.ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	st, err := h.Entitlement.Status(r.Context(), u.ID, override)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "entitlement": st})
}

func (h *Handler) adminListNegotiations(w http.ResponseWriter, r *http.Request) {
	var filter *negotiation.Status
	if raw := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); raw != "" {
		s := negotiation.Status(raw)
		if !negotiation.ValidStatus(s) {
			httpx.WriteError(w, 400, "BAD_REQUEST", "status must be OPEN, ACCEPTED or CLOSED", nil)
			return
		}
		filter = &s
	}
	list, err := h.Ledger.ListForOperator(r.Context(), filter)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "negotiations": list})
}

func (h *Handler) adminGetNegotiation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "negotiation_id")
	th, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	var agreement any
	ag, err := h.Issuer.AgreementForNegotiation(r.Context(), id)
	switch {
	case err == nil:
		agreement = ag
	case errors.Is(err, negotiation.ErrAgreementNotFound):
	default:
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":  httpx.RequestID(r),
		"negotiation": th,
		"agreement":   agreement,
	})
}

func (h *Handler) adminCounter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount *decimal.Decimal `json:"amount"`
		Text   *string          `json:"text"`
	}
	if !readBody(w, r, &req, false) {
		return
	}
	th, err := h.Ledger.AppendMessage(r.Context(), chi.URLParam(r, "negotiation_id"), negotiation.RoleOperator, negotiation.KindCounter, req.Amount, req.Text)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":    httpx.RequestID(r),
		"message_count": len(th.Messages),
		"negotiation":   th,
	})
}

func (h *Handler) adminAccept(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "negotiation_id")
	var req struct {
		Amount     *decimal.Decimal `json:"amount"`
		Text       *string          `json:"text"`
		TTLMinutes *int             `json:"ttl_minutes"`
	}
	if !readBody(w, r, &req, false) {
		return
	}

	actor := idempotency.ActorContext{Role: string(negotiation.RoleOperator), ActorID: operatorFrom(r).ID}
	h.handleIdempotentMutation(w, r, actor, "POST /nyp/v1/admin/negotiations/"+id+"/accept", func() (int, map[string]any, error) {
		ag, err := h.Issuer.AcceptAndIssue(r.Context(), id, req.Amount, req.TTLMinutes, req.Text)
		if err != nil {
			return 0, nil, err
		}
		return 201, map[string]any{
			"request_id":      httpx.RequestID(r),
			"agreement_id":    ag.AgreementID,
			"accepted_amount": ag.AcceptedAmount,
			"expires_at":      ag.PurchaseTokenExpiresAt,
		}, nil
	})
}

func (h *Handler) adminClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text *string `json:"text"`
	}
	if !readBody(w, r, &req, true) {
		return
	}
	th, err := h.Issuer.CloseAndInvalidate(r.Context(), chi.URLParam(r, "negotiation_id"), req.Text)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "negotiation": th})
}

// adminSweep expires every ACTIVE agreement past its token expiry. Reads
// already do this lazily; sweeping keeps listings current.
func (h *Handler) adminSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Tokens.Sweep(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.log.Info("agreements swept", slog.Int("expired", n), slog.String("operator_id", operatorFrom(r).ID))
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "expired": n})
}

func (h *Handler) adminSetOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"nyp_override_enabled"`
	}
	if !readBody(w, r, &req, false) {
		return
	}
	if req.Enabled == nil {
		httpx.WriteError(w, 400, "BAD_REQUEST", "nyp_override_enabled is required", nil)
		return
	}
	userID := chi.URLParam(r, "user_id")
	u, err := h.Users.SetOverride(r.Context(), userID, *req.Enabled)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.log.Info("nyp override updated",
		slog.String("user_id", u.UserID),
		slog.Bool("enabled", u.NYPOverride),
		slog.String("operator_id", operatorFrom(r).ID))
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "user": u})
}

func (h *Handler) adminPersistenceInfo(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Store.List(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.RequestID(r),
		"store":      h.Store.Info(),
		"documents":  docs,
	})
}

func (h *Handler) adminBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	backup, err := h.Store.Backup(r.Context(), name)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if backup == "" {
		httpx.WriteError(w, 404, "NOT_FOUND", "document not found", nil)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.RequestID(r), "name": name, "backup": backup})
}
