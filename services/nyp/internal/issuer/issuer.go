// Package issuer turns an operator acceptance into an agreement and a single
// use purchase token.
package issuer

import (
	"context"
	"fmt"
	"time"

	"pricelane/pkg/logger"
	"pricelane/services/nyp/internal/negotiation"
	"pricelane/services/nyp/internal/notify"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

const (
	DefaultTTLMinutes = 30
	// MaxTTLMinutes is one year.
	MaxTTLMinutes = 365 * 24 * 60
)

type Notifier interface {
	Notify(e notify.Event)
}

type Issuer struct {
	repo       *negotiation.Repo
	notifier   Notifier
	log        *slog.Logger
	defaultTTL int
	now        func() time.Time
}

func New(repo *negotiation.Repo, notifier Notifier, defaultTTLMinutes int, log *slog.Logger) *Issuer {
	if defaultTTLMinutes < 0 || defaultTTLMinutes > MaxTTLMinutes {
		defaultTTLMinutes = DefaultTTLMinutes
	}
	return &Issuer{repo: repo, notifier: notifier, log: log, defaultTTL: defaultTTLMinutes, now: time.Now}
}

// AcceptAndIssue appends the operator's ACCEPT, creates the agreement with its
// token and moves the thread to ACCEPTED. All three documents are written in
// one commit; on failure nothing is persisted. A nil ttl uses the default.
func (is *Issuer) AcceptAndIssue(ctx context.Context, negotiationID string, amount *decimal.Decimal, ttlMinutes *int, text *string) (negotiation.Agreement, error) {
	const op = "issuer.AcceptAndIssue"

	ttl := is.defaultTTL
	if ttlMinutes != nil {
		ttl = *ttlMinutes
	}
	if ttl < 0 || ttl > MaxTTLMinutes {
		return negotiation.Agreement{}, negotiation.ErrInvalidTTL
	}

	token, err := negotiation.NewPurchaseToken()
	if err != nil {
		return negotiation.Agreement{}, fmt.Errorf("%s: %w", op, err)
	}

	unlock, err := is.repo.Lock(ctx, negotiation.DocThreads, negotiation.DocAgreements, negotiation.DocTokens)
	if err != nil {
		return negotiation.Agreement{}, err
	}
	defer unlock()

	threads, err := is.repo.Threads(ctx)
	if err != nil {
		return negotiation.Agreement{}, err
	}
	i := negotiation.FindThread(threads, negotiationID)
	if i < 0 {
		return negotiation.Agreement{}, negotiation.ErrNotFound
	}
	th := &threads[i]

	now := is.now().UTC()
	if err := th.Append(negotiation.NewMessage(negotiation.RoleOperator, negotiation.KindAccept, amount, text, now)); err != nil {
		return negotiation.Agreement{}, err
	}

	agreements, err := is.repo.Agreements(ctx)
	if err != nil {
		return negotiation.Agreement{}, err
	}
	tokens, err := is.repo.Tokens(ctx)
	if err != nil {
		return negotiation.Agreement{}, err
	}

	expiresAt := now.Add(time.Duration(ttl) * time.Minute)
	ag := negotiation.Agreement{
		AgreementID:            negotiation.NewAgreementID(),
		NegotiationID:          th.NegotiationID,
		UserID:                 th.UserID,
		ProductID:              th.ProductID,
		ProductTitle:           th.ProductTitle,
		AcceptedAmount:         *amount,
		Status:                 negotiation.AgreementActive,
		PurchaseToken:          token,
		PurchaseTokenExpiresAt: expiresAt,
		CreatedAt:              now,
	}
	th.AcceptedAgreementID = &ag.AgreementID
	if err := th.Transition(negotiation.StatusAccepted, now); err != nil {
		return negotiation.Agreement{}, err
	}

	agreements = append(agreements, ag)
	tokens = append(tokens, negotiation.PurchaseToken{
		Token:       token,
		UserID:      ag.UserID,
		ProductID:   ag.ProductID,
		Amount:      ag.AcceptedAmount,
		AgreementID: ag.AgreementID,
		ExpiresAt:   expiresAt,
	})

	b := negotiation.NewBatch().PutThreads(threads).PutAgreements(agreements).PutTokens(tokens)
	if err := is.repo.Commit(ctx, b); err != nil {
		return negotiation.Agreement{}, err
	}

	is.log.Info("negotiation accepted",
		slog.String("negotiation_id", th.NegotiationID),
		slog.String("agreement_id", ag.AgreementID),
		slog.String("amount", ag.AcceptedAmount.String()),
		slog.Time("expires_at", expiresAt))
	is.notifier.Notify(notify.NewEvent(notify.EventAccepted, *th, amount, now))
	return ag, nil
}

// CloseAndInvalidate appends a CLOSE message and closes the thread. No
// agreement is touched; a thread that could be closed never had one.
func (is *Issuer) CloseAndInvalidate(ctx context.Context, negotiationID string, text *string) (negotiation.Thread, error) {
	unlock, err := is.repo.Lock(ctx, negotiation.DocThreads)
	if err != nil {
		return negotiation.Thread{}, err
	}
	defer unlock()

	threads, err := is.repo.Threads(ctx)
	if err != nil {
		return negotiation.Thread{}, err
	}
	i := negotiation.FindThread(threads, negotiationID)
	if i < 0 {
		return negotiation.Thread{}, negotiation.ErrNotFound
	}
	th := &threads[i]

	now := is.now().UTC()
	if err := th.Append(negotiation.NewMessage(negotiation.RoleOperator, negotiation.KindClose, nil, text, now)); err != nil {
		return negotiation.Thread{}, err
	}
	if err := th.Transition(negotiation.StatusClosed, now); err != nil {
		return negotiation.Thread{}, err
	}
	if err := is.repo.Commit(ctx, negotiation.NewBatch().PutThreads(threads)); err != nil {
		return negotiation.Thread{}, err
	}

	is.log.Info("negotiation closed", slog.String("negotiation_id", th.NegotiationID))
	is.notifier.Notify(notify.NewEvent(notify.EventClosed, *th, nil, now))
	return *th, nil
}

// AgreementForNegotiation returns the agreement recorded on the thread.
func (is *Issuer) AgreementForNegotiation(ctx context.Context, negotiationID string) (negotiation.Agreement, error) {
	threads, err := is.repo.Threads(ctx)
	if err != nil {
		return negotiation.Agreement{}, err
	}
	i := negotiation.FindThread(threads, negotiationID)
	if i < 0 {
		return negotiation.Agreement{}, negotiation.ErrNotFound
	}
	if threads[i].AcceptedAgreementID == nil {
		return negotiation.Agreement{}, negotiation.ErrAgreementNotFound
	}
	agreements, err := is.repo.Agreements(ctx)
	if err != nil {
		return negotiation.Agreement{}, err
	}
	j := negotiation.FindAgreement(agreements, *threads[i].AcceptedAgreementID)
	if j < 0 {
		return negotiation.Agreement{}, negotiation.ErrAgreementNotFound
	}
	return agreements[j], nil
}

type Availability struct {
	Available      bool             `json:"available"`
	NegotiationID  string           `json:"negotiation_id"`
	Status         string           `json:"status,omitempty"`
	AgreementID    *string          `json:"agreement_id"`
	ProductID      *string          `json:"product_id"`
	AcceptedAmount *decimal.Decimal `json:"accepted_amount"`
	PurchaseToken  *string          `json:"purchase_token"`
	ExpiresAt      *time.Time       `json:"expires_at"`
}

// Availability reports whether the user's thread has a redeemable agreement.
// The token is only revealed while the agreement is ACTIVE and unexpired; an
// expired ACTIVE agreement is marked EXPIRED on the way out.
func (is *Issuer) Availability(ctx context.Context, userID, negotiationID string) (Availability, error) {
	const op = "issuer.Availability"

	threads, err := is.repo.Threads(ctx)
	if err != nil {
		return Availability{}, err
	}
	i := negotiation.FindThread(threads, negotiationID)
	if i < 0 {
		return Availability{}, negotiation.ErrNotFound
	}
	if threads[i].UserID != userID {
		return Availability{}, negotiation.ErrForbidden
	}

	out := Availability{NegotiationID: negotiationID}
	if threads[i].AcceptedAgreementID == nil {
		return out, nil
	}
	agreements, err := is.repo.Agreements(ctx)
	if err != nil {
		return Availability{}, err
	}
	j := negotiation.FindAgreement(agreements, *threads[i].AcceptedAgreementID)
	if j < 0 {
		return out, nil
	}
	ag := agreements[j]

	status := ag.Status
	if status == negotiation.AgreementActive && is.now().After(ag.PurchaseTokenExpiresAt) {
		if _, err := is.repo.ExpireAgreement(ctx, ag.AgreementID); err != nil {
			is.log.Warn("failed to mark agreement expired",
				slog.String("op", op),
				slog.String("agreement_id", ag.AgreementID),
				logger.Err(err))
		}
		status = negotiation.AgreementExpired
	}

	out.Status = string(status)
	out.AgreementID = &ag.AgreementID
	out.ProductID = &ag.ProductID
	out.AcceptedAmount = &ag.AcceptedAmount
	out.ExpiresAt = &ag.PurchaseTokenExpiresAt
	if status == negotiation.AgreementActive {
		out.Available = true
		out.PurchaseToken = &ag.PurchaseToken
	}
	return out, nil
}
