// Package ledger owns negotiation threads and the message state machine.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pricelane/services/nyp/internal/catalog"
	"pricelane/services/nyp/internal/negotiation"
	"pricelane/services/nyp/internal/notify"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

type ProductLookup interface {
	GetProduct(ctx context.Context, productID string) (catalog.Product, error)
}

type Eligibility interface {
	IsEligible(ctx context.Context, userID string, override bool) (bool, error)
}

type Overrides interface {
	NYPOverride(ctx context.Context, userID string) (bool, error)
}

type Notifier interface {
	Notify(e notify.Event)
}

type Deps struct {
	Repo        *negotiation.Repo
	Products    ProductLookup
	Eligibility Eligibility
	Overrides   Overrides
	Notifier    Notifier
	Log         *slog.Logger
	Now         func() time.Time
}

type Ledger struct {
	repo        *negotiation.Repo
	products    ProductLookup
	eligibility Eligibility
	overrides   Overrides
	notifier    Notifier
	log         *slog.Logger
	now         func() time.Time
}

func New(d Deps) *Ledger {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Ledger{
		repo:        d.Repo,
		products:    d.Products,
		eligibility: d.Eligibility,
		overrides:   d.Overrides,
		notifier:    d.Notifier,
		log:         d.Log,
		now:         d.Now,
	}
}

type CreateInput struct {
	UserID      string
	UserEmail   string
	UserName    string
	ProductID   string
	OfferAmount *decimal.Decimal
	Text        *string
}

// CreateThread opens a negotiation seeded with the user's offer. Eligibility
// is checked here only; later messages on the thread are not re-gated.
func (l *Ledger) CreateThread(ctx context.Context, in CreateInput) (negotiation.Thread, error) {
	const op = "ledger.CreateThread"

	override, err := l.overrides.NYPOverride(ctx, in.UserID)
	if err != nil {
		return negotiation.Thread{}, wrapStorage(op, err)
	}
	eligible, err := l.eligibility.IsEligible(ctx, in.UserID, override)
	if err != nil {
		return negotiation.Thread{}, wrapStorage(op, err)
	}
	if !eligible {
		return negotiation.Thread{}, negotiation.ErrNotEligible
	}

	product, err := l.products.GetProduct(ctx, strings.TrimSpace(in.ProductID))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return negotiation.Thread{}, negotiation.ErrProductNotFound
		}
		return negotiation.Thread{}, wrapStorage(op, err)
	}
	if !product.NameYourPrice {
		return negotiation.Thread{}, negotiation.ErrProductNotNegotiable
	}

	now := l.now().UTC()
	th := negotiation.Thread{
		NegotiationID:  negotiation.NewNegotiationID(),
		UserID:         in.UserID,
		UserEmail:      in.UserEmail,
		UserName:       in.UserName,
		ProductID:      product.ProductID,
		ProductTitle:   product.Title,
		ProductPrice:   product.Price,
		Status:         negotiation.StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		Messages:       []negotiation.Message{},
	}
	if err := th.Append(negotiation.NewMessage(negotiation.RoleUser, negotiation.KindOffer, in.OfferAmount, in.Text, now)); err != nil {
		return negotiation.Thread{}, err
	}

	unlock, err := l.repo.Lock(ctx, negotiation.DocThreads)
	if err != nil {
		return negotiation.Thread{}, err
	}
	threads, err := l.repo.Threads(ctx)
	if err == nil {
		threads = append(threads, th)
		err = l.repo.Commit(ctx, negotiation.NewBatch().PutThreads(threads))
	}
	unlock()
	if err != nil {
		return negotiation.Thread{}, err
	}

	l.log.Info("negotiation created",
		slog.String("negotiation_id", th.NegotiationID),
		slog.String("user_id", th.UserID),
		slog.String("product_id", th.ProductID))
	l.notifier.Notify(notify.NewEvent(notify.EventOfferSent, th, in.OfferAmount, now))
	return th, nil
}

func (l *Ledger) AppendMessage(ctx context.Context, negotiationID string, role negotiation.Role, kind negotiation.Kind, amount *decimal.Decimal, text *string) (negotiation.Thread, error) {
	unlock, err := l.repo.Lock(ctx, negotiation.DocThreads)
	if err != nil {
		return negotiation.Thread{}, err
	}
	defer unlock()

	threads, err := l.repo.Threads(ctx)
	if err != nil {
		return negotiation.Thread{}, err
	}
	i := negotiation.FindThread(threads, negotiationID)
	if i < 0 {
		return negotiation.Thread{}, negotiation.ErrNotFound
	}
	m := negotiation.NewMessage(role, kind, amount, text, l.now().UTC())
	if err := threads[i].Append(m); err != nil {
		return negotiation.Thread{}, err
	}
	if err := l.repo.Commit(ctx, negotiation.NewBatch().PutThreads(threads)); err != nil {
		return negotiation.Thread{}, err
	}

	th := threads[i]
	if role == negotiation.RoleOperator && kind == negotiation.KindCounter {
		l.notifier.Notify(notify.NewEvent(notify.EventCounterSent, th, amount, m.CreatedAt))
	}
	return th, nil
}

func (l *Ledger) SetStatus(ctx context.Context, negotiationID string, status negotiation.Status) (negotiation.Thread, error) {
	unlock, err := l.repo.Lock(ctx, negotiation.DocThreads)
	if err != nil {
		return negotiation.Thread{}, err
	}
	defer unlock()

	threads, err := l.repo.Threads(ctx)
	if err != nil {
		return negotiation.Thread{}, err
	}
	i := negotiation.FindThread(threads, negotiationID)
	if i < 0 {
		return negotiation.Thread{}, negotiation.ErrNotFound
	}
	if err := threads[i].Transition(status, l.now().UTC()); err != nil {
		return negotiation.Thread{}, err
	}
	if err := l.repo.Commit(ctx, negotiation.NewBatch().PutThreads(threads)); err != nil {
		return negotiation.Thread{}, err
	}
	return threads[i], nil
}

func (l *Ledger) Get(ctx context.Context, negotiationID string) (negotiation.Thread, error) {
	threads, err := l.repo.Threads(ctx)
	if err != nil {
		return negotiation.Thread{}, err
	}
	i := negotiation.FindThread(threads, negotiationID)
	if i < 0 {
		return negotiation.Thread{}, negotiation.ErrNotFound
	}
	return threads[i], nil
}

// GetForUser is Get restricted to the thread's owner.
func (l *Ledger) GetForUser(ctx context.Context, userID, negotiationID string) (negotiation.Thread, error) {
	th, err := l.Get(ctx, negotiationID)
	if err != nil {
		return negotiation.Thread{}, err
	}
	if th.UserID != userID {
		return negotiation.Thread{}, negotiation.ErrForbidden
	}
	return th, nil
}

func (l *Ledger) ListForUser(ctx context.Context, userID string) ([]negotiation.Summary, error) {
	return l.list(ctx, func(th negotiation.Thread) bool { return th.UserID == userID })
}

// ListForOperator lists every thread, or only those in status when it is set.
func (l *Ledger) ListForOperator(ctx context.Context, status *negotiation.Status) ([]negotiation.Summary, error) {
	return l.list(ctx, func(th negotiation.Thread) bool { return status == nil || th.Status == *status })
}

func (l *Ledger) list(ctx context.Context, keep func(negotiation.Thread) bool) ([]negotiation.Summary, error) {
	threads, err := l.repo.Threads(ctx)
	if err != nil {
		return nil, err
	}
	out := []negotiation.Summary{}
	for _, th := range threads {
		if keep(th) {
			out = append(out, negotiation.Summarize(th))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func wrapStorage(op string, err error) error {
	if errors.Is(err, negotiation.ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, negotiation.ErrStorage, err)
}
