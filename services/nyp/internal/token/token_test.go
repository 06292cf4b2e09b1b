package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pricelane/pkg/logger"
	"pricelane/services/nyp/internal/catalog"
	"pricelane/services/nyp/internal/entitlement"
	"pricelane/services/nyp/internal/issuer"
	"pricelane/services/nyp/internal/ledger"
	"pricelane/services/nyp/internal/negotiation"
	"pricelane/services/nyp/internal/notify"
	"pricelane/services/nyp/internal/orders"
	"pricelane/services/nyp/internal/store"
	"pricelane/services/nyp/internal/users"

	"github.com/shopspring/decimal"
)

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Event) {}

func amt(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func intp(n int) *int { return &n }

type fixture struct {
	repo   *negotiation.Repo
	orders *orders.DocumentSource
	ledger *ledger.Ledger
	issuer *issuer.Issuer
	tokens *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	cat := catalog.NewDocumentCatalog(st)
	if err := cat.Upsert(context.Background(), catalog.Product{
		ProductID: "desk", Title: "Walnut Desk", Price: decimal.RequireFromString("500"), NameYourPrice: true,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	repo := negotiation.NewRepo(st)
	src := orders.NewDocumentSource(st)
	return &fixture{
		repo:   repo,
		orders: src,
		ledger: ledger.New(ledger.Deps{
			Repo:        repo,
			Products:    cat,
			Eligibility: entitlement.New(src, decimal.NewFromInt(1000), logger.Discard()),
			Overrides:   users.NewDirectory(st),
			Notifier:    nopNotifier{},
			Log:         logger.Discard(),
		}),
		issuer: issuer.New(repo, nopNotifier{}, issuer.DefaultTTLMinutes, logger.Discard()),
		tokens: New(repo, logger.Discard()),
	}
}

func (f *fixture) accepted(t *testing.T, ttl int) negotiation.Agreement {
	t.Helper()
	ctx := context.Background()
	if err := f.orders.Record(ctx, orders.Order{OrderID: "o1", UserID: "u1", OrderTotal: decimal.NewFromInt(1000), Status: orders.StatusCompleted}); err != nil {
		t.Fatalf("record order: %v", err)
	}
	th, err := f.ledger.CreateThread(ctx, ledger.CreateInput{UserID: "u1", ProductID: "desk", OfferAmount: amt("400")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ag, err := f.issuer.AcceptAndIssue(ctx, th.NegotiationID, amt("425"), intp(ttl), nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return ag
}

func TestEndToEndNegotiatedPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateThread(ctx, ledger.CreateInput{UserID: "u1", ProductID: "desk", OfferAmount: amt("400")})
	if !errors.Is(err, negotiation.ErrNotEligible) {
		t.Fatalf("expected not eligible with no spend, got %v", err)
	}
	if err := f.orders.Record(ctx, orders.Order{OrderID: "o1", UserID: "u1", OrderTotal: decimal.NewFromInt(1000), Status: orders.StatusCompleted}); err != nil {
		t.Fatalf("record order: %v", err)
	}

	th, err := f.ledger.CreateThread(ctx, ledger.CreateInput{UserID: "u1", ProductID: "desk", OfferAmount: amt("400")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.ledger.AppendMessage(ctx, th.NegotiationID, negotiation.RoleOperator, negotiation.KindCounter, amt("450"), nil); err != nil {
		t.Fatalf("counter: %v", err)
	}
	ag, err := f.issuer.AcceptAndIssue(ctx, th.NegotiationID, amt("425"), intp(30), nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	stored, _ := f.ledger.Get(ctx, th.NegotiationID)
	if stored.Status != negotiation.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", stored.Status)
	}

	res, err := f.tokens.Verify(ctx, "u1", ag.PurchaseToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || !res.Amount.Equal(decimal.RequireFromString("425")) || res.ProductID != "desk" {
		t.Fatalf("unexpected verify result: %+v", res)
	}

	res, err = f.tokens.Consume(ctx, "u1", ag.PurchaseToken)
	if err != nil || !res.Consumed {
		t.Fatalf("expected consumed, got %+v %v", res, err)
	}
	res, err = f.tokens.Consume(ctx, "u1", ag.PurchaseToken)
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if res.Consumed || res.Reason != ReasonAlreadyConsumed {
		t.Fatalf("expected already consumed, got %+v", res)
	}

	agreements, _ := f.repo.Agreements(ctx)
	if agreements[0].Status != negotiation.AgreementUsed || agreements[0].UsedAt == nil {
		t.Fatalf("expected agreement USED, got %+v", agreements[0])
	}
}

func TestVerifyReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.accepted(t, 30)

	cases := []struct {
		user, token, reason string
	}{
		{"u1", "nope", ReasonNotFound},
		{"u1", "", ReasonNotFound},
		{"u2", ag.PurchaseToken, ReasonNotOwner},
	}
	for _, c := range cases {
		res, err := f.tokens.Verify(ctx, c.user, c.token)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if res.Valid || res.Reason != c.reason {
			t.Fatalf("expected %q, got %+v", c.reason, res)
		}
		var tie *negotiation.TokenInvalidError
		if !errors.As(res.Err(), &tie) || tie.Reason != c.reason {
			t.Fatalf("expected TokenInvalidError(%q), got %v", c.reason, res.Err())
		}
	}

	res, _ := f.tokens.Consume(ctx, "u2", ag.PurchaseToken)
	if res.Consumed || res.Reason != ReasonNotOwner {
		t.Fatalf("expected other user consume to be refused, got %+v", res)
	}
	res, _ = f.tokens.Verify(ctx, "u1", ag.PurchaseToken)
	if !res.Valid || res.Err() != nil {
		t.Fatalf("expected owner token still valid, got %+v", res)
	}
}

func TestZeroTTLIsExpiredOnNextVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.accepted(t, 0)
	f.tokens.now = func() time.Time { return ag.PurchaseTokenExpiresAt.Add(time.Millisecond) }

	res, err := f.tokens.Verify(ctx, "u1", ag.PurchaseToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %+v", res)
	}
	agreements, _ := f.repo.Agreements(ctx)
	if agreements[0].Status != negotiation.AgreementExpired {
		t.Fatalf("expected agreement EXPIRED, got %s", agreements[0].Status)
	}
	res, _ = f.tokens.Consume(ctx, "u1", ag.PurchaseToken)
	if res.Consumed || res.Reason != ReasonExpired {
		t.Fatalf("expected expired consume, got %+v", res)
	}
}

func TestExpiryUsesClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.accepted(t, 30)

	f.tokens.now = func() time.Time { return ag.PurchaseTokenExpiresAt.Add(-time.Second) }
	if res, _ := f.tokens.Verify(ctx, "u1", ag.PurchaseToken); !res.Valid {
		t.Fatalf("expected valid just before expiry, got %+v", res)
	}
	f.tokens.now = func() time.Time { return ag.PurchaseTokenExpiresAt }
	if res, _ := f.tokens.Verify(ctx, "u1", ag.PurchaseToken); !res.Valid {
		t.Fatalf("expected valid at the expiry instant, got %+v", res)
	}
	f.tokens.now = func() time.Time { return ag.PurchaseTokenExpiresAt.Add(time.Millisecond) }
	if res, _ := f.tokens.Verify(ctx, "u1", ag.PurchaseToken); res.Reason != ReasonExpired {
		t.Fatalf("expected expired after the expiry instant, got %+v", res)
	}
}

func TestConcurrentConsumeGrantsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.accepted(t, 30)

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed, refused := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.tokens.Consume(ctx, "u1", ag.PurchaseToken)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Consumed {
				consumed++
			} else if res.Reason == ReasonAlreadyConsumed {
				refused++
			}
		}()
	}
	wg.Wait()
	if consumed != 1 || refused != 15 {
		t.Fatalf("expected 1 consumed and 15 refused, got %d/%d", consumed, refused)
	}
}

func TestSweepExpiresStaleAgreements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ag := f.accepted(t, 30)

	n, err := f.tokens.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing to sweep, got %d %v", n, err)
	}
	f.tokens.now = func() time.Time { return ag.PurchaseTokenExpiresAt.Add(time.Minute) }
	n, err = f.tokens.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one swept agreement, got %d %v", n, err)
	}
	agreements, _ := f.repo.Agreements(ctx)
	if agreements[0].Status != negotiation.AgreementExpired {
		t.Fatalf("expected EXPIRED, got %s", agreements[0].Status)
	}
}
