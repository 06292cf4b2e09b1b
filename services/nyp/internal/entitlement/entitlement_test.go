package entitlement

import (
	"context"
	"errors"
	"testing"

	"pricelane/pkg/logger"

	"github.com/shopspring/decimal"
)

type fakeOrders struct {
	totals []string
	err    error
	calls  int
}

func (f *fakeOrders) ListCompletedOrderTotals(ctx context.Context, userID string) ([]decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]decimal.Decimal, 0, len(f.totals))
	for _, t := range f.totals {
		out = append(out, decimal.RequireFromString(t))
	}
	return out, nil
}

func TestIsEligibleThreshold(t *testing.T) {
	ctx := context.Background()
	src := &fakeOrders{}
	e := New(src, decimal.NewFromInt(1000), logger.Discard())

	ok, err := e.IsEligible(ctx, "usr_1", false)
	if err != nil || ok {
		t.Fatalf("expected ineligible with no spend, ok=%v err=%v", ok, err)
	}
	src.totals = []string{"600", "399.99"}
	if ok, _ := e.IsEligible(ctx, "usr_1", false); ok {
		t.Fatalf("expected 999.99 to stay below threshold")
	}
	src.totals = []string{"600", "400"}
	if ok, _ := e.IsEligible(ctx, "usr_1", false); !ok {
		t.Fatalf("expected exactly 1000 to unlock")
	}
}

func TestIsEligibleOverrideSkipsOrders(t *testing.T) {
	src := &fakeOrders{err: errors.New("db down")}
	e := New(src, decimal.NewFromInt(1000), logger.Discard())
	ok, err := e.IsEligible(context.Background(), "usr_1", true)
	if err != nil || !ok {
		t.Fatalf("expected override to grant, ok=%v err=%v", ok, err)
	}
	if src.calls != 0 {
		t.Fatalf("expected no order lookup with override")
	}
	if _, err := e.IsEligible(context.Background(), "usr_1", false); err == nil {
		t.Fatalf("expected order source error to surface")
	}
}

func TestStatusRemaining(t *testing.T) {
	e := New(&fakeOrders{totals: []string{"250"}}, decimal.Zero, logger.Discard())
	st, err := e.Status(context.Background(), "usr_1", false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Threshold.Equal(DefaultThreshold) || !st.Remaining.Equal(decimal.NewFromInt(750)) || st.Eligible {
		t.Fatalf("unexpected status %+v", st)
	}
	e = New(&fakeOrders{totals: []string{"2000"}}, decimal.NewFromInt(1000), logger.Discard())
	st, _ = e.Status(context.Background(), "usr_1", false)
	if !st.Remaining.IsZero() || !st.Eligible {
		t.Fatalf("expected zero remaining once unlocked, got %+v", st)
	}
}
