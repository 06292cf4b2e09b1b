// Package entitlement decides whether a user may open a negotiation.
package entitlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

// DefaultThreshold is the completed spend that unlocks name your price.
var DefaultThreshold = decimal.NewFromInt(1000)

type OrderSource interface {
	ListCompletedOrderTotals(ctx context.Context, userID string) ([]decimal.Decimal, error)
}

type Evaluator struct {
	orders    OrderSource
	threshold decimal.Decimal
	log       *slog.Logger
}

func New(orders OrderSource, threshold decimal.Decimal, log *slog.Logger) *Evaluator {
	if !threshold.IsPositive() {
		threshold = DefaultThreshold
	}
	return &Evaluator{orders: orders, threshold: threshold, log: log}
}

type Status struct {
	Eligible   bool            `json:"eligible"`
	Override   bool            `json:"override"`
	TotalSpend decimal.Decimal `json:"total_spend"`
	Threshold  decimal.Decimal `json:"threshold"`
	Remaining  decimal.Decimal `json:"remaining"`
}

func (e *Evaluator) Threshold() decimal.Decimal { return e.threshold }

func (e *Evaluator) TotalSpend(ctx context.Context, userID string) (decimal.Decimal, error) {
	const op = "entitlement.TotalSpend"

	totals, err := e.orders.ListCompletedOrderTotals(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	sum := decimal.Zero
	for _, t := range totals {
		sum = sum.Add(t)
	}
	return sum, nil
}

// IsEligible is true when the operator override is set or the user's
// completed spend reaches the threshold. The order source is not consulted
// when the override is set.
func (e *Evaluator) IsEligible(ctx context.Context, userID string, override bool) (bool, error) {
	if override {
		e.log.Debug("nyp eligible by override", slog.String("user_id", userID))
		return true, nil
	}
	spend, err := e.TotalSpend(ctx, userID)
	if err != nil {
		return false, err
	}
	return spend.GreaterThanOrEqual(e.threshold), nil
}

func (e *Evaluator) Status(ctx context.Context, userID string, override bool) (Status, error) {
	spend, err := e.TotalSpend(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	remaining := e.threshold.Sub(spend)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return Status{
		Eligible:   override || spend.GreaterThanOrEqual(e.threshold),
		Override:   override,
		TotalSpend: spend,
		Threshold:  e.threshold,
		Remaining:  remaining,
	}, nil
}
