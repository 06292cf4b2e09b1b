// Package orders is the order history collaborator feeding entitlements.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pricelane/services/nyp/internal/sqlsource"
	"pricelane/services/nyp/internal/store"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusRefunded  Status = "REFUNDED"
	StatusCancelled Status = "CANCELLED"
)

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusCompleted, StatusRefunded, StatusCancelled:
		return st, true
	}
	return "", false
}

var (
	ErrNotFound     = errors.New("order not found")
	ErrInvalidOrder = errors.New("invalid order")
)

type Order struct {
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	OrderTotal decimal.Decimal `json:"order_total"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

const DocOrders = "orders"

// DocumentSource keeps orders in the "orders" document of a Store.
type DocumentSource struct {
	st    store.Store
	locks *store.KeyLock
	now   func() time.Time
}

func NewDocumentSource(st store.Store) *DocumentSource {
	return &DocumentSource{st: st, locks: store.NewKeyLock(), now: time.Now}
}

func (s *DocumentSource) all(ctx context.Context) ([]Order, error) {
	raw, err := s.st.Load(ctx, DocOrders, json.RawMessage(`[]`))
	if err != nil {
		return nil, err
	}
	var out []Order
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("orders: decode: %w", err)
	}
	return out, nil
}

func (s *DocumentSource) save(ctx context.Context, list []Order) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.st.Save(ctx, DocOrders, raw)
}

// Record inserts or replaces an order by id.
func (s *DocumentSource) Record(ctx context.Context, o Order) error {
	o.OrderID = strings.TrimSpace(o.OrderID)
	o.UserID = strings.TrimSpace(o.UserID)
	if o.OrderID == "" || o.UserID == "" || o.OrderTotal.IsNegative() {
		return ErrInvalidOrder
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if _, ok := ParseStatus(string(o.Status)); !ok {
		return ErrInvalidOrder
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now().UTC()
	}

	unlock, err := s.locks.Lock(ctx, DocOrders)
	if err != nil {
		return err
	}
	defer unlock()
	all, err := s.all(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].OrderID == o.OrderID {
			all[i] = o
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, o)
	}
	return s.save(ctx, all)
}

func (s *DocumentSource) Get(ctx context.Context, orderID string) (Order, error) {
	all, err := s.all(ctx)
	if err != nil {
		return Order{}, err
	}
	for _, o := range all {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return Order{}, ErrNotFound
}

// UpdateStatus reports false when the order does not exist.
func (s *DocumentSource) UpdateStatus(ctx context.Context, orderID string, status Status) (bool, error) {
	if _, ok := ParseStatus(string(status)); !ok {
		return false, ErrInvalidOrder
	}
	unlock, err := s.locks.Lock(ctx, DocOrders)
	if err != nil {
		return false, err
	}
	defer unlock()
	all, err := s.all(ctx)
	if err != nil {
		return false, err
	}
	for i := range all {
		if all[i].OrderID == orderID {
			all[i].Status = status
			return true, s.save(ctx, all)
		}
	}
	return false, nil
}

// ListForUser returns the user's orders, newest first.
func (s *DocumentSource) ListForUser(ctx context.Context, userID string) ([]Order, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := []Order{}
	for _, o := range all {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *DocumentSource) ListCompletedOrderTotals(ctx context.Context, userID string) ([]decimal.Decimal, error) {
	list, err := s.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := []decimal.Decimal{}
	for _, o := range list {
		if o.Status == StatusCompleted {
			out = append(out, o.OrderTotal)
		}
	}
	return out, nil
}

// SQLSource reads totals from an orders table owned by the shop.
type SQLSource struct {
	DB *sqlsource.DB
}

func NewSQLSource(db *sqlsource.DB) *SQLSource {
	return &SQLSource{DB: db}
}

func (s *SQLSource) ListCompletedOrderTotals(ctx context.Context, userID string) ([]decimal.Decimal, error) {
	const op = "orders.SQLSource.ListCompletedOrderTotals"

	rows, err := s.DB.QueryContext(ctx, sqlsource.Rebind(s.DB.Driver, `
SELECT order_total
FROM orders
WHERE user_id=? AND status=?
`), userID, string(StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []decimal.Decimal{}
	for rows.Next() {
		var total decimal.Decimal
		if err := rows.Scan(&total); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, total)
	}
	return out, rows.Err()
}
