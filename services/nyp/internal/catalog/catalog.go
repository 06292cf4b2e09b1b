// Package catalog looks products up for negotiation snapshots.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pricelane/services/nyp/internal/sqlsource"
	"pricelane/services/nyp/internal/store"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("product not found")
	ErrInvalidProduct = errors.New("invalid product")
)

type Product struct {
	ProductID     string          `json:"product_id"`
	Title         string          `json:"title"`
	Price         decimal.Decimal `json:"price"`
	NameYourPrice bool            `json:"name_your_price"`
}

const DocProducts = "products"

type DocumentCatalog struct {
	st    store.Store
	locks *store.KeyLock
}

func NewDocumentCatalog(st store.Store) *DocumentCatalog {
	return &DocumentCatalog{st: st, locks: store.NewKeyLock()}
}

func (c *DocumentCatalog) List(ctx context.Context) ([]Product, error) {
	raw, err := c.st.Load(ctx, DocProducts, json.RawMessage(`[]`))
	if err != nil {
		return nil, err
	}
	var out []Product
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return out, nil
}

func (c *DocumentCatalog) GetProduct(ctx context.Context, productID string) (Product, error) {
	all, err := c.List(ctx)
	if err != nil {
		return Product{}, err
	}
	for _, p := range all {
		if p.ProductID == productID {
			return p, nil
		}
	}
	return Product{}, ErrNotFound
}

func (c *DocumentCatalog) Upsert(ctx context.Context, p Product) error {
	p.ProductID = strings.TrimSpace(p.ProductID)
	p.Title = strings.TrimSpace(p.Title)
	if p.ProductID == "" || p.Title == "" || p.Price.IsNegative() {
		return ErrInvalidProduct
	}

	unlock, err := c.locks.Lock(ctx, DocProducts)
	if err != nil {
		return err
	}
	defer unlock()
	all, err := c.List(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].ProductID == p.ProductID {
			all[i] = p
			replaced = true
		}
	}
	if !replaced {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ProductID < all[j].ProductID })
	raw, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return c.st.Save(ctx, DocProducts, raw)
}

type SQLCatalog struct {
	DB *sqlsource.DB
}

func NewSQLCatalog(db *sqlsource.DB) *SQLCatalog {
	return &SQLCatalog{DB: db}
}

func (c *SQLCatalog) GetProduct(ctx context.Context, productID string) (Product, error) {
	const op = "catalog.SQLCatalog.GetProduct"

	var p Product
	err := c.DB.QueryRowContext(ctx, sqlsource.Rebind(c.DB.Driver, `
SELECT product_id, title, price, name_your_price
FROM products
WHERE product_id=?
`), productID).Scan(&p.ProductID, &p.Title, &p.Price, &p.NameYourPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}
