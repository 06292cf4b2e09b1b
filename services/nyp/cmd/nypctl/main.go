package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"pricelane/pkg/logger"
	"pricelane/services/nyp/internal/catalog"
	"pricelane/services/nyp/internal/config"
	"pricelane/services/nyp/internal/negotiation"
	"pricelane/services/nyp/internal/orders"
	"pricelane/services/nyp/internal/store"
	"pricelane/services/nyp/internal/token"

	"github.com/shopspring/decimal"
)

// sweep, seed-product and record-order rewrite shared documents with locks
// local to this process. Run them only while the server is stopped; a live
// server exposes POST /nyp/v1/admin/agreements/sweep instead.
const usage = "usage: nypctl store status | nypctl store backup --name <doc> | nypctl sweep | nypctl seed-product --id <id> --title <title> --price <amount> [--nyp] | nypctl record-order --id <id> --user <user_id> --total <amount> [--status COMPLETED] (sweep, seed-product and record-order are offline only)"

var errUsage = errors.New(usage)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run executes one command and prints a single JSON summary line.
func run(args []string, out io.Writer) int {
	if len(args) < 1 {
		return fail(out, "", errUsage, 2)
	}
	cmd := args[0]
	var (
		result map[string]any
		err    error
	)
	switch cmd {
	case "store":
		result, err = runStore(args[1:])
	case "sweep":
		result, err = withStore(func(ctx context.Context, st store.Store) (map[string]any, error) {
			n, err := token.New(negotiation.NewRepo(st), logger.Discard()).Sweep(ctx)
			return map[string]any{"expired": n}, err
		})
	case "seed-product":
		result, err = runSeedProduct(args[1:])
	case "record-order":
		result, err = runRecordOrder(args[1:])
	default:
		return fail(out, cmd, errUsage, 2)
	}
	if err != nil {
		code := 1
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			code = 2
		}
		return fail(out, cmd, err, code)
	}
	return pass(out, cmd, result)
}

func withStore(fn func(ctx context.Context, st store.Store) (map[string]any, error)) (map[string]any, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, closeStore, err := store.New(ctx, store.Config{
		Mode:       cfg.Store.Mode,
		Dir:        cfg.Store.Dir,
		Driver:     cfg.Store.External.Driver,
		URL:        cfg.Store.External.URL,
		Database:   cfg.Store.External.Database,
		Collection: cfg.Store.External.Collection,
		MaxConns:   cfg.Store.External.MaxConns,
	}, logger.Discard())
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeStore(context.Background()) }()
	return fn(ctx, st)
}

func runStore(args []string) (map[string]any, error) {
	if len(args) < 1 {
		return nil, errUsage
	}
	switch args[0] {
	case "status":
		return withStore(func(ctx context.Context, st store.Store) (map[string]any, error) {
			docs, err := st.List(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"store": st.Info(), "documents": docs}, nil
		})
	case "backup":
		fs := flag.NewFlagSet("store backup", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		name := fs.String("name", "", "document to back up")
		if err := fs.Parse(args[1:]); err != nil {
			return nil, err
		}
		if strings.TrimSpace(*name) == "" {
			return nil, fmt.Errorf("%w: --name is required", errUsage)
		}
		return withStore(func(ctx context.Context, st store.Store) (map[string]any, error) {
			backup, err := st.Backup(ctx, strings.TrimSpace(*name))
			if err != nil {
				return nil, err
			}
			if backup == "" {
				return nil, fmt.Errorf("document %q does not exist", *name)
			}
			return map[string]any{"name": *name, "backup": backup}, nil
		})
	default:
		return nil, errUsage
	}
}

func runSeedProduct(args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("seed-product", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "product id")
	title := fs.String("title", "", "product title")
	price := fs.String("price", "", "listed price")
	nyp := fs.Bool("nyp", false, "accept name your price offers")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(*price))
	if err != nil {
		return nil, fmt.Errorf("%w: --price must be a decimal amount", errUsage)
	}
	p := catalog.Product{ProductID: *id, Title: *title, Price: amount, NameYourPrice: *nyp}
	return withStore(func(ctx context.Context, st store.Store) (map[string]any, error) {
		if err := catalog.NewDocumentCatalog(st).Upsert(ctx, p); err != nil {
			return nil, err
		}
		return map[string]any{"product": p}, nil
	})
}

func runRecordOrder(args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("record-order", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "order id")
	user := fs.String("user", "", "buyer user id")
	total := fs.String("total", "", "order total")
	status := fs.String("status", string(orders.StatusCompleted), "order status")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(*total))
	if err != nil {
		return nil, fmt.Errorf("%w: --total must be a decimal amount", errUsage)
	}
	st, ok := orders.ParseStatus(*status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown order status %q", errUsage, *status)
	}
	o := orders.Order{OrderID: *id, UserID: *user, OrderTotal: amount, Status: st}
	return withStore(func(ctx context.Context, s store.Store) (map[string]any, error) {
		src := orders.NewDocumentSource(s)
		if err := src.Record(ctx, o); err != nil {
			return nil, err
		}
		saved, err := src.Get(ctx, strings.TrimSpace(*id))
		if err != nil {
			return nil, err
		}
		return map[string]any{"order": saved}, nil
	})
}

func pass(out io.Writer, cmd string, result map[string]any) int {
	summary := map[string]any{
		"status":        "PASS",
		"command":       cmd,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range result {
		summary[k] = v
	}
	writeSummary(out, summary)
	return 0
}

func fail(out io.Writer, cmd string, err error, code int) int {
	writeSummary(out, map[string]any{
		"status":        "FAIL",
		"command":       cmd,
		"error":         err.Error(),
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	})
	return code
}

func writeSummary(out io.Writer, v map[string]any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(out, "{\"status\":\"FAIL\",\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(out, string(b))
}
