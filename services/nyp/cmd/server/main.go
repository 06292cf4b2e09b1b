package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pricelane/pkg/authn"
	"pricelane/pkg/logger"
	"pricelane/services/nyp/internal/api"
	"pricelane/services/nyp/internal/catalog"
	"pricelane/services/nyp/internal/config"
	"pricelane/services/nyp/internal/entitlement"
	"pricelane/services/nyp/internal/idempotency"
	"pricelane/services/nyp/internal/issuer"
	"pricelane/services/nyp/internal/ledger"
	"pricelane/services/nyp/internal/negotiation"
	"pricelane/services/nyp/internal/notify"
	"pricelane/services/nyp/internal/orders"
	"pricelane/services/nyp/internal/sqlsource"
	"pricelane/services/nyp/internal/store"
	"pricelane/services/nyp/internal/token"
	"pricelane/services/nyp/internal/users"

	"golang.org/x/exp/slog"
)

func main() {
	cfg := config.MustLoad()
	log := logger.Setup(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.New(ctx, store.Config{
		Mode:       cfg.Store.Mode,
		Dir:        cfg.Store.Dir,
		Driver:     cfg.Store.External.Driver,
		URL:        cfg.Store.External.URL,
		Database:   cfg.Store.External.Database,
		Collection: cfg.Store.External.Collection,
		MaxConns:   cfg.Store.External.MaxConns,
	}, log)
	if err != nil {
		log.Error("failed to open store", logger.Err(err))
		os.Exit(1)
	}

	products, orderSource, closeSources, err := openSources(ctx, cfg.Sources, st, log)
	if err != nil {
		log.Error("failed to open sources", logger.Err(err))
		os.Exit(1)
	}

	threshold, err := cfg.Entitlement.ThresholdAmount()
	if err != nil {
		log.Warn("invalid unlock threshold, using default",
			slog.String("threshold", cfg.Entitlement.Threshold),
			slog.String("default", entitlement.DefaultThreshold.String()))
	}
	evaluator := entitlement.New(orderSource, threshold, log)

	hub := notify.NewHub(log)
	sinks := []notify.Sink{notify.LogSink{Log: log}, hub}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
		log.Info("webhook notifications enabled", slog.String("url", cfg.Notify.WebhookURL))
	}
	dispatcher := notify.NewDispatcher(log, cfg.Notify.Timeout, sinks...)

	directory := users.NewDirectory(st)
	repo := negotiation.NewRepo(st)
	handler := api.New(api.Deps{
		Ledger: ledger.New(ledger.Deps{
			Repo:        repo,
			Products:    products,
			Eligibility: evaluator,
			Overrides:   directory,
			Notifier:    dispatcher,
			Log:         log,
		}),
		Issuer:       issuer.New(repo, dispatcher, cfg.Agreements.DefaultTTLMinutes, log),
		Tokens:       token.New(repo, log),
		Entitlement:  evaluator,
		Users:        directory,
		Store:        st,
		Idempotency:  idempotency.NewDocumentStore(st),
		Operators:    authn.NewOperatorAuth(cfg.Operators),
		Feed:         hub,
		Log:          log,
		StoreTimeout: cfg.HTTP.StoreTimeout,
	})
	if len(cfg.Operators) == 0 {
		log.Warn("no operator tokens configured, admin routes will reject every request")
	}

	srv := &http.Server{
		Addr:         ":" + strings.TrimPrefix(cfg.HTTP.Port, ":"),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info("nyp service listening", slog.String("addr", srv.Addr), slog.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", logger.Err(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("stopping application")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", logger.Err(err))
	}
	hub.Close()
	dispatcher.Wait()
	if err := closeSources(); err != nil {
		log.Error("failed to close sources", logger.Err(err))
	}
	if err := closeStore(shutdownCtx); err != nil {
		log.Error("failed to close store", logger.Err(err))
	}
	log.Info("application stopped")
}

// openSources picks where products and order history come from. The store
// kind reads documents from st; sql reads the collaborator tables directly.
func openSources(ctx context.Context, cfg config.Sources, st store.Store, log *slog.Logger) (ledger.ProductLookup, entitlement.OrderSource, func() error, error) {
	noop := func() error { return nil }
	if !strings.EqualFold(strings.TrimSpace(cfg.Kind), "sql") {
		return catalog.NewDocumentCatalog(st), orders.NewDocumentSource(st), noop, nil
	}
	db, err := sqlsource.Open(ctx, cfg.SQLDriver, cfg.SQLDSN)
	if err != nil {
		return nil, nil, noop, err
	}
	log.Info("collaborator sources configured", slog.String("kind", "sql"), slog.String("driver", db.Driver))
	return catalog.NewSQLCatalog(db), orders.NewSQLSource(db), db.Close, nil
}
