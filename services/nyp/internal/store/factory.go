package store

import (
	"context"
	"fmt"
	"strings"

	"pricelane/pkg/db"

	"golang.org/x/exp/slog"
)

type Config struct {
	Mode       string
	Dir        string
	Driver     string
	URL        string
	Database   string
	Collection string
	MaxConns   int32
}

// ParseMode normalizes a configured mode. EXTERNAL is accepted as DB. Unknown
// values report ok=false and resolve to FILE.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(ModeFile):
		return ModeFile, true
	case string(ModeMemory):
		return ModeMemory, true
	case string(ModeDB), "EXTERNAL":
		return ModeDB, true
	default:
		return ModeFile, false
	}
}

// New builds the backend selected by cfg. The returned close func releases
// any connections and is never nil.
func New(ctx context.Context, cfg Config, log *slog.Logger) (Store, func(context.Context) error, error) {
	const op = "store.New"
	noop := func(context.Context) error { return nil }

	mode, ok := ParseMode(cfg.Mode)
	if !ok {
		log.Warn("invalid persistence mode, defaulting to FILE", slog.String("mode", cfg.Mode))
	}

	switch mode {
	case ModeMemory:
		log.Info("persistence configured", slog.String("mode", string(mode)))
		return NewMemory(), noop, nil
	case ModeDB:
		return newExternal(ctx, cfg, log)
	default:
		dir := cfg.Dir
		if dir == "" {
			dir = "data"
		}
		f, err := NewFile(dir, log)
		if err != nil {
			return nil, noop, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("persistence configured", slog.String("mode", string(mode)), slog.String("dir", f.dir))
		return f, noop, nil
	}
}

func newExternal(ctx context.Context, cfg Config, log *slog.Logger) (Store, func(context.Context) error, error) {
	const op = "store.newExternal"
	noop := func(context.Context) error { return nil }

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "postgres":
		pool, err := db.Connect(ctx, cfg.URL, db.PoolConfig{MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, noop, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("persistence configured", slog.String("mode", string(ModeDB)), slog.String("driver", "postgres"))
		return NewPostgres(pool), func(context.Context) error { pool.Close(); return nil }, nil
	case "mongo", "mongodb":
		client, err := ConnectMongo(ctx, cfg.URL)
		if err != nil {
			return nil, noop, fmt.Errorf("%s: %w", op, err)
		}
		database, collection := cfg.Database, cfg.Collection
		if database == "" {
			database = "nyp"
		}
		if collection == "" {
			collection = "nyp_documents"
		}
		log.Info("persistence configured", slog.String("mode", string(ModeDB)), slog.String("driver", "mongo"))
		return NewMongo(client, database, collection), client.Disconnect, nil
	default:
		return nil, noop, fmt.Errorf("%s: unknown external driver %q", op, cfg.Driver)
	}
}
