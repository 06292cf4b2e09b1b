package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"pricelane/pkg/logger"
)

var fixedNow = time.Date(2026, 2, 18, 9, 30, 5, 0, time.UTC)

func newTestBackends(t *testing.T) map[string]Store {
	t.Helper()
	mem := NewMemory()
	mem.now = func() time.Time { return fixedNow }
	f, err := NewFile(t.TempDir(), logger.Discard())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	f.now = func() time.Time { return fixedNow }
	return map[string]Store{"memory": mem, "file": f}
}

func TestContractLoadMissingReturnsDefault(t *testing.T) {
	for name, st := range newTestBackends(t) {
		got, err := st.Load(context.Background(), "negotiations", json.RawMessage(`[]`))
		if err != nil {
			t.Fatalf("%s: unexpected err: %v", name, err)
		}
		if string(got) != "[]" {
			t.Fatalf("%s: expected default, got %s", name, got)
		}
		ok, err := st.Exists(context.Background(), "negotiations")
		if err != nil || ok {
			t.Fatalf("%s: expected missing document, ok=%v err=%v", name, ok, err)
		}
	}
}

func TestContractSaveLoadDeleteBackup(t *testing.T) {
	ctx := context.Background()
	for name, st := range newTestBackends(t) {
		if err := st.Save(ctx, "orders", json.RawMessage(`[{"order_id":"o1","order_total":"1000"}]`)); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		got, err := st.Load(ctx, "orders", nil)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		var rows []map[string]any
		if err := json.Unmarshal(got, &rows); err != nil || len(rows) != 1 || rows[0]["order_id"] != "o1" {
			t.Fatalf("%s: unexpected rows %s err=%v", name, got, err)
		}

		backup, err := st.Backup(ctx, "orders")
		if err != nil {
			t.Fatalf("%s: backup: %v", name, err)
		}
		if backup != "orders_20260218_093005" {
			t.Fatalf("%s: unexpected backup name %q", name, backup)
		}
		names, err := st.List(ctx)
		if err != nil {
			t.Fatalf("%s: list: %v", name, err)
		}
		if strings.Join(names, ",") != "orders,orders_20260218_093005" {
			t.Fatalf("%s: unexpected list %v", name, names)
		}

		deleted, err := st.Delete(ctx, "orders")
		if err != nil || !deleted {
			t.Fatalf("%s: expected delete, got %v err=%v", name, deleted, err)
		}
		deleted, err = st.Delete(ctx, "orders")
		if err != nil || deleted {
			t.Fatalf("%s: expected second delete to report false", name)
		}
		if b, err := st.Backup(ctx, "orders"); err != nil || b != "" {
			t.Fatalf("%s: expected no backup for missing doc, got %q err=%v", name, b, err)
		}
	}
}

func TestContractRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	for name, st := range newTestBackends(t) {
		if err := st.Save(ctx, "../escape", json.RawMessage(`[]`)); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%s: expected ErrInvalidName, got %v", name, err)
		}
		if err := st.Save(ctx, "threads", json.RawMessage(`{"a":`)); !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("%s: expected ErrInvalidDocument, got %v", name, err)
		}
	}
}

func TestContractSaveAllRejectsWholeBatchOnInvalidDocument(t *testing.T) {
	ctx := context.Background()
	for name, st := range newTestBackends(t) {
		err := st.SaveAll(ctx, map[string]json.RawMessage{
			"negotiations":           json.RawMessage(`[{"negotiation_id":"neg_1"}]`),
			"negotiation_agreements": json.RawMessage(`not json`),
		})
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if ok, _ := st.Exists(ctx, "negotiations"); ok {
			t.Fatalf("%s: expected no partial write", name)
		}
	}
}
