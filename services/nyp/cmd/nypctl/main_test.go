package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runJSON(t *testing.T, args ...string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	code := run(args, &buf)
	var out map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out); err != nil {
		t.Fatalf("summary is not json: %q", buf.String())
	}
	return code, out
}

func useFileStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("PERSISTENCE_MODE", "FILE")
	t.Setenv("PERSISTENCE_DIR", dir)
	return dir
}

func TestUsageErrors(t *testing.T) {
	code, out := runJSON(t)
	if code != 2 || out["status"] != "FAIL" {
		t.Fatalf("expected usage failure, got %d %v", code, out)
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "offline only") {
		t.Fatalf("expected usage to flag offline-only commands, got %q", msg)
	}
	if code, _ := runJSON(t, "bogus"); code != 2 {
		t.Fatalf("expected exit 2 for unknown command, got %d", code)
	}
	useFileStore(t)
	if code, _ := runJSON(t, "seed-product", "--id", "p1", "--title", "Desk", "--price", "abc"); code != 2 {
		t.Fatalf("expected exit 2 for bad price, got %d", code)
	}
	if code, _ := runJSON(t, "record-order", "--id", "o1", "--user", "u1", "--total", "10", "--status", "LOST"); code != 2 {
		t.Fatalf("expected exit 2 for bad status, got %d", code)
	}
}

func TestSeedRecordAndBackup(t *testing.T) {
	dir := useFileStore(t)

	if code, out := runJSON(t, "seed-product", "--id", "desk", "--title", "Walnut Desk", "--price", "500", "--nyp"); code != 0 {
		t.Fatalf("seed-product: %d %v", code, out)
	}
	code, out := runJSON(t, "record-order", "--id", "o1", "--user", "u1", "--total", "1000")
	if code != 0 {
		t.Fatalf("record-order: %d %v", code, out)
	}
	if order, _ := out["order"].(map[string]any); order["status"] != "COMPLETED" {
		t.Fatalf("expected default COMPLETED status, got %v", out)
	}

	code, out = runJSON(t, "store", "status")
	docs, _ := out["documents"].([]any)
	if code != 0 || len(docs) != 2 {
		t.Fatalf("expected two documents, got %d %v", code, out)
	}

	code, out = runJSON(t, "store", "backup", "--name", "products")
	backup, _ := out["backup"].(string)
	if code != 0 || !strings.HasPrefix(backup, "products_") {
		t.Fatalf("backup: %d %v", code, out)
	}
	if _, err := os.Stat(filepath.Join(dir, backup+".json")); err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if code, _ := runJSON(t, "store", "backup", "--name", "negotiations"); code != 1 {
		t.Fatalf("expected failure backing up a missing document, got %d", code)
	}
}

func TestSweepOnEmptyStore(t *testing.T) {
	useFileStore(t)
	code, out := runJSON(t, "sweep")
	if code != 0 || out["expired"] != float64(0) {
		t.Fatalf("sweep: %d %v", code, out)
	}
}
