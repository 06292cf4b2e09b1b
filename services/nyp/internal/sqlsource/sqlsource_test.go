package sqlsource

import (
	"context"
	"testing"
)

func TestRebind(t *testing.T) {
	q := "SELECT order_total FROM orders WHERE user_id=? AND status=?"
	if got := Rebind(DriverMySQL, q); got != q {
		t.Fatalf("expected mysql query unchanged, got %s", got)
	}
	want := "SELECT order_total FROM orders WHERE user_id=$1 AND status=$2"
	if got := Rebind(DriverPgx, q); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := Rebind(DriverPQ, q); got != want {
		t.Fatalf("expected %s for lib/pq, got %s", want, got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "sqlite", "file::memory:"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
