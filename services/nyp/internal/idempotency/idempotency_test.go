package idempotency

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pricelane/services/nyp/internal/store"
)

type fakeStore struct {
	status int
	body   map[string]any
	found  bool
	getErr error
	saveN  int
}

func (f *fakeStore) GetIdempotencyRecord(ctx context.Context, role, actorID, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	if f.getErr != nil {
		return 0, nil, false, f.getErr
	}
	return f.status, f.body, f.found, nil
}

func (f *fakeStore) SaveIdempotencyRecord(ctx context.Context, role, actorID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	f.status = responseStatus
	f.body = responseBody
	f.found = true
	f.saveN++
	return nil
}

func TestReplayNoKeyNoop(t *testing.T) {
	st := &fakeStore{found: true}
	_, _, replayed, err := Replay(context.Background(), st, ActorContext{Role: "USER", ActorID: "u1"}, "POST /nyp/v1/negotiations")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if replayed {
		t.Fatalf("expected replayed=false without key")
	}
	if err := Save(context.Background(), st, ActorContext{Role: "USER", ActorID: "u1"}, "POST /nyp/v1/negotiations", 201, nil); err != nil {
		t.Fatalf("save err: %v", err)
	}
	if st.saveN != 0 {
		t.Fatalf("expected no save without key")
	}
}

func TestReplayStoreError(t *testing.T) {
	st := &fakeStore{getErr: errors.New("db down")}
	_, _, replayed, err := Replay(context.Background(), st, ActorContext{ActorID: "u1", IdempotencyKey: "k1"}, "POST /x")
	if replayed || err == nil {
		t.Fatalf("expected error without replay, got replayed=%v err=%v", replayed, err)
	}
}

func TestDocumentStoreSaveThenReplay(t *testing.T) {
	ds := NewDocumentStore(store.NewMemory())
	ctx := context.Background()
	actor := ActorContext{Role: "OPERATOR", ActorID: "ops_1", IdempotencyKey: "k1"}
	endpoint := "POST /nyp/v1/admin/negotiations/{id}/accept"
	resp := map[string]any{"request_id": "req_1", "agreement_id": "agr_1"}

	if err := Save(ctx, ds, actor, endpoint, 201, resp); err != nil {
		t.Fatalf("save err: %v", err)
	}
	if err := Save(ctx, ds, actor, endpoint, 500, map[string]any{"request_id": "req_2"}); err != nil {
		t.Fatalf("second save err: %v", err)
	}

	status, body, replayed, err := Replay(ctx, ds, actor, endpoint)
	if err != nil || !replayed {
		t.Fatalf("expected replay, got %v %v", replayed, err)
	}
	if status != 201 || body["agreement_id"] != "agr_1" || body["request_id"] != "req_1" {
		t.Fatalf("expected first response, got %d %+v", status, body)
	}

	other := actor
	other.ActorID = "ops_2"
	if _, _, replayed, _ := Replay(ctx, ds, other, endpoint); replayed {
		t.Fatalf("expected keys to be scoped per actor")
	}
	if _, _, replayed, _ := Replay(ctx, ds, actor, "POST /other"); replayed {
		t.Fatalf("expected keys to be scoped per endpoint")
	}
}

func TestDocumentStoreIsBounded(t *testing.T) {
	st := store.NewMemory()
	ds := NewDocumentStore(st)
	ctx := context.Background()
	for i := 0; i < MaxRecords+5; i++ {
		actor := ActorContext{Role: "USER", ActorID: "u1", IdempotencyKey: fmt.Sprintf("k%d", i)}
		if err := Save(ctx, ds, actor, "POST /x", 201, map[string]any{"n": i}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	recs, err := ds.load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != MaxRecords || recs[0].Key != "k5" {
		t.Fatalf("expected oldest records dropped, got %d starting at %s", len(recs), recs[0].Key)
	}
}
