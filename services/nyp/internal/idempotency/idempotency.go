// Package idempotency replays recorded responses for retried requests that
// carry an Idempotency-Key header.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pricelane/services/nyp/internal/store"
)

type ActorContext struct {
	Role           string
	ActorID        string
	IdempotencyKey string
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, role, actorID, idempotencyKey, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, role, actorID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error
}

func Replay(ctx context.Context, st Store, actor ActorContext, endpoint string) (int, map[string]any, bool, error) {
	if actor.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, actor.Role, actor.ActorID, actor.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, actor ActorContext, endpoint string, status int, response map[string]any) error {
	if actor.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, actor.Role, actor.ActorID, actor.IdempotencyKey, endpoint, status, response)
}

const (
	DocRecords = "idempotency_records"
	// MaxRecords bounds the document; the oldest records are dropped first.
	MaxRecords = 1000
)

type record struct {
	Role      string          `json:"role"`
	ActorID   string          `json:"actor_id"`
	Key       string          `json:"idempotency_key"`
	Endpoint  string          `json:"endpoint"`
	Status    int             `json:"response_status"`
	Body      json.RawMessage `json:"response_body"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r record) matches(role, actorID, key, endpoint string) bool {
	return r.Role == role && r.ActorID == actorID && r.Key == key && r.Endpoint == endpoint
}

// DocumentStore keeps records in one document of a store.Store.
type DocumentStore struct {
	st    store.Store
	locks *store.KeyLock
	now   func() time.Time
}

func NewDocumentStore(st store.Store) *DocumentStore {
	return &DocumentStore{st: st, locks: store.NewKeyLock(), now: time.Now}
}

func (d *DocumentStore) load(ctx context.Context) ([]record, error) {
	raw, err := d.st.Load(ctx, DocRecords, json.RawMessage(`[]`))
	if err != nil {
		return nil, err
	}
	var out []record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("idempotency: decode: %w", err)
	}
	return out, nil
}

func (d *DocumentStore) GetIdempotencyRecord(ctx context.Context, role, actorID, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	recs, err := d.load(ctx)
	if err != nil {
		return 0, nil, false, err
	}
	for _, r := range recs {
		if !r.matches(role, actorID, idempotencyKey, endpoint) {
			continue
		}
		var body map[string]any
		if err := json.Unmarshal(r.Body, &body); err != nil {
			return 0, nil, false, fmt.Errorf("idempotency: decode body: %w", err)
		}
		return r.Status, body, true, nil
	}
	return 0, nil, false, nil
}

// SaveIdempotencyRecord keeps the first response recorded for a key.
func (d *DocumentStore) SaveIdempotencyRecord(ctx context.Context, role, actorID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	body, err := json.Marshal(responseBody)
	if err != nil {
		return fmt.Errorf("idempotency: encode body: %w", err)
	}

	unlock, err := d.locks.Lock(ctx, DocRecords)
	if err != nil {
		return err
	}
	defer unlock()

	recs, err := d.load(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.matches(role, actorID, idempotencyKey, endpoint) {
			return nil
		}
	}
	recs = append(recs, record{
		Role:      role,
		ActorID:   actorID,
		Key:       idempotencyKey,
		Endpoint:  endpoint,
		Status:    responseStatus,
		Body:      body,
		CreatedAt: d.now().UTC(),
	})
	if len(recs) > MaxRecords {
		recs = recs[len(recs)-MaxRecords:]
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("idempotency: encode: %w", err)
	}
	return d.st.Save(ctx, DocRecords, raw)
}
