package negotiation

import (
	"context"
	"encoding/json"
	"fmt"

	"pricelane/services/nyp/internal/store"
)

// Document names. Each holds a JSON list rewritten in full on every mutation.
const (
	DocThreads    = "negotiations"
	DocAgreements = "negotiation_agreements"
	DocTokens     = "purchase_tokens"
)

var emptyList = json.RawMessage(`[]`)

// Repo reads and writes the negotiation documents. Callers performing a
// read-modify-write hold Lock on every document they will write.
type Repo struct {
	st    store.Store
	locks *store.KeyLock
}

func NewRepo(st store.Store) *Repo {
	return &Repo{st: st, locks: store.NewKeyLock()}
}

func (r *Repo) Store() store.Store { return r.st }

// Lock takes the named documents' locks, giving up when ctx ends.
func (r *Repo) Lock(ctx context.Context, docs ...string) (func(), error) {
	unlock, err := r.locks.Lock(ctx, docs...)
	if err != nil {
		return nil, storageErr("negotiation.Repo.Lock", err)
	}
	return unlock, nil
}

func (r *Repo) Threads(ctx context.Context) ([]Thread, error) {
	var out []Thread
	return out, r.load(ctx, DocThreads, &out)
}

func (r *Repo) Agreements(ctx context.Context) ([]Agreement, error) {
	var out []Agreement
	return out, r.load(ctx, DocAgreements, &out)
}

func (r *Repo) Tokens(ctx context.Context) ([]PurchaseToken, error) {
	var out []PurchaseToken
	return out, r.load(ctx, DocTokens, &out)
}

func (r *Repo) load(ctx context.Context, name string, dst any) error {
	op := "negotiation.Repo.load(" + name + ")"
	raw, err := r.st.Load(ctx, name, emptyList)
	if err != nil {
		return storageErr(op, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// Batch collects documents that are committed together.
type Batch struct {
	docs map[string]json.RawMessage
	err  error
}

func NewBatch() *Batch { return &Batch{docs: map[string]json.RawMessage{}} }

func (b *Batch) PutThreads(ts []Thread) *Batch { return b.put(DocThreads, ts) }
func (b *Batch) PutAgreements(as []Agreement) *Batch { return b.put(DocAgreements, as) }
func (b *Batch) PutTokens(ps []PurchaseToken) *Batch { return b.put(DocTokens, ps) }

func (b *Batch) put(name string, v any) *Batch {
	if b.err != nil {
		return b
	}
	raw, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("encode %s: %w", name, err)
		return b
	}
	if string(raw) == "null" {
		raw = emptyList
	}
	b.docs[name] = raw
	return b
}

func (r *Repo) Commit(ctx context.Context, b *Batch) error {
	const op = "negotiation.Repo.Commit"
	if b.err != nil {
		return storageErr(op, b.err)
	}
	if len(b.docs) == 0 {
		return nil
	}
	var err error
	if len(b.docs) == 1 {
		for name, doc := range b.docs {
			err = r.st.Save(ctx, name, doc)
		}
	} else {
		err = r.st.SaveAll(ctx, b.docs)
	}
	if err != nil {
		return storageErr(op, err)
	}
	return nil
}

func FindThread(ts []Thread, id string) int {
	for i := range ts {
		if ts[i].NegotiationID == id {
			return i
		}
	}
	return -1
}

func FindAgreement(as []Agreement, id string) int {
	for i := range as {
		if as[i].AgreementID == id {
			return i
		}
	}
	return -1
}

func FindToken(ps []PurchaseToken, token string) int {
	for i := range ps {
		if ps[i].Token == token {
			return i
		}
	}
	return -1
}

// ExpireAgreement marks an ACTIVE agreement EXPIRED. It takes the agreements
// lock itself, so callers must not hold it.
func (r *Repo) ExpireAgreement(ctx context.Context, agreementID string) (bool, error) {
	unlock, err := r.Lock(ctx, DocAgreements)
	if err != nil {
		return false, err
	}
	defer unlock()

	as, err := r.Agreements(ctx)
	if err != nil {
		return false, err
	}
	i := FindAgreement(as, agreementID)
	if i < 0 || as[i].Status != AgreementActive {
		return false, nil
	}
	as[i].Status = AgreementExpired
	if err := r.Commit(ctx, NewBatch().PutAgreements(as)); err != nil {
		return false, err
	}
	return true, nil
}
