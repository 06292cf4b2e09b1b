package negotiation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pricelane/services/nyp/internal/store"

	"github.com/shopspring/decimal"
)

func amt(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func str(s string) *string { return &s }

func TestValidateMessageRoleMatrix(t *testing.T) {
	cases := []struct {
		role   Role
		kind   Kind
		amount *decimal.Decimal
		want   error
	}{
		{RoleUser, KindOffer, amt("400"), nil},
		{RoleUser, KindNote, nil, nil},
		{RoleUser, KindOffer, nil, ErrMissingAmount},
		{RoleUser, KindAccept, amt("400"), ErrInvalidKindForRole},
		{RoleUser, KindClose, nil, ErrInvalidKindForRole},
		{RoleUser, KindCounter, amt("1"), ErrInvalidKindForRole},
		{RoleOperator, KindCounter, amt("450"), nil},
		{RoleOperator, KindCounter, nil, ErrMissingAmount},
		{RoleOperator, KindAccept, nil, ErrMissingAmount},
		{RoleOperator, KindNote, nil, nil},
		{RoleOperator, KindClose, nil, nil},
		{RoleOperator, KindOffer, amt("1"), ErrInvalidKindForRole},
		{RoleOperator, KindCounter, amt("0"), ErrInvalidAmount},
		{Role("ROBOT"), KindNote, nil, ErrInvalidKindForRole},
	}
	for _, c := range cases {
		if err := ValidateMessage(c.role, c.kind, c.amount); !errors.Is(err, c.want) {
			t.Fatalf("%s/%s: expected %v, got %v", c.role, c.kind, c.want, err)
		}
	}
}

func TestCanTransitionOnlyFromOpen(t *testing.T) {
	if !CanTransition(StatusOpen, StatusAccepted) || !CanTransition(StatusOpen, StatusClosed) {
		t.Fatalf("expected OPEN to reach terminal states")
	}
	for _, from := range []Status{StatusAccepted, StatusClosed} {
		for _, to := range []Status{StatusOpen, StatusAccepted, StatusClosed} {
			if CanTransition(from, to) {
				t.Fatalf("expected %s -> %s to be rejected", from, to)
			}
		}
	}
	if CanTransition(StatusOpen, StatusOpen) {
		t.Fatalf("expected OPEN -> OPEN to be rejected")
	}
}

func TestSummarizePreviewAndLastAmount(t *testing.T) {
	long := strings.Repeat("é", 60)
	th := Thread{
		NegotiationID: "neg_1",
		Messages: []Message{
			{Kind: KindOffer, Amount: amt("400"), Text: str("first")},
			{Kind: KindCounter, Amount: amt("450")},
			{Kind: KindNote, Text: str(long)},
		},
	}
	s := Summarize(th)
	if s.MessageCount != 3 {
		t.Fatalf("expected 3 messages, got %d", s.MessageCount)
	}
	if s.LastAmount == nil || !s.LastAmount.Equal(decimal.RequireFromString("450")) {
		t.Fatalf("expected last amount 450, got %v", s.LastAmount)
	}
	if s.LastMessagePreview == nil || len([]rune(*s.LastMessagePreview)) != 50 {
		t.Fatalf("expected 50 rune preview, got %v", s.LastMessagePreview)
	}

	th.Messages = append(th.Messages, Message{Kind: KindClose})
	if Summarize(th).LastMessagePreview != nil {
		t.Fatalf("expected nil preview when last message has no text")
	}
}

func TestPurchaseTokenExpiredAtBoundary(t *testing.T) {
	now := time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	p := PurchaseToken{ExpiresAt: now}
	if p.Expired(now) {
		t.Fatalf("expected token to be valid at its expiry instant")
	}
	if p.Expired(now.Add(-time.Second)) {
		t.Fatalf("expected token to be valid before expiry")
	}
	if !p.Expired(now.Add(time.Nanosecond)) {
		t.Fatalf("expected token to be expired after its expiry instant")
	}
}

func TestRepoCommitAndReload(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(store.NewMemory())

	ts, err := repo.Threads(ctx)
	if err != nil || len(ts) != 0 {
		t.Fatalf("expected empty threads, got %v err=%v", ts, err)
	}
	ts = append(ts, Thread{NegotiationID: "neg_1", Status: StatusOpen, ProductPrice: decimal.RequireFromString("500")})
	as := []Agreement{{AgreementID: "agr_1", NegotiationID: "neg_1", AcceptedAmount: decimal.RequireFromString("425.50")}}
	if err := repo.Commit(ctx, NewBatch().PutThreads(ts).PutAgreements(as)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ts, err = repo.Threads(ctx)
	if err != nil || FindThread(ts, "neg_1") != 0 {
		t.Fatalf("expected neg_1 after reload, got %v err=%v", ts, err)
	}
	as, err = repo.Agreements(ctx)
	if err != nil || len(as) != 1 || !as[0].AcceptedAmount.Equal(decimal.RequireFromString("425.5")) {
		t.Fatalf("unexpected agreements %v err=%v", as, err)
	}
	if FindAgreement(as, "agr_missing") != -1 || FindToken(nil, "x") != -1 {
		t.Fatalf("expected -1 for missing records")
	}
}

func TestRepoLoadCorruptIsStorageFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Save(ctx, DocThreads, []byte(`{"not":"a list"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := NewRepo(mem).Threads(ctx)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestThreadAppendAndTransition(t *testing.T) {
	now := time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	th := Thread{Status: StatusOpen}

	if err := th.Append(Message{SenderRole: RoleOperator, Kind: KindNote, Amount: amt("5"), CreatedAt: now}); err != nil {
		t.Fatalf("append note: %v", err)
	}
	if th.Messages[0].Amount != nil {
		t.Fatalf("expected note amount to be dropped")
	}
	if !th.LastActivityAt.Equal(now) {
		t.Fatalf("expected last activity to advance")
	}

	if err := th.Transition(StatusAccepted, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected accept without agreement to be rejected, got %v", err)
	}
	if err := th.Transition(StatusClosed, now); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := th.Append(Message{SenderRole: RoleUser, Kind: KindOffer, Amount: amt("1"), CreatedAt: now}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after close, got %v", err)
	}
	if err := th.Transition(StatusOpen, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected no way out of CLOSED, got %v", err)
	}
}

func TestMessageIDsSortInCreationOrder(t *testing.T) {
	now := time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	a := NewMessageID(now)
	b := NewMessageID(now)
	if !strings.HasPrefix(a, "msg_") || a >= b {
		t.Fatalf("expected increasing ids, got %s then %s", a, b)
	}
	tok, err := NewPurchaseToken()
	if err != nil || len(tok) != 43 {
		t.Fatalf("expected 43 char token, got %q err=%v", tok, err)
	}
}

func TestRepoExpireAgreement(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(store.NewMemory())
	as := []Agreement{{AgreementID: "agr_1", Status: AgreementActive}, {AgreementID: "agr_2", Status: AgreementUsed}}
	if err := repo.Commit(ctx, NewBatch().PutAgreements(as)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok, err := repo.ExpireAgreement(ctx, "agr_1"); err != nil || !ok {
		t.Fatalf("expected agr_1 expired, ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.ExpireAgreement(ctx, "agr_2"); ok {
		t.Fatalf("expected USED agreement to stay USED")
	}
	as, _ = repo.Agreements(ctx)
	if as[0].Status != AgreementExpired || as[1].Status != AgreementUsed {
		t.Fatalf("unexpected statuses %+v", as)
	}
}
