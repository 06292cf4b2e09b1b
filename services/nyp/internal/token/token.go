// Package token verifies and redeems purchase tokens. Expiry is evaluated on
// read; nothing needs to run in the background for it to hold.
package token

import (
	"context"
	"time"

	"pricelane/services/nyp/internal/negotiation"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

const (
	ReasonNotFound        = "not found"
	ReasonNotOwner        = "not owner"
	ReasonAlreadyConsumed = "already consumed"
	ReasonExpired         = "expired"
)

type Result struct {
	Valid       bool             `json:"valid"`
	Consumed    bool             `json:"consumed"`
	Reason      string           `json:"reason,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	ProductID   string           `json:"product_id,omitempty"`
	AgreementID string           `json:"agreement_id,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// Err returns a *negotiation.TokenInvalidError for a refused token, nil otherwise.
func (r Result) Err() error {
	if r.Reason == "" {
		return nil
	}
	return &negotiation.TokenInvalidError{Reason: r.Reason}
}

type Service struct {
	repo *negotiation.Repo
	log  *slog.Logger
	now  func() time.Time
}

func New(repo *negotiation.Repo, log *slog.Logger) *Service {
	return &Service{repo: repo, log: log, now: time.Now}
}

// Verify checks that token exists, belongs to userID, is unconsumed and has
// not expired. Observing expiry marks the parent agreement EXPIRED.
func (s *Service) Verify(ctx context.Context, userID, token string) (Result, error) {
	unlock, err := s.repo.Lock(ctx, negotiation.DocAgreements, negotiation.DocTokens)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	tokens, err := s.repo.Tokens(ctx)
	if err != nil {
		return Result{}, err
	}
	res, i := s.check(tokens, userID, token)
	if res.Reason == ReasonExpired {
		if err := s.expire(ctx, tokens[i].AgreementID); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// Consume redeems the token once. The tokens document stays locked from the
// check to the write, so concurrent callers see exactly one success.
func (s *Service) Consume(ctx context.Context, userID, token string) (Result, error) {
	unlock, err := s.repo.Lock(ctx, negotiation.DocAgreements, negotiation.DocTokens)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	tokens, err := s.repo.Tokens(ctx)
	if err != nil {
		return Result{}, err
	}
	res, i := s.check(tokens, userID, token)
	if !res.Valid {
		if res.Reason == ReasonExpired {
			if err := s.expire(ctx, tokens[i].AgreementID); err != nil {
				return Result{}, err
			}
		}
		return res, nil
	}

	agreements, err := s.repo.Agreements(ctx)
	if err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	tokens[i].Consumed = true
	tokens[i].ConsumedAt = &now
	if j := negotiation.FindAgreement(agreements, tokens[i].AgreementID); j >= 0 {
		agreements[j].Status = negotiation.AgreementUsed
		agreements[j].UsedAt = &now
	}
	if err := s.repo.Commit(ctx, negotiation.NewBatch().PutTokens(tokens).PutAgreements(agreements)); err != nil {
		return Result{}, err
	}

	s.log.Info("purchase token consumed",
		slog.String("agreement_id", tokens[i].AgreementID),
		slog.String("user_id", userID))
	res.Consumed = true
	return res, nil
}

func (s *Service) check(tokens []negotiation.PurchaseToken, userID, token string) (Result, int) {
	i := negotiation.FindToken(tokens, token)
	if token == "" || i < 0 {
		return Result{Reason: ReasonNotFound}, -1
	}
	t := tokens[i]
	if t.UserID != userID {
		return Result{Reason: ReasonNotOwner}, i
	}
	if t.Consumed {
		return Result{Reason: ReasonAlreadyConsumed}, i
	}
	if t.Expired(s.now()) {
		return Result{Reason: ReasonExpired}, i
	}
	amount := t.Amount
	expires := t.ExpiresAt
	return Result{
		Valid:       true,
		Amount:      &amount,
		ProductID:   t.ProductID,
		AgreementID: t.AgreementID,
		ExpiresAt:   &expires,
	}, i
}

// expire flips the agreement to EXPIRED. The caller holds the agreements lock.
func (s *Service) expire(ctx context.Context, agreementID string) error {
	agreements, err := s.repo.Agreements(ctx)
	if err != nil {
		return err
	}
	j := negotiation.FindAgreement(agreements, agreementID)
	if j < 0 || agreements[j].Status != negotiation.AgreementActive {
		return nil
	}
	agreements[j].Status = negotiation.AgreementExpired
	return s.repo.Commit(ctx, negotiation.NewBatch().PutAgreements(agreements))
}

// Sweep marks every ACTIVE agreement whose token has expired as EXPIRED and
// returns how many it changed. Reads already treat such tokens as invalid.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	unlock, err := s.repo.Lock(ctx, negotiation.DocAgreements)
	if err != nil {
		return 0, err
	}
	defer unlock()

	agreements, err := s.repo.Agreements(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for i := range agreements {
		if agreements[i].Status == negotiation.AgreementActive && now.After(agreements[i].PurchaseTokenExpiresAt) {
			agreements[i].Status = negotiation.AgreementExpired
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.repo.Commit(ctx, negotiation.NewBatch().PutAgreements(agreements)); err != nil {
		return 0, err
	}
	s.log.Info("expired agreements swept", slog.Int("count", n))
	return n, nil
}
