package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("negotiation not found")
	ErrAgreementNotFound    = errors.New("agreement not found")
	ErrForbidden            = errors.New("negotiation belongs to another user")
	ErrNotEligible          = errors.New("spend threshold not reached for name your price")
	ErrProductNotFound      = errors.New("product not found")
	ErrProductNotNegotiable = errors.New("product does not accept name your price offers")
	ErrNotOpen              = errors.New("negotiation is not open")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrMissingAmount        = errors.New("amount is required for this message kind")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidKindForRole   = errors.New("message kind not allowed for sender role")
	ErrInvalidTTL           = errors.New("ttl minutes must be between 0 and 525600")
	ErrStorage              = errors.New("storage failure")
)

// TokenInvalidError carries the reason a purchase token was refused.
type TokenInvalidError struct {
	Reason string
}

func (e *TokenInvalidError) Error() string {
	return "purchase token invalid: " + e.Reason
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
