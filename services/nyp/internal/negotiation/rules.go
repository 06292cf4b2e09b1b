package negotiation

import (
	"time"

	"github.com/shopspring/decimal"
)

var roleKinds = map[Role]map[Kind]bool{
	RoleUser:     {KindOffer: true, KindNote: true},
	RoleOperator: {KindCounter: true, KindNote: true, KindAccept: true, KindClose: true},
}

// KindRequiresAmount reports whether messages of kind k must carry an amount.
func KindRequiresAmount(k Kind) bool {
	return k == KindOffer || k == KindCounter || k == KindAccept
}

// ValidateMessage checks role, kind and amount of a message to be appended.
// Amounts on NOTE and CLOSE are dropped by the caller.
func ValidateMessage(role Role, kind Kind, amount *decimal.Decimal) error {
	kinds, ok := roleKinds[role]
	if !ok || !kinds[kind] {
		return ErrInvalidKindForRole
	}
	if KindRequiresAmount(kind) {
		if amount == nil {
			return ErrMissingAmount
		}
		if !amount.IsPositive() {
			return ErrInvalidAmount
		}
	}
	return nil
}

// CanTransition reports whether a thread may move from one status to another.
// OPEN is the only state with outgoing edges.
func CanTransition(from, to Status) bool {
	if from != StatusOpen {
		return false
	}
	return to == StatusAccepted || to == StatusClosed
}

func ValidStatus(s Status) bool {
	return s == StatusOpen || s == StatusAccepted || s == StatusClosed
}

// Append validates m against the thread state and the sender's role and adds
// it to the thread. Amounts on NOTE and CLOSE are discarded.
func (t *Thread) Append(m Message) error {
	if t.Status != StatusOpen {
		return ErrNotOpen
	}
	if err := ValidateMessage(m.SenderRole, m.Kind, m.Amount); err != nil {
		return err
	}
	if !KindRequiresAmount(m.Kind) {
		m.Amount = nil
	}
	t.Messages = append(t.Messages, m)
	t.UpdatedAt = m.CreatedAt
	t.LastActivityAt = m.CreatedAt
	return nil
}

// Transition moves the thread to a terminal status. ACCEPTED additionally
// requires the accepted agreement to be recorded on the thread.
func (t *Thread) Transition(to Status, now time.Time) error {
	if !ValidStatus(to) || !CanTransition(t.Status, to) {
		return ErrInvalidTransition
	}
	if to == StatusAccepted && t.AcceptedAgreementID == nil {
		return ErrInvalidTransition
	}
	if to != StatusAccepted && t.AcceptedAgreementID != nil {
		return ErrInvalidTransition
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}
