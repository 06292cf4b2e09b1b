package negotiation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusAccepted Status = "ACCEPTED"
	StatusClosed   Status = "CLOSED"
)

type Role string

const (
	RoleUser     Role = "USER"
	RoleOperator Role = "OPERATOR"
)

type Kind string

const (
	KindOffer   Kind = "OFFER"
	KindCounter Kind = "COUNTER"
	KindNote    Kind = "NOTE"
	KindAccept  Kind = "ACCEPT"
	KindClose   Kind = "CLOSE"
)

type AgreementStatus string

const (
	AgreementActive    AgreementStatus = "ACTIVE"
	AgreementUsed      AgreementStatus = "USED"
	AgreementExpired   AgreementStatus = "EXPIRED"
	AgreementCancelled AgreementStatus = "CANCELLED"
)

type Message struct {
	MessageID  string           `json:"message_id"`
	SenderRole Role             `json:"sender_role"`
	Kind       Kind             `json:"kind"`
	Amount     *decimal.Decimal `json:"amount"`
	Text       *string          `json:"text"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewMessage stamps a message at now. Blank text is stored as null.
func NewMessage(role Role, kind Kind, amount *decimal.Decimal, text *string, now time.Time) Message {
	if text != nil {
		t := strings.TrimSpace(*text)
		text = &t
		if t == "" {
			text = nil
		}
	}
	return Message{
		MessageID:  NewMessageID(now),
		SenderRole: role,
		Kind:       kind,
		Amount:     amount,
		Text:       text,
		CreatedAt:  now,
	}
}

// Thread is one buyer/operator discussion over one product. ProductTitle and
// ProductPrice are captured at creation and never refreshed from the catalog.
type Thread struct {
	NegotiationID       string          `json:"negotiation_id"`
	UserID              string          `json:"user_id"`
	UserEmail           string          `json:"user_email"`
	UserName            string          `json:"user_name"`
	ProductID           string          `json:"product_id"`
	ProductTitle        string          `json:"product_title"`
	ProductPrice        decimal.Decimal `json:"product_price"`
	Status              Status          `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	LastActivityAt      time.Time       `json:"last_activity_at"`
	Messages            []Message       `json:"messages"`
	AcceptedAgreementID *string         `json:"accepted_agreement_id"`
}

type Summary struct {
	NegotiationID      string           `json:"negotiation_id"`
	UserID             string           `json:"user_id"`
	UserEmail          string           `json:"user_email"`
	UserName           string           `json:"user_name"`
	ProductID          string           `json:"product_id"`
	ProductTitle       string           `json:"product_title"`
	ProductPrice       decimal.Decimal  `json:"product_price"`
	Status             Status           `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	LastActivityAt     time.Time        `json:"last_activity_at"`
	LastMessagePreview *string          `json:"last_message_preview"`
	LastAmount         *decimal.Decimal `json:"last_amount"`
	MessageCount       int              `json:"message_count"`
}

type Agreement struct {
	AgreementID            string          `json:"agreement_id"`
	NegotiationID          string          `json:"negotiation_id"`
	UserID                 string          `json:"user_id"`
	ProductID              string          `json:"product_id"`
	ProductTitle           string          `json:"product_title"`
	AcceptedAmount         decimal.Decimal `json:"accepted_amount"`
	Status                 AgreementStatus `json:"status"`
	PurchaseToken          string          `json:"purchase_token"`
	PurchaseTokenExpiresAt time.Time       `json:"purchase_token_expires_at"`
	CreatedAt              time.Time       `json:"created_at"`
	UsedAt                 *time.Time      `json:"used_at"`
}

// PurchaseToken is the single-use capability minted with an agreement.
type PurchaseToken struct {
	Token       string          `json:"token"`
	UserID      string          `json:"user_id"`
	ProductID   string          `json:"product_id"`
	Amount      decimal.Decimal `json:"amount"`
	AgreementID string          `json:"agreement_id"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Consumed    bool            `json:"consumed"`
	ConsumedAt  *time.Time      `json:"consumed_at"`
}

// Expired reports whether the token can no longer be redeemed at now. A token
// is still valid at the expiry instant itself.
func (p PurchaseToken) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

const previewRunes = 50

// Summarize renders the listing view of a thread.
func Summarize(t Thread) Summary {
	s := Summary{
		NegotiationID:  t.NegotiationID,
		UserID:         t.UserID,
		UserEmail:      t.UserEmail,
		UserName:       t.UserName,
		ProductID:      t.ProductID,
		ProductTitle:   t.ProductTitle,
		ProductPrice:   t.ProductPrice,
		Status:         t.Status,
		CreatedAt:      t.CreatedAt,
		LastActivityAt: t.LastActivityAt,
		MessageCount:   len(t.Messages),
	}
	if n := len(t.Messages); n > 0 {
		if last := t.Messages[n-1]; last.Text != nil && *last.Text != "" {
			p := *last.Text
			if r := []rune(p); len(r) > previewRunes {
				p = string(r[:previewRunes])
			}
			s.LastMessagePreview = &p
		}
	}
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if a := t.Messages[i].Amount; a != nil {
			v := *a
			s.LastAmount = &v
			break
		}
	}
	return s
}
