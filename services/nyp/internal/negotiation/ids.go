package negotiation

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func NewNegotiationID() string { return "neg_" + uuid.NewString() }

func NewAgreementID() string { return "agr_" + uuid.NewString() }

// NewMessageID returns a ULID so message ids sort in creation order.
func NewMessageID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return "msg_" + ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// NewPurchaseToken returns 32 random bytes, URL-safe base64 without padding.
func NewPurchaseToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
