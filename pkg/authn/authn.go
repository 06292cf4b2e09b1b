package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// User is the already-authenticated buyer identity forwarded by the gateway.
type User struct {
	ID    string
	Email string
	Name  string
}

type Operator struct {
	ID string
}

func UserFromRequest(r *http.Request) (User, error) {
	u := User{
		ID:    strings.TrimSpace(r.Header.Get("X-User-ID")),
		Email: strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Email"))),
		Name:  strings.TrimSpace(r.Header.Get("X-User-Name")),
	}
	if u.ID == "" {
		return User{}, ErrUnauthorized
	}
	return u, nil
}

// OperatorAuth accepts a fixed set of operator bearer tokens. Only token
// hashes are kept in memory.
type OperatorAuth struct {
	hashes map[string]string // token hash -> operator id
}

// NewOperatorAuth takes "operator_id:token" pairs; a bare token gets the id "operator".
func NewOperatorAuth(entries []string) *OperatorAuth {
	a := &OperatorAuth{hashes: map[string]string{}}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		id, token, ok := strings.Cut(e, ":")
		if !ok {
			id, token = "operator", e
		}
		id, token = strings.TrimSpace(id), strings.TrimSpace(token)
		if token == "" {
			continue
		}
		a.hashes[hashToken(token)] = id
	}
	return a
}

func (a *OperatorAuth) Authenticate(authorization string) (Operator, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return Operator{}, ErrUnauthorized
	}
	got := hashToken(token)
	for h, id := range a.hashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(got)) == 1 {
			return Operator{ID: id}, nil
		}
	}
	return Operator{}, ErrUnauthorized
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
