// Package auth issues and verifies the single bearer token this server uses
// to authenticate both REST calls and the WebSocket handshake (§6). The
// signing key is generated once and persisted via the Store's key-value
// side table so a restart doesn't invalidate outstanding tokens.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentbridge/agentctl/store"
)

const issuer = "agentctl"

// Issuer mints and verifies bearer tokens signed with a single
// server-generated HMAC key.
type Issuer struct {
	key []byte
}

// NewIssuer loads (or generates, on first boot) the signing key from st.
func NewIssuer(ctx context.Context, st *store.Store) (*Issuer, error) {
	key, err := st.PutSigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: load signing key: %w", err)
	}
	return &Issuer{key: key}, nil
}

type claims struct {
	jwt.RegisteredClaims
	Principal string `json:"principal"`
}

// Issue mints a token for principal with no expiry — tokens are bound to the
// lifetime of the install's signing key, not a session (§6: a QR code
// carries this token once, at pairing time).
func (i *Issuer) Issue(principal string) (string, error) {
	now := time.Now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Principal: principal,
	})
	return tok.SignedString(i.key)
}

// Verify validates tokenString's signature and issuer, returning the
// principal it was issued for.
func (i *Issuer) Verify(tokenString string) (string, bool) {
	var c claims
	tok, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !tok.Valid {
		return "", false
	}
	return c.Principal, true
}
