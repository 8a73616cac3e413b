package server

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	macsubtle "github.com/google/tink/go/mac/subtle"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/token"
)

const tokenTagSize = 32

var (
	// ErrInvalidToken is returned for a token that is malformed or not
	// signed by this issuer.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token expired")
)

// TokenIssuer mints and checks bearer tokens of the form
// base64url(identity|expiry).base64url(HMAC-SHA256).
type TokenIssuer struct {
	mac *macsubtle.HMAC
	now func() time.Time
}

// NewTokenIssuer creates a TokenIssuer keyed with secret.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	mac, err := macsubtle.NewHMAC("SHA256", secret, tokenTagSize)
	if err != nil {
		return nil, errors.Wrap(err, "invalid token secret")
	}
	return &TokenIssuer{mac: mac, now: time.Now}, nil
}

// Issue returns a token for identity valid for ttl.
func (t *TokenIssuer) Issue(identity string, ttl time.Duration) (token.Token, error) {
	if identity == "" || strings.Contains(identity, "|") {
		return token.Token{}, errors.Wrapf(ErrInvalidToken, "bad identity %q", identity)
	}
	expiresAt := t.now().Add(ttl).Truncate(time.Second)
	claims := []byte(identity + "|" + strconv.FormatInt(expiresAt.Unix(), 10))
	tag, err := t.mac.ComputeMAC(claims)
	if err != nil {
		return token.Token{}, err
	}
	return token.Token{
		Value:     base64.RawURLEncoding.EncodeToString(claims) + "." + base64.RawURLEncoding.EncodeToString(tag),
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks value and returns the identity it was issued for.
func (t *TokenIssuer) Verify(value string) (string, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 2 {
		return "", ErrInvalidToken
	}
	claims, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	tag, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}
	if err := t.mac.VerifyMAC(tag, claims); err != nil {
		return "", ErrInvalidToken
	}
	sep := strings.LastIndexByte(string(claims), '|')
	if sep <= 0 {
		return "", ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(string(claims[sep+1:]), 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if !t.now().Before(time.Unix(expiry, 0)) {
		return "", ErrTokenExpired
	}
	return string(claims[:sep]), nil
}

// RenewFunc returns a token.RenewFunc minting tokens for identity locally.
func (t *TokenIssuer) RenewFunc(identity string, ttl time.Duration) token.RenewFunc {
	return func(ctx context.Context, tc token.Context) (token.Token, error) {
		return t.Issue(identity, ttl)
	}
}
