// Package token supplies the bearer tokens used to authenticate vault
// requests.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const (
	// DefaultCacheSize is the number of (service, operation) tokens a
	// CachingProvider keeps.
	DefaultCacheSize = 64

	// DefaultExpiryMargin is how long before expiry a cached token stops
	// being reused.
	DefaultExpiryMargin = 5 * time.Second
)

// ErrEmptyToken is returned when a renew function yields an empty token.
var ErrEmptyToken = errors.New("empty token")

// Context describes the request a token is needed for.
type Context struct {
	Service     string
	Operation   string
	ForceReload bool
}

// Token is a bearer token with an optional expiry. A zero ExpiresAt never
// expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// String returns the token value.
func (t Token) String() string {
	return t.Value
}

// ExpiresWithin reports whether the token expires within d of now.
func (t Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(t.ExpiresAt)
}

// Provider returns tokens for vault requests.
type Provider interface {
	GetToken(ctx context.Context, tc Context) (Token, error)
}

// RenewFunc obtains a fresh token.
type RenewFunc func(ctx context.Context, tc Context) (Token, error)

// CallbackProvider calls a function for every token request.
type CallbackProvider struct {
	renew RenewFunc
}

// NewCallbackProvider returns a provider backed by renew.
func NewCallbackProvider(renew RenewFunc) *CallbackProvider {
	return &CallbackProvider{renew: renew}
}

// GetToken implements Provider.
func (p *CallbackProvider) GetToken(ctx context.Context, tc Context) (Token, error) {
	tok, err := p.renew(ctx, tc)
	if err != nil {
		return Token{}, err
	}
	if tok.Value == "" {
		return Token{}, ErrEmptyToken
	}
	return tok, nil
}

// CachingProvider reuses tokens per (service, operation) until they are
// about to expire or a reload is forced.
type CachingProvider struct {
	renew  RenewFunc
	cache  *lru.Cache
	margin time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

// NewCachingProvider returns a caching provider backed by renew.
func NewCachingProvider(renew RenewFunc) (*CachingProvider, error) {
	cache, err := lru.New(DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &CachingProvider{
		renew:  renew,
		cache:  cache,
		margin: DefaultExpiryMargin,
		now:    time.Now,
	}, nil
}

func cacheKey(tc Context) string {
	return fmt.Sprintf("%s/%s", tc.Service, tc.Operation)
}

// GetToken implements Provider. Concurrent requests for the same key are
// serialized so only one renewal happens.
func (p *CachingProvider) GetToken(ctx context.Context, tc Context) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := cacheKey(tc)
	if !tc.ForceReload {
		if cached, ok := p.cache.Get(key); ok {
			tok := cached.(Token)
			if !tok.ExpiresWithin(p.now(), p.margin) {
				return tok, nil
			}
		}
	}

	tok, err := p.renew(ctx, tc)
	if err != nil {
		p.cache.Remove(key)
		return Token{}, err
	}
	if tok.Value == "" {
		return Token{}, ErrEmptyToken
	}
	p.cache.Add(key, tok)
	return tok, nil
}

// Invalidate drops every cached token.
func (p *CachingProvider) Invalidate() {
	p.cache.Purge()
}
