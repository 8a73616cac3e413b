package vault

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/token"
)

// memClient is an in-memory Client with compare-and-swap semantics.
type memClient struct {
	mu      sync.Mutex
	meta    []byte
	value   []byte
	version uint64
	hash    []byte

	// expired tokens are rejected with a token-expired service error.
	expired map[string]bool
	// tamper makes push echo a different value.
	tamper bool
	// resetTamper makes reset echo stale data.
	resetTamper bool

	pulls  int
	pushes int
}

func newMemClient() *memClient {
	return &memClient{expired: make(map[string]bool)}
}

func (c *memClient) checkToken(tok string) error {
	if c.expired[tok] {
		return &ServiceError{StatusCode: 401, Code: ErrorCodeTokenExpired, Message: "token expired"}
	}
	return nil
}

func (c *memClient) current() *EncryptedValue {
	return &EncryptedValue{
		Meta:    append([]byte(nil), c.meta...),
		Value:   append([]byte(nil), c.value...),
		Version: c.version,
		Hash:    append([]byte(nil), c.hash...),
	}
}

func (c *memClient) Pull(ctx context.Context, tok string) (*EncryptedValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkToken(tok); err != nil {
		return nil, err
	}
	c.pulls++
	return c.current(), nil
}

func (c *memClient) Push(ctx context.Context, meta, value, previousHash []byte, tok string) (*EncryptedValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkToken(tok); err != nil {
		return nil, err
	}
	if !bytes.Equal(previousHash, c.hash) {
		return nil, &ServiceError{StatusCode: 409, Code: ErrorCodeConflict, Message: "hash mismatch"}
	}
	c.pushes++
	c.meta, c.value = meta, value
	c.version++
	c.hash = []byte(fmt.Sprintf("hash-%d", c.version))
	out := c.current()
	if c.tamper {
		out.Value = append(out.Value, 0x00)
	}
	return out, nil
}

func (c *memClient) Reset(ctx context.Context, tok string) (*EncryptedValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkToken(tok); err != nil {
		return nil, err
	}
	if c.resetTamper {
		return c.current(), nil
	}
	c.meta, c.value = nil, nil
	c.version++
	c.hash = []byte(fmt.Sprintf("hash-%d", c.version))
	return c.current(), nil
}

// fakeTokens hands out numbered tokens and records requests.
type fakeTokens struct {
	mu       sync.Mutex
	issued   int
	requests []token.Context
	cached   map[string]string
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{cached: make(map[string]string)}
}

func (f *fakeTokens) GetToken(ctx context.Context, tc token.Context) (token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, tc)
	if v, ok := f.cached[tc.Operation]; ok && !tc.ForceReload {
		return token.Token{Value: v}, nil
	}
	f.issued++
	v := fmt.Sprintf("token-%d", f.issued)
	f.cached[tc.Operation] = v
	return token.Token{Value: v}, nil
}

func newKey(t *testing.T) *encryption.PrivateKey {
	key, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	return key
}

func newTestManager(t *testing.T, client Client, tokens token.Provider, key *encryption.PrivateKey,
	recipients ...*encryption.PublicKey) *Manager {

	if len(recipients) == 0 {
		recipients = []*encryption.PublicKey{key.Public()}
	}
	m, err := NewManager(ManagerConfig{
		Client:     client,
		Tokens:     tokens,
		PublicKeys: recipients,
		PrivateKey: key,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}
