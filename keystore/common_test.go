package keystore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/localvault"
	"github.com/vaultsync-io/vaultsync/token"
	"github.com/vaultsync-io/vaultsync/vault"
)

// memVault is an in-memory vault.Client with compare-and-swap semantics.
type memVault struct {
	mu      sync.Mutex
	meta    []byte
	value   []byte
	version uint64
	hash    []byte
	pushes  int
	resets  int
}

func (c *memVault) current() *vault.EncryptedValue {
	return &vault.EncryptedValue{
		Meta:    append([]byte(nil), c.meta...),
		Value:   append([]byte(nil), c.value...),
		Version: c.version,
		Hash:    append([]byte(nil), c.hash...),
	}
}

func (c *memVault) Pull(ctx context.Context, tok string) (*vault.EncryptedValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current(), nil
}

func (c *memVault) Push(ctx context.Context, meta, value, previousHash []byte, tok string) (*vault.EncryptedValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !bytes.Equal(previousHash, c.hash) {
		return nil, &vault.ServiceError{StatusCode: 409, Code: vault.ErrorCodeConflict, Message: "conflict"}
	}
	c.pushes++
	c.meta, c.value = meta, value
	c.version++
	c.hash = []byte(fmt.Sprintf("hash-%d", c.version))
	return c.current(), nil
}

func (c *memVault) Reset(ctx context.Context, tok string) (*vault.EncryptedValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	c.meta, c.value = nil, nil
	c.version++
	c.hash = []byte(fmt.Sprintf("hash-%d", c.version))
	return c.current(), nil
}

func (c *memVault) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes
}

// testClock advances one millisecond per reading.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(1700000000000).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func staticTokens() token.Provider {
	return token.NewCallbackProvider(func(ctx context.Context, tc token.Context) (token.Token, error) {
		return token.Token{Value: "token"}, nil
	})
}

func newKey(t *testing.T) *encryption.PrivateKey {
	key, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	return key
}

func newManager(t *testing.T, client vault.Client, key *encryption.PrivateKey) *vault.Manager {
	m, err := vault.NewManager(vault.ManagerConfig{
		Client:     client,
		Tokens:     staticTokens(),
		PublicKeys: []*encryption.PublicKey{key.Public()},
		PrivateKey: key,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func newCloudStore(t *testing.T, client vault.Client, key *encryption.PrivateKey, clock *testClock) *CloudStore {
	s := NewCloudStore(newManager(t, client, key), WithClock(clock.Now))
	t.Cleanup(s.Close)
	return s
}

func newSyncStore(t *testing.T, identity string, local localvault.Vault, cloud *CloudStore) *SyncStore {
	s, err := NewSyncStore(SyncStoreConfig{
		Identity: identity,
		Local:    local,
		Cloud:    cloud,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}
