package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/keystore"
	"github.com/vaultsync-io/vaultsync/localvault"
	"github.com/vaultsync-io/vaultsync/token"
	"github.com/vaultsync-io/vaultsync/vault"
)

type device struct {
	local  *localvault.Memory
	tokens *token.CachingProvider
	store  *keystore.SyncStore
}

func newDevice(t *testing.T, s *Server, url string, key *encryption.PrivateKey, ttl time.Duration) *device {
	tokens, err := token.NewCachingProvider(s.Tokens().RenewFunc("alice", ttl))
	require.NoError(t, err)
	manager, err := vault.NewManager(vault.ManagerConfig{
		Client:     vault.NewHTTPClient(url),
		Tokens:     tokens,
		PublicKeys: []*encryption.PublicKey{key.Public()},
		PrivateKey: key,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	cloud := keystore.NewCloudStore(manager)
	t.Cleanup(cloud.Close)
	local := localvault.NewMemory()
	store, err := keystore.NewSyncStore(keystore.SyncStoreConfig{
		Identity: "alice",
		Local:    local,
		Cloud:    cloud,
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return &device{local: local, tokens: tokens, store: store}
}

func (d *device) sync(t *testing.T) keystore.SyncResult {
	res, err := d.store.Sync(context.Background())
	require.NoError(t, err)
	return res
}

func TestSyncBetweenDevices(t *testing.T) {
	var (
		ctx    = context.Background()
		s, ts  = runTestServer(t, getTestConfig())
		key    = newTestKey(t)
		first  = newDevice(t, s, ts.URL, key, time.Minute)
		second = newDevice(t, s, ts.URL, key, time.Minute)
	)
	first.sync(t)
	second.sync(t)

	stored, err := first.store.StoreEntry(ctx, "k1", []byte("v1"), map[string]string{"label": "x"})
	require.NoError(t, err)

	// The second device imports it.
	require.Equal(t, keystore.SyncResult{Imported: 1}, second.sync(t))
	got, err := second.store.RetrieveEntry("k1")
	require.NoError(t, err)
	require.Equal(t, stored, got)

	// An update travels back.
	time.Sleep(2 * time.Millisecond)
	updated, err := second.store.UpdateEntry(ctx, "k1", []byte("v2"), nil)
	require.NoError(t, err)
	require.Equal(t, stored.CreationDate, updated.CreationDate)
	require.True(t, updated.ModificationDate.After(stored.ModificationDate))

	require.Equal(t, keystore.SyncResult{Updated: 1}, first.sync(t))
	got, err = first.store.RetrieveEntry("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.Data)

	// So does a delete.
	require.NoError(t, first.store.DeleteEntry(ctx, "k1"))
	require.Equal(t, keystore.SyncResult{Deleted: 1}, second.sync(t))
	exists, err := second.store.ExistsEntry("k1")
	require.NoError(t, err)
	require.False(t, exists)

	// Nothing more to do.
	require.False(t, first.sync(t).Changed())
	require.False(t, second.sync(t).Changed())
}

func TestSyncConcurrentWriters(t *testing.T) {
	var (
		ctx    = context.Background()
		s, ts  = runTestServer(t, getTestConfig())
		key    = newTestKey(t)
		first  = newDevice(t, s, ts.URL, key, time.Minute)
		second = newDevice(t, s, ts.URL, key, time.Minute)
	)
	first.sync(t)
	second.sync(t)

	_, err := first.store.StoreEntry(ctx, "a", []byte("1"), nil)
	require.NoError(t, err)

	// The second device writes against a stale view and is rejected.
	_, err = second.store.StoreEntry(ctx, "b", []byte("2"), nil)
	require.True(t, vault.IsConflict(err))
	exists, err := second.store.ExistsEntry("b")
	require.NoError(t, err)
	require.False(t, exists)

	second.sync(t)
	_, err = second.store.StoreEntry(ctx, "b", []byte("2"), nil)
	require.NoError(t, err)

	first.sync(t)
	all, err := first.store.RetrieveAllEntries()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestSyncRenewsExpiredToken(t *testing.T) {
	var (
		ctx   = context.Background()
		s, ts = runTestServer(t, getTestConfig())
		d     = newDevice(t, s, ts.URL, newTestKey(t), time.Minute)
	)
	d.sync(t)

	// The cached token is now expired on the server.
	issued := s.Tokens().now
	s.Tokens().now = func() time.Time { return issued().Add(2 * time.Minute) }
	_, err := d.store.StoreEntry(ctx, "a", []byte("1"), nil)
	require.NoError(t, err)
}

func TestSyncRecipientRotation(t *testing.T) {
	var (
		ctx    = context.Background()
		s, ts  = runTestServer(t, getTestConfig())
		oldKey = newTestKey(t)
		newKey = newTestKey(t)
		d      = newDevice(t, s, ts.URL, oldKey, time.Minute)
	)
	d.sync(t)
	_, err := d.store.StoreEntry(ctx, "a", []byte("1"), nil)
	require.NoError(t, err)

	require.NoError(t, d.store.UpdateRecipients(ctx, []*encryption.PublicKey{newKey.Public()}, newKey))

	// A device holding only the new key reads the rotated vault.
	other := newDevice(t, s, ts.URL, newKey, time.Minute)
	require.Equal(t, keystore.SyncResult{Imported: 1}, other.sync(t))

	// One holding only the old key cannot.
	stale := newDevice(t, s, ts.URL, oldKey, time.Minute)
	_, err = stale.store.Sync(ctx)
	require.ErrorIs(t, err, encryption.ErrRecipientNotFound)
}

func newTestKey(t *testing.T) *encryption.PrivateKey {
	key, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	return key
}
