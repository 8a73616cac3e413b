package localvault

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync-io/vaultsync/encryption"
)

func vaults(t *testing.T) map[string]Vault {
	mem, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)

	sealer, err := encryption.NewLocalEncryptionHandlerWithKey([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	sealed, err := OpenBadger(BadgerConfig{InMemory: true, Sealer: sealer})
	require.NoError(t, err)

	disk, err := OpenBadger(DefaultBadgerConfig(t.TempDir()))
	require.NoError(t, err)

	out := map[string]Vault{
		"memory":        NewMemory(),
		"badger-memory": mem,
		"badger-sealed": sealed,
		"badger-disk":   disk,
	}
	t.Cleanup(func() {
		for _, v := range out {
			v.Close()
		}
	})
	return out
}

func TestVaultStoreRetrieve(t *testing.T) {
	for name, v := range vaults(t) {
		t.Run(name, func(t *testing.T) {
			stored, err := v.Store("a", []byte("data"), map[string]string{"k": "v"})
			require.NoError(t, err)
			require.Equal(t, stored.CreationDate, stored.ModificationDate)

			_, err = v.Store("a", []byte("other"), nil)
			require.True(t, IsAlreadyExists(err))

			_, err = v.Store("", []byte("x"), nil)
			require.Equal(t, ErrInvalidName, err)

			got, err := v.Retrieve("a")
			require.NoError(t, err)
			require.Equal(t, stored, got)

			ok, err := v.Exists("a")
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = v.Exists("b")
			require.NoError(t, err)
			require.False(t, ok)

			_, err = v.Retrieve("b")
			require.True(t, IsNotFound(err))
		})
	}
}

func TestVaultUpdateKeepsCreationDate(t *testing.T) {
	for name, v := range vaults(t) {
		t.Run(name, func(t *testing.T) {
			stored, err := v.Store("a", []byte("v1"), map[string]string{"k": "v"})
			require.NoError(t, err)

			updated, err := v.Update("a", []byte("v2"), map[string]string{})
			require.NoError(t, err)
			require.Equal(t, stored.CreationDate, updated.CreationDate)
			require.False(t, updated.ModificationDate.Before(stored.ModificationDate))
			require.Nil(t, updated.Meta)

			got, err := v.Retrieve("a")
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), got.Data)

			_, err = v.Update("missing", nil, nil)
			require.True(t, IsNotFound(err))
		})
	}
}

func TestVaultRetrieveAllDelete(t *testing.T) {
	for name, v := range vaults(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"c", "a", "b"} {
				_, err := v.Store(n, []byte(n), nil)
				require.NoError(t, err)
			}
			all, err := v.RetrieveAll()
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.Equal(t, "a", all[0].Name)
			require.Equal(t, "b", all[1].Name)
			require.Equal(t, "c", all[2].Name)

			require.NoError(t, v.Delete("b"))
			require.True(t, IsNotFound(v.Delete("b")))

			all, err = v.RetrieveAll()
			require.NoError(t, err)
			require.Len(t, all, 2)
		})
	}
}

// Ensure returned entries don't alias the stored state.
func TestMemoryReturnsCopies(t *testing.T) {
	v := NewMemory()
	meta := map[string]string{"k": "v"}
	e, err := v.Store("a", []byte("data"), meta)
	require.NoError(t, err)
	meta["k"] = "changed"
	e.Data[0] = 'X'

	got, err := v.Retrieve("a")
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got.Data)
	require.Equal(t, "v", got.Meta["k"])
}

// Ensure sealed records can't be read without the master key.
func TestBadgerSealedRecords(t *testing.T) {
	dir := t.TempDir()
	sealer, err := encryption.NewLocalEncryptionHandlerWithKey([]byte("0123456789abcdef"))
	require.NoError(t, err)

	config := DefaultBadgerConfig(dir)
	config.Sealer = sealer
	v, err := OpenBadger(config)
	require.NoError(t, err)
	_, err = v.Store("a", []byte("secret"), nil)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	plain, err := OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	_, err = plain.Retrieve("a")
	require.Error(t, err)
	require.NoError(t, plain.Close())

	v, err = OpenBadger(config)
	require.NoError(t, err)
	defer v.Close()
	got, err := v.Retrieve("a")
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got.Data)
}
