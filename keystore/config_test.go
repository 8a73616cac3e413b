package keystore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity: alice
namespace: TEST
vault:
  url: http://vault:9000
  timeout: 5s
  retry:
    unauthorized: false
keys:
  private: /keys/alice
  public:
    - /keys/alice.pub
    - /keys/bob.pub
local:
  dir: /data
  inmemory: true
  encrypt: true
token:
  secret: supersecretsupersecret
  ttl: 1m
executor:
  max:
    concurrency: 4
log:
  level: warn
`), 0600))

	config, err := NewConfig(path)
	require.NoError(t, err)
	require.Equal(t, "alice", config.Identity)
	require.Equal(t, "TEST", config.Namespace)
	require.Equal(t, "http://vault:9000", config.VaultURL)
	require.Equal(t, 5*time.Second, config.VaultTimeout)
	require.False(t, config.RetryOnUnauthorized)
	require.Equal(t, "/keys/alice", config.PrivateKeyFile)
	require.Equal(t, []string{"/keys/alice.pub", "/keys/bob.pub"}, config.PublicKeyFiles)
	require.Equal(t, "/data", config.LocalDir)
	require.True(t, config.LocalInMemory)
	require.True(t, config.LocalEncrypt)
	require.Equal(t, "supersecretsupersecret", config.TokenSecret)
	require.Equal(t, time.Minute, config.TokenTTL)
	require.Equal(t, int64(4), config.MaxConcurrency)
	require.Equal(t, uint32(3), config.LogLevel)
	require.NoError(t, config.Validate())
	require.NotContains(t, config.String(), config.TokenSecret)
}

func TestNewConfigDefaults(t *testing.T) {
	config, err := NewConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultVaultURL, config.VaultURL)
	require.Equal(t, DefaultNamespace, config.Namespace)
	require.True(t, config.RetryOnUnauthorized)

	config, err = NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultVaultURL, config.VaultURL)

	// Identity and private key are required.
	require.Error(t, config.Validate())
	config.Identity = "alice"
	require.Error(t, config.Validate())
	config.PrivateKeyFile = "/key"
	require.NoError(t, config.Validate())
}

func TestNewConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vault:\n  timeout: soon\n"), 0600))
	_, err := NewConfig(path)
	require.Error(t, err)
}
