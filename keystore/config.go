package keystore

import (
	"fmt"
	"os"
	"time"

	"github.com/hako/durafmt"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/vaultsync-io/vaultsync/logger"
	"github.com/vaultsync-io/vaultsync/vault"
)

const (
	// DefaultVaultURL is the vault used if one is not specified.
	DefaultVaultURL = "http://localhost:9494"

	defaultTokenTTL = 10 * time.Minute
)

// Config contains the settings of a sync client.
type Config struct {
	Identity  string
	Namespace string

	VaultURL            string
	VaultTimeout        time.Duration
	RetryOnUnauthorized bool

	PrivateKeyFile string
	PublicKeyFiles []string

	LocalDir      string
	LocalInMemory bool
	LocalEncrypt  bool

	TokenSecret string
	TokenTTL    time.Duration

	MaxConcurrency int64
	LogLevel       uint32
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	return &Config{
		Namespace:           DefaultNamespace,
		VaultURL:            DefaultVaultURL,
		VaultTimeout:        vault.DefaultTimeout,
		RetryOnUnauthorized: true,
		LocalDir:            "vaultsync-local",
		TokenTTL:            defaultTokenTTL,
		LogLevel:            uint32(log.InfoLevel),
	}
}

// NewConfig creates a new Config from the YAML file at configFile. An empty
// path or a missing file yields the defaults.
func NewConfig(configFile string) (*Config, error) { // nolint: gocyclo
	config := NewDefaultConfig()
	if configFile == "" {
		return config, nil
	}
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(errors.Cause(err)) {
			return config, nil
		}
		return nil, errors.Wrapf(err, "failed to read config %s", configFile)
	}

	if v.IsSet("identity") {
		config.Identity = v.GetString("identity")
	}
	if v.IsSet("namespace") {
		config.Namespace = v.GetString("namespace")
	}

	if v.IsSet("vault.url") {
		config.VaultURL = v.GetString("vault.url")
	}
	if v.IsSet("vault.timeout") {
		dur, err := time.ParseDuration(v.GetString("vault.timeout"))
		if err != nil {
			return nil, err
		}
		config.VaultTimeout = dur
	}
	if v.IsSet("vault.retry.unauthorized") {
		config.RetryOnUnauthorized = v.GetBool("vault.retry.unauthorized")
	}

	if v.IsSet("keys.private") {
		config.PrivateKeyFile = v.GetString("keys.private")
	}
	if v.IsSet("keys.public") {
		config.PublicKeyFiles = v.GetStringSlice("keys.public")
	}

	if v.IsSet("local.dir") {
		config.LocalDir = v.GetString("local.dir")
	}
	if v.IsSet("local.inmemory") {
		config.LocalInMemory = v.GetBool("local.inmemory")
	}
	if v.IsSet("local.encrypt") {
		config.LocalEncrypt = v.GetBool("local.encrypt")
	}

	if v.IsSet("token.secret") {
		config.TokenSecret = v.GetString("token.secret")
	}
	if v.IsSet("token.ttl") {
		dur, err := time.ParseDuration(v.GetString("token.ttl"))
		if err != nil {
			return nil, err
		}
		config.TokenTTL = dur
	}

	if v.IsSet("executor.max.concurrency") {
		config.MaxConcurrency = v.GetInt64("executor.max.concurrency")
	}

	if v.IsSet("log.level") {
		level, err := logger.GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = level
	}

	return config, nil
}

// Validate checks the settings needed to talk to the vault.
func (c *Config) Validate() error {
	if c.Identity == "" {
		return errors.Wrap(ErrInvalidInput, "identity is required")
	}
	if c.PrivateKeyFile == "" {
		return errors.Wrap(ErrInvalidInput, "private key file is required")
	}
	if c.VaultTimeout <= 0 {
		return errors.Wrap(ErrInvalidInput, "vault timeout must be positive")
	}
	return nil
}

// String returns a one-line summary for logs. Secrets are omitted.
func (c *Config) String() string {
	local := c.LocalDir
	if c.LocalInMemory {
		local = "in-memory"
	}
	return fmt.Sprintf("[Identity: %s, Vault: %s, Timeout: %s, Local: %s, Encrypted: %t, Token TTL: %s]",
		c.Identity, c.VaultURL, durafmt.Parse(c.VaultTimeout), local, c.LocalEncrypt, durafmt.Parse(c.TokenTTL))
}
