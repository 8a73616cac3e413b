package server

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/vaultsync-io/vaultsync/logger"
)

const (
	// DefaultPort is the port to bind to if one is not specified.
	DefaultPort = 9494

	// DefaultRateLimitBurst is the burst allowed per identity when rate
	// limiting is enabled without an explicit burst.
	DefaultRateLimitBurst = 10
)

const (
	defaultListenAddress     = "0.0.0.0"
	defaultConnectionAddress = "localhost"
	defaultDataDir           = "vaultsync-data"
)

// HostPort is simple struct to hold parsed listen/addr strings.
type HostPort struct {
	Host string
	Port int
}

// Config contains all settings for a vault server.
type Config struct {
	Listen   HostPort
	Host     string
	Port     int
	LogLevel uint32
	NoLog    bool

	DataDir  string
	InMemory bool

	// TokenSecret is the HMAC key bearer tokens are minted and checked
	// with. It must be at least 16 bytes.
	TokenSecret string

	AuthzEnabled bool
	// AuthzPolicy is a casbin CSV policy file. Empty means no identity is
	// allowed anything unless it is "root".
	AuthzPolicy string

	// RateLimitRPS is the sustained request rate allowed per identity. Zero
	// disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	return &Config{
		Port:           DefaultPort,
		LogLevel:       uint32(log.InfoLevel),
		DataDir:        defaultDataDir,
		RateLimitBurst: DefaultRateLimitBurst,
	}
}

// GetListenAddress returns the address and port to listen to.
func (c Config) GetListenAddress() HostPort {
	if len(c.Listen.Host) > 0 {
		return c.Listen
	}
	if len(c.Host) > 0 {
		return HostPort{Host: c.Host, Port: c.Port}
	}
	return HostPort{Host: defaultListenAddress, Port: c.Port}
}

// GetConnectionAddress returns the address clients should use.
func (c Config) GetConnectionAddress() HostPort {
	hp := c.GetListenAddress()
	if hp.Host == defaultListenAddress {
		hp.Host = defaultConnectionAddress
	}
	return hp
}

// URL returns the base URL of the server.
func (c Config) URL() string {
	hp := c.GetConnectionAddress()
	return "http://" + net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// String returns a summary of the storage and limits for logs.
func (c Config) String() string {
	storage := "memory"
	if !c.InMemory {
		storage = c.DataDir
	}
	limit := "none"
	if c.RateLimitRPS > 0 {
		limit = fmt.Sprintf("%s req/s, burst %s", humanize.Ftoa(c.RateLimitRPS), humanize.Comma(int64(c.RateLimitBurst)))
	}
	return fmt.Sprintf("[Storage: %s, Authz: %t, Rate limit: %s]", storage, c.AuthzEnabled, limit)
}

// Validate checks that the settings can be served.
func (c *Config) Validate() error {
	if len(c.TokenSecret) < 16 {
		return errors.New("token secret must be at least 16 bytes")
	}
	if !c.InMemory && c.DataDir == "" {
		return errors.New("data directory is required unless storage is in memory")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}

// NewConfig creates a new Config with default settings and applies any
// settings from the given configuration file. A missing file yields the
// defaults.
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

	if v.IsSet("listen") {
		hp, err := parseListen(v)
		if err != nil {
			return nil, err
		}
		config.Listen = *hp
	}

	if v.IsSet("port") {
		config.Port = v.GetInt("port")
	}

	if v.IsSet("host") {
		config.Host = v.GetString("host")
	}

	if v.IsSet("log.level") {
		level, err := logger.GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = level
	}

	if v.IsSet("data.dir") {
		config.DataDir = v.GetString("data.dir")
	}

	if v.IsSet("storage.inmemory") {
		config.InMemory = v.GetBool("storage.inmemory")
	}

	if v.IsSet("token.secret") {
		config.TokenSecret = v.GetString("token.secret")
	}

	if v.IsSet("authz.enabled") {
		config.AuthzEnabled = v.GetBool("authz.enabled")
	}

	if v.IsSet("authz.policy") {
		config.AuthzPolicy = v.GetString("authz.policy")
	}

	if v.IsSet("ratelimit.rps") {
		config.RateLimitRPS = v.GetFloat64("ratelimit.rps")
	}

	if v.IsSet("ratelimit.burst") {
		config.RateLimitBurst = v.GetInt("ratelimit.burst")
	}

	return config, nil
}

// parseListen parses the `listen` option, which is either a port or a
// host:port string.
func parseListen(v *viper.Viper) (*HostPort, error) {
	hp := &HostPort{}
	switch listenConf := v.Get("listen").(type) {
	case int:
		hp.Port = listenConf
	case int64:
		hp.Port = int(listenConf)
	case string:
		host, port, err := net.SplitHostPort(listenConf)
		if err != nil {
			return nil, errors.Errorf("could not parse address string %q", listenConf)
		}
		hp.Port, err = strconv.Atoi(port)
		if err != nil {
			return nil, errors.Errorf("could not parse port %q", port)
		}
		hp.Host = host
	default:
		return nil, errors.Errorf("could not parse listen %v", listenConf)
	}
	return hp, nil
}
