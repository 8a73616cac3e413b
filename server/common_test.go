package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func getTestConfig() *Config {
	config := NewDefaultConfig()
	config.InMemory = true
	config.TokenSecret = testSecret
	config.NoLog = true
	return config
}

// runTestServer serves config's handler over httptest.
func runTestServer(t *testing.T, config *Config) (*Server, *httptest.Server) {
	s, err := New(config)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}
