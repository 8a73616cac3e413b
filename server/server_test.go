package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync-io/vaultsync/vault"
)

func issue(t *testing.T, s *Server, identity string) string {
	tok, err := s.Tokens().Issue(identity, time.Minute)
	require.NoError(t, err)
	return tok.Value
}

func requireServiceError(t *testing.T, err error, status, code int) {
	require.Error(t, err)
	serr, ok := err.(*vault.ServiceError)
	require.True(t, ok, "unexpected error %v", err)
	require.Equal(t, status, serr.StatusCode)
	require.Equal(t, code, serr.Code)
}

func TestHealth(t *testing.T) {
	_, ts := runTestServer(t, getTestConfig())
	require.NoError(t, vault.NewHTTPClient(ts.URL).Health(context.Background()))
}

func TestPullPushReset(t *testing.T) {
	var (
		ctx    = context.Background()
		s, ts  = runTestServer(t, getTestConfig())
		client = vault.NewHTTPClient(ts.URL)
		tok    = issue(t, s, "alice")
	)

	empty, err := client.Pull(ctx, tok)
	require.NoError(t, err)
	require.True(t, empty.IsEmpty())
	require.Empty(t, empty.Hash)
	require.Equal(t, uint64(0), empty.Version)

	pushed, err := client.Push(ctx, []byte("meta"), []byte("value"), empty.Hash, tok)
	require.NoError(t, err)
	require.Equal(t, []byte("meta"), pushed.Meta)
	require.Equal(t, []byte("value"), pushed.Value)
	require.Equal(t, uint64(1), pushed.Version)
	require.NotEmpty(t, pushed.Hash)

	pulled, err := client.Pull(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, pushed, pulled)

	// A stale guard is rejected and nothing changes.
	_, err = client.Push(ctx, []byte("other"), []byte("other"), empty.Hash, tok)
	require.True(t, vault.IsConflict(err))
	requireServiceError(t, err, http.StatusConflict, vault.ErrorCodeConflict)
	pulled, err = client.Pull(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, pushed, pulled)

	reset, err := client.Reset(ctx, tok)
	require.NoError(t, err)
	require.True(t, reset.IsEmpty())
	require.Equal(t, uint64(2), reset.Version)

	_, err = client.Push(ctx, []byte("m"), []byte("v"), reset.Hash, tok)
	require.NoError(t, err)

	// Identities are isolated.
	other, err := client.Pull(ctx, issue(t, s, "bob"))
	require.NoError(t, err)
	require.True(t, other.IsEmpty())
}

func TestAuthentication(t *testing.T) {
	var (
		ctx    = context.Background()
		s, ts  = runTestServer(t, getTestConfig())
		client = vault.NewHTTPClient(ts.URL)
	)

	_, err := client.Pull(ctx, "")
	requireServiceError(t, err, http.StatusUnauthorized, vault.ErrorCodeInvalidToken)

	_, err = client.Pull(ctx, "bogus")
	requireServiceError(t, err, http.StatusUnauthorized, vault.ErrorCodeInvalidToken)
	require.False(t, vault.IsTokenExpired(err))

	expired, err := s.Tokens().Issue("alice", -time.Minute)
	require.NoError(t, err)
	_, err = client.Pull(ctx, expired.Value)
	requireServiceError(t, err, http.StatusUnauthorized, vault.ErrorCodeTokenExpired)
	require.True(t, vault.IsTokenExpired(err))
}

func TestInvalidBody(t *testing.T) {
	s, ts := runTestServer(t, getTestConfig())

	req, err := http.NewRequest(http.MethodPut, ts.URL+vault.Path, strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+issue(t, s, "alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPut, ts.URL+vault.Path, strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+issue(t, s, "alice"))
	req.Header.Set(vault.HeaderPreviousHash, "%%%")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestID(t *testing.T) {
	_, ts := runTestServer(t, getTestConfig())

	req, err := http.NewRequest(http.MethodGet, ts.URL+vault.HealthPath, nil)
	require.NoError(t, err)
	req.Header.Set(vault.HeaderRequestID, "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "abc", resp.Header.Get(vault.HeaderRequestID))

	resp, err = http.Get(ts.URL + vault.HealthPath)
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get(vault.HeaderRequestID))
}

func TestAuthorization(t *testing.T) {
	config := getTestConfig()
	config.AuthzEnabled = true
	var (
		ctx    = context.Background()
		s, ts  = runTestServer(t, config)
		client = vault.NewHTTPClient(ts.URL)
		tok    = issue(t, s, "alice")
	)

	_, err := client.Pull(ctx, tok)
	requireServiceError(t, err, http.StatusForbidden, vault.ErrorCodeForbidden)

	require.NoError(t, s.Grant("alice", actionGet))
	empty, err := client.Pull(ctx, tok)
	require.NoError(t, err)

	_, err = client.Push(ctx, []byte("m"), []byte("v"), empty.Hash, tok)
	requireServiceError(t, err, http.StatusForbidden, vault.ErrorCodeForbidden)

	require.NoError(t, s.Grant("alice", actionPut, actionDelete))
	_, err = client.Push(ctx, []byte("m"), []byte("v"), empty.Hash, tok)
	require.NoError(t, err)
	_, err = client.Reset(ctx, tok)
	require.NoError(t, err)

	// root may do anything.
	_, err = client.Reset(ctx, issue(t, s, "root"))
	require.NoError(t, err)
}

func TestAuthorizationPolicyFile(t *testing.T) {
	config := getTestConfig()
	config.AuthzEnabled = true
	config.AuthzPolicy = writeConfig(t, "p, alice, vault, get\n")
	var (
		ctx    = context.Background()
		s, ts  = runTestServer(t, config)
		client = vault.NewHTTPClient(ts.URL)
	)

	_, err := client.Pull(ctx, issue(t, s, "alice"))
	require.NoError(t, err)
	_, err = client.Pull(ctx, issue(t, s, "bob"))
	requireServiceError(t, err, http.StatusForbidden, vault.ErrorCodeForbidden)

	// Reloading drops grants made in memory.
	require.NoError(t, s.Grant("bob", actionGet))
	_, err = client.Pull(ctx, issue(t, s, "bob"))
	require.NoError(t, err)
	require.NoError(t, s.authz.reload())
	_, err = client.Pull(ctx, issue(t, s, "bob"))
	requireServiceError(t, err, http.StatusForbidden, vault.ErrorCodeForbidden)
}

func TestGrantWithoutAuthorization(t *testing.T) {
	s, _ := runTestServer(t, getTestConfig())
	require.Error(t, s.Grant("alice", actionGet))
}

func TestRateLimit(t *testing.T) {
	config := getTestConfig()
	config.RateLimitRPS = 0.001
	config.RateLimitBurst = 2
	var (
		ctx    = context.Background()
		s, ts  = runTestServer(t, config)
		client = vault.NewHTTPClient(ts.URL)
		tok    = issue(t, s, "alice")
	)

	for i := 0; i < 2; i++ {
		_, err := client.Pull(ctx, tok)
		require.NoError(t, err)
	}
	_, err := client.Pull(ctx, tok)
	requireServiceError(t, err, http.StatusTooManyRequests, vault.ErrorCodeRateLimited)

	// Buckets are per identity.
	_, err = client.Pull(ctx, issue(t, s, "bob"))
	require.NoError(t, err)
}

func TestRateLimiterEviction(t *testing.T) {
	r := newRateLimiter(1, 1)
	r.ttl = 0
	require.True(t, r.allow("a"))
	time.Sleep(time.Millisecond)
	require.True(t, r.allow("b"))
	require.Len(t, r.buckets, 1)
}

func TestStartStop(t *testing.T) {
	config := getTestConfig()
	config.Listen = HostPort{Host: "127.0.0.1", Port: 0}
	s, err := New(config)
	require.NoError(t, err)
	require.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	require.True(t, s.IsRunning())

	client := vault.NewHTTPClient("http://" + s.Addr().String())
	require.NoError(t, client.Health(context.Background()))

	require.NoError(t, s.Stop())
	require.False(t, s.IsRunning())
	require.Error(t, client.Health(context.Background()))

	// Stopping twice is a no-op.
	require.NoError(t, s.Stop())
}

func TestFileBackedServer(t *testing.T) {
	config := getTestConfig()
	config.InMemory = false
	config.DataDir = t.TempDir()
	var (
		ctx   = context.Background()
		s, ts = runTestServer(t, config)
		tok   = issue(t, s, "alice")
	)
	pushed, err := vault.NewHTTPClient(ts.URL).Push(ctx, []byte("m"), []byte("v"), nil, tok)
	require.NoError(t, err)
	ts.Close()
	require.NoError(t, s.Stop())

	// A new server over the same directory sees the blob.
	s, ts = runTestServer(t, config)
	pulled, err := vault.NewHTTPClient(ts.URL).Pull(ctx, issue(t, s, "alice"))
	require.NoError(t, err)
	require.Equal(t, pushed, pulled)
}
