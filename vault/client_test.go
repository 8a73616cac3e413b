package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestServer serves a single blob with compare-and-swap on the hash.
func newTestServer(t *testing.T) (*httptest.Server, *[]string) {
	var (
		meta, value []byte
		version     uint64
		hash        []byte
		seen        []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer expired" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(&ServiceError{Code: ErrorCodeTokenExpired, Message: "expired"})
			return
		}
		switch r.Method {
		case http.MethodPut:
			prev, err := DecodeHash(r.Header.Get(HeaderPreviousHash))
			require.NoError(t, err)
			if string(prev) != string(hash) {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(&ServiceError{Code: ErrorCodeConflict, Message: "conflict"})
				return
			}
			req := new(PushRequest)
			require.NoError(t, json.NewDecoder(r.Body).Decode(req))
			meta, value = req.Meta, req.Value
			version++
			hash = []byte{byte(version)}
		case http.MethodDelete:
			meta, value = nil, nil
			version++
			hash = []byte{byte(version)}
		}
		w.Header().Set(HeaderHash, EncodeHash(hash))
		json.NewEncoder(w).Encode(&EncryptedValue{Meta: meta, Value: value, Version: version})
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s, &seen
}

func TestHTTPClientRoundTrip(t *testing.T) {
	var (
		ctx     = context.Background()
		s, seen = newTestServer(t)
		c       = NewHTTPClient(s.URL + "/")
	)
	require.NoError(t, c.Health(ctx))

	v, err := c.Pull(ctx, "tok")
	require.NoError(t, err)
	require.True(t, v.IsEmpty())
	require.Empty(t, v.Hash)

	v, err = c.Push(ctx, []byte("meta"), []byte("value"), nil, "tok")
	require.NoError(t, err)
	require.Equal(t, []byte("meta"), v.Meta)
	require.Equal(t, []byte("value"), v.Value)
	require.Equal(t, uint64(1), v.Version)
	require.Equal(t, []byte{1}, v.Hash)

	_, err = c.Push(ctx, []byte("m"), []byte("v"), []byte{9}, "tok")
	require.True(t, IsConflict(err))

	v, err = c.Reset(ctx, "tok")
	require.NoError(t, err)
	require.True(t, v.IsEmpty())
	require.Equal(t, []byte{2}, v.Hash)

	require.Contains(t, *seen, "Bearer tok")
}

func TestHTTPClientServiceError(t *testing.T) {
	s, _ := newTestServer(t)
	c := NewHTTPClient(s.URL)

	_, err := c.Pull(context.Background(), "expired")
	require.True(t, IsTokenExpired(err))
	serr, ok := err.(*ServiceError)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, serr.StatusCode)
}

// Ensure a response without exactly one hash header is rejected.
func TestHTTPClientMissingHash(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add(HeaderHash, "AQ==")
		w.Header().Add(HeaderHash, "Ag==")
		w.Write([]byte(`{}`))
	}))
	defer s.Close()

	_, err := NewHTTPClient(s.URL).Pull(context.Background(), "tok")
	require.Equal(t, ErrInvalidHashHeader, err)
}

// Ensure non-JSON error bodies still map to a service error.
func TestHTTPClientPlainError(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusConflict)
	}))
	defer s.Close()

	_, err := NewHTTPClient(s.URL).Pull(context.Background(), "tok")
	require.True(t, IsConflict(err))
	require.Contains(t, err.Error(), "busy")
}

func TestDecodeHash(t *testing.T) {
	h, err := DecodeHash("")
	require.NoError(t, err)
	require.Nil(t, h)

	_, err = DecodeHash("!!")
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrInvalidHashHeader.Error())

	h, err = DecodeHash(EncodeHash([]byte("abc")))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), h)
}
