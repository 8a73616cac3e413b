package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/logger"
)

const (
	// Path is the vault resource path.
	Path = "/vault/v1"

	// HealthPath is the health check path.
	HealthPath = "/healthz"

	// HeaderHash carries the hash of the stored blob in responses.
	HeaderHash = "X-Vault-Hash"

	// HeaderPreviousHash carries the guard hash of a push.
	HeaderPreviousHash = "X-Vault-Previous-Hash"

	// HeaderRequestID identifies a request in client and server logs.
	HeaderRequestID = "X-Request-Id"

	// DefaultTimeout is the default HTTP client timeout.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 64 << 20
)

// Client is the vault network protocol. Implementations are stateless.
type Client interface {
	// Pull returns the stored blob. A blob that was never written is empty
	// with an empty hash.
	Pull(ctx context.Context, token string) (*EncryptedValue, error)

	// Push stores meta and value if previousHash equals the current hash.
	Push(ctx context.Context, meta, value, previousHash []byte, token string) (*EncryptedValue, error)

	// Reset empties the blob.
	Reset(ctx context.Context, token string) (*EncryptedValue, error)
}

// PushRequest is the body of a push.
type PushRequest struct {
	Meta  []byte `json:"meta"`
	Value []byte `json:"value"`
}

// EncodeHash formats a hash for the hash headers.
func EncodeHash(hash []byte) string {
	return base64.StdEncoding.EncodeToString(hash)
}

// DecodeHash parses a hash header value.
func DecodeHash(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	hash, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidHashHeader, err.Error())
	}
	return hash, nil
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  logger.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) {
		h.http = c
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(h *HTTPClient) {
		h.http = &http.Client{Timeout: d}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(h *HTTPClient) {
		h.logger = l
	}
}

// NewHTTPClient creates a client for the vault at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pull implements Client.
func (c *HTTPClient) Pull(ctx context.Context, token string) (*EncryptedValue, error) {
	return c.do(ctx, http.MethodGet, nil, nil, token)
}

// Push implements Client.
func (c *HTTPClient) Push(ctx context.Context, meta, value, previousHash []byte, token string) (*EncryptedValue, error) {
	body, err := json.Marshal(&PushRequest{Meta: meta, Value: value})
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPut, body, previousHash, token)
}

// Reset implements Client.
func (c *HTTPClient) Reset(ctx context.Context, token string) (*EncryptedValue, error) {
	return c.do(ctx, http.MethodDelete, nil, nil, token)
}

// Health checks that the vault is reachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeServiceError(resp)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method string, body, previousHash []byte, token string) (*EncryptedValue, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+Path, reader)
	if err != nil {
		return nil, err
	}
	requestID := nuid.Next()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderRequestID, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(previousHash) > 0 {
		req.Header.Set(HeaderPreviousHash, EncodeHash(previousHash))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "vault %s request failed", method)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := decodeServiceError(resp)
		c.logger.Debugf("Vault %s [%s] failed: %v", method, requestID, serr)
		return nil, serr
	}

	values := resp.Header.Values(HeaderHash)
	if len(values) != 1 {
		return nil, ErrInvalidHashHeader
	}
	hash, err := DecodeHash(values[0])
	if err != nil {
		return nil, err
	}

	out := new(EncryptedValue)
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return nil, errors.Wrap(err, "failed to decode vault response")
	}
	out.Hash = hash
	c.logger.Debugf("Vault %s [%s] returned %s, version %d in %v", method, requestID,
		humanize.Bytes(uint64(len(out.Meta)+len(out.Value))), out.Version, time.Since(start))
	return out, nil
}

func decodeServiceError(resp *http.Response) error {
	serr := &ServiceError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(data, serr); err != nil || serr.Code == 0 {
		serr.Code = ErrorCodeInternal
		if resp.StatusCode == http.StatusConflict {
			serr.Code = ErrorCodeConflict
		}
		serr.Message = strings.TrimSpace(string(data))
		if serr.Message == "" {
			serr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return serr
}
