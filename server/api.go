package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/vault"
)

const (
	identityKey  = "vaultsync.identity"
	requestIDKey = "vaultsync.request-id"
)

// maxBodyBytes bounds the size of a pushed blob.
const maxBodyBytes = 32 << 20

// apiServer implements the vault HTTP API.
type apiServer struct {
	*Server
}

func (a *apiServer) routes(r *gin.Engine) {
	r.GET(vault.HealthPath, a.health)
	g := r.Group(vault.Path, a.authenticate, a.rateLimit, a.authorize)
	g.GET("", a.pull)
	g.PUT("", a.push)
	g.DELETE("", a.reset)
}

func abort(c *gin.Context, status, code int, message string) {
	c.AbortWithStatusJSON(status, &vault.ServiceError{Code: code, Message: message})
}

func (a *apiServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

// requestID tags the request with the caller's ID or a new one.
func (a *apiServer) requestID(c *gin.Context) {
	id := c.GetHeader(vault.HeaderRequestID)
	if id == "" {
		id = nuid.Next()
	}
	c.Set(requestIDKey, id)
	c.Header(vault.HeaderRequestID, id)
	c.Next()
}

func (a *apiServer) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abort(c, http.StatusUnauthorized, vault.ErrorCodeInvalidToken, "missing bearer token")
		return
	}
	identity, err := a.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
	switch {
	case errors.Is(err, ErrTokenExpired):
		abort(c, http.StatusUnauthorized, vault.ErrorCodeTokenExpired, err.Error())
		return
	case err != nil:
		abort(c, http.StatusUnauthorized, vault.ErrorCodeInvalidToken, err.Error())
		return
	}
	c.Set(identityKey, identity)
	c.Next()
}

func (a *apiServer) rateLimit(c *gin.Context) {
	if a.limiter != nil && !a.limiter.allow(c.GetString(identityKey)) {
		abort(c, http.StatusTooManyRequests, vault.ErrorCodeRateLimited, "rate limit exceeded")
		return
	}
	c.Next()
}

func (a *apiServer) authorize(c *gin.Context) {
	if a.authz == nil {
		c.Next()
		return
	}
	var action string
	switch c.Request.Method {
	case http.MethodGet:
		action = actionGet
	case http.MethodPut:
		action = actionPut
	case http.MethodDelete:
		action = actionDelete
	}
	ok, err := a.authz.authorize(c.GetString(identityKey), action)
	if err != nil {
		a.logger.Errorf("Authorization check failed: %v", err)
		abort(c, http.StatusInternalServerError, vault.ErrorCodeInternal, "authorization failed")
		return
	}
	if !ok {
		abort(c, http.StatusForbidden, vault.ErrorCodeForbidden, "not authorized to "+action)
		return
	}
	c.Next()
}

func (a *apiServer) respond(c *gin.Context, blob *Blob, start time.Time) {
	a.logger.Debugf("[%s] %s %s for %s: version %d, %s in %v", c.GetString(requestIDKey),
		c.Request.Method, vault.Path, c.GetString(identityKey), blob.Version,
		humanize.Bytes(uint64(len(blob.Meta)+len(blob.Value))), time.Since(start))
	// Set directly: an empty hash must still be sent.
	c.Writer.Header().Set(vault.HeaderHash, vault.EncodeHash(blob.Hash))
	c.JSON(http.StatusOK, &vault.EncryptedValue{
		Meta:    blob.Meta,
		Value:   blob.Value,
		Version: blob.Version,
	})
}

func (a *apiServer) internalError(c *gin.Context, err error) {
	a.logger.Errorf("[%s] %s %s failed: %v", c.GetString(requestIDKey), c.Request.Method, vault.Path, err)
	abort(c, http.StatusInternalServerError, vault.ErrorCodeInternal, "internal error")
}

func (a *apiServer) pull(c *gin.Context) {
	start := time.Now()
	blob, err := a.vault.pull(c.GetString(identityKey))
	if err != nil {
		a.internalError(c, err)
		return
	}
	a.respond(c, blob, start)
}

func (a *apiServer) push(c *gin.Context) {
	start := time.Now()
	previousHash, err := vault.DecodeHash(c.GetHeader(vault.HeaderPreviousHash))
	if err != nil {
		abort(c, http.StatusBadRequest, vault.ErrorCodeInvalidBody, err.Error())
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	req := new(vault.PushRequest)
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, http.StatusBadRequest, vault.ErrorCodeInvalidBody, err.Error())
		return
	}
	blob, err := a.vault.push(c.GetString(identityKey), previousHash, req.Meta, req.Value)
	if err == errHashMismatch {
		abort(c, http.StatusConflict, vault.ErrorCodeConflict, err.Error())
		return
	}
	if err != nil {
		a.internalError(c, err)
		return
	}
	a.respond(c, blob, start)
}

func (a *apiServer) reset(c *gin.Context) {
	start := time.Now()
	blob, err := a.vault.reset(c.GetString(identityKey))
	if err != nil {
		a.internalError(c, err)
		return
	}
	a.respond(c, blob, start)
}
