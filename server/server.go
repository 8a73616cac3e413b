// Package server implements a reference vault service: one encrypted blob
// per identity, updated with compare-and-swap on its hash.
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vaultsync-io/vaultsync/logger"
)

const shutdownTimeout = 5 * time.Second

// Server is the vault HTTP server.
type Server struct {
	config   *Config
	logger   logger.Logger
	tokens   *TokenIssuer
	authz    *authzEnforcer
	limiter  *rateLimiter
	store    BlobStore
	vault    *vaultService
	engine   *gin.Engine
	listener net.Listener
	http     *http.Server

	shutdownCh    chan struct{}
	mu            sync.RWMutex
	shutdown      bool
	running       bool
	goroutineWait sync.WaitGroup
}

// New creates a Server. The blob store is opened but nothing listens until
// Start.
func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	l := logger.NewLogger(config.LogLevel)
	if config.NoLog {
		l.SetWriter(io.Discard)
	}
	tokens, err := NewTokenIssuer([]byte(config.TokenSecret))
	if err != nil {
		return nil, err
	}

	var store BlobStore
	if config.InMemory {
		store = NewMemoryStore()
	} else if store, err = NewFileStore(config.DataDir); err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		logger:     l,
		tokens:     tokens,
		store:      store,
		vault:      newVaultService(store),
		shutdownCh: make(chan struct{}),
	}
	if config.AuthzEnabled {
		if s.authz, err = newAuthzEnforcer(config.AuthzPolicy); err != nil {
			return nil, err
		}
	}
	if config.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(config.RateLimitRPS, config.RateLimitBurst)
	}

	if config.LogLevel < uint32(log.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	api := &apiServer{s}
	engine.Use(gin.RecoveryWithWriter(l.Writer()), api.requestID)
	if config.LogLevel >= uint32(log.DebugLevel) {
		engine.Use(gin.LoggerWithWriter(l.Writer()))
	}
	api.routes(engine)
	s.engine = engine
	return s, nil
}

// Handler returns the HTTP handler serving the vault API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Tokens returns the issuer used to check bearer tokens.
func (s *Server) Tokens() *TokenIssuer {
	return s.tokens
}

// Grant allows identity the given actions ("get", "put", "delete") until the
// policy is reloaded. It fails if authorization is disabled.
func (s *Server) Grant(identity string, actions ...string) error {
	if s.authz == nil {
		return errors.New("authorization is disabled")
	}
	return s.authz.grant(identity, actions...)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	hp := s.config.GetListenAddress()
	l, err := net.Listen("tcp", net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port)))
	if err != nil {
		return errors.Wrap(err, "failed starting listener")
	}
	s.listener = l
	s.http = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Infof("Vaultsync server version %s", Version)
	s.logger.Infof("Starting server on %s %s...", l.Addr(), s.config)

	s.handleSignals()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.startGoroutine(func() {
		err := s.http.Serve(l)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil && err != http.ErrServerClosed {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.logger.Errorf("Server stopped: %v", err)
			}
		}
	})
	return nil
}

// Addr returns the address the server listens on, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning indicates if the server is currently serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stop shuts down the server, waiting for in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("Shutting down...")
	close(s.shutdownCh)

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = s.http.Shutdown(ctx)
		cancel()
	}
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	s.running = false
	s.shutdown = true
	s.mu.Unlock()

	// Wait for goroutines to stop.
	s.goroutineWait.Wait()
	return err
}

// startGoroutine starts a goroutine which is managed by the server. This adds
// the goroutine to a WaitGroup so that the server can wait for all running
// goroutines to stop on shutdown. This should be used instead of a "naked"
// goroutine.
func (s *Server) startGoroutine(f func()) {
	select {
	case <-s.shutdownCh:
		return
	default:
	}
	s.goroutineWait.Add(1)
	go func() {
		f()
		s.goroutineWait.Done()
	}()
}
