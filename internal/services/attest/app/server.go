package app

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/countersign-io/countersign/internal/platform/config"
	"github.com/countersign-io/countersign/internal/platform/otel"
	attestsvc "github.com/countersign-io/countersign/internal/services/attest"
	attesthttp "github.com/countersign-io/countersign/internal/services/attest/api/http/attest"
	"github.com/countersign-io/countersign/internal/services/attest/grant"
	attestsqlite "github.com/countersign-io/countersign/internal/services/attest/storage/sqlite"
)

// envConfig holds raw env values before post-parse validation.
type envConfig struct {
	DBPath        string        `env:"COUNTERSIGN_DB_PATH"`
	SigningKey    string        `env:"COUNTERSIGN_SIGNING_KEY"`
	SessionTTL    time.Duration `env:"COUNTERSIGN_SESSION_TTL"`
	SweepInterval time.Duration `env:"COUNTERSIGN_SWEEP_INTERVAL" envDefault:"1m"`
}

// Server hosts the attestation HTTP service.
type Server struct {
	listener      net.Listener
	httpServer    *http.Server
	store         *attestsqlite.Store
	service       *attestsvc.Service
	sweepInterval time.Duration
}

// New creates a configured attestation server listening on addr.
func New(addr string) (*Server, error) {
	var raw envConfig
	if err := config.ParseEnv(&raw); err != nil {
		return nil, err
	}

	signingKey, err := loadSigningKey(raw.SigningKey)
	if err != nil {
		return nil, err
	}
	grantConfig, err := grant.LoadConfigFromEnv(nil)
	if err != nil {
		return nil, err
	}

	store, err := openStore(raw.DBPath)
	if err != nil {
		return nil, err
	}

	service, err := attestsvc.NewService(attestsvc.Config{
		Store:      store,
		SigningKey: signingKey,
		Grant:      grantConfig,
		SessionTTL: raw.SessionTTL,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handler, err := attesthttp.NewServer(service)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mux := http.NewServeMux()
	if err := handler.RegisterRoutes(mux); err != nil {
		_ = store.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	return &Server{
		listener:      listener,
		httpServer:    &http.Server{Handler: mux},
		store:         store,
		service:       service,
		sweepInterval: raw.SweepInterval,
	}, nil
}

// Addr returns the listener address for the attestation server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an attestation server until the context ends.
func Run(ctx context.Context, addr string) error {
	server, err := New(addr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the attestation server and blocks until it stops or the
// context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	shutdownTracing, err := otel.Setup(serverCtx, "countersign")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	s.startSweep(serverCtx)

	log.Printf("countersign server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startSweep periodically expires pending sessions past their deadline.
//
// This keeps abandoned sessions from lingering as pending without requiring
// a separate maintenance process.
func (s *Server) startSweep(ctx context.Context) {
	if s == nil || s.service == nil || s.sweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := s.service.SweepExpired(ctx)
				if err != nil {
					log.Printf("sweep expired sessions: %v", err)
					continue
				}
				if swept > 0 {
					log.Printf("swept %d expired sessions", swept)
				}
			}
		}
	}()
}

func openStore(path string) (*attestsqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "countersign.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := attestsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open attest sqlite store: %w", err)
	}
	return store, nil
}

func loadSigningKey(value string) (ed25519.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("COUNTERSIGN_SIGNING_KEY is required")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(value)
	}
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close attest store: %v", err)
		}
	}
}
