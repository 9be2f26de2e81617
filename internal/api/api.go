// Package api exposes FlowPilot's HTTP surface: the provider webhook
// endpoint, flow management, an internal queue-replay endpoint, and a
// health check.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/models"
)

// maxWebhookBodyBytes bounds webhook POST bodies; provider envelopes are
// small and an unbounded read is a trivial memory DoS.
const maxWebhookBodyBytes = 1 << 20

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	WebhookSecret  string
	VerifyToken    string
	InternalAPIKey string
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWebhookSecret sets the HMAC secret for webhook signature validation.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) { o.WebhookSecret = secret }
}

// WithVerifyToken sets the token echoed during webhook subscription
// verification.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithInternalAPIKey sets the shared secret guarding internal endpoints.
func WithInternalAPIKey(key string) Option {
	return func(o *Opts) { o.InternalAPIKey = key }
}

// FlowStore is the slice of the store the API needs for flow management.
type FlowStore interface {
	SaveFlow(flow models.Flow) error
	GetFlow(id string) (*models.Flow, error)
}

// WebhookIngestor accepts webhook envelopes for processing.
type WebhookIngestor interface {
	Handle(ctx context.Context, payload *models.WebhookPayload) error
}

// EntryProcessor replays a single deferred entry on demand.
type EntryProcessor interface {
	ProcessEntry(ctx context.Context, id string) error
}

// Server wires the HTTP endpoints to the store, ingestor, and queue
// processor.
type Server struct {
	store     FlowStore
	ingestor  WebhookIngestor
	processor EntryProcessor

	addr           string
	webhookSecret  string
	verifyToken    string
	internalAPIKey string
}

// NewServer creates the API server over its collaborators.
func NewServer(st FlowStore, ingestor WebhookIngestor, processor EntryProcessor, opts ...Option) *Server {
	cfg := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		store:          st,
		ingestor:       ingestor,
		processor:      processor,
		addr:           cfg.Addr,
		webhookSecret:  cfg.WebhookSecret,
		verifyToken:    cfg.VerifyToken,
		internalAPIKey: cfg.InternalAPIKey,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/flows/", s.flowsHandler)
	mux.HandleFunc("/internal/process-entry", s.processEntryHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
