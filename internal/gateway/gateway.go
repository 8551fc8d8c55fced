// ABOUTME: Gateway orchestrator that wires the store, model client, tools and turn service
// ABOUTME: Owns the HTTP server lifecycle on plain TCP or a Tailscale tsnet node

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/qna-gateway/internal/config"
	"github.com/2389/qna-gateway/internal/conversation"
	"github.com/2389/qna-gateway/internal/dedupe"
	"github.com/2389/qna-gateway/internal/knowledge"
	"github.com/2389/qna-gateway/internal/llm"
	"github.com/2389/qna-gateway/internal/store"
	"github.com/2389/qna-gateway/internal/tools"
)

// TurnRunner runs one question-answering turn on a conversation.
type TurnRunner interface {
	SubmitUserMessage(ctx context.Context, conversationID, text string) (*conversation.TurnResult, error)
}

// ModelChecker reports whether the model provider is reachable.
type ModelChecker interface {
	Check(ctx context.Context) error
}

// Components are the collaborators the HTTP surface is built on.
type Components struct {
	Store     store.Store
	Turns     TurnRunner
	Events    *conversation.EventBroadcaster
	Knowledge *knowledge.Base
	Model     ModelChecker     // nil disables the llm readiness check
	Usage     store.UsageStore // nil disables the usage endpoint
}

// Gateway serves the question-answering HTTP API.
type Gateway struct {
	config      *config.Config
	store       store.Store
	turns       TurnRunner
	events      *conversation.EventBroadcaster
	knowledge   *knowledge.Base
	model       ModelChecker
	usage       store.UsageStore
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// idempotency replays responses for repeated Idempotency-Key headers
	idempotency *dedupe.Cache[*SubmitMessageResponse]
}

// initStore creates the SQLite store from config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Path, cfg.Database.Driver)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// BuildComponents creates the production collaborators described by cfg.
func BuildComponents(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	kb := knowledge.New(cfg.Knowledge.Dir, knowledge.Options{
		MaxResults:   cfg.Knowledge.MaxResults,
		SnippetChars: cfg.Knowledge.SnippetChars,
	}, logger)

	retries := llm.DefaultMaxRetries
	if cfg.LLM.MaxRetries != nil {
		retries = *cfg.LLM.MaxRetries
	}
	client := llm.NewClient(llm.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		RequestTimeout:    cfg.LLM.RequestTimeout,
		MaxRetries:        retries,
		RetryBackoff:      cfg.LLM.RetryBackoff,
		MaxBackoff:        cfg.LLM.MaxBackoff,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
	}, logger)
	if cfg.LLM.APIKey == "" {
		logger.Warn("llm.api_key is empty; provider calls will likely be rejected")
	}

	registry := tools.NewRegistry(kb, cfg.Knowledge.MaxResults, cfg.Agent.ToolTimeout, logger)
	events := conversation.NewEventBroadcaster(cfg.Events.SubscriberBuffer, logger)
	svc := conversation.New(s, client, registry, events, conversation.Options{
		SystemPrompt:       cfg.Agent.SystemPrompt,
		MaxIterations:      cfg.Agent.MaxIterations,
		TurnTimeout:        cfg.Agent.TurnTimeout,
		MaxConcurrentTurns: cfg.Agent.MaxConcurrentTurns,
	}, logger)
	svc.SetUsageRecorder(s, client.Model())

	components := &Components{
		Store:     s,
		Turns:     svc,
		Events:    events,
		Knowledge: kb,
		Usage:     s,
	}
	if cfg.LLM.CheckOnReady {
		components.Model = client
	}
	return components, nil
}

// New creates a Gateway with production components built from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	components, err := BuildComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithComponents(cfg, components, logger)
}

// NewWithComponents creates a Gateway around existing collaborators.
func NewWithComponents(cfg *config.Config, c *Components, logger *slog.Logger) (*Gateway, error) {
	if c == nil || c.Store == nil || c.Turns == nil || c.Events == nil || c.Knowledge == nil {
		return nil, errors.New("gateway requires a store, turn runner, event broadcaster and knowledge base")
	}

	gw := &Gateway{
		config:      cfg,
		store:       c.Store,
		turns:       c.Turns,
		events:      c.Events,
		knowledge:   c.Knowledge,
		model:       c.Model,
		usage:       c.Usage,
		logger:      logger.With("component", "gateway"),
		idempotency: dedupe.New[*SubmitMessageResponse](cfg.Server.IdempotencyTTL, cfg.Server.IdempotencyMaxKeys),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP routes served by the gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ready", g.handleReady)

	mux.HandleFunc("POST /chats", g.handleCreateChat)
	mux.HandleFunc("GET /chats", g.handleListChats)
	mux.HandleFunc("GET /chats/{id}", g.handleGetChat)
	mux.HandleFunc("DELETE /chats/{id}", g.handleDeleteChat)
	mux.HandleFunc("GET /chats/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /chats/{id}/messages", g.handleSubmitMessage)
	mux.HandleFunc("GET /chats/{id}/events", g.handleEvents)
	if g.usage != nil {
		mux.HandleFunc("GET /chats/{id}/usage", g.handleUsage)
	}

	mux.HandleFunc("GET /knowledge", g.handleKnowledge)

	return mux
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.closeComponents()
		return err
	}

	errCh := g.startServer(ln)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "qna-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the configured auth key or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv("TS_AUTHKEY")
}

// setupTailscaleListener joins the tailnet and listens on the node.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state directory: %w", err)
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   resolveTailscaleAuthKey(tsCfg.AuthKey),
		UserLogf: func(format string, args ...any) {
			g.logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases the event broadcaster, idempotency cache and store.
func (g *Gateway) closeComponents() error {
	g.events.Close()
	g.idempotency.Close()
	return g.store.Close()
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Ends open SSE streams so HTTP shutdown is not held up by them
	g.events.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.closeComponents())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
