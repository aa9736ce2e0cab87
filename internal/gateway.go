package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/config"
	"github.com/dgellow/yt-mcp-gateway/internal/crypto"
	"github.com/dgellow/yt-mcp-gateway/internal/idp"
	jsonwriter "github.com/dgellow/yt-mcp-gateway/internal/json"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/oauth"
	"github.com/dgellow/yt-mcp-gateway/internal/server"
	"github.com/dgellow/yt-mcp-gateway/internal/session"
	"github.com/dgellow/yt-mcp-gateway/internal/storage"
	"github.com/dgellow/yt-mcp-gateway/internal/telemetry"
	"github.com/dgellow/yt-mcp-gateway/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/api/option"
)

const shutdownTimeout = 30 * time.Second

// Gateway is the complete application: the authorization server, the tool
// transports and their background workers.
type Gateway struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	storage    storage.Storage
	agents     *session.Registry
	mcp        *server.MCPHandler
	cleanup    *storage.CleanupManager
	limiter    *server.RateLimiter
	telemetry  *telemetry.Provider
}

type options struct {
	version       string
	upstream      idp.Provider
	store         storage.Storage
	clientOptions []option.ClientOption
}

// Option customises NewGateway.
type Option func(*options)

// WithVersion sets the version reported by /health and the MCP server.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithIdentityProvider replaces the Google provider built from config.
func WithIdentityProvider(p idp.Provider) Option {
	return func(o *options) { o.upstream = p }
}

// WithStorage replaces the storage selected by config.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithGoogleAPIOptions is passed to every YouTube client the tools build.
func WithGoogleAPIOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.clientOptions = append(o.clientOptions, opts...) }
}

// NewGateway creates the application with all dependencies built
func NewGateway(ctx context.Context, cfg config.Config, opts ...Option) (*Gateway, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	gw := cfg.Gateway
	if gw.Auth == nil {
		return nil, fmt.Errorf("gateway.auth is required")
	}
	log.LogInfoWithFields("gateway", "Building gateway", map[string]any{
		"baseURL": gw.BaseURL,
		"storage": string(gw.Auth.Storage),
	})

	baseURL, err := url.Parse(gw.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	tel, err := telemetry.Setup(ctx, gw.Name, o.version, gw.MetricsEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	metrics := telemetry.NewMetrics(tel.Meter())

	store := o.store
	if store == nil {
		store, err = setupStorage(ctx, gw.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to setup storage: %w", err)
		}
	}

	oauthProvider, err := oauth.NewOAuthProvider(*gw.Auth, store, []byte(gw.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth provider: %w", err)
	}

	upstream := o.upstream
	if upstream == nil {
		upstream = idp.NewGoogleProvider(
			gw.Auth.GoogleClientID,
			string(gw.Auth.GoogleClientSecret),
			gw.Auth.GoogleRedirectURI,
			gw.Auth.Scopes,
		)
	}

	machine := oauth.NewMachine(oauth.MachineConfig{
		Issuer:         gw.Auth.Issuer,
		TokenTTL:       gw.Auth.TokenTTL,
		FlowTTL:        gw.Auth.FlowTTL,
		AllowedDomains: gw.Auth.AllowedDomains,
		SigningKey:     []byte(gw.Auth.EncryptionKey),
	}, oauthProvider, store, upstream, oauth.WithMetrics(metrics))

	toolRegistry := tools.NewRegistry(
		tools.WithToolFilter(cfg.Tools.ToolFilter),
		tools.WithMetrics(metrics),
		tools.WithClientOptions(o.clientOptions...),
	)

	sessionOpts := []session.Option{session.WithMetrics(metrics)}
	if s := gw.Sessions; s != nil {
		sessionOpts = append(sessionOpts,
			session.WithTimeout(s.Timeout),
			session.WithCleanupInterval(s.CleanupInterval),
			session.WithMaxPerUser(s.MaxPerUser),
		)
	}
	agents := session.NewRegistry(toolRegistry.Bind, sessionOpts...)

	info := mcp.Implementation{Name: gw.Name, Version: o.version}
	mcpHandler := server.NewMCPHandler(info, baseURL.String(), agents)

	authHandlers := server.NewAuthHandlers(oauthProvider, machine, store, gw.Auth.Issuer, baseURL.String())

	var limiter *server.RateLimiter
	if rl := gw.RateLimit; rl != nil && rl.RequestsPerSecond > 0 {
		limiter = server.NewRateLimiter(rl.RequestsPerSecond, rl.Burst, 0)
	}

	handler := buildHTTPHandler(cfg, routes{
		auth:       authHandlers,
		mcp:        mcpHandler,
		authorized: server.NewAuthMiddleware(oauthProvider, store, agents, baseURL.String()),
		limiter:    limiter,
		metrics:    metrics,
		telemetry:  tel,
		version:    o.version,
	})

	return &Gateway{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, gw.Addr),
		storage:    store,
		agents:     agents,
		mcp:        mcpHandler,
		cleanup:    storage.NewCleanupManager(store, cleanupInterval(gw.Sessions)),
		limiter:    limiter,
		telemetry:  tel,
	}, nil
}

// Handler is the gateway's complete HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
func (g *Gateway) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return g.serve(ctx, g.httpServer.Start)
}

func (g *Gateway) serve(ctx context.Context, start func() error) error {
	log.LogInfoWithFields("gateway", "Starting gateway", map[string]any{
		"addr": g.config.Gateway.Addr,
	})

	g.cleanup.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	var shutdownReason string
	var runErr error
	select {
	case <-ctx.Done():
		shutdownReason = "signal"
		log.LogInfoWithFields("gateway", "Received shutdown signal", nil)
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		runErr = err
		log.LogErrorWithFields("gateway", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("gateway", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": shutdownTimeout.String(),
	})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := g.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	log.LogInfoWithFields("gateway", "Gateway shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return runErr
}

// Shutdown stops the HTTP server, closes open MCP streams and stops every
// background worker.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(component string, err error) {
		if err == nil {
			return
		}
		log.LogErrorWithFields("gateway", "Shutdown error", map[string]any{
			"component": component,
			"error":     err.Error(),
		})
		if firstErr == nil {
			firstErr = err
		}
	}

	keep("http", g.httpServer.Stop(ctx))
	keep("mcp", g.mcp.Shutdown(ctx))
	g.agents.Shutdown()
	g.cleanup.Stop()
	if g.limiter != nil {
		g.limiter.Stop()
	}
	keep("telemetry", g.telemetry.Shutdown(ctx))
	if closer, ok := g.storage.(io.Closer); ok {
		keep("storage", closer.Close())
	}
	return firstErr
}

func cleanupInterval(s *config.SessionConfig) time.Duration {
	if s == nil || s.CleanupInterval <= 0 {
		return config.DefaultCleanupInterval
	}
	return s.CleanupInterval
}

// setupStorage creates the credential store selected in config
func setupStorage(ctx context.Context, auth *config.AuthConfig) (storage.Storage, error) {
	if auth.Storage == config.StorageFirestore {
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":    auth.GCPProject,
			"database":   auth.FirestoreDatabase,
			"collection": auth.FirestoreCollection,
		})
		encryptor, err := crypto.NewEncryptor([]byte(auth.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		store, err := storage.NewFirestoreStorage(
			ctx,
			auth.GCPProject,
			auth.FirestoreDatabase,
			auth.FirestoreCollection,
			encryptor,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore storage: %w", err)
		}
		return store, nil
	}

	log.LogInfoWithFields("storage", "Using in-memory storage", nil)
	return storage.NewMemoryStorage(), nil
}

type routes struct {
	auth       *server.AuthHandlers
	mcp        *server.MCPHandler
	authorized server.MiddlewareFunc
	limiter    *server.RateLimiter
	metrics    *telemetry.Metrics
	telemetry  *telemetry.Provider
	version    string
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(cfg config.Config, r routes) http.Handler {
	gw := cfg.Gateway
	mux := http.NewServeMux()

	corsMiddleware := server.NewCORSMiddleware(gw.AllowedOrigins)
	oauthMiddleware := []server.MiddlewareFunc{
		corsMiddleware,
		server.NewLoggerMiddleware("oauth"),
		server.NewRecoverMiddleware("oauth"),
	}
	// Middlewares wrap inside out: the limiter runs before the handler but
	// after CORS preflights are answered.
	limitedMiddleware := oauthMiddleware
	if r.limiter != nil {
		trustProxy := gw.RateLimit != nil && gw.RateLimit.TrustProxy
		limitedMiddleware = append([]server.MiddlewareFunc{
			server.NewRateLimitMiddleware(r.limiter, trustProxy, r.metrics),
		}, oauthMiddleware...)
	}
	mcpMiddleware := []server.MiddlewareFunc{
		r.authorized,
		corsMiddleware,
		server.NewLoggerMiddleware("mcp"),
		server.NewRecoverMiddleware("mcp"),
	}

	oauthRoute := func(h http.HandlerFunc) http.Handler {
		return server.ChainMiddleware(h, oauthMiddleware...)
	}
	limitedRoute := func(h http.HandlerFunc) http.Handler {
		return server.ChainMiddleware(h, limitedMiddleware...)
	}

	mux.Handle("/health", server.NewHealthHandler(gw.Name, r.version))

	mux.Handle("/.well-known/oauth-authorization-server", oauthRoute(r.auth.WellKnownHandler))
	mux.Handle("/.well-known/oauth-protected-resource", oauthRoute(r.auth.ProtectedResourceMetadataHandler))
	mux.Handle("/authorize", limitedRoute(r.auth.AuthorizeHandler))
	mux.Handle("/oauth/callback", oauthRoute(r.auth.CallbackHandler))
	mux.Handle("/token", limitedRoute(r.auth.TokenHandler))
	mux.Handle("/register", limitedRoute(r.auth.RegisterHandler))
	mux.Handle("/clients/{client_id}", oauthRoute(r.auth.ClientMetadataHandler))

	mcpHandler := server.ChainMiddleware(r.mcp, mcpMiddleware...)
	mux.Handle("/sse", mcpHandler)
	mux.Handle("/sse/message", mcpHandler)
	mux.Handle("/mcp", mcpHandler)

	if h := r.telemetry.Handler(); h != nil {
		mux.Handle("/metrics", h)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		jsonwriter.WriteNotFound(w, "Not found")
	})

	log.LogInfoWithFields("gateway", "Routes registered", map[string]any{
		"metrics":   r.telemetry.Handler() != nil,
		"rateLimit": r.limiter != nil,
	})

	return otelhttp.NewHandler(mux, "gateway",
		otelhttp.WithMeterProvider(r.telemetry.MeterProvider()),
	)
}
