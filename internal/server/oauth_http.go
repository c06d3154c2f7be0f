package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	oauth "github.com/giantswarm/mcp-oauth"
	"github.com/giantswarm/mcp-oauth/providers"
	"github.com/giantswarm/mcp-oauth/providers/dex"
	oauthserver "github.com/giantswarm/mcp-oauth/server"
	"github.com/giantswarm/mcp-oauth/storage/memory"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// OAuthProviderDex is the Dex OIDC provider.
const OAuthProviderDex = "dex"

// OAuthConfig holds configuration for the OAuth-enabled HTTP server.
type OAuthConfig struct {
	// BaseURL is the server's public base URL (e.g. https://prompt-optimizer.example.com).
	BaseURL string

	// Provider is the OAuth provider name.
	// Currently only "dex" is supported. This field is reserved for future
	// provider implementations (e.g. "okta", "auth0") and is recorded in
	// server metadata for operational visibility.
	Provider string

	// DexIssuerURL is the Dex OIDC issuer URL.
	DexIssuerURL string

	// DexClientID is the Dex OAuth client ID.
	DexClientID string

	// DexClientSecret is the Dex OAuth client secret.
	DexClientSecret string
}

// OAuthHTTPServer wraps an MCP server with OAuth 2.1 authentication.
type OAuthHTTPServer struct {
	mcpServer    *mcpserver.MCPServer
	oauthServer  *oauth.Server
	oauthHandler *oauth.Handler
	httpServer   *http.Server
	mcpEndpoint  string
	sc           *ServerContext
}

// NewOAuthHTTPServer creates a new OAuth-enabled HTTP server for MCP. When sc
// is set, the dashboard endpoints are served behind the same token validation.
func NewOAuthHTTPServer(mcpSrv *mcpserver.MCPServer, mcpEndpoint string, cfg OAuthConfig, sc *ServerContext) (*OAuthHTTPServer, error) {
	if cfg.Provider != "" && cfg.Provider != OAuthProviderDex {
		return nil, fmt.Errorf("unsupported OAuth provider %q (supported: %s)", cfg.Provider, OAuthProviderDex)
	}

	if err := validateHTTPSRequirement(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("OAuth base URL validation failed: %w", err)
	}

	// Create Dex provider.
	callbackURL := cfg.BaseURL + "/oauth/callback"
	dexProvider, err := dex.NewProvider(&dex.Config{
		IssuerURL:    cfg.DexIssuerURL,
		ClientID:     cfg.DexClientID,
		ClientSecret: cfg.DexClientSecret,
		RedirectURL:  callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Dex provider: %w", err)
	}
	return newOAuthHTTPServer(mcpSrv, mcpEndpoint, cfg.BaseURL, dexProvider, sc)
}

func newOAuthHTTPServer(mcpSrv *mcpserver.MCPServer, mcpEndpoint, issuer string, provider providers.Provider, sc *ServerContext) (*OAuthHTTPServer, error) {
	// Create in-memory storage (sufficient for single-instance deployment).
	store := memory.New()

	logger := slog.Default()

	// Create OAuth server.
	oauthSrv, err := oauth.NewServer(
		provider,
		store,
		store,
		store,
		&oauthserver.Config{
			Issuer:                    issuer,
			AllowRefreshTokenRotation: true,
			MaxClientsPerIP:           10,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth server: %w", err)
	}

	oauthHandler := oauth.NewHandler(oauthSrv, logger)

	return &OAuthHTTPServer{
		mcpServer:    mcpSrv,
		oauthServer:  oauthSrv,
		oauthHandler: oauthHandler,
		mcpEndpoint:  mcpEndpoint,
		sc:           sc,
	}, nil
}

// Handler returns the routes of the server: the OAuth 2.1 endpoints, the MCP
// endpoint and the dashboard behind token validation, and the open /metrics
// and /healthz endpoints.
func (s *OAuthHTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	s.oauthHandler.RegisterAuthorizationServerMetadataRoutes(mux)
	s.oauthHandler.RegisterProtectedResourceMetadataRoutes(mux, s.mcpEndpoint)
	mux.HandleFunc("/oauth/authorize", s.oauthHandler.ServeAuthorization)
	mux.HandleFunc("/oauth/token", s.oauthHandler.ServeToken)
	mux.HandleFunc("/oauth/callback", s.oauthHandler.ServeCallback)
	mux.HandleFunc("/oauth/register", s.oauthHandler.ServeClientRegistration)
	mux.HandleFunc("/oauth/revoke", s.oauthHandler.ServeTokenRevocation)
	mux.HandleFunc("/oauth/introspect", s.oauthHandler.ServeTokenIntrospection)

	mcpHandler := mcpserver.NewStreamableHTTPServer(s.mcpServer,
		mcpserver.WithEndpointPath(s.mcpEndpoint),
	)
	mux.Handle(s.mcpEndpoint, s.oauthHandler.ValidateToken(mcpHandler))

	if s.sc != nil {
		RegisterRoutes(mux, s.sc, s.oauthHandler.ValidateToken)
	} else {
		mux.HandleFunc("/healthz", healthz)
	}
	return mux
}

// Start serves Handler on addr until Shutdown is called.
func (s *OAuthHTTPServer) Start(addr string) error {
	s.httpServer = NewHTTPServer(addr, s.Handler())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *OAuthHTTPServer) Shutdown(ctx context.Context) error {
	if s.oauthServer != nil {
		if err := s.oauthServer.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OAuth server", "error", err)
		}
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// validateHTTPSRequirement ensures OAuth 2.1 HTTPS compliance.
// Allows HTTP only for loopback addresses (localhost, 127.0.0.1, ::1).
func validateHTTPSRequirement(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	if u.Scheme == "http" {
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("OAuth 2.1 requires HTTPS for production (got: %s). Use HTTPS or localhost for development", baseURL)
		}
	} else if u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s (must be http for localhost or https)", u.Scheme)
	}

	return nil
}
