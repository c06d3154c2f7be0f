package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	mcptools "github.com/giantswarm/prompt-optimizer/internal/mcp"
	"github.com/giantswarm/prompt-optimizer/internal/server"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"
)

func newServeCmd() *cobra.Command {
	var (
		transport    string
		httpAddr     string
		httpEndpoint string

		enableOAuth     bool
		oauthBaseURL    string
		oauthProvider   string
		dexIssuerURL    string
		dexClientID     string
		dexClientSecret string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server to expose experiment, optimization and prediction
tools via the Model Context Protocol.

Supports multiple transport types:
  - stdio: Standard input/output (default, for IDE integration)
  - streamable-http: HTTP with streaming support (for remote access)

The streamable-http transport also serves the live dashboard (/dashboard,
/dashboard/stream) and Prometheus metrics (/metrics). When OAuth 2.1
authentication is enabled, the MCP endpoint and the dashboard require a
Bearer token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			mcpSrv := mcpserver.NewMCPServer("prompt-optimizer", rootCmd.Version,
				mcpserver.WithToolCapabilities(true),
			)

			if err := mcptools.RegisterTools(mcpSrv, sc); err != nil {
				return fmt.Errorf("failed to register MCP tools: %w", err)
			}

			// Set up graceful shutdown.
			shutdownCtx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sc.Start(shutdownCtx)

			switch transport {
			case transportStdio:
				return runStdioServer(mcpSrv)
			case transportStreamableHTTP:
				fmt.Printf("Starting prompt-optimizer MCP server with %s transport...\n", transport)
				if enableOAuth {
					return runOAuthHTTPServer(mcpSrv, sc, httpAddr, httpEndpoint, shutdownCtx, oauthConfig{
						baseURL:         oauthBaseURL,
						provider:        oauthProvider,
						dexIssuerURL:    dexIssuerURL,
						dexClientID:     dexClientID,
						dexClientSecret: dexClientSecret,
					})
				}
				return runHTTPServer(mcpSrv, sc, httpAddr, httpEndpoint, shutdownCtx)
			default:
				return fmt.Errorf("unsupported transport: %s (supported: stdio, streamable-http)", transport)
			}
		},
	}

	cmd.Flags().StringVar(&transport, "transport", transportStdio, "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP server address (for streamable-http)")
	cmd.Flags().StringVar(&httpEndpoint, "http-endpoint", "/mcp", "HTTP endpoint path (for streamable-http)")

	// OAuth flags.
	cmd.Flags().BoolVar(&enableOAuth, "enable-oauth", false, "Enable OAuth 2.1 authentication (for HTTP transport)")
	cmd.Flags().StringVar(&oauthBaseURL, "oauth-base-url", "", "OAuth base URL (e.g. https://prompt-optimizer.example.com)")
	cmd.Flags().StringVar(&oauthProvider, "oauth-provider", "dex", "OAuth provider: dex")
	cmd.Flags().StringVar(&dexIssuerURL, "dex-issuer-url", "", "Dex OIDC issuer URL")
	cmd.Flags().StringVar(&dexClientID, "dex-client-id", "", "Dex OAuth client ID")
	cmd.Flags().StringVar(&dexClientSecret, "dex-client-secret", "", "Dex OAuth client secret")

	return cmd
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runHTTPServer(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, addr, endpoint string, ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(endpoint, mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithEndpointPath(endpoint),
	))
	server.RegisterRoutes(mux, sc, nil)

	fmt.Printf("  HTTP endpoint: %s\n", endpoint)
	fmt.Printf("  Dashboard: /dashboard (stream: /dashboard/stream)\n")
	fmt.Printf("  Metrics: /metrics\n")
	fmt.Printf("  Health: /healthz\n")

	httpServer := server.NewHTTPServer(addr, mux)
	if err := server.ServeUntilDone(ctx, httpServer.ListenAndServe, httpServer.Shutdown); err != nil {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	fmt.Println("HTTP server stopped")
	return nil
}

type oauthConfig struct {
	baseURL         string
	provider        string
	dexIssuerURL    string
	dexClientID     string
	dexClientSecret string
}

func runOAuthHTTPServer(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, addr, endpoint string, ctx context.Context, cfg oauthConfig) error {
	// Load credentials from env vars if not set via flags.
	if cfg.dexIssuerURL == "" {
		cfg.dexIssuerURL = os.Getenv("DEX_ISSUER_URL")
	}
	if cfg.dexClientID == "" {
		cfg.dexClientID = os.Getenv("DEX_CLIENT_ID")
	}
	if cfg.dexClientSecret == "" {
		cfg.dexClientSecret = os.Getenv("DEX_CLIENT_SECRET")
	}

	if cfg.baseURL == "" {
		return fmt.Errorf("--oauth-base-url is required when --enable-oauth is set")
	}
	if cfg.dexIssuerURL == "" {
		return fmt.Errorf("dex issuer URL is required (--dex-issuer-url or DEX_ISSUER_URL)")
	}
	if cfg.dexClientID == "" {
		return fmt.Errorf("dex client ID is required (--dex-client-id or DEX_CLIENT_ID)")
	}
	if cfg.dexClientSecret == "" {
		return fmt.Errorf("dex client secret is required (--dex-client-secret or DEX_CLIENT_SECRET)")
	}

	oauthSrv, err := server.NewOAuthHTTPServer(mcpSrv, endpoint, server.OAuthConfig{
		BaseURL:         cfg.baseURL,
		Provider:        cfg.provider,
		DexIssuerURL:    cfg.dexIssuerURL,
		DexClientID:     cfg.dexClientID,
		DexClientSecret: cfg.dexClientSecret,
	}, sc)
	if err != nil {
		return fmt.Errorf("failed to create OAuth HTTP server: %w", err)
	}

	fmt.Printf("OAuth-enabled HTTP server starting on %s\n", addr)
	fmt.Printf("  Base URL: %s\n", cfg.baseURL)
	fmt.Printf("  Provider: %s\n", cfg.provider)
	fmt.Printf("  MCP endpoint: %s (requires OAuth Bearer token)\n", endpoint)
	fmt.Printf("  Dashboard: /dashboard (requires OAuth Bearer token)\n")
	fmt.Printf("  Metrics: /metrics\n")
	fmt.Printf("  Health: /healthz\n")
	fmt.Printf("  OAuth endpoints:\n")
	fmt.Printf("    - Authorization Server Metadata: /.well-known/oauth-authorization-server\n")
	fmt.Printf("    - Protected Resource Metadata: /.well-known/oauth-protected-resource\n")
	fmt.Printf("    - Client Registration: /oauth/register\n")
	fmt.Printf("    - Authorization: /oauth/authorize\n")
	fmt.Printf("    - Token: /oauth/token\n")
	fmt.Printf("    - Callback: /oauth/callback\n")

	start := func() error { return oauthSrv.Start(addr) }
	if err := server.ServeUntilDone(ctx, start, oauthSrv.Shutdown); err != nil {
		return fmt.Errorf("OAuth HTTP server error: %w", err)
	}
	fmt.Println("OAuth HTTP server stopped")
	return nil
}
