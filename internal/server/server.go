// Package server exposes the CTE lens and the dbt project API as an MCP
// server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/dbtlens/internal/config"
	"github.com/dejo1307/dbtlens/internal/dbt"
	"github.com/dejo1307/dbtlens/internal/engine"
	"github.com/dejo1307/dbtlens/internal/history"
	"github.com/dejo1307/dbtlens/internal/logger"
	"github.com/dejo1307/dbtlens/internal/metrics"
)

// Version is set by the linker at build time.
var Version = "dev"

// Server wraps the MCP server and connects it to the snapshot engine, the
// known dbt projects and the session query history.
type Server struct {
	mcp      *mcp.Server
	eng      *engine.Engine
	projects *dbt.Container
	history  *history.Buffer
	cfg      *config.Config
}

// New creates the MCP server and registers its resources and tools.
func New(eng *engine.Engine, projects *dbt.Container, hist *history.Buffer, cfg *config.Config) *Server {
	s := &Server{
		eng:      eng,
		projects: projects,
		history:  hist,
		cfg:      cfg,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "dbtlens",
		Version: Version,
	}, nil)

	s.registerResources()
	s.registerCTETools()
	s.registerDBTTools()
	return s
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run serves on the configured transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.MCP.Transport {
	case config.TransportHTTP:
		return s.RunHTTP(ctx)
	default:
		logger.Info("[server] starting MCP server on stdio transport")
		return s.mcp.Run(ctx, &mcp.StdioTransport{})
	}
}

// Handler returns the HTTP handler: streamable MCP on /mcp and prometheus
// metrics on /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcp },
		nil,
	))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// RunHTTP serves Handler on the configured address, over TLS when a
// certificate and key are configured.
func (s *Server) RunHTTP(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.MCP.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("[server] shutdown: %v", err)
		}
	}()

	var err error
	if s.cfg.MCP.TLSCert != "" {
		logger.Info("[server] starting MCP server on https://%s/mcp", s.cfg.MCP.Addr)
		err = httpServer.ListenAndServeTLS(s.cfg.MCP.TLSCert, s.cfg.MCP.TLSKey)
	} else {
		logger.Info("[server] starting MCP server on http://%s/mcp", s.cfg.MCP.Addr)
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
