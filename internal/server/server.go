// Package server exposes the credential broker as MCP tools over stdio.
package server

import (
	"context"
	"io"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"mcprmm-go/internal/apiclient"
	"mcprmm-go/internal/lifecycle"
)

const serverName = "mcprmm"

// Server is the MCP tool boundary.
type Server struct {
	server  *mcpserver.MCPServer
	manager *lifecycle.Manager
	client  *apiclient.Client
	logger  *zap.Logger
}

// New registers every tool and the cache resource.
func New(manager *lifecycle.Manager, client *apiclient.Client, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		client:  client,
		logger:  logger.Named("mcp"),
	}

	s.server = mcpserver.NewMCPServer(
		serverName,
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithRecovery(),
		mcpserver.WithResourceRecovery(),
		mcpserver.WithToolHandlerMiddleware(s.logToolCalls),
	)

	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.server
}

// ServeStdio answers JSON-RPC on in/out until ctx is cancelled or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.server)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger.Named("stdio")))
	s.logger.Info("Serving MCP over stdio")
	return stdio.Listen(ctx, in, out)
}
