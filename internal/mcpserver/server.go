// Package mcpserver exposes the projected catalog to MCP clients as a small
// set of read-only tools.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/pokefs/internal/graph"
)

const (
	serverName = "pokefs"
	// Version is reported to clients during initialization.
	Version = "0.1.0"
)

// NodeInfo is the JSON shape of a node in tool results.
type NodeInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Path     string `json:"path"`
	URL      string `json:"url,omitempty"`
	ModTime  string `json:"mod_time,omitempty"`
}

// Server binds a graph to an MCP server.
type Server struct {
	g      graph.Graph
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New registers the tools over g.
func New(g graph.Graph, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		g:      g,
		mcp:    server.NewMCPServer(serverName, Version, server.WithToolCapabilities(false)),
		logger: logger.With("component", "mcp"),
	}

	s.mcp.AddTool(mcp.NewTool("resolve",
		mcp.WithDescription("Resolve a node by path (\"/Pokémon/pikachu.txt\") or identifier (\"item_25\")."),
		mcp.WithString("target", mcp.Required(), mcp.Description("Host path or node identifier")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleResolve)

	s.mcp.AddTool(mcp.NewTool("list_children",
		mcp.WithDescription("List the children of a container. Defaults to the root."),
		mcp.WithString("target", mcp.Description("Host path or container identifier")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListChildren)

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Return the text content of a catalog entry file."),
		mcp.WithString("target", mcp.Required(), mcp.Description("Host path or leaf identifier")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleReadFile)

	s.mcp.AddTool(mcp.NewTool("working_set",
		mcp.WithDescription("List every node currently known: root, collection, then each entry."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleWorkingSet)

	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio speaks MCP over in/out until ctx ends or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("serving mcp on stdio")
	return stdio.Listen(ctx, in, out)
}

func (s *Server) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.lookup(ctx, target)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultJSON(describe(n))
}

func (s *Server) handleListChildren(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := s.lookup(ctx, req.GetString("target", graph.RootID))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	children, err := s.g.ListChildren(ctx, n.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", n.ID, err)), nil
	}
	return mcp.NewToolResultJSON(describeAll(children))
}

func (s *Server) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.lookup(ctx, target)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := s.g.MaterializeContent(n)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", n.ID, err)), nil
	}
	return mcp.NewToolResultText(string(content)), nil
}

func (s *Server) handleWorkingSet(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodes, err := s.g.ListAllKnownNodes(ctx)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultJSON(describeAll(nodes))
}

func (s *Server) lookup(ctx context.Context, target string) (*graph.Node, error) {
	n, err := graph.Lookup(ctx, s.g, target)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, fmt.Errorf("%q: %w", target, err)
	}
	return n, err
}

func describe(n *graph.Node) NodeInfo {
	info := NodeInfo{
		ID:       n.ID,
		Kind:     n.Kind.String(),
		Name:     n.Name,
		ParentID: n.ParentID,
		Path:     n.Path(),
	}
	if n.Kind == graph.KindLeaf {
		info.URL = n.Entry.URL
	}
	if !n.ModTime.IsZero() {
		info.ModTime = n.ModTime.UTC().Format("2006-01-02T15:04:05Z")
	}
	return info
}

func describeAll(nodes []*graph.Node) []NodeInfo {
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, describe(n))
	}
	return out
}
