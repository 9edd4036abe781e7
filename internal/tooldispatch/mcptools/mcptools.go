// Package mcptools imports tools from Model Context Protocol servers into a
// [tooldispatch.Registry], so remote agents can invoke external MCP tools
// through the same dispatch path as in-process capabilities.
//
// Supported transports are stdio (subprocess over stdin/stdout) and
// streamable HTTP.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobwen/voxloop/internal/tooldispatch"
	"github.com/tobwen/voxloop/internal/wire"
)

// Transport identifies the connection mechanism to an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and speaks MCP over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP speaks MCP over a streamable HTTP endpoint.
	TransportStreamableHTTP Transport = "http"
)

// IsValid reports whether t names a supported transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server to import tools from.
type ServerConfig struct {
	// Name uniquely identifies the server within a Connector.
	Name string

	// Transport selects stdio or http.
	Transport Transport

	// Command is the subprocess command line for stdio transport,
	// e.g. "/usr/local/bin/mcp-weather --lang de".
	Command string

	// URL is the endpoint for http transport.
	URL string

	// Env holds extra environment variables for stdio subprocesses.
	Env map[string]string
}

// Connector manages live MCP server sessions and registers their tools as
// capabilities. Safe for concurrent use.
type Connector struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewConnector returns a Connector with no server sessions.
func NewConnector() *Connector {
	return &Connector{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxloop", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// RegisterServer connects to the server described by cfg, discovers its
// tools and registers each one in reg. Re-registering an existing server
// name replaces the old session.
func (c *Connector) RegisterServer(ctx context.Context, cfg ServerConfig, reg *tooldispatch.Registry) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcptools: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcptools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcptools: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcptools: http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcptools: failed to connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcptools: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	c.mu.Lock()
	if old, ok := c.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	c.sessions[cfg.Name] = session
	c.mu.Unlock()

	for _, tool := range discovered {
		if err := reg.Register(capabilityFor(session, tool)); err != nil {
			return fmt.Errorf("mcptools: server %q: %w", cfg.Name, err)
		}
	}
	return nil
}

// Close shuts down all server sessions. The first error encountered is
// returned after all sessions have been closed.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcptools: error closing server %q: %w", name, err)
		}
		delete(c.sessions, name)
	}
	return firstErr
}

// capabilityFor wraps a discovered MCP tool as a dispatchable capability.
// Application-level tool errors become handler errors so they are reported
// back to the agent as failed results.
func capabilityFor(session *mcpsdk.ClientSession, tool mcpsdk.Tool) tooldispatch.Capability {
	return tooldispatch.Capability{
		Schema: wire.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      tool.Name,
				Arguments: args,
			})
			if err != nil {
				return "", fmt.Errorf("mcptools: call to tool %q failed: %w", tool.Name, err)
			}

			var sb strings.Builder
			for _, content := range result.Content {
				if tc, ok := content.(*mcpsdk.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if result.IsError {
				return "", fmt.Errorf("mcptools: tool %q reported: %s", tool.Name, sb.String())
			}
			return sb.String(), nil
		},
	}
}

// schemaToMap converts a tool input schema to a plain map via a JSON
// round-trip.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
