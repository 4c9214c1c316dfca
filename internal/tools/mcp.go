package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// MCPClient is an Invoker backed by a Model Context Protocol server session.
type MCPClient struct {
	log     zerolog.Logger
	timeout time.Duration
	session *mcp.ClientSession
}

var _ Invoker = (*MCPClient)(nil)

// StartMCP launches command and connects to it over stdio.
func StartMCP(ctx context.Context, log zerolog.Logger, command string, args ...string) (*MCPClient, error) {
	c, err := ConnectMCP(ctx, log, &mcp.CommandTransport{Command: exec.Command(command, args...)})
	if err != nil {
		return nil, fmt.Errorf("failed to start MCP server %s: %w", command, err)
	}
	return c, nil
}

// ConnectMCP performs the initialize handshake over transport.
func ConnectMCP(ctx context.Context, log zerolog.Logger, transport mcp.Transport) (*MCPClient, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "tactus", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("MCP initialize failed: %w", err)
	}
	c := &MCPClient{
		log:     log.With().Str("component", "mcp").Logger(),
		timeout: 30 * time.Second,
		session: session,
	}
	if res := session.InitializeResult(); res != nil && res.ServerInfo != nil {
		c.log.Debug().Str("server", res.ServerInfo.Name).Str("protocol", res.ProtocolVersion).Msg("MCP session ready")
	}
	return c, nil
}

func (c *MCPClient) Tools(ctx context.Context) ([]Spec, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []Spec
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("MCP tools/list failed: %w", err)
		}
		var schema map[string]any
		if tool.InputSchema != nil {
			if err := remarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s has an invalid input schema: %w", tool.Name, err)
			}
		}
		out = append(out, Spec{Name: tool.Name, Description: tool.Description, Schema: schema})
	}
	return out, nil
}

// Invoke calls a tool. Structured content is returned as is, otherwise the
// text blocks are joined.
func (c *MCPClient) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("MCP tool %s timed out", name)
		}
		return nil, err
	}

	var parts []string
	for _, block := range res.Content {
		if text, ok := block.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return nil, errors.New(text)
	}
	if res.StructuredContent != nil {
		var structured any
		if err := remarshal(res.StructuredContent, &structured); err != nil {
			return nil, fmt.Errorf("failed to decode structured content from %s: %w", name, err)
		}
		return structured, nil
	}
	return text, nil
}

// Close ends the session and, for command transports, waits for the server.
func (c *MCPClient) Close() error {
	return c.session.Close()
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
