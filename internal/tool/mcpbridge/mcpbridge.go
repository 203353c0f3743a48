// Package mcpbridge adapts Model Context Protocol servers into
// tool.Spec entries, so an MCP server's tool inventory is exposed to
// agents through the same ToolRegistry/Invoke contract as any other tool
// (spec.md §1 names MCP bridges as an external tool-implementation
// collaborator; this package is the bridge that turns one into
// registry entries).
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/tool"
)

// Bridge holds a connected MCP client session and exposes its tools as
// tool.Spec values.
type Bridge struct {
	session *mcp.ClientSession
	prefix  string
}

// Connect establishes an MCP client session over transport (stdio, SSE,
// or any other mcp.Transport implementation) identifying this daemon as
// "tenexd". prefix namespaces the bridged tool names (e.g. "fs" turns
// the server's "read_file" into "fs.read_file") so multiple MCP servers
// never collide in one ToolRegistry.
func Connect(ctx context.Context, transport mcp.Transport, prefix string) (*Bridge, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "tenexd", Version: "1"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, &errs.TransportError{Op: "mcp connect", Err: err}
	}
	return &Bridge{session: session, prefix: prefix}, nil
}

// Specs lists the server's tools and returns one tool.Spec per tool,
// each delegating Execute to an MCP tools/call request.
func (b *Bridge) Specs(ctx context.Context) ([]tool.Spec, error) {
	var specs []tool.Spec

	var cursor string
	for {
		page, err := b.session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, &errs.TransportError{Op: "mcp list_tools", Err: err}
		}
		for _, t := range page.Tools {
			specs = append(specs, b.toSpec(t))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return specs, nil
}

func (b *Bridge) toSpec(t *mcp.Tool) tool.Spec {
	name := t.Name
	if b.prefix != "" {
		name = b.prefix + "." + t.Name
	}

	var inputSchema json.RawMessage
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			inputSchema = raw
		}
	}

	return tool.Spec{
		Name:        name,
		Description: t.Description,
		InputSchema: inputSchema,
		Execute: func(ctx context.Context, tc tool.Context, input json.RawMessage) (any, error) {
			var args map[string]any
			if len(input) > 0 {
				if err := json.Unmarshal(input, &args); err != nil {
					return nil, &errs.ValidationError{Subject: fmt.Sprintf("mcp tool %q input", name), Err: err}
				}
			}

			res, err := b.session.CallTool(ctx, &mcp.CallToolParams{Name: t.Name, Arguments: args})
			if err != nil {
				return nil, &errs.TransportError{Op: fmt.Sprintf("mcp call_tool %q", name), Err: err}
			}
			if res.IsError {
				return nil, &errs.ValidationError{Subject: fmt.Sprintf("mcp tool %q", name), Err: fmt.Errorf("%v", res.Content)}
			}
			return res.Content, nil
		},
	}
}

// Close ends the MCP client session.
func (b *Bridge) Close() error {
	return b.session.Close()
}
