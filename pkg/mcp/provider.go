package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/provider"
)

// Compile-time check that ToolProvider satisfies the capability provider
// contract.
var _ provider.Provider = (*ToolProvider)(nil)

// ResultMasker redacts sensitive data from tool output before it reaches
// stores, events, and the audit log.
type ResultMasker interface {
	MaskToolResult(content, serverID string) string
}

// ToolProvider executes managed capabilities through the MCP client.
// A provider may pin a server (and optionally a tool) from its registration,
// or route per call by parsing the action as "server.tool". Tool failures
// come back as outcome values; Go errors never cross the contract.
type ToolProvider struct {
	client *Client
	server string // pinned server id, empty = parse from action
	tool   string // pinned tool name, empty = action names the tool
	masker ResultMasker
}

// NewToolProvider creates a provider over the shared client. masker may be
// nil (masking disabled). The client's lifecycle belongs to the caller;
// providers never close it.
func NewToolProvider(client *Client, server, tool string, masker ResultMasker) *ToolProvider {
	return &ToolProvider{client: client, server: server, tool: tool, masker: masker}
}

func (p *ToolProvider) Execute(ctx context.Context, action string, params map[string]any, _ models.CallContext) models.Outcome {
	if p.client == nil {
		return models.Outcome{Success: false, Error: "provider client not configured"}
	}

	serverID, toolName, err := p.resolveTool(action)
	if err != nil {
		return models.Outcome{Success: false, Error: err.Error()}
	}

	// A server that never connected is a configuration gap, not a retryable
	// failure; surface it so the resolver can fall through or flag setup.
	if !p.client.HasSession(serverID) {
		return models.Outcome{
			Success:    false,
			Error:      fmt.Sprintf("provider server %q is not connected", serverID),
			NeedsSetup: true,
		}
	}

	args, err := resolveArgs(params)
	if err != nil {
		return models.Outcome{Success: false, Error: fmt.Sprintf("failed to parse inputs: %s", err)}
	}

	result, err := p.client.CallTool(ctx, serverID, toolName, args)
	if err != nil {
		return models.Outcome{
			Success: false,
			Error:   fmt.Sprintf("tool %s.%s failed: %s", serverID, toolName, err),
		}
	}

	content := extractTextContent(result)
	if p.masker != nil {
		content = p.masker.MaskToolResult(content, serverID)
	}
	// Masking first, then bounding: a cut must never leave half a secret
	// that the pattern sweep no longer recognises.
	content = TruncateForStorage(content)

	data := map[string]any{
		"content": content,
		"server":  serverID,
		"tool":    toolName,
	}
	if result.IsError {
		errText := content
		if strings.TrimSpace(errText) == "" {
			errText = fmt.Sprintf("tool %s.%s reported an error", serverID, toolName)
		}
		return models.Outcome{Success: false, Data: data, Error: errText}
	}
	return models.Outcome{Success: true, Data: data}
}

// Tools returns the provider's available tools with server-prefixed names
// (e.g., "playwright.scrape_page"). With a pinned server only that server is
// listed; otherwise all connected servers contribute.
func (p *ToolProvider) Tools(ctx context.Context) ([]string, error) {
	if p.server != "" {
		tools, err := p.client.ListTools(ctx, p.server)
		if err != nil {
			return nil, err
		}
		return prefixToolNames(p.server, tools), nil
	}

	all, err := p.client.ListAllTools(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for serverID, tools := range all {
		names = append(names, prefixToolNames(serverID, tools)...)
	}
	return names, nil
}

// resolveTool determines the target server and tool for an action.
func (p *ToolProvider) resolveTool(action string) (serverID, toolName string, err error) {
	if p.server != "" && p.tool != "" {
		return p.server, p.tool, nil
	}

	name := NormalizeToolName(action)

	if p.server != "" {
		// Pinned server: a "server.tool" action must agree with the pin,
		// anything else is a bare tool name.
		if s, tool, splitErr := SplitToolName(name); splitErr == nil {
			if s != p.server {
				return "", "", fmt.Errorf(
					"tool %q routes to server %q but this provider is pinned to %q",
					name, s, p.server)
			}
			return p.server, tool, nil
		}
		if strings.TrimSpace(name) == "" {
			return "", "", fmt.Errorf("empty tool name")
		}
		return p.server, name, nil
	}

	return SplitToolName(name)
}

// resolveArgs prepares tool arguments from step inputs. A single raw "input"
// string goes through the parsing cascade; structured inputs pass through
// as-is.
func resolveArgs(params map[string]any) (map[string]any, error) {
	if len(params) == 1 {
		if raw, ok := params["input"].(string); ok {
			return ParseActionInput(raw)
		}
	}
	if params == nil {
		return map[string]any{}, nil
	}
	return params, nil
}

// prefixToolNames renders "server.tool" names for a server's tool list.
func prefixToolNames(serverID string, tools []*mcpsdk.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, fmt.Sprintf("%s.%s", serverID, tool.Name))
	}
	return names
}

// extractTextContent extracts text from an MCP CallToolResult.
// Concatenates all TextContent items. Non-text content (images, embedded
// resources) is logged at debug level and skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("Tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}
