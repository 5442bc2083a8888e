package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/rsagent/internal/kbquery"
	"github.com/kalambet/rsagent/internal/pipeline"
)

// MCPKnowledgeBase answers knowledge questions directly. *kbquery.Enhancer
// satisfies it.
type MCPKnowledgeBase interface {
	Query(ctx context.Context, query string, imagePaths []string) (kbquery.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Agent         Agent
	KB            MCPKnowledgeBase // optional; if nil, kb_query returns an error
	Conversations Conversations
	Version       string
}

// NewMCPServer creates an MCP server with the agent tools and the history
// resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"rsagent",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("rsagent: report-system knowledge answers and guided report change requests."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("agent_turn",
			mcp.WithDescription("Send one message to the report agent. Omit session_id to start a new conversation; pass the returned sessionId to continue one."),
			mcp.WithString("text", mcp.Description("The user message"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session id of an ongoing change request")),
		),
		mcpAgentTurn(deps),
	)

	s.AddTool(
		mcp.NewTool("kb_query",
			mcp.WithDescription("Answer a question from the report-system knowledge base."),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
		),
		mcpKBQuery(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"rsagent://conversations/recent",
			"Recent Conversations",
			mcp.WithResourceDescription("Last 10 conversations with their first user message"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAgentTurn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		final, err := deps.Agent.Run(ctx, pipeline.Request{
			SessionID: req.GetString("session_id", ""),
			Text:      text,
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}

		b, err := marshal(final)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpKBQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.KB == nil {
			return mcpError("knowledge base not available"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		res, err := deps.KB.Query(ctx, query, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("kb query failed: %v", err)), nil
		}
		if res.FinalMarkdown == "" {
			return mcpText("[空结果]"), nil
		}
		return mcpText(res.FinalMarkdown), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		convs, err := deps.Conversations.ListConversations(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}

		type conversationSummary struct {
			ID        string `json:"id"`
			Intent    string `json:"intent"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
			Text      string `json:"text"`
		}

		summaries := make([]conversationSummary, len(convs))
		for i, c := range convs {
			text := c.FirstUserText
			if utf8.RuneCountInString(text) > 200 {
				runes := []rune(text)
				text = string(runes[:200]) + "..."
			}
			summaries[i] = conversationSummary{
				ID:        c.ID,
				Intent:    c.Intent,
				Status:    c.Status,
				CreatedAt: c.CreatedAt.Format(time.RFC3339),
				Text:      text,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
