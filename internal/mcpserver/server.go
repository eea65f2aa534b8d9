// Package mcpserver exposes conversation operations as MCP tools.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/convmem/internal/memory"
)

// Conversations is the conversation surface exposed as tools.
type Conversations interface {
	HandleTurns(ctx context.Context, key string, messages []memory.Turn) (string, error)
	ApplySummary(ctx context.Context, key, summary string) error
	State(ctx context.Context, key string) (memory.State, error)
}

// ChatInput is the input of the chat tool.
type ChatInput struct {
	Key      string        `json:"key" jsonschema:"conversation key"`
	Messages []memory.Turn `json:"messages" jsonschema:"messages; the most recent user entry is recorded"`
}

// ChatOutput is the output of the chat tool.
type ChatOutput struct {
	Message string `json:"message"`
}

// SummaryInput is the input of the apply_summary tool.
type SummaryInput struct {
	Key     string `json:"key" jsonschema:"conversation key"`
	Summary string `json:"summary" jsonschema:"long-term memory summary, truncated to 2000 characters"`
}

// SummaryOutput is the output of the apply_summary tool.
type SummaryOutput struct {
	OK bool `json:"ok"`
}

// KeyInput selects a conversation.
type KeyInput struct {
	Key string `json:"key" jsonschema:"conversation key"`
}

// StateOutput is the stored state of a conversation.
type StateOutput struct {
	History []memory.Turn `json:"history"`
	Summary string        `json:"summary"`
}

// New builds an MCP server with the chat, apply_summary and
// get_conversation tools.
func New(conversations Conversations, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "convmem",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat",
		Description: "Record a user turn in a conversation and return the assistant reply.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ChatInput) (*mcp.CallToolResult, ChatOutput, error) {
		if in.Key == "" {
			return nil, ChatOutput{}, fmt.Errorf("key is required")
		}
		reply, err := conversations.HandleTurns(ctx, in.Key, in.Messages)
		if err != nil {
			return nil, ChatOutput{}, err
		}
		return nil, ChatOutput{Message: reply}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_summary",
		Description: "Replace a conversation's long-term summary and drop all but its 12 most recent turns.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in SummaryInput) (*mcp.CallToolResult, SummaryOutput, error) {
		if in.Key == "" {
			return nil, SummaryOutput{}, fmt.Errorf("key is required")
		}
		if err := conversations.ApplySummary(ctx, in.Key, in.Summary); err != nil {
			return nil, SummaryOutput{}, err
		}
		return nil, SummaryOutput{OK: true}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_conversation",
		Description: "Return a conversation's stored history and summary.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in KeyInput) (*mcp.CallToolResult, StateOutput, error) {
		st, err := conversations.State(ctx, in.Key)
		if err != nil {
			return nil, StateOutput{}, err
		}
		if st.History == nil {
			st.History = []memory.Turn{}
		}
		return nil, StateOutput{History: st.History, Summary: st.Summary}, nil
	})

	return server
}

// ServeStdio serves the tools over stdin/stdout until ctx is done or the
// client disconnects.
func ServeStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}
