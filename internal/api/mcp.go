package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loftwing/loftrelay/internal/proxy"
	"github.com/loftwing/loftrelay/internal/storage"
)

const recentExchangesURI = "loft://exchanges/recent"

// NewMCPServer creates an MCP server exposing the relay as a chat tool and
// the exchange log as a resource. Chat calls take the same validation,
// credential and dispatch path as POST /proxy/chat in buffered mode.
func NewMCPServer(d Deps, version string) *server.MCPServer {
	rl := newRelay(d)

	s := server.NewMCPServer(
		rl.ServiceName,
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("loftrelay relays chat completions to the configured upstream model for pigeon-racing questions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a prompt to the upstream chat model and return its reply."),
			mcp.WithString("prompt", mcp.Description("User message"), mcp.Required()),
			mcp.WithString("system", mcp.Description("Optional system message placed before the prompt")),
			mcp.WithString("model", mcp.Description("Model name (defaults to the configured model)")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature (default 0.7)")),
			mcp.WithNumber("max_tokens", mcp.Description("Maximum tokens in the reply (default 2000)")),
		),
		mcpChat(rl),
	)

	if rl.Exchanges != nil {
		s.AddResource(
			mcp.NewResource(
				recentExchangesURI,
				"Recent Exchanges",
				mcp.WithResourceDescription("Last 20 relayed exchanges (metadata only)"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(rl),
		)
	}

	return s
}

func mcpChat(rl *relay) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || prompt == "" {
			return mcpError("prompt is required"), nil
		}

		messages := []proxy.Message{}
		if system := req.GetString("system", ""); system != "" {
			messages = append(messages, proxy.Message{Role: "system", Content: system})
		}
		messages = append(messages, proxy.Message{Role: "user", Content: prompt})

		body := map[string]any{"messages": messages}
		if model := req.GetString("model", ""); model != "" {
			body["model"] = model
		}
		args := req.GetArguments()
		if _, ok := args["temperature"]; ok {
			body["temperature"] = req.GetFloat("temperature", proxy.DefaultTemperature)
		}
		if _, ok := args["max_tokens"]; ok {
			body["max_tokens"] = req.GetInt("max_tokens", proxy.DefaultMaxTokens)
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build request: %v", err)), nil
		}

		ex := storage.Exchange{
			ID:        uuid.New().String(),
			CreatedAt: time.Now().UTC(),
			RequestID: "mcp-" + uuid.New().String(),
		}
		defer rl.finish(&ex)

		chatReq, apiKey, err := rl.prepare(raw)
		ex.Model = chatReq.Model
		if err != nil {
			ex.Status, ex.Outcome = classify(err)
			ex.Error = err.Error()
			return mcpError(err.Error()), nil
		}

		data, err := rl.complete(ctx, apiKey, chatReq)
		if err != nil {
			ex.Status, ex.Outcome = classify(err)
			ex.Error = err.Error()
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		ex.Status, ex.Outcome = 200, storage.OutcomeOK

		return mcpText(assistantText(data)), nil
	}
}

// assistantText extracts the first choice's message content, falling back
// to the raw upstream JSON when the body has another shape.
func assistantText(data json.RawMessage) string {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return string(data)
	}
	return resp.Choices[0].Message.Content
}

func mcpResourceRecent(rl *relay) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := rl.Exchanges.ListRecentExchanges(20)
		if err != nil {
			return nil, fmt.Errorf("failed to list exchanges: %w", err)
		}

		b, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal exchanges: %w", err)
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
