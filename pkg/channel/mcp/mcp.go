// Package mcp exposes the gateway as an MCP server: every capability with
// agent-or-wider exposure becomes a tool, plus a send_message built-in that
// posts raw text the same way a terminal client would.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/umf"
)

// ChannelID identifies the MCP channel.
const ChannelID = "mcp"

// ToolPrefix prefixes every capability-derived tool name.
const ToolPrefix = "p3394_"

// Transport selects how the server listens.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
)

// Config wires an Adapter.
type Config struct {
	AgentName string
	Version   string
	Registry  *capability.Registry
	Gateway   channel.Gateway
	Transport Transport
	// SSEAddr is the listen address when Transport is sse.
	SSEAddr string
}

// Adapter runs the MCP server.
type Adapter struct {
	cfg    Config
	server *mcpserver.MCPServer

	mu  sync.Mutex
	sse *mcpserver.SSEServer
}

func New(cfg Config) *Adapter {
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}
	a := &Adapter{cfg: cfg}
	a.server = mcpserver.NewMCPServer(cfg.AgentName, cfg.Version)
	a.registerTools()
	return a
}

func (a *Adapter) ID() string { return ChannelID }

func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		ContentTypes:   []umf.ContentType{umf.ContentTypeText, umf.ContentTypeMarkdown, umf.ContentTypeJSON},
		MaxMessageSize: 10 << 20,
		Markdown:       true,
	}
}

// Authenticate asserts the local OS user like the terminal channel, but a
// stdio pipe proves less than an interactive socket, so MEDIUM.
func (a *Adapter) Authenticate(_ context.Context) principal.Assertion {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return principal.Assertion{
		ChannelID:       ChannelID,
		ChannelIdentity: "local:" + name,
		Assurance:       principal.AssuranceMedium,
		Method:          "stdio",
	}
}

// ToolName derives the MCP tool name for a capability id. Dots and colons
// are not valid in tool names.
func ToolName(capabilityID string) string {
	s := strings.ReplaceAll(capabilityID, ".", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return ToolPrefix + s
}

// toolExposed reports whether the capability is visible to MCP clients.
func toolExposed(d *capability.Descriptor) bool {
	if !d.Status.Enabled || d.Execution.Substrate == capability.SubstrateTransport {
		return false
	}
	switch d.Access.Exposure {
	case capability.ExposureAgent, capability.ExposureChannel,
		capability.ExposureHuman, capability.ExposurePublic:
		return true
	}
	return false
}

func (a *Adapter) registerTools() {
	for _, d := range a.cfg.Registry.All() {
		if !toolExposed(d) {
			continue
		}
		desc := d.Description
		if desc == "" {
			desc = d.Name
		}
		capID := d.ID
		a.server.AddTool(mcp.NewTool(
			ToolName(capID),
			mcp.WithDescription(desc),
			mcp.WithString(
				"input",
				mcp.Description("Text or JSON input passed to the capability"),
			),
		), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return a.callCapability(ctx, capID, request)
		})
	}

	a.server.AddTool(mcp.NewTool(
		"send_message",
		mcp.WithDescription("Send a free-form text message to the agent, as a chat client would"),
		mcp.WithString(
			"text",
			mcp.Required(),
			mcp.Description("Message text"),
		),
		mcp.WithString(
			"session_id",
			mcp.Description("Session to continue; omit to start a new one"),
		),
	), a.callSendMessage)

	slog.Info("mcp channel tools registered", "count", a.cfg.Registry.Count())
}

func (a *Adapter) callCapability(ctx context.Context, capID string, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input := request.GetString("input", "")

	var block umf.ContentBlock
	if json.Valid([]byte(input)) && strings.HasPrefix(strings.TrimSpace(input), "{") {
		block = umf.ContentBlock{Type: umf.ContentTypeJSON, Data: input}
	} else {
		block = umf.TextBlock(input)
	}
	msg := umf.NewRequest(block)
	msg.Source = &umf.Address{ChannelID: ChannelID}
	msg.SetMeta("capability_id", capID)
	channel.AttachAssertion(msg, a.Authenticate(ctx))

	reply := a.cfg.Gateway.Handle(ctx, msg)
	return toolResult(reply)
}

func (a *Adapter) callSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return nil, err
	}
	msg := umf.NewRequest(umf.TextBlock(text))
	msg.SessionID = request.GetString("session_id", "")
	msg.Source = &umf.Address{ChannelID: ChannelID, SessionID: msg.SessionID}
	channel.AttachAssertion(msg, a.Authenticate(ctx))

	reply := a.cfg.Gateway.Handle(ctx, msg)
	return toolResult(reply)
}

// toolResult renders a UMF reply as the text-content shape MCP clients
// expect.
func toolResult(reply *umf.Message) (*mcp.CallToolResult, error) {
	if reply.Type == umf.MessageTypeError {
		return nil, fmt.Errorf("%s: %s", reply.ErrorCode(), reply.FirstText())
	}
	text := reply.FirstText()
	if text == "" {
		// Structured replies pass through as serialized JSON.
		for _, b := range reply.Content {
			if b.Type == umf.ContentTypeJSON {
				text = b.Data
				break
			}
		}
	}
	return mcp.NewToolResultText(text), nil
}

func (a *Adapter) Start(ctx context.Context) error {
	switch a.cfg.Transport {
	case TransportStdio:
		slog.Info("mcp channel serving", "transport", "stdio")
		return mcpserver.ServeStdio(a.server)
	case TransportSSE:
		sse := mcpserver.NewSSEServer(a.server)
		a.mu.Lock()
		a.sse = sse
		a.mu.Unlock()
		context.AfterFunc(ctx, func() {
			sse.Shutdown(context.Background())
		})
		slog.Info("mcp channel serving", "transport", "sse", "addr", a.cfg.SSEAddr)
		return sse.Start(a.cfg.SSEAddr)
	default:
		return fmt.Errorf("unknown mcp transport %q", a.cfg.Transport)
	}
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	sse := a.sse
	a.mu.Unlock()
	if sse != nil {
		return sse.Shutdown(context.Background())
	}
	return nil
}

// Endpoints lists tool names for the manifest.
func (a *Adapter) Endpoints() map[string]string {
	out := map[string]string{"send_message": "send_message"}
	for _, d := range a.cfg.Registry.All() {
		if toolExposed(d) {
			out[d.ID] = ToolName(d.ID)
		}
	}
	return out
}

func (a *Adapter) NormalizeCommand(raw string) string {
	return channel.NormalizeCommand(raw)
}

func (a *Adapter) MapCommandSyntax(canonical string) string {
	return ToolName("cmd." + strings.TrimPrefix(canonical, channel.CommandSigil))
}

// SendToClient: MCP is strictly client-initiated.
func (a *Adapter) SendToClient(string, *umf.Message) error {
	return errors.New("mcp channel has no out-of-band delivery")
}
