// Package httpapi is the native HTTP channel: UMF in, UMF out, plus the
// discovery manifest and per-command GET routes. The same adapter serves the
// agent-to-agent P3394 surface when AgentAPI is set.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/umf"
)

// ChannelID identifies the native HTTP channel.
const ChannelID = "http"

// MaxMessageSize bounds one request body.
const MaxMessageSize = 100 << 20

// AgentInfo is the identity block of the manifest.
type AgentInfo struct {
	AgentID string
	Name    string
	Version string
	Address string
}

// Config wires an Adapter.
type Config struct {
	Addr     string
	Info     AgentInfo
	Registry *capability.Registry
	Gateway  channel.Gateway
	// Channels feeds the manifest's channel list. The adapter includes
	// itself automatically.
	Channels []channel.Adapter
	// AgentAPI switches the manifest to the agent-to-agent variant with
	// embedded endpoint and syntax maps.
	AgentAPI bool
}

// Adapter serves the native HTTP channel.
type Adapter struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

func New(cfg Config) *Adapter {
	return &Adapter{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (a *Adapter) ID() string {
	if a.cfg.AgentAPI {
		return "p3394"
	}
	return ChannelID
}

// SetChannels replaces the manifest's channel list. Call before Start; the
// list is read without locking once the server runs.
func (a *Adapter) SetChannels(adapters []channel.Adapter) {
	a.cfg.Channels = adapters
}

func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		ContentTypes: []umf.ContentType{
			umf.ContentTypeText, umf.ContentTypeMarkdown, umf.ContentTypeJSON,
			umf.ContentTypeHTML, umf.ContentTypeBinary, umf.ContentTypeImage,
			umf.ContentTypeFile, umf.ContentTypeToolCall, umf.ContentTypeToolResult,
			umf.ContentTypeFolder,
		},
		MaxMessageSize:    MaxMessageSize,
		MaxAttachmentSize: MaxMessageSize,
		Streaming:         true,
		Attachments:       true,
		Images:            true,
		Folders:           true,
		Multipart:         true,
		Markdown:          true,
		HTML:              true,
	}
}

// Authenticate is anonymous at the channel level. Clients carrying their own
// assertion inside the UMF keep it; the gateway resolves either way.
func (a *Adapter) Authenticate(_ context.Context) principal.Assertion {
	return principal.AnonymousAssertion(a.ID())
}

// Handler builds the chi router. Exposed separately so tests can drive it
// through httptest without binding a port.
func (a *Adapter) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/manifest", a.handleManifest)
	r.Post("/messages", a.handleMessages)
	r.Get("/ws", a.handleWS)
	r.Get("/{command}", a.handleCommand)
	return r
}

func (a *Adapter) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("http channel listening", "addr", a.cfg.Addr, "agent_api", a.cfg.AgentAPI)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (a *Adapter) handleMessages(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, MaxMessageSize)
	msg, err := umf.DecodeReader(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, umf.CodeDecodeInvalid, err.Error())
		return
	}
	if !channel.HasAssertion(msg) {
		channel.AttachAssertion(msg, a.Authenticate(r.Context()))
	}

	reply := a.cfg.Gateway.Handle(r.Context(), msg)
	reply = channel.AdaptContent(reply, a.Capabilities())
	writeUMF(w, http.StatusOK, reply)
}

// handleWS upgrades to websocket and answers one reply per request frame.
func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	assertion := a.Authenticate(r.Context())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := umf.Decode(data)
		if err != nil {
			frame, _ := umf.Encode(umf.NewErrorMessage(nil, umf.CodeDecodeInvalid, err.Error()))
			if conn.WriteMessage(websocket.TextMessage, frame) != nil {
				return
			}
			continue
		}
		if !channel.HasAssertion(msg) {
			channel.AttachAssertion(msg, assertion)
		}
		reply := channel.AdaptContent(a.cfg.Gateway.Handle(r.Context(), msg), a.Capabilities())
		frame, err := umf.Encode(reply)
		if err != nil {
			slog.Error("failed to encode websocket reply", "error", err)
			return
		}
		if conn.WriteMessage(websocket.TextMessage, frame) != nil {
			return
		}
	}
}

// handleCommand serves GET /{command} for symbolic capabilities exposed to
// humans or the public.
func (a *Adapter) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "command")
	capID, ok := a.cfg.Registry.ResolveAlias("/" + name)
	if !ok {
		writeError(w, http.StatusNotFound, umf.CodeCapNotFound, fmt.Sprintf("unknown command %q", name))
		return
	}
	d, ok := a.cfg.Registry.Get(capID)
	if !ok || !commandExposed(d) {
		writeError(w, http.StatusNotFound, umf.CodeCapNotFound, fmt.Sprintf("unknown command %q", name))
		return
	}

	text := "/" + name
	if q := r.URL.Query().Get("args"); q != "" {
		text += " " + q
	}
	msg := umf.NewRequest(umf.TextBlock(text))
	msg.SessionID = r.URL.Query().Get("session")
	channel.AttachAssertion(msg, a.Authenticate(r.Context()))

	reply := channel.AdaptContent(a.cfg.Gateway.Handle(r.Context(), msg), a.Capabilities())
	writeUMF(w, http.StatusOK, reply)
}

func commandExposed(d *capability.Descriptor) bool {
	return d.Status.Enabled &&
		d.Execution.Substrate == capability.SubstrateSymbolic &&
		(d.Access.Exposure == capability.ExposureHuman || d.Access.Exposure == capability.ExposurePublic)
}

func writeUMF(w http.ResponseWriter, status int, msg *umf.Message) {
	data, err := umf.Encode(msg)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, text string) {
	writeUMF(w, status, umf.NewErrorMessage(nil, code, text))
}

// Endpoints maps command names to their HTTP-native syntax.
func (a *Adapter) Endpoints() map[string]string {
	out := map[string]string{}
	for _, d := range a.cfg.Registry.All() {
		if !commandExposed(d) {
			continue
		}
		for _, alias := range d.Invocation.CommandAliases {
			name := strings.TrimPrefix(alias, "/")
			out[name] = "GET /" + name
		}
	}
	return out
}

func (a *Adapter) NormalizeCommand(raw string) string {
	return channel.NormalizeCommand(raw)
}

func (a *Adapter) MapCommandSyntax(canonical string) string {
	return channel.MapCommandSyntax(canonical, channel.SyntaxHTTP)
}

// SendToClient has no push path over plain HTTP; websocket clients get their
// replies inline.
func (a *Adapter) SendToClient(string, *umf.Message) error {
	return errors.New("http channel has no out-of-band delivery")
}

// SplitHostPort is a convenience for CLI flag handling.
func SplitHostPort(addr string) (string, string, error) {
	return net.SplitHostPort(addr)
}

// --- manifest ---

// ManifestChannel describes one channel in the manifest.
type ManifestChannel struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Active        bool              `json:"active"`
	CommandSyntax string            `json:"command_syntax"`
	CommandPrefix string            `json:"command_prefix"`
	Endpoints     map[string]string `json:"endpoints"`
}

// ManifestCommand describes one command in the manifest.
type ManifestCommand struct {
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Usage           string            `json:"usage,omitempty"`
	RequiresAuth    bool              `json:"requires_auth"`
	Aliases         []string          `json:"aliases,omitempty"`
	SyntaxByChannel map[string]string `json:"syntax_by_channel,omitempty"`
}

// Manifest is the discovery document served at GET /manifest.
type Manifest struct {
	AgentID  string            `json:"agent_id"`
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Protocol string            `json:"protocol"`
	Address  string            `json:"address"`
	Channels []ManifestChannel `json:"channels"`
	Commands []ManifestCommand `json:"commands"`

	// Agent-to-agent variant: flat discovery maps.
	ChannelEndpoints map[string]map[string]string `json:"channel_endpoints,omitempty"`
	CommandSyntax    map[string]map[string]string `json:"command_syntax,omitempty"`
}

func (a *Adapter) handleManifest(w http.ResponseWriter, r *http.Request) {
	m := a.buildManifest()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

func (a *Adapter) buildManifest() *Manifest {
	m := &Manifest{
		AgentID:  a.cfg.Info.AgentID,
		Name:     a.cfg.Info.Name,
		Version:  a.cfg.Info.Version,
		Protocol: "P3394",
		Address:  a.cfg.Info.Address,
	}

	adapters := []channel.Adapter{a}
	for _, ad := range a.cfg.Channels {
		if ad.ID() != a.ID() {
			adapters = append(adapters, ad)
		}
	}
	for _, ad := range adapters {
		m.Channels = append(m.Channels, ManifestChannel{
			ID:            ad.ID(),
			Type:          channelType(ad.ID()),
			Active:        true,
			CommandSyntax: string(syntaxFor(ad.ID())),
			CommandPrefix: channel.CommandSigil,
			Endpoints:     ad.Endpoints(),
		})
	}

	for _, d := range a.cfg.Registry.All() {
		if !commandExposed(d) {
			continue
		}
		name := d.Name
		if len(d.Invocation.CommandAliases) > 0 {
			name = d.Invocation.CommandAliases[0]
		}
		cmd := ManifestCommand{
			Name:            name,
			Description:     d.Description,
			Usage:           name,
			RequiresAuth:    len(d.Access.RequiredPermissions) > 0 && !d.Access.DefaultGrant,
			Aliases:         d.Invocation.CommandAliases,
			SyntaxByChannel: map[string]string{},
		}
		for _, ad := range adapters {
			cmd.SyntaxByChannel[ad.ID()] = ad.MapCommandSyntax(name)
		}
		m.Commands = append(m.Commands, cmd)
	}

	if a.cfg.AgentAPI {
		m.ChannelEndpoints = map[string]map[string]string{}
		for _, ch := range m.Channels {
			m.ChannelEndpoints[ch.ID] = ch.Endpoints
		}
		m.CommandSyntax = map[string]map[string]string{}
		for _, cmd := range m.Commands {
			m.CommandSyntax[cmd.Name] = cmd.SyntaxByChannel
		}
	}
	return m
}

func channelType(id string) string {
	switch id {
	case "cli":
		return "terminal"
	case "p3394":
		return "p3394_server"
	case "anthropic":
		return "llm_compatible"
	case "mcp":
		return "stdio_rpc"
	default:
		return "http"
	}
}

func syntaxFor(id string) channel.CommandSyntax {
	switch id {
	case ChannelID, "p3394":
		return channel.SyntaxHTTP
	case "mcp":
		return channel.SyntaxText
	default:
		return channel.SyntaxSlash
	}
}
