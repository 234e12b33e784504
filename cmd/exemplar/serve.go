package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/channel/anthropicapi"
	"github.com/p3394/exemplar/pkg/channel/httpapi"
	mcpchannel "github.com/p3394/exemplar/pkg/channel/mcp"
	"github.com/p3394/exemplar/pkg/channel/terminal"
	"github.com/p3394/exemplar/pkg/config"
	"github.com/p3394/exemplar/pkg/gateway"
	"github.com/p3394/exemplar/pkg/httpclient"
	"github.com/p3394/exemplar/pkg/invoke"
	"github.com/p3394/exemplar/pkg/kstar"
	"github.com/p3394/exemplar/pkg/kstar/xapi"
	"github.com/p3394/exemplar/pkg/llm"
	"github.com/p3394/exemplar/pkg/observability"
	"github.com/p3394/exemplar/pkg/policy"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/router"
	"github.com/p3394/exemplar/pkg/session"
	"github.com/p3394/exemplar/pkg/skills"
)

// ServeCmd starts the gateway and every enabled channel adapter.
type ServeCmd struct {
	Daemon bool `help:"Run headless without the startup summary."`

	Socket       string `help:"Unix socket path for the terminal channel. Enables the channel." type:"path"`
	HTTPPort     int    `name:"http-port" help:"Native HTTP channel port. Enables the channel."`
	P3394Port    int    `name:"p3394-port" help:"Agent-to-agent HTTP port. Enables the channel."`
	AnthropicAPI bool   `name:"anthropic-api" help:"Enable the Anthropic-compatible endpoint."`
	APIPort      int    `name:"api-port" help:"Anthropic-compatible endpoint port."`
	APIKeys      string `name:"api-keys" help:"Comma-separated accepted keys for the Anthropic-compatible endpoint." placeholder:"KEY1,KEY2"`
	MCPServer    bool   `name:"mcp-server" help:"Enable the MCP server."`
	MCPTransport string `name:"mcp-transport" help:"MCP transport (stdio or sse)."`

	Debug bool `help:"Use the reflecting echo LLM backend regardless of credentials."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	c.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}

	cleanup, err := initLogging(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	shutdownTracer, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Tracing.Enabled,
		SamplingRate: cfg.Tracing.SamplingRate,
		ServiceName:  cfg.Agent.ID,
	})
	if err != nil {
		return exitf(exitStartup, "tracing: %w", err)
	}
	defer shutdownTracer(context.Background())

	rt, err := buildRuntime(cfg, c.Debug)
	if err != nil {
		return err
	}
	defer rt.close()

	// Reconcile before the adapters are built: the MCP adapter derives its
	// tool list from the registry at construction.
	if _, err := rt.catalog.Reconcile(); err != nil {
		slog.Warn("catalog reconcile failed", "error", err)
	}

	adapters := c.buildAdapters(cfg, rt)
	rt.gateway.RegisterChannels(adapters...)
	if httpSelf, ok := findHTTPAdapter(adapters, "http"); ok {
		httpSelf.SetChannels(adapters)
	}
	if p3394Self, ok := findHTTPAdapter(adapters, "p3394"); ok {
		p3394Self.SetChannels(adapters)
	}

	if !c.Daemon {
		printSummary(cfg, adapters)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		g.Go(func() error {
			if err := a.Start(gctx); err != nil {
				return fmt.Errorf("channel %s: %w", a.ID(), err)
			}
			return nil
		})
	}
	if cfg.Skills.Watch {
		g.Go(func() error { return rt.skills.Watch(gctx) })
	}

	err = g.Wait()
	for _, a := range adapters {
		if stopErr := a.Stop(); stopErr != nil {
			slog.Warn("channel stop failed", "channel", a.ID(), "error", stopErr)
		}
	}
	if err != nil && ctx.Err() == nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return &exitError{code: exitAddrInUse, err: err}
		}
		return &exitError{code: exitStartup, err: err}
	}
	slog.Info("gateway stopped")
	return nil
}

// applyFlags overlays explicit serve flags onto the loaded configuration.
func (c *ServeCmd) applyFlags(cfg *config.Config) {
	if c.Socket != "" {
		cfg.Channels.Terminal.Enabled = true
		cfg.Channels.Terminal.Socket = c.Socket
	}
	if c.HTTPPort != 0 {
		cfg.Channels.HTTP.Enabled = true
		cfg.Channels.HTTP.Port = c.HTTPPort
	}
	if c.P3394Port != 0 {
		cfg.Channels.P3394.Enabled = true
		cfg.Channels.P3394.Port = c.P3394Port
	}
	if c.AnthropicAPI {
		cfg.Channels.Anthropic.Enabled = true
	}
	if c.APIPort != 0 {
		cfg.Channels.Anthropic.Enabled = true
		cfg.Channels.Anthropic.Port = c.APIPort
	}
	if c.APIKeys != "" {
		cfg.Channels.Anthropic.APIKeys = strings.Split(c.APIKeys, ",")
	}
	if c.MCPServer {
		cfg.Channels.MCP.Enabled = true
	}
	if c.MCPTransport != "" {
		cfg.Channels.MCP.Enabled = true
		cfg.Channels.MCP.Transport = c.MCPTransport
	}
	if c.Debug {
		cfg.LLM.Provider = "echo"
	}
}

// runtime bundles the long-lived gateway collaborators.
type runtime struct {
	store    *kstar.Store
	router   *router.Router
	skills   *skills.Manager
	registry *capability.Registry
	catalog  *capability.Catalog
	sessions *session.Manager
	gateway  *gateway.Gateway
}

func (rt *runtime) close() {
	rt.router.CloseAll()
	if err := rt.store.Close(); err != nil {
		slog.Warn("memory store close failed", "error", err)
	}
}

// buildRuntime assembles storage, memory, routing, policy, and the gateway
// core in dependency order.
func buildRuntime(cfg *config.Config, debug bool) (*runtime, error) {
	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return nil, exitf(exitStartup, "storage root: %w", err)
	}

	principals, err := principal.NewRegistry(cfg.Storage.PrincipalsDir())
	if err != nil {
		return nil, exitf(exitStartup, "principal registry: %w", err)
	}

	store, err := kstar.Open(cfg.Storage.Root, kstar.Options{EnableIndex: true})
	if err != nil {
		return nil, exitf(exitStartup, "memory store: %w", err)
	}

	registry := capability.NewRegistry()
	catalog := capability.NewCatalog(registry, cfg.Storage.CatalogPath())

	skillMgr := skills.NewManager(cfg.Skills.Dir, registry)
	if err := skillMgr.Load(); err != nil {
		store.Close()
		return nil, exitf(exitStartup, "skills: %w", err)
	}

	rt := router.New(router.Options{
		ProbeTimeout: cfg.Router.ProbeTimeout(),
		MaxInFlight:  cfg.Router.MaxInFlight,
	})
	memory := kstar.NewSubagent(store)
	if _, err := rt.ConnectDirect(memory); err != nil {
		store.Close()
		return nil, exitf(exitStartup, "memory subagent: %w", err)
	}

	client, err := buildLLM(cfg, debug)
	if err != nil {
		store.Close()
		return nil, err
	}

	pol := policy.NewEngine(policy.DefaultRules())
	pol.SetEnforce(cfg.Policy.Enforce)
	for _, ch := range cfg.Policy.EnforceChannels {
		pol.EnforceChannel(ch)
	}

	sessions := session.NewManager(cfg.Storage.Root, principal.SystemURN)

	engine, err := invoke.New(invoke.Config{
		Registry:   registry,
		Policy:     pol,
		Principals: principals,
		Audit:      store,
		Router:     rt,
		LLM:        client,
		Skills:     skillMgr,
		Persona:    cfg.Agent.Persona,
		HTTP:       httpclient.New(httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders)),
	})
	if err != nil {
		store.Close()
		return nil, exitf(exitStartup, "invocation engine: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		AgentName:  cfg.Agent.Name,
		Version:    buildVersion,
		Registry:   registry,
		Catalog:    catalog,
		Principals: principals,
		Sessions:   sessions,
		Engine:     engine,
		Store:      store,
		XAPI:       xapi.NewEmitter(cfg.Storage.Root),
		Skills:     skillMgr,
		Delegation: map[string]string{
			"remember this": "kstar:store_trace",
		},
	})
	if err != nil {
		store.Close()
		return nil, exitf(exitStartup, "gateway: %w", err)
	}

	// Catalog discovery sources: built-in commands and the LLM fallback
	// (registered by the gateway), skill documents, and memory operations.
	catalog.AddSource(func() ([]*capability.Descriptor, capability.Source, error) {
		var out []*capability.Descriptor
		for _, d := range registry.All() {
			if strings.HasPrefix(d.ID, "cmd.") || strings.HasPrefix(d.ID, "core.") {
				out = append(out, d)
			}
		}
		return out, capability.SourceBuiltin, nil
	})
	catalog.AddSource(func() ([]*capability.Descriptor, capability.Source, error) {
		var out []*capability.Descriptor
		for _, s := range skillMgr.List() {
			if d, ok := registry.Get(s.CapabilityID()); ok {
				out = append(out, d)
			}
		}
		return out, capability.SourceSkill, nil
	})
	catalog.AddSource(func() ([]*capability.Descriptor, capability.Source, error) {
		return memory.Descriptors(), capability.SourceSDK, nil
	})

	return &runtime{
		store:    store,
		router:   rt,
		skills:   skillMgr,
		registry: registry,
		catalog:  catalog,
		sessions: sessions,
		gateway:  gw,
	}, nil
}

func buildLLM(cfg *config.Config, debug bool) (llm.Client, error) {
	if debug || cfg.LLM.Provider == "echo" {
		slog.Info("using echo LLM backend")
		return &llm.EchoClient{ModelName: "echo"}, nil
	}
	client, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Host:        cfg.LLM.Host,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout(),
	})
	if err != nil {
		return nil, exitf(exitStartup, "llm: %w", err)
	}
	return client, nil
}

// buildAdapters constructs one adapter per enabled channel.
func (c *ServeCmd) buildAdapters(cfg *config.Config, rt *runtime) []channel.Adapter {
	var adapters []channel.Adapter
	registry := rt.registry

	if cfg.Channels.Terminal.Enabled {
		adapters = append(adapters, terminal.New(cfg.Channels.Terminal.Socket, rt.gateway))
	}
	if cfg.Channels.HTTP.Enabled {
		adapters = append(adapters, httpapi.New(httpapi.Config{
			Addr:     fmt.Sprintf(":%d", cfg.Channels.HTTP.Port),
			Info:     agentInfo(cfg),
			Registry: registry,
			Gateway:  rt.gateway,
		}))
	}
	if cfg.Channels.P3394.Enabled {
		adapters = append(adapters, httpapi.New(httpapi.Config{
			Addr:     fmt.Sprintf(":%d", cfg.Channels.P3394.Port),
			Info:     agentInfo(cfg),
			Registry: registry,
			Gateway:  rt.gateway,
			AgentAPI: true,
		}))
	}
	if cfg.Channels.Anthropic.Enabled {
		adapters = append(adapters, anthropicapi.New(anthropicapi.Config{
			Addr:          fmt.Sprintf(":%d", cfg.Channels.Anthropic.Port),
			Gateway:       rt.gateway,
			APIKeys:       cfg.Channels.Anthropic.APIKeys,
			CharsPerToken: cfg.Channels.Anthropic.CharsPerToken,
		}))
	}
	if cfg.Channels.MCP.Enabled {
		adapters = append(adapters, mcpchannel.New(mcpchannel.Config{
			AgentName: cfg.Agent.Name,
			Version:   buildVersion,
			Registry:  registry,
			Gateway:   rt.gateway,
			Transport: mcpchannel.Transport(cfg.Channels.MCP.Transport),
			SSEAddr:   cfg.Channels.MCP.SSEAddr,
		}))
	}
	return adapters
}

func agentInfo(cfg *config.Config) httpapi.AgentInfo {
	return httpapi.AgentInfo{
		AgentID: cfg.Agent.ID,
		Name:    cfg.Agent.Name,
		Version: buildVersion,
		Address: cfg.Address(),
	}
}

func findHTTPAdapter(adapters []channel.Adapter, id string) (*httpapi.Adapter, bool) {
	for _, a := range adapters {
		if h, ok := a.(*httpapi.Adapter); ok && h.ID() == id {
			return h, true
		}
	}
	return nil, false
}

func printSummary(cfg *config.Config, adapters []channel.Adapter) {
	fmt.Printf("\n%s v%s ready (%s)\n", cfg.Agent.Name, buildVersion, cfg.Address())
	fmt.Printf("   Storage:  %s\n", cfg.Storage.Root)
	for _, a := range adapters {
		for name, ep := range a.Endpoints() {
			fmt.Printf("   %-9s %s = %s\n", a.ID()+":", name, ep)
		}
	}
	fmt.Println("\nPress Ctrl+C to stop")
}
