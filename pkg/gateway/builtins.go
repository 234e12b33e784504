package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/p3394/exemplar/pkg/capability"
	"github.com/p3394/exemplar/pkg/session"
	"github.com/p3394/exemplar/pkg/umf"
)

// commandDescriptor builds the symbolic descriptor for one built-in.
func commandDescriptor(id, alias, description string) *capability.Descriptor {
	return &capability.Descriptor{
		ID:          id,
		Name:        alias,
		Version:     "1.0.0",
		Description: description,
		Kind:        capability.KindAtomic,
		Execution: capability.Execution{
			Substrate:  capability.SubstrateSymbolic,
			Entrypoint: id,
		},
		Invocation: capability.Invocation{
			Modes:          []capability.InvocationMode{capability.ModeCommand},
			CommandAliases: []string{alias},
		},
		Access: capability.Access{
			Exposure:     capability.ExposureHuman,
			DefaultGrant: true,
		},
		Audit:  capability.Audit{LogInvocation: true},
		Status: capability.Status{Enabled: true},
	}
}

// registerBuiltins installs the built-in command set and the LLM fallback
// capability.
func (g *Gateway) registerBuiltins() error {
	commands := []struct {
		id, alias, description string
		handler                func(context.Context, *umf.Message, *session.Session) (*umf.Message, error)
	}{
		{"cmd.help", "/help", "List available commands", g.cmdHelp},
		{"cmd.about", "/about", "Describe this agent", g.cmdAbout},
		{"cmd.status", "/status", "Show runtime status", g.cmdStatus},
		{"cmd.version", "/version", "Show the agent version", g.cmdVersion},
		{"cmd.list_commands", "/listCommands", "List symbolic commands from the catalog", g.cmdListCommands},
		{"cmd.list_skills", "/listSkills", "List loaded skills", g.cmdListSkills},
		{"cmd.list_subagents", "/listSubAgents", "List connected subagents", g.cmdListSubagents},
		{"cmd.list_channels", "/listChannels", "List active channels", g.cmdListChannels},
	}

	for _, c := range commands {
		if _, exists := g.cfg.Registry.Get(c.id); !exists {
			if err := g.cfg.Registry.Register(commandDescriptor(c.id, c.alias, c.description)); err != nil {
				return fmt.Errorf("registering %s: %w", c.id, err)
			}
		}
		g.cfg.Engine.RegisterHandler(c.id, c.handler)
	}

	if _, exists := g.cfg.Registry.Get(LLMCapabilityID); !exists {
		llm := &capability.Descriptor{
			ID:          LLMCapabilityID,
			Name:        "conversation",
			Version:     "1.0.0",
			Description: "Free-form conversation with the agent persona",
			Kind:        capability.KindAtomic,
			Execution:   capability.Execution{Substrate: capability.SubstrateLLM},
			Invocation: capability.Invocation{
				Modes: []capability.InvocationMode{capability.ModeMessage},
			},
			Access: capability.Access{
				Exposure:     capability.ExposureHuman,
				DefaultGrant: true,
			},
			Audit:  capability.Audit{LogInvocation: true},
			Status: capability.Status{Enabled: true},
		}
		if err := g.cfg.Registry.Register(llm); err != nil {
			return fmt.Errorf("registering %s: %w", LLMCapabilityID, err)
		}
	}
	return nil
}

func (g *Gateway) cmdHelp(_ context.Context, req *umf.Message, _ *session.Session) (*umf.Message, error) {
	type row struct{ alias, description string }
	var rows []row
	for _, d := range g.cfg.Registry.All() {
		if d.Execution.Substrate != capability.SubstrateSymbolic || !d.Status.Enabled {
			continue
		}
		if d.Access.Exposure != capability.ExposureHuman && d.Access.Exposure != capability.ExposurePublic {
			continue
		}
		if len(d.Invocation.CommandAliases) == 0 {
			continue
		}
		rows = append(rows, row{d.Invocation.CommandAliases[0], d.Description})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].alias < rows[j].alias })

	var sb strings.Builder
	sb.WriteString("| Command | Description |\n|---|---|\n")
	for _, r := range rows {
		fmt.Fprintf(&sb, "| %s | %s |\n", r.alias, r.description)
	}
	return umf.NewResponse(req, umf.MarkdownBlock(sb.String())), nil
}

func (g *Gateway) cmdAbout(_ context.Context, req *umf.Message, _ *session.Session) (*umf.Message, error) {
	text := fmt.Sprintf("%s: a P3394 agent-interface gateway.\nVersion %s. Say /help for commands.",
		g.cfg.AgentName, g.cfg.Version)
	return umf.NewResponse(req, umf.TextBlock(text)), nil
}

func (g *Gateway) cmdStatus(_ context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s v%s\n", g.cfg.AgentName, g.cfg.Version)
	fmt.Fprintf(&sb, "capabilities: %d\n", g.cfg.Registry.Count())
	if g.cfg.Skills != nil {
		fmt.Fprintf(&sb, "skills: %d\n", len(g.cfg.Skills.List()))
	}
	if g.cfg.Store != nil {
		fmt.Fprintf(&sb, "traces: %d\n", g.cfg.Store.TraceCount())
	}
	fmt.Fprintf(&sb, "session: %s", sess.ID)
	return umf.NewResponse(req, umf.TextBlock(sb.String())), nil
}

func (g *Gateway) cmdVersion(_ context.Context, req *umf.Message, _ *session.Session) (*umf.Message, error) {
	return umf.NewResponse(req, umf.TextBlock(fmt.Sprintf("%s v%s", g.cfg.AgentName, g.cfg.Version))), nil
}

func (g *Gateway) cmdListCommands(_ context.Context, req *umf.Message, sess *session.Session) (*umf.Message, error) {
	return g.cmdHelp(context.Background(), req, sess)
}

func (g *Gateway) cmdListSkills(_ context.Context, req *umf.Message, _ *session.Session) (*umf.Message, error) {
	if g.cfg.Skills == nil {
		return umf.NewResponse(req, umf.TextBlock("no skills directory configured")), nil
	}
	skillList := g.cfg.Skills.List()
	if len(skillList) == 0 {
		return umf.NewResponse(req, umf.TextBlock("no skills loaded")), nil
	}
	var sb strings.Builder
	sb.WriteString("| Skill | Triggers | Description |\n|---|---|---|\n")
	for _, s := range skillList {
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", s.Name, strings.Join(s.Triggers, ", "), s.Description)
	}
	return umf.NewResponse(req, umf.MarkdownBlock(sb.String())), nil
}

func (g *Gateway) cmdListSubagents(_ context.Context, req *umf.Message, _ *session.Session) (*umf.Message, error) {
	agents := map[string][]string{}
	for _, d := range g.cfg.Registry.Query(capability.Filter{Substrate: capability.SubstrateAgent}) {
		agents[d.Execution.Entrypoint] = append(agents[d.Execution.Entrypoint], d.ID)
	}
	if len(agents) == 0 {
		return umf.NewResponse(req, umf.TextBlock("no subagents connected")), nil
	}
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("| Subagent | Capabilities |\n|---|---|\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "| %s | %s |\n", name, strings.Join(agents[name], ", "))
	}
	return umf.NewResponse(req, umf.MarkdownBlock(sb.String())), nil
}

func (g *Gateway) cmdListChannels(_ context.Context, req *umf.Message, _ *session.Session) (*umf.Message, error) {
	if len(g.cfg.Channels) == 0 {
		return umf.NewResponse(req, umf.TextBlock("no channels active")), nil
	}
	var sb strings.Builder
	sb.WriteString("| Channel | Commands |\n|---|---|\n")
	for _, ch := range g.cfg.Channels {
		fmt.Fprintf(&sb, "| %s | %d |\n", ch.ID(), len(ch.Endpoints()))
	}
	return umf.NewResponse(req, umf.MarkdownBlock(sb.String())), nil
}
