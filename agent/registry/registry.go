package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	promptx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/prompt"
	toolx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/tool"
)

// Definition is the static capability table for one agent: purpose line for
// the router, priority for tie-breaks, and the tool subset. The table is
// fixed at compile time; nothing is discovered at runtime.
type Definition struct {
	Name     contractx.AgentName
	Purpose  string
	Priority int
	Tools    []string
	// SuppressDuringDeepTask biases the router against this agent while a
	// deep-task tool ran in recent turns (e.g. no preference collection in
	// the middle of an active creation or learning flow).
	SuppressDuringDeepTask bool
}

func Definitions() []Definition {
	return []Definition{
		{
			Name:     contractx.AgentProjectCreation,
			Purpose:  "create, title, describe, or publish a portfolio project",
			Priority: 90,
			Tools:    []string{toolx.ToolProjectCreate},
		},
		{
			Name:     contractx.AgentContentImport,
			Purpose:  "import external content the user owns into a project",
			Priority: 80,
			Tools:    []string{toolx.ToolContentImport},
		},
		{
			Name:     contractx.AgentLearning,
			Purpose:  "guided practice, tutorials, learning paths",
			Priority: 70,
			Tools:    []string{toolx.ToolResourceSearch},
		},
		{
			Name:                   contractx.AgentDiscovery,
			Purpose:                "browse and search other creators' work, collect taste preferences",
			Priority:               40,
			Tools:                  []string{toolx.ToolResourceSearch, toolx.ToolSavePreference},
			SuppressDuringDeepTask: true,
		},
		{
			Name:     contractx.AgentSupport,
			Purpose:  "account, billing, bugs, and anything that fits no other agent",
			Priority: 10,
		},
	}
}

// Agent is a ready-to-run policy unit: definition, directive, compiled
// completer, and the resolved tool infos for model binding.
type Agent struct {
	Definition
	Directive string
	Completer contractx.Completer
	ToolInfos []*schema.ToolInfo

	allowed map[string]struct{}
}

func (a *Agent) AllowsTool(name string) bool {
	_, ok := a.allowed[name]
	return ok
}

// CompleterFactory builds the inference capability for one agent. Production
// wiring uses llm.NewCompleter; tests inject fakes.
type CompleterFactory func(
	ctx context.Context,
	agent contractx.AgentName,
	directive string,
	tools []*schema.ToolInfo,
) (contractx.Completer, error)

type Registry struct {
	agents   map[contractx.AgentName]*Agent
	fallback contractx.AgentName
}

func New(
	ctx context.Context,
	prompts promptx.PromptSet,
	catalog *toolx.Catalog,
	factory CompleterFactory,
) (*Registry, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: tool catalog is required", contractx.ErrValidation)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: completer factory is required", contractx.ErrValidation)
	}

	r := &Registry{
		agents:   make(map[contractx.AgentName]*Agent, len(contractx.KnownAgents)),
		fallback: contractx.AgentSupport,
	}

	for _, def := range Definitions() {
		directive := strings.TrimSpace(prompts.Directives[def.Name])
		if directive == "" {
			return nil, fmt.Errorf("%w: directive for agent=%s", contractx.ErrPromptMissing, def.Name)
		}

		infos, err := catalog.InfosFor(def.Tools)
		if err != nil {
			return nil, fmt.Errorf("resolve tools for agent=%s: %w", def.Name, err)
		}
		// Every agent can park the run on an open question.
		infos = append(infos, contractx.AwaitUserToolInfo())

		completer, err := factory(ctx, def.Name, directive, infos)
		if err != nil {
			return nil, err
		}

		allowed := make(map[string]struct{}, len(def.Tools))
		for _, t := range def.Tools {
			allowed[t] = struct{}{}
		}

		r.agents[def.Name] = &Agent{
			Definition: def,
			Directive:  directive,
			Completer:  completer,
			ToolInfos:  infos,
			allowed:    allowed,
		}
	}

	if _, ok := r.agents[r.fallback]; !ok {
		return nil, fmt.Errorf("%w: fallback agent %s is not registered", contractx.ErrUnknownAgent, r.fallback)
	}

	return r, nil
}

func (r *Registry) Agent(name contractx.AgentName) (*Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

func (r *Registry) Fallback() *Agent {
	return r.agents[r.fallback]
}

// Suppressed returns the agents biased against while a deep task is active.
func (r *Registry) Suppressed() []contractx.AgentName {
	var out []contractx.AgentName
	for _, a := range r.agents {
		if a.SuppressDuringDeepTask {
			out = append(out, a.Name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ByPriority returns agents in descending priority order, used for
// classification tie-breaks.
func (r *Registry) ByPriority() []*Agent {
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
