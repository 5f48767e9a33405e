package registry

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	promptx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/prompt"
	toolx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/tool"
)

type fakeCompleter struct{}

func (fakeCompleter) Decide(context.Context, contractx.DecideRequest) (contractx.AgentDecision, error) {
	return contractx.AgentDecision{Text: "ok"}, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	noop := func(ctx context.Context, inv toolx.Invocation) (contractx.ToolResult, error) {
		return contractx.ToolResult{Result: "ok"}, nil
	}
	catalog, err := toolx.NewCatalog(
		&toolx.Declaration{Name: toolx.ToolProjectCreate, Label: "Creating...", Desc: "create", SideEffect: true, DeepTask: true, Handler: noop},
		&toolx.Declaration{Name: toolx.ToolContentImport, Label: "Importing...", Desc: "import", SideEffect: true, DeepTask: true, Handler: noop},
		&toolx.Declaration{Name: toolx.ToolResourceSearch, Label: "Searching...", Desc: "search", DeepTask: true, Handler: noop},
		&toolx.Declaration{Name: toolx.ToolSavePreference, Label: "Saving...", Desc: "save", SideEffect: true, Handler: noop},
	)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	factory := func(context.Context, contractx.AgentName, string, []*schema.ToolInfo) (contractx.Completer, error) {
		return fakeCompleter{}, nil
	}
	reg, err := New(context.Background(), promptx.LoadPromptSet(), catalog, factory)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return reg
}

func TestRegistryRegistersAllKnownAgents(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	for _, name := range contractx.KnownAgents {
		if _, ok := reg.Agent(name); !ok {
			t.Fatalf("agent %s not registered", name)
		}
	}
	if reg.Fallback().Name != contractx.AgentSupport {
		t.Fatalf("fallback = %s, want support", reg.Fallback().Name)
	}
}

func TestAgentToolAuthorization(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	creation, _ := reg.Agent(contractx.AgentProjectCreation)
	if !creation.AllowsTool(toolx.ToolProjectCreate) {
		t.Fatal("project_creation should allow project.create")
	}
	if creation.AllowsTool(toolx.ToolSavePreference) {
		t.Fatal("project_creation must not allow profile.save_preference")
	}

	support, _ := reg.Agent(contractx.AgentSupport)
	if support.AllowsTool(toolx.ToolProjectCreate) {
		t.Fatal("support has no catalog tools")
	}
}

func TestEveryAgentGetsAwaitUserVerb(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	for _, name := range contractx.KnownAgents {
		agent, _ := reg.Agent(name)
		var found bool
		for _, info := range agent.ToolInfos {
			if info.Name == contractx.ControlAwaitUser {
				found = true
			}
		}
		if !found {
			t.Fatalf("agent %s is missing the await-user verb", name)
		}
	}
}

func TestSuppressedAgents(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	suppressed := reg.Suppressed()
	if len(suppressed) != 1 || suppressed[0] != contractx.AgentDiscovery {
		t.Fatalf("Suppressed() = %v, want [discovery]", suppressed)
	}
}

func TestByPriorityOrder(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	agents := reg.ByPriority()
	if agents[0].Name != contractx.AgentProjectCreation {
		t.Fatalf("highest priority = %s, want project_creation", agents[0].Name)
	}
	if agents[len(agents)-1].Name != contractx.AgentSupport {
		t.Fatalf("lowest priority = %s, want support", agents[len(agents)-1].Name)
	}
}
