package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	promptx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/prompt"
	registryx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/registry"
	statex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/state"
	toolx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/tool"
)

type fakeClassifier struct {
	result contractx.ClassifyResult
	err    error
	calls  int
	gotReq contractx.ClassifyRequest
}

func (f *fakeClassifier) Classify(ctx context.Context, req contractx.ClassifyRequest) (contractx.ClassifyResult, error) {
	f.calls++
	f.gotReq = req
	return f.result, f.err
}

type fakeCompleter struct{}

func (fakeCompleter) Decide(context.Context, contractx.DecideRequest) (contractx.AgentDecision, error) {
	return contractx.AgentDecision{Text: "ok"}, nil
}

func noopHandler(ctx context.Context, inv toolx.Invocation) (contractx.ToolResult, error) {
	return contractx.ToolResult{Result: "ok"}, nil
}

func testCatalog(t *testing.T) *toolx.Catalog {
	t.Helper()
	decls := []*toolx.Declaration{
		{Name: toolx.ToolProjectCreate, Label: "Creating...", Desc: "create", SideEffect: true, DeepTask: true, Handler: noopHandler},
		{Name: toolx.ToolContentImport, Label: "Importing...", Desc: "import", SideEffect: true, DeepTask: true, Handler: noopHandler},
		{Name: toolx.ToolResourceSearch, Label: "Searching...", Desc: "search", DeepTask: true, Handler: noopHandler},
		{Name: toolx.ToolSavePreference, Label: "Saving...", Desc: "save", SideEffect: true, Handler: noopHandler},
	}
	catalog, err := toolx.NewCatalog(decls...)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return catalog
}

func testRegistry(t *testing.T, catalog *toolx.Catalog) *registryx.Registry {
	t.Helper()
	factory := func(context.Context, contractx.AgentName, string, []*schema.ToolInfo) (contractx.Completer, error) {
		return fakeCompleter{}, nil
	}
	reg, err := registryx.New(context.Background(), promptx.LoadPromptSet(), catalog, factory)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return reg
}

func newTestRouter(t *testing.T, classifier contractx.Classifier) (*Router, *toolx.Catalog) {
	t.Helper()
	catalog := testCatalog(t)
	r, err := New(classifier, testRegistry(t, catalog), catalog, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, catalog
}

func TestRouteContinuationBeatsClassification(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{result: contractx.ClassifyResult{Agent: contractx.AgentSupport, Confidence: 0.99}}
	r, _ := newTestRouter(t, classifier)

	st := statex.NewConversationState("conv-1", time.Now())
	st.AwaitUserInput(contractx.AgentContentImport, "made_with", "What tool did you make this with?")

	// Ambiguous on its own, but an open question is pending.
	sel := r.Route(context.Background(), st, "yes, made with Tool X")
	if sel.Agent != contractx.AgentContentImport {
		t.Fatalf("Agent = %s, want content_import", sel.Agent)
	}
	if sel.IsSwitch {
		t.Fatal("continuation must not report a switch")
	}
	if !strings.HasPrefix(sel.Reason, "continuation:") {
		t.Fatalf("Reason = %q, want continuation prefix", sel.Reason)
	}
	if classifier.calls != 0 {
		t.Fatalf("classifier calls = %d, want 0", classifier.calls)
	}
}

func TestRouteTopicChangeBreaksContinuation(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{result: contractx.ClassifyResult{Agent: contractx.AgentDiscovery, Confidence: 0.8, Reason: "browse"}}
	r, _ := newTestRouter(t, classifier)

	st := statex.NewConversationState("conv-1", time.Now())
	st.AwaitUserInput(contractx.AgentProjectCreation, "project_title", "What should we call it?")

	sel := r.Route(context.Background(), st, "nevermind, show me other artists")
	if classifier.calls != 1 {
		t.Fatalf("classifier calls = %d, want 1", classifier.calls)
	}
	if sel.Agent != contractx.AgentDiscovery {
		t.Fatalf("Agent = %s, want discovery", sel.Agent)
	}
	if !sel.IsSwitch {
		t.Fatal("topic change away from the pending agent should report a switch")
	}
}

func TestRouteLowConfidenceFallsBack(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{result: contractx.ClassifyResult{Agent: contractx.AgentLearning, Confidence: 0.2}}
	r, _ := newTestRouter(t, classifier)

	sel := r.Route(context.Background(), statex.NewConversationState("conv-1", time.Now()), "hmm")
	if sel.Agent != contractx.AgentSupport {
		t.Fatalf("Agent = %s, want support fallback", sel.Agent)
	}
	if !strings.HasPrefix(sel.Reason, "low_confidence:") {
		t.Fatalf("Reason = %q, want low_confidence prefix", sel.Reason)
	}
}

func TestRouteClassifierErrorFallsBack(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{err: errors.New("model down")}
	r, _ := newTestRouter(t, classifier)

	sel := r.Route(context.Background(), statex.NewConversationState("conv-1", time.Now()), "help me")
	if sel.Agent != contractx.AgentSupport {
		t.Fatalf("Agent = %s, want support fallback", sel.Agent)
	}
	if sel.Reason != "classifier_error" {
		t.Fatalf("Reason = %q, want classifier_error", sel.Reason)
	}
}

func TestRouteUnknownAgentFallsBack(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{result: contractx.ClassifyResult{Agent: "billing", Confidence: 0.99}}
	r, _ := newTestRouter(t, classifier)

	sel := r.Route(context.Background(), statex.NewConversationState("conv-1", time.Now()), "help me")
	if sel.Agent != contractx.AgentSupport {
		t.Fatalf("Agent = %s, want support fallback", sel.Agent)
	}
}

func deepTaskState(t *testing.T) *statex.ConversationState {
	t.Helper()
	st := statex.NewConversationState("conv-1", time.Now())
	turns := []contractx.Turn{
		{Role: contractx.RoleUser, Content: "create a project"},
		{Role: contractx.RoleTool, ToolName: toolx.ToolProjectCreate, AgentName: contractx.AgentProjectCreation},
		{Role: contractx.RoleAgent, Content: "created, what next?", AgentName: contractx.AgentProjectCreation},
	}
	for _, turn := range turns {
		if _, err := st.AppendTurn(turn, time.Now()); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}
	return st
}

func TestRouteSuppressedAgentNeedsNearCertainty(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{result: contractx.ClassifyResult{Agent: contractx.AgentDiscovery, Confidence: 0.8}}
	r, _ := newTestRouter(t, classifier)

	sel := r.Route(context.Background(), deepTaskState(t), "show me some art")
	if sel.Agent != contractx.AgentSupport {
		t.Fatalf("Agent = %s, want support while discovery is suppressed", sel.Agent)
	}
	if len(classifier.gotReq.Suppressed) == 0 {
		t.Fatal("classifier should receive the suppressed agent list")
	}
}

func TestRouteSuppressedAgentWinsAtHighConfidence(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{result: contractx.ClassifyResult{Agent: contractx.AgentDiscovery, Confidence: 0.95, Reason: "explicit browse request"}}
	r, _ := newTestRouter(t, classifier)

	sel := r.Route(context.Background(), deepTaskState(t), "stop everything, I just want to browse other artists")
	if sel.Agent != contractx.AgentDiscovery {
		t.Fatalf("Agent = %s, want discovery at near-certain confidence", sel.Agent)
	}
	if !sel.IsSwitch {
		t.Fatal("switch from project_creation to discovery should be reported")
	}
}

func TestRouteEmptyTextIsNotAContinuation(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{result: contractx.ClassifyResult{Agent: contractx.AgentSupport, Confidence: 0.9}}
	r, _ := newTestRouter(t, classifier)

	st := statex.NewConversationState("conv-1", time.Now())
	st.AwaitUserInput(contractx.AgentLearning, "skill_level", "How experienced are you?")

	sel := r.Route(context.Background(), st, "   ")
	if classifier.calls != 1 {
		t.Fatalf("classifier calls = %d, want 1", classifier.calls)
	}
	if sel.Agent != contractx.AgentSupport {
		t.Fatalf("Agent = %s, want support", sel.Agent)
	}
}
