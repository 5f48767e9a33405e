package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/gorilla/websocket"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	promptx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/prompt"
	registryx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/registry"
	routerx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/router"
	runtimex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/runtime"
	servicex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/service"
	statex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/state"
	toolx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/tool"
)

type memStore struct {
	mu     sync.Mutex
	states map[string]*statex.ConversationState
}

func (m *memStore) Load(ctx context.Context, id string) (*statex.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, statex.ErrStateNotFound
	}
	return st.Clone(), nil
}

func (m *memStore) Save(ctx context.Context, st *statex.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.ConversationID] = st.Clone()
	return nil
}

func (m *memStore) CompareAndSwap(ctx context.Context, st *statex.ConversationState, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Version = expected + 1
	m.states[st.ConversationID] = st.Clone()
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

type staticClassifier struct{}

func (staticClassifier) Classify(context.Context, contractx.ClassifyRequest) (contractx.ClassifyResult, error) {
	return contractx.ClassifyResult{Agent: contractx.AgentSupport, Confidence: 0.95}, nil
}

type textCompleter struct{}

func (textCompleter) Decide(context.Context, contractx.DecideRequest) (contractx.AgentDecision, error) {
	return contractx.AgentDecision{Text: "Hello from the assistant."}, nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	catalog, err := toolx.NewCatalog(
		&toolx.Declaration{Name: toolx.ToolProjectCreate, Label: "Creating...", Desc: "create", SideEffect: true, DeepTask: true,
			Handler: func(ctx context.Context, inv toolx.Invocation) (contractx.ToolResult, error) {
				return contractx.ToolResult{Result: "ok"}, nil
			}},
		&toolx.Declaration{Name: toolx.ToolContentImport, Label: "Importing...", Desc: "import", SideEffect: true, DeepTask: true,
			Handler: func(ctx context.Context, inv toolx.Invocation) (contractx.ToolResult, error) {
				return contractx.ToolResult{Result: "ok"}, nil
			}},
		&toolx.Declaration{Name: toolx.ToolResourceSearch, Label: "Searching...", Desc: "search", DeepTask: true,
			Handler: func(ctx context.Context, inv toolx.Invocation) (contractx.ToolResult, error) {
				return contractx.ToolResult{Result: "ok"}, nil
			}},
		&toolx.Declaration{Name: toolx.ToolSavePreference, Label: "Saving...", Desc: "save", SideEffect: true,
			Handler: func(ctx context.Context, inv toolx.Invocation) (contractx.ToolResult, error) {
				return contractx.ToolResult{Result: "ok"}, nil
			}},
	)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	factory := func(context.Context, contractx.AgentName, string, []*schema.ToolInfo) (contractx.Completer, error) {
		return textCompleter{}, nil
	}
	reg, err := registryx.New(context.Background(), promptx.LoadPromptSet(), catalog, factory)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	rt, err := routerx.New(staticClassifier{}, reg, catalog, routerx.Options{})
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	loop, err := runtimex.NewLoop(catalog, runtimex.Config{})
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	svc, err := servicex.New(&memStore{states: map[string]*statex.ConversationState{}}, reg, rt, loop, nil, nil)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}

	server, err := NewServer(Config{Debug: false}, svc)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ts := httptest.NewServer(server.Engine())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := testServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func submitTurn(t *testing.T, ts *httptest.Server, conversationID, text string) turnResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"text": text})
	resp, err := http.Post(ts.URL+"/v1/conversations/"+conversationID+"/turns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST turn error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var out turnResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestTurnSubmissionReturnsStreamToken(t *testing.T) {
	t.Parallel()

	ts := testServer(t)
	out := submitTurn(t, ts, "conv-1", "hello")
	if out.StreamToken == "" {
		t.Fatal("stream token missing")
	}
	if out.StreamPath != "/v1/conversations/conv-1/stream" {
		t.Fatalf("stream path = %q", out.StreamPath)
	}
}

func TestTurnSubmissionRejectsEmptyText(t *testing.T) {
	t.Parallel()

	ts := testServer(t)
	body := []byte(`{"text":"   "}`)
	resp, err := http.Post(ts.URL+"/v1/conversations/conv-1/turns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST turn error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamRejectsInvalidToken(t *testing.T) {
	t.Parallel()

	ts := testServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/conversations/conv-1/stream?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial should fail with a bogus token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}
}

func TestStreamDeliversRunEvents(t *testing.T) {
	t.Parallel()

	ts := testServer(t)
	out := submitTurn(t, ts, "conv-1", "hello")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + out.StreamPath + "?token=" + out.StreamToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	var sawToken bool
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var ev contractx.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		switch ev.Type {
		case contractx.EventToken:
			sawToken = true
		case contractx.EventComplete:
			if !sawToken {
				t.Fatal("token events should precede the terminal")
			}
			return
		case contractx.EventError:
			t.Fatalf("unexpected error event: %+v", ev)
		}
	}
}

func TestStreamTokenIsSingleUseAcrossDials(t *testing.T) {
	t.Parallel()

	ts := testServer(t)
	out := submitTurn(t, ts, "conv-1", "hello")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + out.StreamPath + "?token=" + out.StreamToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first dial error = %v", err)
	}
	conn.Close()

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("second dial with the same token should fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}
}

func TestReconnectTokenEndpoint(t *testing.T) {
	t.Parallel()

	ts := testServer(t)
	resp, err := http.Post(ts.URL+"/v1/conversations/conv-1/stream/token", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stream/token error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		StreamToken string `json:"stream_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.StreamToken == "" {
		t.Fatal("stream token missing")
	}
}

func TestCancelWithoutRunIs404(t *testing.T) {
	t.Parallel()

	ts := testServer(t)
	resp, err := http.Post(ts.URL+"/v1/conversations/conv-1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
