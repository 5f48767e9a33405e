package contract

import (
	"encoding/json"
	"time"
)

type AgentName string

const (
	AgentProjectCreation AgentName = "project_creation"
	AgentContentImport   AgentName = "content_import"
	AgentLearning        AgentName = "learning"
	AgentDiscovery       AgentName = "discovery"
	AgentSupport         AgentName = "support"
)

// KnownAgents is the closed set of agent identities. The registry refuses
// anything outside it; there is no runtime discovery.
var KnownAgents = []AgentName{
	AgentProjectCreation,
	AgentContentImport,
	AgentLearning,
	AgentDiscovery,
	AgentSupport,
}

func (a AgentName) Valid() bool {
	for _, known := range KnownAgents {
		if a == known {
			return true
		}
	}
	return false
}

type TurnRole string

const (
	RoleUser  TurnRole = "user"
	RoleAgent TurnRole = "agent"
	RoleTool  TurnRole = "tool"
)

// Turn is one immutable entry of the conversation log. Seq is strictly
// increasing within a conversation and assigned only by the state package.
type Turn struct {
	Role      TurnRole        `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolData  json.RawMessage `json:"tool_data,omitempty"`
	AgentName AgentName       `json:"agent_name,omitempty"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
}

type ToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r ToolResult) OK() bool {
	return r.Error == ""
}

// AgentDecision is what an agent produces per orchestration step: either
// final text for the user or exactly one tool request. Never both.
type AgentDecision struct {
	Text        string
	ToolRequest *ToolRequest
}

func (d AgentDecision) WantsTool() bool {
	return d.ToolRequest != nil
}

// AgentSelection is the router's verdict for a turn.
type AgentSelection struct {
	Agent    AgentName `json:"agent"`
	Previous AgentName `json:"previous,omitempty"`
	IsSwitch bool      `json:"is_switch"`
	Reason   string    `json:"reason,omitempty"`
}

type EventType string

const (
	EventToken       EventType = "token"
	EventToolStart   EventType = "tool_start"
	EventToolResult  EventType = "tool_result"
	EventAgentSwitch EventType = "agent_switch"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// Event is the envelope streamed to the client, one JSON object per event.
// Seq is assigned by the transport per run; the loop emits in generation
// order and the terminal event (complete or error) is always last.
type Event struct {
	Type EventType `json:"type"`
	Seq  int64     `json:"seq,omitempty"`

	// token
	Content string `json:"content,omitempty"`

	// tool_start / tool_result
	Tool    string          `json:"tool,omitempty"`
	Label   string          `json:"label,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// agent_switch
	From AgentName `json:"from,omitempty"`
	To   AgentName `json:"to,omitempty"`

	// complete
	SessionID string          `json:"session_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// error
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

func TokenEvent(content string) Event {
	return Event{Type: EventToken, Content: content}
}

func ToolStartEvent(tool, label string) Event {
	return Event{Type: EventToolStart, Tool: tool, Label: label}
}

func ToolResultEvent(tool string, success bool, data json.RawMessage) Event {
	return Event{Type: EventToolResult, Tool: tool, Success: &success, Data: data}
}

func AgentSwitchEvent(from, to AgentName) Event {
	return Event{Type: EventAgentSwitch, From: from, To: to}
}

func CompleteEvent(sessionID string, result json.RawMessage) Event {
	return Event{Type: EventComplete, SessionID: sessionID, Result: result}
}

func ErrorEvent(kind ErrorKind, message string) Event {
	return Event{Type: EventError, Kind: kind, Message: message}
}
