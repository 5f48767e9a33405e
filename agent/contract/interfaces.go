package contract

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// Completer is the external inference capability. Given an agent's directive,
// the conversation history, and the agent's tool subset, it produces the next
// decision: final text or one tool call.
type Completer interface {
	Decide(ctx context.Context, req DecideRequest) (AgentDecision, error)
}

type DecideRequest struct {
	Directive string
	History   []Turn
	Tools     []*schema.ToolInfo
}

// Classifier resolves a new turn to the best-matching agent. Implementations
// may call the inference capability; errors must degrade to the fallback
// agent upstream, never block the turn.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error)
}

type ClassifyRequest struct {
	Text    string
	History []Turn
	// Suppressed lists agents the router has decided to bias against for
	// this turn (deep-task suppression rule).
	Suppressed []AgentName
}

type ClassifyResult struct {
	Agent      AgentName `json:"agent"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
}

// Entitlements is consulted once per turn before any tool runs. A denial
// short-circuits the run with quota_exceeded.
type Entitlements interface {
	Check(ctx context.Context, conversationID string) error
}

// Sink durably records finalized turns out of the interactive path.
// Enqueue is fire-and-forget: it must not block or fail the user stream.
type Sink interface {
	Enqueue(conversationID string, turns []Turn)
}

// NoopSink is used when durable archiving is disabled (tests, local runs).
type NoopSink struct{}

func (NoopSink) Enqueue(string, []Turn) {}

// AllowAll is the default entitlement policy.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) error { return nil }
