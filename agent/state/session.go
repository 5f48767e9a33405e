package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
)

var (
	ErrInvalidConversation = errors.New("conversation id is empty")
	ErrSeqRegression       = errors.New("turn sequence must be strictly increasing")
	ErrNilState            = errors.New("conversation state is nil")
)

// WorkflowContext is the explicit continuation flag. The active agent sets
// AwaitingKey when it asks the user an open question; the router treats any
// plausible reply as an answer for the same agent while the key is set.
type WorkflowContext struct {
	AwaitingKey string `json:"awaiting_key,omitempty"`
	Question    string `json:"question,omitempty"`
	Mode        string `json:"mode,omitempty"`
	SinceTurn   int64  `json:"since_turn,omitempty"`
}

func (w WorkflowContext) Open() bool {
	return strings.TrimSpace(w.AwaitingKey) != ""
}

// ConversationState is the per-conversation mutable state held by the session
// store for the lifetime of interactive use. It is passed by value into the
// orchestration loop and written back via compare-and-swap; no ambient
// session object is shared across requests.
type ConversationState struct {
	ConversationID string              `json:"conversation_id"`
	Turns          []contractx.Turn    `json:"turns,omitempty"`
	ActiveAgent    contractx.AgentName `json:"active_agent,omitempty"`
	Workflow       WorkflowContext     `json:"workflow,omitempty"`

	// TurnSeq is the last assigned sequence number.
	TurnSeq int64 `json:"turn_seq"`

	// Version guards concurrent runs; bumped on every save.
	Version int64 `json:"version"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func NewConversationState(conversationID string, now time.Time) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		Version:        0,
		CreatedAt:      now.UTC(),
		LastActivityAt: now.UTC(),
	}
}

func (s *ConversationState) Touch(now time.Time) {
	s.LastActivityAt = now.UTC()
}

// AppendTurn assigns the next sequence number and appends. Turns are
// immutable once appended; there is no retroactive insert.
func (s *ConversationState) AppendTurn(t contractx.Turn, now time.Time) (contractx.Turn, error) {
	if s == nil {
		return contractx.Turn{}, ErrNilState
	}
	if t.Seq != 0 && t.Seq <= s.TurnSeq {
		return contractx.Turn{}, fmt.Errorf("%w: seq=%d last=%d", ErrSeqRegression, t.Seq, s.TurnSeq)
	}
	s.TurnSeq++
	t.Seq = s.TurnSeq
	if t.Timestamp.IsZero() {
		t.Timestamp = now.UTC()
	}
	s.Turns = append(s.Turns, t)
	s.Touch(now)
	return t, nil
}

// RecentTurns returns the last k turns for router context.
func (s *ConversationState) RecentTurns(k int) []contractx.Turn {
	if s == nil || k <= 0 || len(s.Turns) == 0 {
		return nil
	}
	if len(s.Turns) <= k {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-k:]
}

// AwaitUserInput records that the active agent asked an open question and the
// run ended mid-task. ActiveAgent is set iff such a question is pending.
func (s *ConversationState) AwaitUserInput(agent contractx.AgentName, key, question string) {
	s.ActiveAgent = agent
	s.Workflow.AwaitingKey = key
	s.Workflow.Question = question
	s.Workflow.SinceTurn = s.TurnSeq
}

// ResolveWorkflow clears the open question once the run reaches a terminal
// state that no longer awaits the user.
func (s *ConversationState) ResolveWorkflow() {
	s.ActiveAgent = ""
	s.Workflow = WorkflowContext{Mode: s.Workflow.Mode, SinceTurn: s.Workflow.SinceTurn}
}

func (s *ConversationState) Validate() error {
	if strings.TrimSpace(s.ConversationID) == "" {
		return ErrInvalidConversation
	}
	if s.ActiveAgent != "" && !s.ActiveAgent.Valid() {
		return fmt.Errorf("%w: active_agent=%s", contractx.ErrUnknownAgent, s.ActiveAgent)
	}
	// active agent pending iff an open question exists
	if s.ActiveAgent != "" && !s.Workflow.Open() {
		return fmt.Errorf("active agent %s set without an open workflow question", s.ActiveAgent)
	}
	if s.ActiveAgent == "" && s.Workflow.Open() {
		return fmt.Errorf("open workflow question %q without an active agent", s.Workflow.AwaitingKey)
	}
	var last int64
	for _, t := range s.Turns {
		if t.Seq <= last {
			return fmt.Errorf("%w: seq=%d after %d", ErrSeqRegression, t.Seq, last)
		}
		last = t.Seq
	}
	if last != s.TurnSeq {
		return fmt.Errorf("turn_seq=%d does not match last turn seq=%d", s.TurnSeq, last)
	}
	return nil
}

// Clone returns a deep copy so a run can mutate freely before CAS write-back.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = make([]contractx.Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	return &out
}
