// Package runtime drives one orchestration run: an explicit state machine
// alternating between "ask the agent" and "execute the requested tool",
// bounded by a step limit and a wall-clock budget so termination is provable.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	registryx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/registry"
	statex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/state"
	toolx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/tool"
)

const (
	defaultMaxSteps   = 8
	defaultRunTimeout = 2 * time.Minute
	tokenChunkRunes   = 48
)

type phase string

const (
	phaseAwaitingDecision phase = "awaiting_agent_decision"
	phaseExecutingTool    phase = "executing_tool"
	phaseFoldingResult    phase = "folding_result"
	phaseEmittingText     phase = "emitting_text"
	phaseComplete         phase = "complete"
	phaseFailed           phase = "failed"
)

// Emitter receives run events in generation order. The streaming transport
// implements it; tests capture events directly.
type Emitter interface {
	Emit(ev contractx.Event) error
}

// CancelFlag is the cooperative cancellation signal. It is checked at every
// state-machine transition boundary, never inside an executing tool call.
type CancelFlag struct {
	flag atomic.Bool
}

func (c *CancelFlag) Cancel() {
	if c != nil {
		c.flag.Store(true)
	}
}

func (c *CancelFlag) Cancelled() bool {
	return c != nil && c.flag.Load()
}

type Config struct {
	MaxSteps   int           `envconfig:"MAX_STEPS" split_words:"true" default:"8"`
	RunTimeout time.Duration `envconfig:"RUN_TIMEOUT" split_words:"true" default:"2m"`
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	return c
}

type Loop struct {
	catalog *toolx.Catalog
	cfg     Config
}

func NewLoop(catalog *toolx.Catalog, cfg Config) (*Loop, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: tool catalog is required", contractx.ErrValidation)
	}
	return &Loop{catalog: catalog, cfg: cfg.withDefaults()}, nil
}

// Outcome summarizes a finished run. Exactly one terminal event has been
// emitted by the time Run returns, and st holds the (possibly partial)
// transcript regardless of how the run ended.
type Outcome struct {
	Terminal     contractx.Event
	Failed       bool
	AwaitingUser bool
}

// Run executes one orchestration run for the selected agent, mutating st in
// place (the caller owns write-back via CAS). Events go to emit in order;
// the terminal event is always last.
func (l *Loop) Run(
	ctx context.Context,
	st *statex.ConversationState,
	agent *registryx.Agent,
	selection contractx.AgentSelection,
	cancel *CancelFlag,
	emit Emitter,
) Outcome {
	ctx, cancelCtx := context.WithTimeout(ctx, l.cfg.RunTimeout)
	defer cancelCtx()

	runID := uuid.NewString()
	now := time.Now

	if selection.IsSwitch {
		l.send(emit, contractx.AgentSwitchEvent(selection.Previous, selection.Agent))
	}

	var lastSideEffect json.RawMessage

	for step := 1; step <= l.cfg.MaxSteps; step++ {
		trace(runID, step, phaseAwaitingDecision)
		if term, ok := l.checkpoint(ctx, cancel); ok {
			return l.fail(emit, term)
		}

		decision, err := agent.Completer.Decide(ctx, contractx.DecideRequest{
			Directive: agent.Directive,
			History:   st.Turns,
			Tools:     agent.ToolInfos,
		})
		if err != nil {
			log.Error().Err(err).Str("agent", string(agent.Name)).Msg("agent decision failed")
			// Inference is infrastructure here: fatal to the run, the client
			// retries the turn. tool_failure stays reserved for folded-back
			// tool errors.
			return l.fail(emit, contractx.ErrorEvent(contractx.KindSessionUnavailable, "the assistant is temporarily unavailable, try again shortly"))
		}

		if !decision.WantsTool() {
			trace(runID, step, phaseEmittingText)
			l.streamText(emit, decision.Text)
			if _, err := st.AppendTurn(contractx.Turn{
				Role:      contractx.RoleAgent,
				Content:   decision.Text,
				AgentName: agent.Name,
			}, now()); err != nil {
				return l.fail(emit, contractx.ErrorEvent(contractx.KindSessionUnavailable, "conversation log rejected the reply"))
			}
			st.ResolveWorkflow()
			trace(runID, step, phaseComplete)
			terminal := contractx.CompleteEvent(st.ConversationID, lastSideEffect)
			l.send(emit, terminal)
			return Outcome{Terminal: terminal}
		}

		req := *decision.ToolRequest

		// The await control verb is how an agent parks the run on an open
		// question; it is not a catalog tool and has no side effects.
		if req.Tool == ControlAwaitUser {
			return l.awaitUser(emit, st, agent, req, lastSideEffect, now())
		}

		trace(runID, step, phaseExecutingTool)
		if !agent.AllowsTool(req.Tool) {
			// Contract violation between agent and registry. Fail fast,
			// never substitute another tool.
			return l.fail(emit, contractx.ErrorEvent(
				contractx.KindUnauthorizedTool,
				fmt.Sprintf("agent %s may not call tool %s", agent.Name, req.Tool),
			))
		}
		if err := l.catalog.ValidateArgs(req.Tool, req.Args); err != nil {
			if errors.Is(err, toolx.ErrInvalidArgs) {
				return l.fail(emit, contractx.ErrorEvent(contractx.KindInvalidArguments, sanitizeArgsError(err)))
			}
			return l.fail(emit, contractx.ErrorEvent(
				contractx.KindUnauthorizedTool,
				fmt.Sprintf("agent %s requested unknown tool %s", agent.Name, req.Tool),
			))
		}

		decl, _ := l.catalog.Get(req.Tool)
		l.send(emit, contractx.ToolStartEvent(req.Tool, decl.Label))

		result, err := l.catalog.Execute(ctx, toolx.Invocation{
			Tool: req.Tool,
			Args: req.Args,
			// Stable per run and tool: a retried step after a transient
			// failure carries the same key and cannot double-create.
			IdempotencyKey: runID + ":" + req.Tool,
		})
		if err != nil {
			return l.fail(emit, contractx.ErrorEvent(
				contractx.KindUnauthorizedTool,
				fmt.Sprintf("agent %s requested unknown tool %s", agent.Name, req.Tool),
			))
		}

		data := marshalResult(result)
		l.send(emit, contractx.ToolResultEvent(req.Tool, result.OK(), data))
		if result.OK() && decl.SideEffect {
			lastSideEffect = data
		}

		trace(runID, step, phaseFoldingResult)
		if _, err := st.AppendTurn(contractx.Turn{
			Role:      contractx.RoleTool,
			ToolName:  req.Tool,
			ToolData:  data,
			AgentName: agent.Name,
		}, now()); err != nil {
			return l.fail(emit, contractx.ErrorEvent(contractx.KindSessionUnavailable, "conversation log rejected the tool result"))
		}
	}

	trace(runID, l.cfg.MaxSteps, phaseFailed)
	// Step budget exhausted without a terminal phase. Tell the user progress
	// stalled; the partial transcript stays persisted.
	return l.fail(emit, contractx.ErrorEvent(
		contractx.KindStepLimitExceeded,
		fmt.Sprintf("stopped after %d steps without completing", l.cfg.MaxSteps),
	))
}

// checkpoint reports a pending cancellation or expired run budget. Called at
// transition boundaries only, so an in-flight tool call is never aborted.
func (l *Loop) checkpoint(ctx context.Context, cancel *CancelFlag) (contractx.Event, bool) {
	if cancel.Cancelled() {
		return contractx.ErrorEvent(contractx.KindCancelled, "the run was cancelled"), true
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return contractx.ErrorEvent(contractx.KindStepLimitExceeded, "the run exceeded its time budget"), true
		}
		return contractx.ErrorEvent(contractx.KindCancelled, "the run was cancelled"), true
	}
	return contractx.Event{}, false
}

func (l *Loop) awaitUser(
	emit Emitter,
	st *statex.ConversationState,
	agent *registryx.Agent,
	req contractx.ToolRequest,
	lastSideEffect json.RawMessage,
	now time.Time,
) Outcome {
	key, question, err := parseAwaitArgs(req.Args)
	if err != nil {
		return l.fail(emit, contractx.ErrorEvent(contractx.KindInvalidArguments, err.Error()))
	}

	l.streamText(emit, question)
	if _, err := st.AppendTurn(contractx.Turn{
		Role:      contractx.RoleAgent,
		Content:   question,
		AgentName: agent.Name,
	}, now); err != nil {
		return l.fail(emit, contractx.ErrorEvent(contractx.KindSessionUnavailable, "conversation log rejected the question"))
	}
	st.AwaitUserInput(agent.Name, key, question)

	terminal := contractx.CompleteEvent(st.ConversationID, lastSideEffect)
	l.send(emit, terminal)
	return Outcome{Terminal: terminal, AwaitingUser: true}
}

func (l *Loop) fail(emit Emitter, terminal contractx.Event) Outcome {
	l.send(emit, terminal)
	return Outcome{Terminal: terminal, Failed: true}
}

func (l *Loop) streamText(emit Emitter, text string) {
	for _, chunk := range chunkRunes(text, tokenChunkRunes) {
		l.send(emit, contractx.TokenEvent(chunk))
	}
}

func trace(runID string, step int, p phase) {
	log.Debug().Str("run_id", runID).Int("step", step).Str("phase", string(p)).Msg("run transition")
}

func (l *Loop) send(emit Emitter, ev contractx.Event) {
	if err := emit.Emit(ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.Type)).Msg("event emission failed")
	}
}

func marshalResult(res contractx.ToolResult) json.RawMessage {
	if !res.OK() {
		data, _ := json.Marshal(map[string]string{"error": res.Error})
		return data
	}
	data, err := json.Marshal(res.Result)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": "unencodable tool result"})
		return data
	}
	return data
}

// sanitizeArgsError strips wrapped internals, keeping the stable description.
func sanitizeArgsError(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

func chunkRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for start := 0; start < len(runes); start += n {
		end := start + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
