package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
)

type completerImpl struct {
	agent  contractx.AgentName
	runner compose.Runnable[map[string]any, *schema.Message]
}

// NewCompleter binds the agent's tool subset to its model and compiles the
// decision graph once. The returned Completer is safe for concurrent use.
func NewCompleter(
	ctx context.Context,
	cfg Config,
	agent contractx.AgentName,
	directive string,
	tools []*schema.ToolInfo,
) (contractx.Completer, error) {
	if strings.TrimSpace(directive) == "" {
		return nil, fmt.Errorf("%w: directive for agent=%s", contractx.ErrPromptMissing, agent)
	}

	modelCfg := cfg.OpenRouterFor(agent)
	chatModel, err := modelCfg.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create model for agent=%s: %v", contractx.ErrModelInvoke, agent, err)
	}

	if len(tools) > 0 {
		chatModel, err = chatModel.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("%w: bind tools for agent=%s: %v", contractx.ErrModelInvoke, agent, err)
		}
	}

	runner, err := compileDecisionGraph(ctx, chatModel, directive, fmt.Sprintf("agent.%s.decision_graph", agent))
	if err != nil {
		return nil, fmt.Errorf("%w: compile decision graph for agent=%s: %v", contractx.ErrModelInvoke, agent, err)
	}

	return &completerImpl{agent: agent, runner: runner}, nil
}

func (c *completerImpl) Decide(ctx context.Context, req contractx.DecideRequest) (contractx.AgentDecision, error) {
	payload := map[string]any{
		"history": summarizeHistory(req.History),
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: marshal decision payload: %v", contractx.ErrValidation, err)
	}

	msg, err := c.runner.Invoke(ctx, map[string]any{
		"input": string(input),
	})
	if err != nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: agent=%s decide: %v", contractx.ErrModelInvoke, c.agent, err)
	}
	if msg == nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: empty model response for agent=%s", contractx.ErrSchemaViolation, c.agent)
	}

	if len(msg.ToolCalls) > 0 {
		req, err := toToolRequest(msg.ToolCalls[0])
		if err != nil {
			return contractx.AgentDecision{}, err
		}
		return contractx.AgentDecision{ToolRequest: req}, nil
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return contractx.AgentDecision{}, fmt.Errorf("%w: agent=%s produced neither text nor tool call", contractx.ErrSchemaViolation, c.agent)
	}
	return contractx.AgentDecision{Text: text}, nil
}

func toToolRequest(call schema.ToolCall) (*contractx.ToolRequest, error) {
	tool := strings.TrimSpace(call.Function.Name)
	if tool == "" {
		return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
	}

	args := map[string]any{}
	rawArgs := strings.TrimSpace(call.Function.Arguments)
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
		}
	}

	return &contractx.ToolRequest{Tool: tool, Args: args}, nil
}

func summarizeHistory(turns []contractx.Turn) []map[string]any {
	out := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		entry := map[string]any{
			"role": t.Role,
			"seq":  t.Seq,
		}
		if t.Content != "" {
			entry["content"] = t.Content
		}
		if t.AgentName != "" {
			entry["agent"] = t.AgentName
		}
		if t.ToolName != "" {
			entry["tool"] = t.ToolName
			if len(t.ToolData) > 0 {
				entry["tool_data"] = json.RawMessage(t.ToolData)
			}
		}
		out = append(out, entry)
	}
	return out
}
