package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
)

type classifierImpl struct {
	runner compose.Runnable[map[string]any, contractx.ClassifyResult]
}

// NewClassifier compiles the structured intent-classification graph against
// the router model. Callers must treat classification failure as degradable:
// the router falls back to the support agent, it never blocks the turn.
func NewClassifier(ctx context.Context, cfg Config, systemPrompt string) (contractx.Classifier, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: router prompt", contractx.ErrPromptMissing)
	}

	modelCfg := cfg.OpenRouterForRouter()
	chatModel, err := modelCfg.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create router model: %v", contractx.ErrModelInvoke, err)
	}

	runner, err := compileStructuredGraph[contractx.ClassifyResult](ctx, chatModel, systemPrompt, "router.classify_graph")
	if err != nil {
		return nil, fmt.Errorf("%w: compile classifier graph: %v", contractx.ErrModelInvoke, err)
	}

	return &classifierImpl{runner: runner}, nil
}

func (c *classifierImpl) Classify(ctx context.Context, req contractx.ClassifyRequest) (contractx.ClassifyResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return contractx.ClassifyResult{}, fmt.Errorf("%w: text is required", contractx.ErrValidation)
	}

	payload := map[string]any{
		"text":       req.Text,
		"history":    summarizeHistory(req.History),
		"suppressed": req.Suppressed,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return contractx.ClassifyResult{}, fmt.Errorf("%w: marshal classify payload: %v", contractx.ErrValidation, err)
	}

	out, err := c.runner.Invoke(ctx, map[string]any{
		"input": string(input),
	})
	if err != nil {
		return contractx.ClassifyResult{}, fmt.Errorf("%w: classify invoke: %v", contractx.ErrModelInvoke, err)
	}

	if !out.Agent.Valid() {
		return contractx.ClassifyResult{}, fmt.Errorf("%w: classifier picked unknown agent %q", contractx.ErrSchemaViolation, out.Agent)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return contractx.ClassifyResult{}, fmt.Errorf("%w: confidence=%f out of range", contractx.ErrSchemaViolation, out.Confidence)
	}
	return out, nil
}
