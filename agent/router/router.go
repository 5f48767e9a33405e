// Package router picks which agent handles a turn. Continuation beats
// classification: while an agent has an open question pending, a plausible
// reply stays with that agent no matter how ambiguous it reads.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	registryx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/registry"
	statex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/state"
	toolx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/tool"
)

const (
	defaultRecentTurns    = 6
	defaultDeepTaskWindow = 4
	defaultMinConfidence  = 0.45
	// A suppressed agent needs near-certain classification to win while a
	// deep task is in flight.
	suppressedConfidenceFloor = 0.9
)

// Phrases that count as an explicit topic-change signal. Anything else that
// is non-empty is a plausible answer to an open question.
var topicChangeMarkers = []string{
	"/new",
	"/reset",
	"nevermind",
	"never mind",
	"forget it",
	"different topic",
	"something else entirely",
}

type Options struct {
	RecentTurns    int
	DeepTaskWindow int
	MinConfidence  float64
}

func (o Options) withDefaults() Options {
	if o.RecentTurns <= 0 {
		o.RecentTurns = defaultRecentTurns
	}
	if o.DeepTaskWindow <= 0 {
		o.DeepTaskWindow = defaultDeepTaskWindow
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = defaultMinConfidence
	}
	return o
}

type Router struct {
	classifier contractx.Classifier
	registry   *registryx.Registry
	catalog    *toolx.Catalog
	opts       Options
}

func New(classifier contractx.Classifier, registry *registryx.Registry, catalog *toolx.Catalog, opts Options) (*Router, error) {
	if classifier == nil {
		return nil, fmt.Errorf("%w: classifier is required", contractx.ErrValidation)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", contractx.ErrValidation)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: tool catalog is required", contractx.ErrValidation)
	}
	return &Router{
		classifier: classifier,
		registry:   registry,
		catalog:    catalog,
		opts:       opts.withDefaults(),
	}, nil
}

// Route never fails: classification errors degrade to the fallback agent.
func (r *Router) Route(ctx context.Context, st *statex.ConversationState, text string) contractx.AgentSelection {
	previous := lastAgent(st)

	// 1. Workflow continuation, highest priority.
	if st != nil && st.ActiveAgent != "" && st.Workflow.Open() && plausibleAnswer(text) {
		return contractx.AgentSelection{
			Agent:    st.ActiveAgent,
			Previous: previous,
			IsSwitch: false,
			Reason:   "continuation:" + st.Workflow.AwaitingKey,
		}
	}

	// 2. Deep-task suppression window.
	var suppressed []contractx.AgentName
	if r.deepTaskActive(st) {
		suppressed = r.registry.Suppressed()
	}

	// 3. Intent classification.
	selected, reason := r.classify(ctx, st, text, suppressed)

	return contractx.AgentSelection{
		Agent:    selected,
		Previous: previous,
		IsSwitch: previous != "" && previous != selected,
		Reason:   reason,
	}
}

func (r *Router) classify(
	ctx context.Context,
	st *statex.ConversationState,
	text string,
	suppressed []contractx.AgentName,
) (contractx.AgentName, string) {
	fallback := r.registry.Fallback().Name

	var history []contractx.Turn
	if st != nil {
		history = st.RecentTurns(r.opts.RecentTurns)
	}

	result, err := r.classifier.Classify(ctx, contractx.ClassifyRequest{
		Text:       text,
		History:    history,
		Suppressed: suppressed,
	})
	if err != nil {
		log.Warn().Err(err).Msg("intent classification failed, falling back")
		return fallback, "classifier_error"
	}

	if _, ok := r.registry.Agent(result.Agent); !ok {
		return fallback, "classifier_unknown_agent"
	}

	floor := r.opts.MinConfidence
	if isSuppressed(result.Agent, suppressed) {
		floor = suppressedConfidenceFloor
	}
	if result.Confidence < floor {
		return fallback, fmt.Sprintf("low_confidence:%.2f", result.Confidence)
	}

	reason := strings.TrimSpace(result.Reason)
	if reason == "" {
		reason = "classified"
	}
	return result.Agent, reason
}

// deepTaskActive reports whether a deep-task tool ran within the suppression
// window of recent turns.
func (r *Router) deepTaskActive(st *statex.ConversationState) bool {
	if st == nil {
		return false
	}
	for _, t := range st.RecentTurns(r.opts.DeepTaskWindow) {
		if t.Role == contractx.RoleTool && r.catalog.IsDeepTask(t.ToolName) {
			return true
		}
	}
	return false
}

func plausibleAnswer(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return false
	}
	for _, marker := range topicChangeMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return false
		}
	}
	return true
}

func isSuppressed(agent contractx.AgentName, suppressed []contractx.AgentName) bool {
	for _, s := range suppressed {
		if s == agent {
			return true
		}
	}
	return false
}

// lastAgent is the agent that most recently spoke: the pending active agent
// if a question is open, else the author of the last agent turn.
func lastAgent(st *statex.ConversationState) contractx.AgentName {
	if st == nil {
		return ""
	}
	if st.ActiveAgent != "" {
		return st.ActiveAgent
	}
	for i := len(st.Turns) - 1; i >= 0; i-- {
		if st.Turns[i].Role == contractx.RoleAgent && st.Turns[i].AgentName != "" {
			return st.Turns[i].AgentName
		}
	}
	return ""
}
