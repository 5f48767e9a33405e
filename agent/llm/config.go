package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	openrouterx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/openrouter"
)

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	// RouterModel overrides the default model for intent classification,
	// which wants a cheap, fast model.
	RouterModel       string  `envconfig:"ROUTER_MODEL" split_words:"true"`
	RouterTemperature float32 `envconfig:"ROUTER_TEMPERATURE" split_words:"true" default:"-1"`

	// AgentModels maps agent name to a model override, e.g.
	// "project_creation:anthropic/claude-sonnet,support:openai/gpt-4o-mini".
	AgentModels map[string]string `envconfig:"AGENT_MODELS" split_words:"true"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	for name := range c.AgentModels {
		if !contractx.AgentName(name).Valid() {
			return fmt.Errorf("%w: model override for unknown agent %q", contractx.ErrUnknownAgent, name)
		}
	}
	return nil
}

func (c Config) OpenRouterFor(agent contractx.AgentName) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	if override, ok := c.AgentModels[string(agent)]; ok && strings.TrimSpace(override) != "" {
		modelName = strings.TrimSpace(override)
	}
	return c.openRouterBase(modelName, c.Temperature)
}

func (c Config) OpenRouterForRouter() openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	if v := strings.TrimSpace(c.RouterModel); v != "" {
		modelName = v
	}
	temp := c.Temperature
	if c.RouterTemperature >= 0 {
		temp = c.RouterTemperature
	}
	return c.openRouterBase(modelName, temp)
}

func (c Config) openRouterBase(modelName string, temp float32) openrouterx.Config {
	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
