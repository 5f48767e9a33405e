package prompt

import (
	_ "embed"
	"strings"

	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
)

var (
	//go:embed template/router.txt
	routerRaw string

	//go:embed template/project_creation.txt
	projectCreationRaw string

	//go:embed template/content_import.txt
	contentImportRaw string

	//go:embed template/learning.txt
	learningRaw string

	//go:embed template/discovery.txt
	discoveryRaw string

	//go:embed template/support.txt
	supportRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Router     string
	Directives map[contractx.AgentName]string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// The embed is compile-time, so this is safe to call concurrently.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Router: strings.TrimSpace(routerRaw),
		Directives: map[contractx.AgentName]string{
			contractx.AgentProjectCreation: strings.TrimSpace(projectCreationRaw),
			contractx.AgentContentImport:   strings.TrimSpace(contentImportRaw),
			contractx.AgentLearning:        strings.TrimSpace(learningRaw),
			contractx.AgentDiscovery:       strings.TrimSpace(discoveryRaw),
			contractx.AgentSupport:         strings.TrimSpace(supportRaw),
		},
	}
}
