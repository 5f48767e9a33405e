package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	craftapix "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/craftapi"
)

const (
	ToolProjectCreate  = "project.create"
	ToolContentImport  = "content.import"
	ToolResourceSearch = "resource.search"
	ToolSavePreference = "profile.save_preference"
)

const defaultSearchLimit = 8

// NewDefaultCatalog wires the built-in tools against the Craftora resource
// API. Side-effecting handlers pass the per-run idempotency key through so a
// retried step never double-creates.
func NewDefaultCatalog(api *craftapix.Client) (*Catalog, error) {
	return NewCatalog(
		&Declaration{
			Name:  ToolProjectCreate,
			Label: "Creating your project...",
			Desc:  "Create a new portfolio project with a title and optional description.",
			Params: map[string]*schema.ParameterInfo{
				"title":       {Type: schema.String, Desc: "Project title", Required: true},
				"description": {Type: schema.String, Desc: "Short project description"},
			},
			SideEffect: true,
			DeepTask:   true,
			Timeout:    30 * time.Second,
			Handler:    createProjectHandler(api),
		},
		&Declaration{
			Name:  ToolContentImport,
			Label: "Importing your content...",
			Desc:  "Import external content the user owns (video, repo, design file) as a project.",
			Params: map[string]*schema.ParameterInfo{
				"source":    {Type: schema.String, Desc: "URL or upload handle of the content", Required: true},
				"made_with": {Type: schema.String, Desc: "Tool the content was made with"},
			},
			SideEffect: true,
			DeepTask:   true,
			Timeout:    60 * time.Second,
			Handler:    importContentHandler(api),
		},
		&Declaration{
			Name:  ToolResourceSearch,
			Label: "Searching...",
			Desc:  "Search creators, projects, and learning material.",
			Params: map[string]*schema.ParameterInfo{
				"query": {Type: schema.String, Desc: "Natural language query", Required: true},
			},
			DeepTask: true,
			Handler:  searchHandler(api),
		},
		&Declaration{
			Name:  ToolSavePreference,
			Label: "Saving your preference...",
			Desc:  "Save a lasting profile preference the user explicitly stated.",
			Params: map[string]*schema.ParameterInfo{
				"key":   {Type: schema.String, Desc: "Preference key", Required: true},
				"value": {Type: schema.String, Desc: "Preference value", Required: true},
			},
			SideEffect: true,
			Handler:    savePreferenceHandler(api),
		},
	)
}

func createProjectHandler(api *craftapix.Client) Handler {
	return func(ctx context.Context, inv Invocation) (contractx.ToolResult, error) {
		title, _ := inv.Args["title"].(string)
		description, _ := inv.Args["description"].(string)
		project, err := api.CreateProject(ctx, strings.TrimSpace(title), strings.TrimSpace(description), inv.IdempotencyKey)
		if err != nil {
			return contractx.ToolResult{}, fmt.Errorf("create project: %w", err)
		}
		return contractx.ToolResult{Result: project}, nil
	}
}

func importContentHandler(api *craftapix.Client) Handler {
	return func(ctx context.Context, inv Invocation) (contractx.ToolResult, error) {
		source, _ := inv.Args["source"].(string)
		madeWith, _ := inv.Args["made_with"].(string)
		imported, err := api.ImportContent(ctx, strings.TrimSpace(source), strings.TrimSpace(madeWith), inv.IdempotencyKey)
		if err != nil {
			return contractx.ToolResult{}, fmt.Errorf("import content: %w", err)
		}
		return contractx.ToolResult{Result: imported}, nil
	}
}

func searchHandler(api *craftapix.Client) Handler {
	return func(ctx context.Context, inv Invocation) (contractx.ToolResult, error) {
		query, _ := inv.Args["query"].(string)
		hits, err := api.SearchResources(ctx, strings.TrimSpace(query), defaultSearchLimit)
		if err != nil {
			return contractx.ToolResult{}, fmt.Errorf("search resources: %w", err)
		}
		return contractx.ToolResult{Result: hits}, nil
	}
}

func savePreferenceHandler(api *craftapix.Client) Handler {
	return func(ctx context.Context, inv Invocation) (contractx.ToolResult, error) {
		key, _ := inv.Args["key"].(string)
		value, _ := inv.Args["value"].(string)
		if err := api.SavePreference(ctx, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return contractx.ToolResult{}, fmt.Errorf("save preference: %w", err)
		}
		return contractx.ToolResult{Result: map[string]any{"saved": true}}, nil
	}
}
