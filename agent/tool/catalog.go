package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
)

var (
	ErrInvalidArgs = errors.New("tool arguments violate schema")
	ErrTimeout     = errors.New("tool execution timed out")
)

const defaultToolTimeout = 20 * time.Second

// Handler executes one tool invocation. Handlers for side-effecting tools
// must honor the idempotency key: a retried step may call them again with the
// same key and must not double-create.
type Handler func(ctx context.Context, inv Invocation) (contractx.ToolResult, error)

type Invocation struct {
	Tool           string
	Args           map[string]any
	IdempotencyKey string
}

// Declaration is one entry of the tool registry: name, human label, typed
// params, side-effect class, and the handler. The registry is read-only
// after startup and shared across all conversations.
type Declaration struct {
	Name       string
	Label      string
	Desc       string
	Params     map[string]*schema.ParameterInfo
	SideEffect bool
	// DeepTask marks tools whose presence in recent turns makes the router
	// suppress conflicting agents (multi-step creation, content discovery).
	DeepTask bool
	Timeout  time.Duration
	Handler  Handler
}

func (d *Declaration) Info() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        d.Name,
		Desc:        d.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(d.Params),
	}
}

type Catalog struct {
	decls map[string]*Declaration
}

func NewCatalog(decls ...*Declaration) (*Catalog, error) {
	c := &Catalog{decls: make(map[string]*Declaration, len(decls))}
	for _, d := range decls {
		if d == nil || strings.TrimSpace(d.Name) == "" {
			return nil, errors.New("tool declaration requires a name")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("tool %s has no handler", d.Name)
		}
		if _, dup := c.decls[d.Name]; dup {
			return nil, fmt.Errorf("duplicate tool declaration %s", d.Name)
		}
		if d.Timeout <= 0 {
			d.Timeout = defaultToolTimeout
		}
		c.decls[d.Name] = d
	}
	return c, nil
}

func (c *Catalog) Get(name string) (*Declaration, bool) {
	d, ok := c.decls[name]
	return d, ok
}

func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.decls))
	for name := range c.decls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InfosFor resolves a tool subset to eino tool infos for model binding.
// Unknown names are a startup wiring bug, reported as an error.
func (c *Catalog) InfosFor(names []string) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(names))
	for _, name := range names {
		d, ok := c.decls[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", contractx.ErrUnknownTool, name)
		}
		infos = append(infos, d.Info())
	}
	return infos, nil
}

func (c *Catalog) IsDeepTask(name string) bool {
	d, ok := c.decls[name]
	return ok && d.DeepTask
}

// ValidateArgs checks required params and primitive types against the
// declaration. Unknown args are rejected to keep the contract tight.
func (c *Catalog) ValidateArgs(name string, args map[string]any) error {
	d, ok := c.decls[name]
	if !ok {
		return fmt.Errorf("%w: %s", contractx.ErrUnknownTool, name)
	}

	for pname, p := range d.Params {
		val, present := args[pname]
		if !present {
			if p.Required {
				return fmt.Errorf("%w: missing required arg %q for tool %s", ErrInvalidArgs, pname, name)
			}
			continue
		}
		if !typeMatches(p.Type, val) {
			return fmt.Errorf("%w: arg %q of tool %s must be %s", ErrInvalidArgs, pname, name, p.Type)
		}
	}
	for aname := range args {
		if _, declared := d.Params[aname]; !declared {
			return fmt.Errorf("%w: unexpected arg %q for tool %s", ErrInvalidArgs, aname, name)
		}
	}
	return nil
}

func typeMatches(t schema.DataType, val any) bool {
	switch t {
	case schema.String:
		_, ok := val.(string)
		return ok
	case schema.Number:
		switch val.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case schema.Integer:
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case schema.Boolean:
		_, ok := val.(bool)
		return ok
	case schema.Object:
		_, ok := val.(map[string]any)
		return ok
	case schema.Array:
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}

// Execute runs the handler under the tool's hard timeout. A timeout or a
// handler error is captured as a failed ToolResult, never a crash: the loop
// folds it back and the agent decides what to do next. The returned error is
// reserved for contract violations (unknown tool).
func (c *Catalog) Execute(ctx context.Context, inv Invocation) (contractx.ToolResult, error) {
	d, ok := c.decls[inv.Tool]
	if !ok {
		return contractx.ToolResult{}, fmt.Errorf("%w: %s", contractx.ErrUnknownTool, inv.Tool)
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	type outcome struct {
		res contractx.ToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.Handler(ctx, inv)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return contractx.ToolResult{
			Tool:  inv.Tool,
			Error: fmt.Sprintf("%v after %s", ErrTimeout, d.Timeout),
		}, nil
	case out := <-done:
		if out.err != nil {
			return contractx.ToolResult{
				Tool:  inv.Tool,
				Error: out.err.Error(),
			}, nil
		}
		out.res.Tool = inv.Tool
		return out.res, nil
	}
}
