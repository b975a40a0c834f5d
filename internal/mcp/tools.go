package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/internal/resolver"
	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/internal/upstream"
	"github.com/hausnetz/loxmcp/internal/workflow"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// Upstream is the slice of the Miniserver client the tool layer consumes.
type Upstream interface {
	ReloadStructure(ctx context.Context) (*models.Structure, error)
	WriteCommand(ctx context.Context, uuid, command string) error
	Structure() *models.Structure
	Health() upstream.Health
}

// Tool is one MCP tool: schema-validated input, role-gated, side-effect
// flagged for audit.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	MinRole     auth.Role
	SideEffect  bool
	Handler     ToolHandler

	compiled *jsonschema.Schema
}

// ToolHandler executes a validated tool call.
type ToolHandler func(ctx context.Context, tc *ToolContext, args map[string]any) (any, error)

// ToolContext carries per-call dependencies into handlers.
type ToolContext struct {
	Session   *Session
	Resolver  *resolver.Resolver
	Upstream  Upstream
	Registry  *sensor.Registry
	Discovery *sensor.Discovery
	Keys      *auth.KeyStore
	Engine    *workflow.Engine
	Auditor   *auth.Auditor
	Logger    *zap.Logger

	// caller lets workflow steps re-enter the tool layer.
	caller workflow.ToolCaller
}

// Authorize checks the caller's device scope for a UUID. Non-scoped roles
// always pass.
func (tc *ToolContext) Authorize(uuid string) error {
	key := tc.Session.Key()
	if key == nil {
		return nil
	}
	if !key.ScopeAllows(uuid) {
		return Errorf(KindForbidden, "device %s is outside the key's scope", uuid)
	}
	return nil
}

// ToolCatalog holds the registered tools.
type ToolCatalog struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewToolCatalog creates an empty catalog.
func NewToolCatalog() *ToolCatalog {
	return &ToolCatalog{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its input schema. Duplicate names and
// broken schemas are programming errors.
func (c *ToolCatalog) Register(t *Tool) error {
	compiled, err := compileSchema(t.Name, t.InputSchema)
	if err != nil {
		return err
	}
	t.compiled = compiled

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.tools[t.Name]; dup {
		return fmt.Errorf("duplicate tool %q", t.Name)
	}
	c.tools[t.Name] = t
	c.order = append(c.order, t.Name)
	return nil
}

// MustRegister registers or panics. Used for the builtin catalogue, whose
// schemas are fixed at compile time.
func (c *ToolCatalog) MustRegister(t *Tool) {
	if err := c.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (c *ToolCatalog) Get(name string) (*Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// toolDescriptor is the tools/list wire shape.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// List returns descriptors in registration order.
func (c *ToolCatalog) List() []toolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]toolDescriptor, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name]
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, toolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// Names returns the sorted tool names.
func (c *ToolCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	sort.Strings(names)
	return names
}

// Call validates and executes one tool call.
func (c *ToolCatalog) Call(ctx context.Context, tc *ToolContext, name string, rawArgs json.RawMessage) (any, error) {
	tool, ok := c.Get(name)
	if !ok {
		return nil, Errorf(KindNotFound, "unknown tool %q", name)
	}

	role := tc.Session.Role()
	if !roleAllowsTool(role, tool.MinRole) {
		return nil, Errorf(KindForbidden, "tool %q requires role %s", name, tool.MinRole)
	}

	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, Errorf(KindInvalid, "arguments must be an object: %v", err)
		}
	}
	args, err := validateArgs(tool.compiled, tool.InputSchema, args)
	if err != nil {
		return nil, err
	}

	return tool.Handler(ctx, tc, args)
}

// roleAllowsTool applies the role ladder, letting DeviceScoped keys reach
// Operator-gated tools; their per-device scope is enforced inside handlers
// via ToolContext.Authorize.
func roleAllowsTool(role auth.Role, min auth.Role) bool {
	if role == auth.RoleDeviceScoped && (min == auth.RoleOperator || min == auth.RoleMonitor || min == auth.RoleDeviceScoped) {
		return true
	}
	return role.Allows(min)
}

// toolResult wraps a handler payload into the tools/call wire shape.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// textResult creates a successful tool result with JSON text content.
func textResult(v any) *toolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return &toolResult{
			Content: []toolContent{{Type: "text", Text: `{"error":"failed to marshal response"}`}},
			IsError: true,
		}
	}
	return &toolResult{Content: []toolContent{{Type: "text", Text: string(data)}}}
}
