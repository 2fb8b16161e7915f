package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/murabcd/vibestack/unifiedllm"
)

var (
	// ErrUnknownTool is returned by Resolve for names no tool answers to.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidInput wraps schema validation failures.
	ErrInvalidInput = errors.New("invalid tool input")
)

// OriginBuiltin marks tools that ship with the loop.
const OriginBuiltin = "builtin"

// Tool is the one shape every tool has, built-in or external.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema document for the input object.
	InputSchema() json.RawMessage
	// Origin is OriginBuiltin or the name of the server providing the tool.
	Origin() string
	// Invoke runs the tool. The returned error message is shown to the model.
	Invoke(ctx context.Context, call Call) (string, error)
}

// Call is one tool invocation.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Serializer is implemented by tools whose calls must not overlap with other
// calls sharing the same key. An empty key means no ordering constraint.
type Serializer interface {
	SerializeKey(input json.RawMessage) string
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry resolves tool names to tools. Built-in tools always win: an
// external tool whose name is already taken is dropped.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	order  []string
	logger *zap.Logger
}

// NewRegistry creates a Registry holding the given built-in tools.
func NewRegistry(logger *zap.Logger, builtins ...Tool) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{tools: make(map[string]*registeredTool), logger: logger}
	for _, t := range builtins {
		if err := r.register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(t Tool) error {
	if _, taken := r.tools[t.Name()]; taken {
		return fmt.Errorf("tool %q registered twice", t.Name())
	}
	schema, err := compileSchema(t.InputSchema())
	if err != nil {
		return fmt.Errorf("tool %q: %w", t.Name(), err)
	}
	r.tools[t.Name()] = &registeredTool{tool: t, schema: schema}
	r.order = append(r.order, t.Name())
	return nil
}

// AddExternal registers tools from an external server. Collisions and
// tools with broken schemas are logged and skipped. It returns the number
// of tools added.
func (r *Registry) AddExternal(tools ...Tool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, t := range tools {
		if existing, taken := r.tools[t.Name()]; taken {
			r.logger.Warn("dropping tool with reserved name",
				zap.String("tool", t.Name()),
				zap.String("origin", t.Origin()),
				zap.String("kept_origin", existing.tool.Origin()))
			continue
		}
		if err := r.register(t); err != nil {
			r.logger.Warn("dropping tool", zap.String("tool", t.Name()),
				zap.String("origin", t.Origin()), zap.Error(err))
			continue
		}
		added++
	}
	return added
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return rt.tool, nil
}

// Validate checks input against the input schema of the named tool.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if rt.schema == nil {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var payload any
	if err := json.Unmarshal(input, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := rt.schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Invoke resolves, validates and runs a call.
func (r *Registry) Invoke(ctx context.Context, call Call) (string, error) {
	t, err := r.Resolve(call.Name)
	if err != nil {
		return "", err
	}
	if err := r.Validate(call.Name, call.Input); err != nil {
		return "", err
	}
	return t.Invoke(ctx, call)
}

// Names returns tool names, built-ins first, then in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the model-facing tool list. Built-ins keep their
// registration order; external tools are sorted by name so the request is
// stable across connection races.
func (r *Registry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var builtin, external []unifiedllm.ToolDefinition
	for _, name := range r.order {
		t := r.tools[name].tool
		def := unifiedllm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		}
		if t.Origin() == OriginBuiltin {
			builtin = append(builtin, def)
		} else {
			external = append(external, def)
		}
	}
	sort.Slice(external, func(i, j int) bool { return external[i].Name < external[j].Name })
	return append(builtin, external...)
}

func compileSchema(doc json.RawMessage) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	var schemaDoc any
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// FuncTool adapts a function into a Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	ToolOrigin      string
	Fn              func(ctx context.Context, call Call) (string, error)
}

func (f *FuncTool) Name() string                 { return f.ToolName }
func (f *FuncTool) Description() string          { return f.ToolDescription }
func (f *FuncTool) InputSchema() json.RawMessage { return f.Schema }

func (f *FuncTool) Origin() string {
	if f.ToolOrigin == "" {
		return OriginBuiltin
	}
	return f.ToolOrigin
}

func (f *FuncTool) Invoke(ctx context.Context, call Call) (string, error) {
	return f.Fn(ctx, call)
}
