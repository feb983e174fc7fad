package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Tool defines an agent capability with one or more tool functions. The
// existing tools/* packages implement this directly; ToolRegistry wraps
// each one in a declarative entry so rate limiting, timeouts, and
// execution stats apply uniformly regardless of how a tool was added.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Content/Error are the
// original fields every tools/* package already returns; Success,
// ExecutionTime, and Metadata are populated by the registry around
// whatever the tool itself returned.
type ToolResult struct {
	Content       string        `json:"content"`
	Error         string        `json:"error,omitempty"`
	Success       bool          `json:"success"`
	ExecutionTime time.Duration `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ParamType is a tool parameter's JSON-schema-compatible semantic type.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// ParamDescriptor documents one parameter for schema emission and
// required-parameter validation.
type ParamDescriptor struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// ToolCategory groups tools for filtered enumeration (list_tools).
type ToolCategory string

// ToolSchema is the function-calling-compatible shape emitted by
// GetSchema: {name, description, parameters: {type: object, properties:
// {...}, required: [...]}}.
type ToolSchema struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Parameters  ToolSchemaParameters      `json:"parameters"`
}

type ToolSchemaParameters struct {
	Type       string                       `json:"type"`
	Properties map[string]ToolSchemaProperty `json:"properties"`
	Required   []string                     `json:"required"`
}

type ToolSchemaProperty struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
}

// entry is the registry's internal per-tool-name record: the dispatch
// target plus rate-limit/timeout config and mutable runtime stats.
type entry struct {
	name        string
	description string
	category    ToolCategory
	params      []ParamDescriptor
	authRequired bool
	rateLimit   float64 // calls per minute; 0 = unlimited
	timeout     time.Duration

	dispatch func(ctx context.Context, args json.RawMessage) (ToolResult, error)

	mu             sync.Mutex
	lastExecution  time.Time
	executionCount int64
}

func (e *entry) schema() ToolSchema {
	props := make(map[string]ToolSchemaProperty, len(e.params))
	var required []string
	for _, p := range e.params {
		props[p.Name] = ToolSchemaProperty{Type: p.Type, Description: p.Description, Enum: p.Enum, Default: p.Default}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return ToolSchema{
		Name:        e.name,
		Description: e.description,
		Parameters:  ToolSchemaParameters{Type: "object", Properties: props, Required: required},
	}
}

// ToolRegistry holds all registered tools and dispatches execution,
// enforcing a per-tool rate limit and timeout uniformly across both the
// legacy Tool interface and tools declared directly via Register.
type ToolRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{entries: make(map[string]*entry)}
}

// Add registers a Tool, wrapping each of its declared definitions in a
// default entry (unlimited rate, 30s timeout, uncategorized). Parameters
// are taken from the definition's raw JSON Schema and exposed back
// as-is by GetSchema — the registry doesn't need to parse them to
// enforce the rate/timeout/stats contract.
func (r *ToolRegistry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range t.Definitions() {
		def := def
		r.entries[def.Name] = &entry{
			name:        def.Name,
			description: def.Description,
			category:    "uncategorized",
			timeout:     30 * time.Second,
			dispatch: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
				return t.Execute(ctx, def.Name, args)
			},
		}
	}
}

// Invoker is the implementation behind a tool declared directly through
// Register, taking already-validated parameters and returning raw
// output (marshaled to ToolResult.Content as JSON if not a string).
type Invoker func(ctx context.Context, params map[string]any) (output any, err error)

// ToolSpec fully declares a tool: name, description, parameter
// descriptors, category, auth requirement, and optional rate limit
// (calls per minute, 0 = unlimited) and timeout (0 = 30s default).
type ToolSpec struct {
	Name         string
	Description  string
	Parameters   []ParamDescriptor
	Category     ToolCategory
	AuthRequired bool
	RateLimit    float64
	Timeout      time.Duration
}

// Register declares a tool directly, bypassing the legacy Tool
// interface, with full control over category/auth/rate/timeout.
func (r *ToolRegistry) Register(spec ToolSpec, invoke Invoker) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	category := spec.Category
	if category == "" {
		category = "uncategorized"
	}
	e := &entry{
		name:         spec.Name,
		description:  spec.Description,
		category:     category,
		params:       spec.Parameters,
		authRequired: spec.AuthRequired,
		rateLimit:    spec.RateLimit,
		timeout:      timeout,
		dispatch: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			var params map[string]any
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return ToolResult{Error: "invalid args: " + err.Error()}, nil
				}
			}
			for _, p := range spec.Parameters {
				if p.Required {
					if _, ok := params[p.Name]; !ok {
						return ToolResult{Error: "missing required parameter: " + p.Name}, nil
					}
				}
			}
			out, err := invoke(ctx, params)
			if err != nil {
				return ToolResult{Error: err.Error()}, nil
			}
			content, ok := out.(string)
			if !ok {
				encoded, marshalErr := json.Marshal(out)
				if marshalErr != nil {
					return ToolResult{Error: marshalErr.Error()}, nil
				}
				content = string(encoded)
			}
			return ToolResult{Content: content, Success: true}, nil
		},
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[spec.Name] = e
}

// AllDefinitions returns tool definitions from all registered tools, in
// the LLM function-calling shape the provider layer consumes.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		schema := e.schema()
		params, _ := json.Marshal(schema.Parameters)
		defs = append(defs, ToolDefinition{Name: e.name, Description: e.description, Parameters: params})
	}
	return defs
}

// ListTools enumerates tool names, optionally filtered by category.
// Pass "" to disable the filter.
func (r *ToolRegistry) ListTools(category ToolCategory) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.entries {
		if category == "" || e.category == category {
			names = append(names, name)
		}
	}
	return names
}

// GetSchema emits the function-calling-compatible schema for name.
func (r *ToolRegistry) GetSchema(name string) (ToolSchema, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ToolSchema{}, false
	}
	return e.schema(), true
}

// Execute dispatches a tool call by name: lookup, rate limit check,
// wall-clock timeout, and stats update, matching the declarative Tool
// Registry contract regardless of whether the target was added via Add
// or Register.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{Error: "tool not found: " + name}, nil
	}

	e.mu.Lock()
	if e.rateLimit > 0 && !e.lastExecution.IsZero() {
		minInterval := time.Duration(60.0 / e.rateLimit * float64(time.Second))
		if time.Since(e.lastExecution) < minInterval {
			e.mu.Unlock()
			return ToolResult{Error: "rate limit exceeded"}, nil
		}
	}
	e.mu.Unlock()

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan struct {
		result ToolResult
		err    error
	}, 1)
	go func() {
		result, err := e.dispatch(execCtx, args)
		done <- struct {
			result ToolResult
			err    error
		}{result, err}
	}()

	select {
	case out := <-done:
		out.result.ExecutionTime = time.Since(start)
		if out.err == nil && out.result.Error == "" {
			out.result.Success = true
			e.mu.Lock()
			e.lastExecution = start
			e.executionCount++
			e.mu.Unlock()
		}
		return out.result, out.err
	case <-execCtx.Done():
		return ToolResult{
			Error:         fmt.Sprintf("tool %q timed out after %s", name, e.timeout),
			ExecutionTime: time.Since(start),
		}, nil
	}
}

// Stats reports execution_count/last_execution for a tool, for
// observability surfaces.
func (r *ToolRegistry) Stats(name string) (count int64, last time.Time, ok bool) {
	r.mu.RLock()
	e, found := r.entries[name]
	r.mu.RUnlock()
	if !found {
		return 0, time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executionCount, e.lastExecution, true
}
