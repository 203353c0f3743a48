// Package tool implements the ToolRegistry (spec.md §4.4): a name→handler
// map with typed JSON-schema input validation. Concrete tool
// implementations (file I/O, shell, delegation, phase transitions) live
// in the packages that own their domain state (internal/delegation,
// internal/conversation) and register Specs here; this package only
// defines the registry and invocation contract, per spec.md §1's
// "Tool implementations ... only the registry and invocation contract
// are in scope."
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tenex-sh/tenexd/internal/errs"
)

// StopExecution is a distinguished execute() result telling the executor
// to halt its current loop (spec.md §4.4). Tools like complete/delegate
// return this instead of a normal Output; Output still carries the
// tool's result payload, which the executor publishes as the turn's
// final reply before ending the turn.
type StopExecution struct {
	Reason string
	Output any
}

func (s *StopExecution) Error() string { return fmt.Sprintf("stop execution: %s", s.Reason) }

// Context carries the identity of one invocation (project, conversation,
// agent, tool-use ID). It holds no delegation or publishing capability;
// tools that need one capture it when their Spec is built (the delegation
// tools close over their Registry), so this package never depends on
// internal/delegation, internal/conversation, or internal/project — those
// packages depend on tool.Spec, not the
// reverse (mirrors the teacher's toolregistry/executor.Client/SpecLookup
// decoupling).
type Context struct {
	ProjectID      string
	ConversationID string
	AgentPubkey    string
	AgentSlug      string
	ToolUseID      string
}

// Handler executes a tool call. input is the raw JSON tool-call
// arguments, already schema-validated by the registry. Returning a
// *StopExecution halts the calling executor's loop; any other non-nil
// error is reported as a structured tool error visible to the LLM.
type Handler func(ctx context.Context, tc Context, input json.RawMessage) (output any, err error)

// Spec declares one invocable tool (spec.md §4.4).
type Spec struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage // JSON Schema document
	OutputSchema json.RawMessage // JSON Schema document, optional
	Execute      Handler

	compiled *jsonschema.Schema
}

// Registry is a read-only-after-startup map of tool name to Spec
// (spec.md §5: "The ToolRegistry is read-only after startup").
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry compiles every spec's input schema and returns a Registry.
// A spec with an invalid schema fails the whole registry build — schema
// authoring errors are a startup-time problem, not a runtime one.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]*Spec, len(specs))}
	for i := range specs {
		s := specs[i]
		if err := r.register(&s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(s *Spec) error {
	if s.Name == "" {
		return &errs.ValidationError{Subject: "tool registration", Err: fmt.Errorf("tool name is required")}
	}
	if _, exists := r.specs[s.Name]; exists {
		return &errs.ValidationError{Subject: "tool registration", Err: fmt.Errorf("duplicate tool name %q", s.Name)}
	}
	if len(s.InputSchema) > 0 {
		compiled, err := compileSchema(s.Name, s.InputSchema)
		if err != nil {
			return &errs.ValidationError{Subject: fmt.Sprintf("tool %q input_schema", s.Name), Err: err}
		}
		s.compiled = compiled
	}
	r.specs[s.Name] = s
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resourceURL := "mem://tools/" + name + ".json"

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(resourceURL)
}

// Lookup returns the Spec for name, for prompt assembly (the executor
// only describes tools in the calling agent's allow-list).
func (r *Registry) Lookup(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names returns every registered tool name, sorted by registration order
// is not guaranteed; callers that need determinism should sort.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// Invoke validates input against the tool's schema and, on success, runs
// its handler. A schema failure is a structured tool error, never a
// panic (spec.md §4.4).
func (r *Registry) Invoke(ctx context.Context, tc Context, name string, input json.RawMessage) (any, error) {
	spec, ok := r.Lookup(name)
	if !ok {
		return nil, &errs.ValidationError{Subject: "tool invocation", Err: fmt.Errorf("unknown tool %q", name)}
	}

	if spec.compiled != nil {
		var doc any
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		if err := json.Unmarshal(input, &doc); err != nil {
			return nil, &errs.ValidationError{Subject: fmt.Sprintf("tool %q input", name), Err: err}
		}
		if err := spec.compiled.Validate(doc); err != nil {
			return nil, &errs.ValidationError{Subject: fmt.Sprintf("tool %q input", name), Err: err}
		}
	}

	return spec.Execute(ctx, tc, input)
}
