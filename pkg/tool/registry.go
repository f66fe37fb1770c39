package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/relay/pkg/protocol"
)

// Registry maps tool names to handlers. New tools are added by
// registration, not by editing the router.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	specs    map[string]Spec
	schemas  map[string]*gojsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		specs:    make(map[string]Spec),
		schemas:  make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool under spec.Name. A parameter schema, when present,
// is compiled once and every dispatch validates arguments against it.
func (r *Registry) Register(spec Spec, h Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	var schema *gojsonschema.Schema
	if spec.Parameters != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Parameters))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", spec.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.handlers[spec.Name] = h
	r.specs[spec.Name] = spec
	if schema != nil {
		r.schemas[spec.Name] = schema
	}

	log.Info().Str("tool", spec.Name).Str("kind", h.Kind()).Msg("Tool registered")
	return nil
}

// Lookup finds the handler for a call: by exact name first, then by
// payload shape (shell and MCP calls route by what they are, not by the
// exact name the model used).
func (r *Registry) Lookup(call protocol.ToolCall) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[call.Name]; ok {
		return h, nil
	}
	for _, name := range r.sortedNames() {
		if h := r.handlers[name]; h.Matches(call) {
			return h, nil
		}
	}
	return nil, RespondToModelf("%s: %s", ErrUnsupportedTool, call.Name)
}

// Dispatch validates the call's arguments and runs its handler. An absent
// handler or a schema violation is reported to the model, not fatal.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) (protocol.ToolOutput, error) {
	h, err := r.Lookup(inv.Call)
	if err != nil {
		return protocol.ToolOutput{}, err
	}
	if err := r.validateArguments(inv.Call); err != nil {
		return protocol.ToolOutput{}, err
	}

	log.Debug().
		Str("tool", inv.Call.Name).
		Str("call_id", inv.Call.CallID).
		Str("kind", h.Kind()).
		Msg("Dispatching tool call")

	return h.Handle(ctx, inv)
}

// Specs returns registered tool descriptions in name order, for the model
// request.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.specs))
	for _, name := range r.sortedNames() {
		out = append(out, r.specs[name])
	}
	return out
}

func (r *Registry) validateArguments(call protocol.ToolCall) error {
	fn, ok := call.Payload.(protocol.FunctionPayload)
	if !ok {
		return nil
	}
	r.mu.RLock()
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	args := fn.Arguments
	if len(args) == 0 {
		args = []byte("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return RespondToModelf("validate arguments for %s: %v", call.Name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return RespondToModelf("invalid arguments for %s: %v", call.Name, msgs)
	}
	return nil
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
