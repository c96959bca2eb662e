package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
)

// Registry is the merged tool catalog. Collisions resolve first-registered
// wins: register external server tools before built-ins so the external
// definition shadows the local one.
type Registry struct {
	mu    sync.RWMutex
	tools []registration
	index map[string]int
	log   *slog.Logger
}

type registration struct {
	def     Definition
	handler Handler
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{index: make(map[string]int), log: log}
}

// Register adds a tool. A duplicate name keeps the earlier registration.
func (r *Registry) Register(def Definition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[def.Name]; ok {
		r.log.Debug("tool name collision, keeping first registration",
			"tool", def.Name,
			"kept_server", r.tools[i].def.Server.Name,
			"dropped_server", def.Server.Name)
		return
	}
	r.index[def.Name] = len(r.tools)
	r.tools = append(r.tools, registration{def: def, handler: handler})
}

// Unregister removes every tool belonging to the named server. Used when
// an external tool server disconnects between rounds.
func (r *Registry) Unregister(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.tools[:0]
	for _, reg := range r.tools {
		if reg.def.Server.Name != serverName {
			kept = append(kept, reg)
		}
	}
	r.tools = kept
	r.index = make(map[string]int, len(r.tools))
	for i, reg := range r.tools {
		r.index[reg.def.Name] = i
	}
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Definition, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return Definition{}, nil, false
	}
	return r.tools[i].def, r.tools[i].handler, true
}

// Definitions snapshots the catalog in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, len(r.tools))
	for i, reg := range r.tools {
		out[i] = reg.def
	}
	return out
}

// ModelDefs snapshots the catalog in the providers' wire shape.
func (r *Registry) ModelDefs() []modelkit.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]modelkit.ToolDef, len(r.tools))
	for i, reg := range r.tools {
		out[i] = reg.def.ModelDef()
	}
	return out
}

// RegisterTyped registers a tool whose arguments unmarshal into T. The
// input schema is generated from T's jsonschema struct tags.
func RegisterTyped[T any](r *Registry, def Definition, handler func(ctx context.Context, params T) (Result, error)) {
	def.InputSchema = SchemaFor[T]()
	r.Register(def, func(ctx context.Context, args json.RawMessage) (Result, error) {
		var params T
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return Result{
					Content: fmt.Sprintf("invalid arguments for tool %s: %v", def.Name, err),
					IsError: true,
				}, nil
			}
		}
		return handler(ctx, params)
	})
}

// SchemaFor reflects a JSON schema from T's struct tags, inlined without
// $ref indirection so every provider can consume it.
func SchemaFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(zero)
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tooling: schema generation failed for %T: %v", zero, err))
	}
	return data
}
