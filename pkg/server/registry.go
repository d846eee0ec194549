package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/router"
)

// ToolFunc executes a tool or renders a prompt with the given arguments
type ToolFunc func(ctx context.Context, args map[string]interface{}) (*protocol.CallResult, error)

// ResourceFunc reads the resource at uri
type ResourceFunc func(ctx context.Context, uri string) (*protocol.CallResult, error)

type registryEntry struct {
	capability protocol.Capability
	call       ToolFunc
}

// BaseRegistry is an in-memory router.Registry. Capabilities can be added
// and removed while the server runs.
type BaseRegistry struct {
	mu      sync.RWMutex
	entries map[protocol.CapabilityKind]map[string]registryEntry
}

var _ router.Registry = (*BaseRegistry)(nil)

// NewBaseRegistry creates an empty registry
func NewBaseRegistry() *BaseRegistry {
	return &BaseRegistry{
		entries: map[protocol.CapabilityKind]map[string]registryEntry{
			protocol.KindTool:     {},
			protocol.KindResource: {},
			protocol.KindPrompt:   {},
		},
	}
}

// RegisterTool adds or replaces a tool. The tool's InputSchema "required"
// array is enforced by the router before fn runs.
func (r *BaseRegistry) RegisterTool(tool protocol.Capability, fn ToolFunc) error {
	if strings.TrimSpace(tool.Name) == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if fn == nil {
		return fmt.Errorf("register tool %s: handler is required", tool.Name)
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	r.put(protocol.KindTool, tool, fn)
	return nil
}

// RegisterResource adds or replaces a resource addressed by its URI
func (r *BaseRegistry) RegisterResource(resource protocol.Capability, fn ResourceFunc) error {
	if strings.TrimSpace(resource.URI) == "" {
		return fmt.Errorf("register resource: uri is required")
	}
	if fn == nil {
		return fmt.Errorf("register resource %s: handler is required", resource.URI)
	}
	if resource.Name == "" {
		resource.Name = resource.URI
	}
	uri := resource.URI
	r.put(protocol.KindResource, resource, func(ctx context.Context, _ map[string]interface{}) (*protocol.CallResult, error) {
		return fn(ctx, uri)
	})
	return nil
}

// RegisterPrompt adds or replaces a prompt template
func (r *BaseRegistry) RegisterPrompt(prompt protocol.Capability, fn ToolFunc) error {
	if strings.TrimSpace(prompt.Name) == "" {
		return fmt.Errorf("register prompt: name is required")
	}
	if fn == nil {
		return fmt.Errorf("register prompt %s: handler is required", prompt.Name)
	}
	r.put(protocol.KindPrompt, prompt, fn)
	return nil
}

// Unregister removes a capability by its key and reports whether it existed
func (r *BaseRegistry) Unregister(kind protocol.CapabilityKind, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[kind][key]; !ok {
		return false
	}
	delete(r.entries[kind], key)
	return true
}

func (r *BaseRegistry) put(kind protocol.CapabilityKind, c protocol.Capability, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[kind][c.Key(kind)] = registryEntry{capability: c, call: fn}
}

// List returns the capabilities of one kind sorted by key
func (r *BaseRegistry) List(_ context.Context, kind protocol.CapabilityKind) ([]protocol.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, ok := r.entries[kind]
	if !ok {
		return nil, mcperrors.InvalidParamsf("kind", "unknown capability kind: %s", kind)
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make([]protocol.Capability, 0, len(keys))
	for _, key := range keys {
		items = append(items, entries[key].capability)
	}
	return items, nil
}

// Call runs the capability registered under name
func (r *BaseRegistry) Call(ctx context.Context, kind protocol.CapabilityKind, name string, args map[string]interface{}) (*protocol.CallResult, error) {
	r.mu.RLock()
	entry, ok := r.entries[kind][name]
	r.mu.RUnlock()
	if !ok {
		return nil, mcperrors.InvalidParamsf("name", "unknown %s: %s", strings.TrimSuffix(string(kind), "s"), name)
	}
	return entry.call(ctx, args)
}

// RegisterTypedTool registers a tool whose arguments decode into A. The
// input schema is reflected from A, so fields without omitempty become
// required arguments.
func RegisterTypedTool[A any](r *BaseRegistry, name, description string, fn func(ctx context.Context, args A) (*protocol.CallResult, error)) error {
	schema, err := reflectInputSchema[A]()
	if err != nil {
		return fmt.Errorf("register tool %s: %w", name, err)
	}
	tool := protocol.Capability{Name: name, Description: description, InputSchema: schema}
	return r.RegisterTool(tool, func(ctx context.Context, args map[string]interface{}) (*protocol.CallResult, error) {
		var typed A
		data, err := json.Marshal(args)
		if err != nil {
			return nil, mcperrors.InvalidParams("arguments", "arguments could not be encoded")
		}
		if err := json.Unmarshal(data, &typed); err != nil {
			return nil, mcperrors.InvalidParamsf("arguments", "invalid arguments for %s", name).WithDetail(err.Error())
		}
		return fn(ctx, typed)
	})
}

// reflectInputSchema renders the JSON schema of A inline, without $defs
func reflectInputSchema[A any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(new(A))
	if schema == nil || schema.Type != "object" {
		return json.RawMessage(`{"type":"object"}`), nil
	}
	schema.Version = ""
	return json.Marshal(schema)
}

// TextResult is a shortcut for a single text block result
func TextResult(text string) *protocol.CallResult {
	return &protocol.CallResult{Content: []protocol.ContentBlock{protocol.TextContent(text)}}
}

// ErrorResult reports a tool level failure to the caller. Unlike a
// returned error it is part of a successful response.
func ErrorResult(format string, args ...interface{}) *protocol.CallResult {
	return &protocol.CallResult{
		Content: []protocol.ContentBlock{protocol.TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}
