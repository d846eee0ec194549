package router

import (
	"context"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// Registry serves the tools, resources and prompts the router exposes.
// Resources are called by URI, tools and prompts by name.
type Registry interface {
	List(ctx context.Context, kind protocol.CapabilityKind) ([]protocol.Capability, error)
	Call(ctx context.Context, kind protocol.CapabilityKind, name string, args map[string]interface{}) (*protocol.CallResult, error)
}

// emptyRegistry is used when no registry is configured
type emptyRegistry struct{}

func (emptyRegistry) List(context.Context, protocol.CapabilityKind) ([]protocol.Capability, error) {
	return nil, nil
}

func (emptyRegistry) Call(_ context.Context, kind protocol.CapabilityKind, name string, _ map[string]interface{}) (*protocol.CallResult, error) {
	return nil, unknownCapability(kind, name)
}

func unknownCapability(kind protocol.CapabilityKind, name string) mcperrors.MCPError {
	return mcperrors.InvalidParamsf(paramName(kind), "unknown %s: %s", singular(kind), name)
}

// singular names one item of a capability family in error messages
func singular(kind protocol.CapabilityKind) string {
	switch kind {
	case protocol.KindTool:
		return "tool"
	case protocol.KindResource:
		return "resource"
	case protocol.KindPrompt:
		return "prompt"
	}
	return string(kind)
}

// paramName is the request field that selects a capability
func paramName(kind protocol.CapabilityKind) string {
	if kind == protocol.KindResource {
		return "uri"
	}
	return "name"
}

// findCapability looks a capability up by its call key
func findCapability(ctx context.Context, reg Registry, kind protocol.CapabilityKind, key string) (*protocol.Capability, error) {
	items, err := reg.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Key(kind) == key {
			return &items[i], nil
		}
	}
	return nil, nil
}
