package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/server"
)

// ClockURI is the demo resource whose updates are pushed to subscribers
const ClockURI = "mcp-engine://clock"

// SessionsURI reports the number of live sessions
const SessionsURI = "mcp-engine://sessions"

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=text to return unchanged"`
}

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type sleepArgs struct {
	Milliseconds int `json:"milliseconds" jsonschema:"minimum=0,description=how long to wait"`
}

// newDemoRegistry registers the capabilities served by "mcp-engine serve".
// sessions reports the live session count.
func newDemoRegistry(now func() time.Time, sessions func() int) (*server.BaseRegistry, error) {
	reg := server.NewBaseRegistry()

	if err := server.RegisterTypedTool(reg, "echo", "Return the given text", func(_ context.Context, in echoArgs) (*protocol.CallResult, error) {
		return server.TextResult(in.Text), nil
	}); err != nil {
		return nil, err
	}

	if err := server.RegisterTypedTool(reg, "add", "Add two numbers", func(_ context.Context, in addArgs) (*protocol.CallResult, error) {
		return server.TextResult(fmt.Sprint(in.A + in.B)), nil
	}); err != nil {
		return nil, err
	}

	// sleep honours cancellation so clients can exercise notifications/cancelled
	if err := server.RegisterTypedTool(reg, "sleep", "Wait before answering", func(ctx context.Context, in sleepArgs) (*protocol.CallResult, error) {
		if in.Milliseconds < 0 {
			return server.ErrorResult("milliseconds must not be negative"), nil
		}
		timer := time.NewTimer(time.Duration(in.Milliseconds) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return server.TextResult(fmt.Sprintf("slept %dms", in.Milliseconds)), nil
		}
	}); err != nil {
		return nil, err
	}

	if err := reg.RegisterResource(protocol.Capability{
		URI:         ClockURI,
		Name:        "clock",
		Description: "Current server time",
		MimeType:    "text/plain",
	}, func(context.Context, string) (*protocol.CallResult, error) {
		return server.TextResult(now().UTC().Format(time.RFC3339)), nil
	}); err != nil {
		return nil, err
	}

	if err := reg.RegisterResource(protocol.Capability{
		URI:         SessionsURI,
		Name:        "sessions",
		Description: "Number of live sessions",
		MimeType:    "text/plain",
	}, func(context.Context, string) (*protocol.CallResult, error) {
		return server.TextResult(fmt.Sprint(sessions())), nil
	}); err != nil {
		return nil, err
	}

	if err := reg.RegisterPrompt(protocol.Capability{
		Name:        "summarize",
		Description: "Ask for a short summary of a topic",
		Arguments: []protocol.PromptArgument{
			{Name: "topic", Description: "what to summarize", Required: true},
			{Name: "style", Description: "tone of the summary"},
		},
	}, func(_ context.Context, args map[string]interface{}) (*protocol.CallResult, error) {
		text := fmt.Sprintf("Summarize %v in three sentences.", args["topic"])
		if style, ok := args["style"].(string); ok && strings.TrimSpace(style) != "" {
			text += " Use a " + style + " tone."
		}
		return server.TextResult(text), nil
	}); err != nil {
		return nil, err
	}

	return reg, nil
}
