package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

func TestDemoRegistry(t *testing.T) {
	fixed := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	reg, err := newDemoRegistry(func() time.Time { return fixed }, func() int { return 4 })
	require.NoError(t, err)
	ctx := context.Background()

	tools, err := reg.List(ctx, protocol.KindTool)
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, []string{"text"}, tools[1].RequiredArguments())

	res, err := reg.Call(ctx, protocol.KindTool, "add", map[string]interface{}{"a": 1.5, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, "3.5", res.Content[0].Text)

	res, err = reg.Call(ctx, protocol.KindResource, ClockURI, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-15T12:00:00Z", res.Content[0].Text)

	res, err = reg.Call(ctx, protocol.KindResource, SessionsURI, nil)
	require.NoError(t, err)
	assert.Equal(t, "4", res.Content[0].Text)

	res, err = reg.Call(ctx, protocol.KindPrompt, "summarize", map[string]interface{}{"topic": "Go", "style": "dry"})
	require.NoError(t, err)
	assert.Equal(t, "Summarize Go in three sentences. Use a dry tone.", res.Content[0].Text)
}

func TestDemoSleepHonoursCancellation(t *testing.T) {
	reg, err := newDemoRegistry(time.Now, func() int { return 0 })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = reg.Call(ctx, protocol.KindTool, "sleep", map[string]interface{}{"milliseconds": 5000})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	res, err := reg.Call(context.Background(), protocol.KindTool, "sleep", map[string]interface{}{"milliseconds": -1})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "mcp-engine "+Version)
	assert.Contains(t, out.String(), protocol.ProtocolRevision)
}
