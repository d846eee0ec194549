// Package cmd provides the CLI commands for mcp-engine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mcp-engine-go/pkg/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcp-engine",
	Short: "mcp-engine - JSON-RPC 2.0 engine for the Model Context Protocol",
	Long: `mcp-engine serves Model Context Protocol sessions over stdio, WebSocket
or HTTP and dispatches their requests to a capability registry.

Configuration:
  Config is loaded from mcp-engine.yaml in the current directory,
  $HOME/.mcp-engine/, or /etc/mcp-engine/.

  Environment variables override config values with the MCP_ENGINE_ prefix.
  Example: MCP_ENGINE_TRANSPORT_TYPE=websocket

Commands:
  serve       Start the engine with the demo registry
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcp-engine.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
