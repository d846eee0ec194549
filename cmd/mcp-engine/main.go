package main

import "github.com/ajitpratap0/mcp-engine-go/cmd/mcp-engine/cmd"

func main() {
	cmd.Execute()
}
