// Package main provides the CLI entry point for the agentpress run engine.
//
// Agentpress drives streaming LLM agent runs over durable conversation
// threads: it parses native and markup tool calls out of the response
// stream, executes registered tools, fans events out to any number of
// subscribers, and persists everything so a run survives client
// disconnects.
//
// # Basic Usage
//
// Start the server:
//
//	agentpress serve --config agentpress.yaml
//
// # Environment Variables
//
//   - AGENTPRESS_CONFIG: Path to the configuration file
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "agentpress",
		Short:         "Streaming LLM agent run engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentpress version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("AGENTPRESS_CONFIG"); env != "" {
		return env
	}
	return ""
}
