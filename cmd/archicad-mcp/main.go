// archicad-mcp — MCP server for scripted control of running Archicad instances.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "archicad-mcp",
	Short: "MCP server for scripted control of running Archicad instances.",
	Long: `archicad-mcp exposes running Archicad instances to AI agents over the
Model Context Protocol. Agents submit small scripts that talk to Archicad
through its built-in JSON API and the Tapir add-on, with instance discovery,
a filesystem path policy, and hard execution deadlines handled here.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, scanCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
