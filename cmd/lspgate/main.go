package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillsys/lspgate/cmd/lspgate/commands"
	"github.com/quillsys/lspgate/logger"
)

var rootCmd = &cobra.Command{
	Use:   "lspgate",
	Short: "lspgate - unified MCP gateway over per-language LSP servers",
	Long: `lspgate exposes one MCP tool surface (hover, definition, references,
completions, signature_help, symbols, rename, diagnostics, update_document,
search) backed by lazily-started Python, TypeScript, and Vue language
servers, each driven by its own lspgate worker subprocess.

Available commands:
  serve   - Start the aggregator's MCP server over stdio
  worker  - Run a single language's MCP worker (normally spawned by serve)
  status  - Print the last known backend status (read-only operator view)
  version - Show lspgate version information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "status" {
			return nil
		}
		// Workers, and an aggregator whose stdout is not a terminal, log
		// JSON to stderr so stdout stays clean for the MCP stdio transport.
		jsonOutput := cmd.Name() == "worker"
		if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
			jsonOutput = true
		}
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Verbosity count (-v, -vv, -vvv); accepted but not applied, logging stays at Info level")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
