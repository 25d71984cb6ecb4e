package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillsys/lspgate/workers"
)

var (
	workerProvider   string
	workerAutoUpdate bool
)

// WorkerCmd runs a single language's MCP worker over stdio. The
// aggregator spawns this as `lspgate worker <language> [--provider X]
// [--auto-update]`; it is rarely invoked by a human directly.
var WorkerCmd = &cobra.Command{
	Use:   "worker <language>",
	Short: "Run a single language's LSP-backed MCP worker over stdio",
	Long: `worker drives one lspcore connection pool against the LSP server (and,
for vue, the companion tsserver) for a single language, exposing the
unified tool set plus that language's extra tools over MCP on stdio.
This is the subprocess the aggregator's serve command spawns; invoke it
directly only to debug a worker in isolation.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

func init() {
	WorkerCmd.Flags().StringVar(&workerProvider, "provider", string(workers.ProviderPythonLSP), "Python LSP provider: python-lsp-mcp or pyright-mcp (ignored for other languages)")
	WorkerCmd.Flags().BoolVar(&workerAutoUpdate, "auto-update", false, "Spawn the latest published version of the LSP server instead of the pinned one")
}

func runWorker(cmd *cobra.Command, args []string) error {
	tag := workers.LanguageTag(args[0])
	profile, ok := workers.Profiles[tag]
	if !ok {
		return fmt.Errorf("unknown language %q: must be one of python, typescript, vue", args[0])
	}

	w := workers.New(workers.Config{
		Profile:        profile,
		AutoUpdate:     workerAutoUpdate,
		PythonProvider: workers.PythonProvider(workerProvider),
	})
	defer w.Close()

	return w.ServeStdio()
}
