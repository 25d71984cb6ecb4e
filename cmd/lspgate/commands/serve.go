package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quillsys/lspgate/aggregator"
	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/workers"
)

var serveStateDir string

// ServeCmd starts the aggregator: the Backend Manager, Router, Workspace
// coordinator, Supervisor loop, and the outer MCP server, all speaking
// MCP over stdio to whatever client invoked this process.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lspgate aggregator's unified MCP server over stdio",
	Long: `serve is lspgate's main entrypoint: it reads LSP_MCP_* environment
variables, lazily spawns a "lspgate worker <language>" subprocess per
language on first demand (or eagerly, with LSP_MCP_EAGER_START), routes
unified and language-specific tool calls to the right backend, and
restarts a crashed backend with exponential backoff up to 5 consecutive
failures.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().StringVar(&serveStateDir, "statedir", "", "Directory for the best-effort status snapshot file (default: $XDG_STATE_HOME/lspgate or ~/.local/state/lspgate)")
}

func resolveStatePath(statedir string) (string, error) {
	if statedir != "" {
		return filepath.Join(statedir, "status.json"), nil
	}
	return aggregator.DefaultStatePath()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := aggregator.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	var supervisor *aggregator.Supervisor
	backends := aggregator.NewBackendManager(cfg, func(tag workers.LanguageTag) {
		if supervisor != nil {
			supervisor.NotifyCrash(tag)
		}
	})
	workspace := aggregator.NewWorkspace(backends)
	router := aggregator.NewRouter(backends, workspace)
	supervisor = aggregator.NewSupervisor(cfg, backends, workspace)

	if statePath, err := resolveStatePath(serveStateDir); err != nil {
		pterm.Warning.Printf("status snapshot disabled: %v\n", err)
	} else {
		supervisor.SetStatePath(statePath)
	}

	gateway := aggregator.NewGateway(cfg, backends, workspace, router)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	supervisor.EagerStart(startCtx)
	cancelStart()
	supervisor.Run()

	pterm.Success.Println("lspgate aggregator ready, serving MCP over stdio")

	errChan := make(chan error, 1)
	go func() {
		errChan <- gateway.ServeStdio()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		supervisor.Shutdown()
		if err != nil {
			return errors.Wrap(err, "gateway stopped unexpectedly")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan []error, 1)
		go func() {
			shutdownDone <- supervisor.Shutdown()
		}()

		select {
		case shutdownErrs := <-shutdownDone:
			if len(shutdownErrs) > 0 {
				return fmt.Errorf("shutdown reported %d error(s); first: %w", len(shutdownErrs), shutdownErrs[0])
			}
			pterm.Success.Println("lspgate stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
