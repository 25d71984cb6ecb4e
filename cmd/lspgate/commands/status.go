package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quillsys/lspgate/aggregator"
)

var (
	statusStateDir string
	statusJSON     bool
)

// StatusCmd is a read-only CLI mirror of the `status` MCP tool
// (SPEC_FULL.md §4.12): it connects to nothing, it just reads the
// best-effort snapshot file a concurrently-running `serve` process
// writes on every idle-reaper tick, after eager start, after each
// scheduled crash restart, and at shutdown.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last known backend status from a running lspgate serve",
	Long: `status reads the JSON snapshot file a concurrently-running "lspgate serve"
process maintains and pretty-prints it. It is a best-effort, possibly
stale operator view, not part of the MCP contract — point it at the
same --statedir the running serve process uses to see its state.`,
	RunE: runStatus,
}

func init() {
	StatusCmd.Flags().StringVar(&statusStateDir, "statedir", "", "Directory holding the status snapshot file (default: $XDG_STATE_HOME/lspgate or ~/.local/state/lspgate)")
	StatusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output the raw snapshot as JSON instead of a table")
}

func runStatus(cmd *cobra.Command, args []string) error {
	path, err := resolveStatePath(statusStateDir)
	if err != nil {
		return err
	}

	snap, err := aggregator.ReadSnapshot(path)
	if err != nil {
		return err
	}

	if statusJSON {
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	printStatusTable(snap)
	return nil
}

func printStatusTable(snap aggregator.Snapshot) {
	if snap.HasWorkspace {
		pterm.Info.Printf("Workspace: %s\n", snap.Workspace)
	} else {
		pterm.Info.Println("Workspace: (none set)")
	}

	languages := make([]string, 0, len(snap.Backends))
	for lang := range snap.Backends {
		languages = append(languages, lang)
	}
	sort.Strings(languages)

	rows := [][]string{{"Language", "Enabled", "Status", "Version", "Tools", "Note"}}
	for _, lang := range languages {
		b := snap.Backends[lang]
		note := ""
		if b.Error != "" {
			note = b.Error
			if b.Terminal {
				note = "TERMINAL: " + note
			}
		} else if b.Provider != "" {
			note = "provider=" + b.Provider
		}
		rows = append(rows, []string{
			lang,
			fmt.Sprintf("%t", b.Enabled),
			b.Status,
			b.Version,
			fmt.Sprintf("%d", b.ToolCount),
			note,
		})
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		pterm.Error.Printf("failed to render status table: %v\n", err)
	}
}
