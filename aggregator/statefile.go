package aggregator

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/workers"
)

// Snapshot is the on-disk view `lspgate status` reads, per SPEC_FULL.md
// §4.12's decision to back the CLI mirror with a best-effort JSON
// snapshot file rather than an IPC channel into the running aggregator.
type Snapshot struct {
	Workspace    string                    `json:"workspace,omitempty"`
	HasWorkspace bool                      `json:"hasWorkspace"`
	Backends     map[string]BackendSummary `json:"backends"`
}

// BackendSummary is one language's entry in a Snapshot.
type BackendSummary struct {
	Enabled    bool   `json:"enabled"`
	Provider   string `json:"provider,omitempty"`
	Status     string `json:"status"`
	ServerName string `json:"serverName,omitempty"`
	Version    string `json:"version,omitempty"`
	ToolCount  int    `json:"toolCount"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
	Terminal   bool   `json:"terminal,omitempty"`
}

// DefaultStatePath returns $XDG_STATE_HOME/lspgate/status.json, falling
// back to ~/.local/state/lspgate/status.json when XDG_STATE_HOME is
// unset, the path a concurrently-running `serve` and a separately
// invoked `lspgate status` both agree on by default.
func DefaultStatePath() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "lspgate", "status.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve home directory for the default state path")
	}
	return filepath.Join(home, ".local", "state", "lspgate", "status.json"), nil
}

// BuildSnapshot captures the current state of cfg/backends/workspace.
func BuildSnapshot(cfg *Config, backends *BackendManager, workspace *Workspace) Snapshot {
	summaries := make(map[string]BackendSummary)
	for tag := range workers.Profiles {
		tagStr := string(tag)
		entry := BackendSummary{Enabled: cfg.Enabled(tag)}
		if tag == workers.Python {
			entry.Provider = cfg.Python.Provider
		}
		if b, ok := backends.Get(tag); ok {
			name, version, toolCount := b.Identity()
			entry.Status = string(b.Status())
			entry.ServerName = name
			entry.Version = version
			entry.ToolCount = toolCount
			if b.Status() == StatusError {
				entry.Error = b.ErrorMessage()
				entry.RetryCount = b.RetryCount()
				entry.Terminal = b.Terminal()
			}
		} else {
			entry.Status = string(StatusAbsent)
		}
		summaries[tagStr] = entry
	}

	workspacePath, hasWorkspace := workspace.Current()
	return Snapshot{
		Workspace:    workspacePath,
		HasWorkspace: hasWorkspace,
		Backends:     summaries,
	}
}

// WriteSnapshot writes state to path, creating its parent directory if
// needed. Failures here are logged by the caller, never fatal: the
// snapshot is an operator convenience, not part of the MCP contract.
func WriteSnapshot(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create state directory")
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal state snapshot")
	}
	return os.WriteFile(path, out, 0o644)
}

// ReadSnapshot reads and parses the state file `lspgate status` mirrors.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "failed to read state file; is `lspgate serve` running?")
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "failed to parse state file")
	}
	return snap, nil
}
