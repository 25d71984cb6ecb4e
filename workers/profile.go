// Package workers builds the generic per-language MCP server that drives
// one lspcore pool against one real LSP server. It is data-driven off a
// LanguageProfile table rather than one hand-written binary per language,
// the same "one interface, data-driven variants" shape the teacher uses for
// its domain plugins (plugin/interface.go, plugin/registry.go), generalized
// from a gRPC plugin registry to a table of spawn commands.
package workers

import (
	"context"
	"os/exec"

	"github.com/quillsys/lspgate/lspcore/transport"
)

// LanguageTag identifies one of the three worker flavours this repo ships.
type LanguageTag string

const (
	Python     LanguageTag = "python"
	TypeScript LanguageTag = "typescript"
	Vue        LanguageTag = "vue"
)

// SpawnCommand names a subprocess and its arguments, resolved at spawn time
// so auto-update can swap in a "fetch latest" invocation without the
// profile table itself changing shape.
type SpawnCommand struct {
	Command string
	Args    []string
}

// ToolSpec is one language-specific tool this worker registers in addition
// to the unified tool set, e.g. Python's "move" or TypeScript's
// "available_refactors". Concrete argument schemas beyond the
// routing-relevant `file`/`path` field are this repository's explicit
// non-goal; these are registered so capability checks and tool listings see
// them, and their handler answers every call with NotImplemented.
type ToolSpec struct {
	Name        string
	Description string
	LSPMethod   string
}

// PythonProvider selects which LSP server the Python worker drives.
// switch_python_backend flips this at the operator's request; spec.md
// requires a worker restart to pick up the new provider.
type PythonProvider string

const (
	ProviderPythonLSP PythonProvider = "python-lsp-mcp"
	ProviderPyright   PythonProvider = "pyright-mcp"
)

// LanguageProfile is everything a worker process needs to know about the
// language it serves: which extensions route to it, the LSP languageId to
// advertise, how to spawn its LSP server (normal and auto-update forms),
// whether it needs the Volar tsserver bridge, and its extra tool set.
type LanguageProfile struct {
	Tag         LanguageTag
	Extensions  []string
	LanguageID  string
	TsserverUse bool

	// Spawn returns the command to run the LSP server for this profile.
	// autoUpdate selects the "fetch latest" invocation
	// (LSP_MCP_AUTO_UPDATE) over the pinned one. provider is only
	// consulted for the python profile.
	Spawn func(autoUpdate bool, provider PythonProvider) SpawnCommand

	// SpawnTsserver returns the companion tsserver command for the Vue
	// profile's tsbridge. Nil for profiles that don't bridge tsserver.
	SpawnTsserver func(autoUpdate bool) SpawnCommand

	ExtraTools []ToolSpec
}

// Profiles is the fixed table of worker flavours this repository ships.
// Adding a fourth language is a new table entry, not a new code path.
var Profiles = map[LanguageTag]LanguageProfile{
	Python: {
		Tag:        Python,
		Extensions: []string{".py", ".pyi", ".pyw"},
		LanguageID: "python",
		Spawn: func(autoUpdate bool, provider PythonProvider) SpawnCommand {
			switch provider {
			case ProviderPyright:
				if autoUpdate {
					return SpawnCommand{Command: "npx", Args: []string{"-y", "pyright@latest", "--stdio"}}
				}
				return SpawnCommand{Command: "npx", Args: []string{"pyright-langserver", "--stdio"}}
			default:
				if autoUpdate {
					return SpawnCommand{Command: "uvx", Args: []string{"--from", "python-lsp-server@latest", "pylsp"}}
				}
				return SpawnCommand{Command: "uvx", Args: []string{"pylsp"}}
			}
		},
		ExtraTools: []ToolSpec{
			{Name: "move", Description: "Move a symbol to another module", LSPMethod: "workspace/executeCommand"},
			{Name: "change_signature", Description: "Change a function's parameter signature", LSPMethod: "workspace/executeCommand"},
		},
	},
	TypeScript: {
		Tag:        TypeScript,
		Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".mts", ".mjs", ".cts", ".cjs"},
		LanguageID: "typescript",
		Spawn: func(autoUpdate bool, _ PythonProvider) SpawnCommand {
			if autoUpdate {
				return SpawnCommand{Command: "npx", Args: []string{"-y", "typescript-language-server@latest", "--stdio"}}
			}
			return SpawnCommand{Command: "npx", Args: []string{"typescript-language-server", "--stdio"}}
		},
		ExtraTools: []ToolSpec{
			{Name: "available_refactors", Description: "List refactors available at a position", LSPMethod: "workspace/executeCommand"},
			{Name: "apply_refactor", Description: "Apply a named refactor at a position", LSPMethod: "workspace/executeCommand"},
		},
	},
	Vue: {
		Tag:         Vue,
		Extensions:  []string{".vue"},
		LanguageID:  "vue",
		TsserverUse: true,
		Spawn: func(autoUpdate bool, _ PythonProvider) SpawnCommand {
			if autoUpdate {
				return SpawnCommand{Command: "npx", Args: []string{"-y", "@vue/language-server@latest", "--stdio"}}
			}
			return SpawnCommand{Command: "npx", Args: []string{"vue-language-server", "--stdio"}}
		},
		SpawnTsserver: func(autoUpdate bool) SpawnCommand {
			if autoUpdate {
				return SpawnCommand{Command: "npx", Args: []string{"-y", "typescript@latest", "--stdio"}}
			}
			return SpawnCommand{Command: "npx", Args: []string{"tsserver", "--stdio"}}
		},
	},
}

// ExtensionLanguage is the fixed routing map spec.md §4.7 names, flattened
// from Profiles for O(1) lookup by the aggregator's router.
var ExtensionLanguage = func() map[string]LanguageTag {
	m := make(map[string]LanguageTag)
	for tag, profile := range Profiles {
		for _, ext := range profile.Extensions {
			m[ext] = tag
		}
	}
	return m
}()

// ProcessSpawner adapts a SpawnCommand into the transport-level Spawner the
// pool expects: run the command, wire stdio, build a framed connection.
func ProcessSpawner(sc SpawnCommand, framing transport.Framing) func(ctx context.Context, workspaceRoot string, opts ...transport.Option) (*exec.Cmd, *transport.Conn, error) {
	return func(ctx context.Context, workspaceRoot string, opts ...transport.Option) (*exec.Cmd, *transport.Conn, error) {
		cmd := exec.CommandContext(ctx, sc.Command, sc.Args...)
		cmd.Dir = workspaceRoot

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, err
		}

		if err := cmd.Start(); err != nil {
			return nil, nil, err
		}

		conn := transport.NewConn(stdout, stdin, framing, opts...)
		return cmd, conn, nil
	}
}
