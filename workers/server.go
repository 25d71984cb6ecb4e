package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/lspcore/dispatch"
	"github.com/quillsys/lspgate/lspcore/pool"
	"github.com/quillsys/lspgate/lspcore/project"
	"github.com/quillsys/lspgate/lspcore/transport"
	"github.com/quillsys/lspgate/lspcore/tsbridge"
	"github.com/quillsys/lspgate/logger"
)

// version is the value this worker advertises as its MCP server version.
// The aggregator's backend manager records it as the backend's
// "name@version" on first connect.
const version = "0.1.0"

// Config controls how one worker process is built: which profile it
// implements, whether auto-update is requested, and (Python only) which
// downstream LSP provider to drive.
type Config struct {
	Profile        LanguageProfile
	AutoUpdate     bool
	PythonProvider PythonProvider
}

// Worker is a single-language MCP server: it owns an lspcore pool keyed by
// workspace root, a dispatcher translating the unified tool table into LSP
// requests against that pool, and (for Vue) a tsbridge companion process
// manager. It exposes itself over stdio via mcp-go the same way the
// teacher's gopls MCPServer does, generalized from one hardwired language to
// the data-driven LanguageProfile table.
type Worker struct {
	cfg    Config
	pool   *pool.Pool
	bridge *tsbridge.Bridge
	disp   *dispatch.Dispatcher
	server *server.MCPServer

	mu              sync.RWMutex
	activeWorkspace string
	hasWorkspace    bool

	log *zap.SugaredLogger
}

// New builds a worker for one language profile. It does not spawn any LSP
// server yet — spawning is lazy, on first tool call against a workspace,
// exactly as the pool's Acquire already guarantees.
func New(cfg Config) *Worker {
	w := &Worker{
		cfg: cfg,
		log: logger.ComponentLogger("worker-" + string(cfg.Profile.Tag)),
	}

	// Every profile's primary LSP server speaks standard
	// Content-Length-framed LSP; tsserver's own newline framing only
	// appears on the Vue profile's companion bridge connection below.
	spawnCmd := cfg.Profile.Spawn(cfg.AutoUpdate, cfg.PythonProvider)
	spawner := ProcessSpawner(spawnCmd, transport.ContentLength)

	w.pool = pool.New(spawner, func(workspaceRoot string) {
		w.log.Warnw("lsp backend crashed", logger.FieldWorkspace, workspaceRoot)
	})

	if cfg.Profile.TsserverUse && cfg.Profile.SpawnTsserver != nil {
		tsCmd := cfg.Profile.SpawnTsserver(cfg.AutoUpdate)
		rawSpawner := ProcessSpawner(tsCmd, transport.Newline)
		tsSpawner := func(ctx context.Context, workspaceRoot string) (*exec.Cmd, *transport.Conn, error) {
			return rawSpawner(ctx, workspaceRoot)
		}
		w.bridge = tsbridge.New(tsSpawner, w.notifyTsserverResponse)
		w.pool.WithTsserverNotifier(func(workspaceRoot string, params json.RawMessage) {
			w.bridge.HandleRequest(context.Background(), workspaceRoot, params)
		})
	}

	w.disp = dispatch.New(cfg.Profile.LanguageID, w.pool, w.getWorkspace)

	w.server = server.NewMCPServer(
		fmt.Sprintf("lspgate-%s", cfg.Profile.Tag),
		version,
		server.WithToolCapabilities(true),
	)
	w.registerTools()

	return w
}

// notifyTsserverResponse relays a tsbridge reply back to the Vue LSP server
// connection that asked, as a tsserver/response notification.
func (w *Worker) notifyTsserverResponse(workspaceRoot string, subID int, body interface{}) {
	conn, ok := w.pool.Get(workspaceRoot)
	if !ok {
		return
	}
	if err := conn.Conn.Notify("tsserver/response", []interface{}{[]interface{}{subID, body}}); err != nil {
		w.log.Warnw("failed to relay tsserver response", logger.FieldWorkspace, workspaceRoot, logger.FieldError, err.Error())
	}
}

// ServeStdio starts the worker's MCP server over stdio. It blocks until the
// transport closes.
func (w *Worker) ServeStdio() error {
	return server.ServeStdio(w.server)
}

// Close tears down every pooled LSP connection and, if present, the
// tsbridge's companion tsserver instances.
func (w *Worker) Close() {
	w.pool.CloseAll()
	if w.bridge != nil {
		w.bridge.Close()
	}
}

func (w *Worker) setWorkspace(path string) (string, error) {
	abs, err := project.NormalizeWorkspacePath(path)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	old := w.activeWorkspace
	w.activeWorkspace = abs
	w.hasWorkspace = true
	w.mu.Unlock()

	if old != "" && old != abs {
		w.pool.Remove(old)
	}
	return abs, nil
}

func (w *Worker) getWorkspace() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activeWorkspace, w.hasWorkspace
}

func (w *Worker) registerTools() {
	w.server.AddTool(mcp.NewTool("switch_workspace",
		mcp.WithDescription("Set the active workspace root for this worker"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute or relative path to the project root")),
	), w.handleSwitchWorkspace)

	w.server.AddTool(mcp.NewTool("hover",
		mcp.WithDescription("Get hover information for a symbol"),
		mcp.WithString("file", mcp.Required(), mcp.Description("File path, absolute or workspace-relative")),
		mcp.WithNumber("line", mcp.Required(), mcp.Description("1-based line number")),
		mcp.WithNumber("column", mcp.Required(), mcp.Description("1-based column number")),
	), w.handleHover)

	w.server.AddTool(mcp.NewTool("definition",
		mcp.WithDescription("Find the definition of a symbol"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
	), w.handleDefinition)

	w.server.AddTool(mcp.NewTool("references",
		mcp.WithDescription("Find all references to a symbol"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
	), w.handleReferences)

	w.server.AddTool(mcp.NewTool("completions",
		mcp.WithDescription("List completions at a position"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum items to return, default 20")),
	), w.handleCompletions)

	w.server.AddTool(mcp.NewTool("signature_help",
		mcp.WithDescription("Get signature help at a position"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
	), w.handleSignatureHelp)

	w.server.AddTool(mcp.NewTool("symbols",
		mcp.WithDescription("List symbols in a file"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithString("query", mcp.Description("Optional case-insensitive name substring filter")),
	), w.handleSymbols)

	w.server.AddTool(mcp.NewTool("rename",
		mcp.WithDescription("Preview a rename of the symbol at a position; does not write to disk"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
		mcp.WithString("newName", mcp.Description("New name (also accepted as new_name)")),
		mcp.WithString("new_name", mcp.Description("New name (also accepted as newName)")),
	), w.handleRename)

	w.server.AddTool(mcp.NewTool("diagnostics",
		mcp.WithDescription("Get cached diagnostics for a file"),
		mcp.WithString("file", mcp.Required()),
	), w.handleDiagnostics)

	w.server.AddTool(mcp.NewTool("update_document",
		mcp.WithDescription("Push new file content to the LSP server without writing to disk"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
	), w.handleUpdateDocument)

	w.server.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search the workspace with ripgrep"),
		mcp.WithString("pattern", mcp.Required()),
		mcp.WithString("path", mcp.Description("Restrict the search to this file or directory")),
		mcp.WithNumber("limit", mcp.Description("Maximum matches to return, default 100")),
	), w.handleSearch)

	for _, extra := range w.cfg.Profile.ExtraTools {
		toolName := fmt.Sprintf("%s_%s", w.cfg.Profile.Tag, extra.Name)
		w.server.AddTool(mcp.NewTool(toolName,
			mcp.WithDescription(extra.Description),
			mcp.WithString("file", mcp.Required()),
		), w.handleExtraTool(extra))
	}
}

func requirePosition(request mcp.CallToolRequest) (string, dispatch.Position, error) {
	file, err := request.RequireString("file")
	if err != nil {
		return "", dispatch.Position{}, errors.NewInvalidInput(err.Error(), "pass a file path")
	}
	line, err := request.RequireInt("line")
	if err != nil {
		return "", dispatch.Position{}, errors.NewInvalidInput(err.Error(), "pass a 1-based line number")
	}
	column, err := request.RequireInt("column")
	if err != nil {
		return "", dispatch.Position{}, errors.NewInvalidInput(err.Error(), "pass a 1-based column number")
	}
	return file, dispatch.Position{Line: line, Column: column}, nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorResult(err error) (*mcp.CallToolResult, error) {
	msg := err.Error()
	if kind, ok := errors.KindOf(err); ok {
		hints := errors.GetAllHints(err)
		payload := map[string]interface{}{
			"error":   kindName(kind),
			"message": msg,
		}
		if len(hints) > 0 {
			payload["hint"] = hints[0]
		}
		data, _ := json.Marshal(payload)
		return mcp.NewToolResultText(string(data)), nil
	}
	return mcp.NewToolResultError(msg), nil
}

func kindName(k errors.Kind) string {
	switch k {
	case errors.KindInvalidInput:
		return "InvalidInput"
	case errors.KindContextMismatch:
		return "ContextMismatch"
	case errors.KindBackendDisabled:
		return "BackendDisabled"
	case errors.KindBackendUnavailable:
		return "BackendUnavailable"
	case errors.KindNotImplemented:
		return "NotImplemented"
	case errors.KindUpstreamTimeout:
		return "UpstreamTimeout"
	case errors.KindUpstreamCrash:
		return "UpstreamCrash"
	case errors.KindTransientToolError:
		return "TransientToolError"
	default:
		return "Unknown"
	}
}

func (w *Worker) handleSwitchWorkspace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error(), "pass a workspace path"))
	}
	abs, err := w.setWorkspace(path)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]interface{}{"success": true, "workspace": abs})
}

func (w *Worker) handleHover(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, pos, err := requirePosition(request)
	if err != nil {
		return errorResult(err)
	}
	text, err := w.disp.Hover(ctx, file, pos)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]string{"hover": text})
}

func (w *Worker) handleDefinition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, pos, err := requirePosition(request)
	if err != nil {
		return errorResult(err)
	}
	result, err := w.disp.Definition(ctx, file, pos)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]interface{}{"definitions": result})
}

func (w *Worker) handleReferences(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, pos, err := requirePosition(request)
	if err != nil {
		return errorResult(err)
	}
	result, err := w.disp.References(ctx, file, pos)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]interface{}{"references": result})
}

func (w *Worker) handleCompletions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, pos, err := requirePosition(request)
	if err != nil {
		return errorResult(err)
	}
	limit := request.GetInt("limit", dispatch.DefaultCompletionLimit)
	result, err := w.disp.Completions(ctx, file, pos, limit)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(result)
}

func (w *Worker) handleSignatureHelp(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, pos, err := requirePosition(request)
	if err != nil {
		return errorResult(err)
	}
	result, err := w.disp.SignatureHelp(ctx, file, pos)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(result)
}

func (w *Worker) handleSymbols(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, err := request.RequireString("file")
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error(), "pass a file path"))
	}
	query := request.GetString("query", "")
	result, err := w.disp.Symbols(ctx, file, query)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]interface{}{"symbols": result})
}

func (w *Worker) handleRename(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, pos, err := requirePosition(request)
	if err != nil {
		return errorResult(err)
	}
	newName := request.GetString("newName", "")
	if newName == "" {
		newName = request.GetString("new_name", "")
	}
	if newName == "" {
		return errorResult(errors.NewInvalidInput("rename requires newName or new_name", "pass the new symbol name"))
	}
	result, err := w.disp.Rename(ctx, file, pos, newName)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]interface{}{"edits": result})
}

func (w *Worker) handleDiagnostics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, err := request.RequireString("file")
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error(), "pass a file path"))
	}
	result, err := w.disp.Diagnostics(ctx, file)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]interface{}{"diagnostics": result})
}

func (w *Worker) handleUpdateDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, err := request.RequireString("file")
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error(), "pass a file path"))
	}
	content, err := request.RequireString("content")
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error(), "pass the file's new content"))
	}
	if err := w.disp.UpdateDocument(ctx, file, content); err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]bool{"success": true})
}

func (w *Worker) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error(), "pass a search pattern"))
	}
	path := request.GetString("path", "")
	limit := request.GetInt("limit", 100)
	result, err := w.disp.Search(ctx, pattern, path, limit)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]interface{}{"matches": result})
}

// handleExtraTool answers a language-specific tool with NotImplemented: its
// concrete argument schema and LSP translation are out of this
// repository's scope (spec.md's non-goals name "the concrete tool schemas
// of unrelated fields" explicitly), but the tool is still registered so
// capability checks and tool listings see it.
func (w *Worker) handleExtraTool(spec ToolSpec) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return errorResult(errors.NewNotImplemented(
			fmt.Sprintf("%s is not implemented by this gateway", spec.Name),
			"this tool's schema is outside lspgate's unified operation table"))
	}
}
