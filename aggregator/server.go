package aggregator

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/workers"
)

const serverVersion = "0.1.0"

// Gateway is the outer MCP server spec.md §6 names: it advertises the
// administrative tools (status, check_versions, list_backends,
// start_backend, update_backend, switch_workspace,
// switch_python_backend), the ten unified LSP tools, and every
// per-language <lang>_<tool> tool, forwarding the latter two groups
// through Router and serving the former directly off BackendManager,
// Workspace, and Config.
type Gateway struct {
	cfg       *Config
	backends  *BackendManager
	workspace *Workspace
	router    *Router
	server    *server.MCPServer
}

// NewGateway wires a gateway over an already-constructed Config,
// BackendManager, Workspace, and Router, and registers every tool.
func NewGateway(cfg *Config, backends *BackendManager, workspace *Workspace, router *Router) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		backends:  backends,
		workspace: workspace,
		router:    router,
	}
	g.server = server.NewMCPServer(
		"lspgate",
		serverVersion,
		server.WithToolCapabilities(true),
	)
	g.registerTools()
	return g
}

// ServeStdio runs the gateway's MCP server over stdio until its input
// closes or the context is cancelled.
func (g *Gateway) ServeStdio() error {
	return server.ServeStdio(g.server)
}

func (g *Gateway) registerTools() {
	g.server.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Report aggregator configuration and every backend's status and version"),
	), g.handleStatus)

	g.server.AddTool(mcp.NewTool("check_versions",
		mcp.WithDescription("Report each backend's spawn command, advertised version, and provider"),
	), g.handleCheckVersions)

	g.server.AddTool(mcp.NewTool("list_backends",
		mcp.WithDescription("List every backend's enabled flag, provider, status, and tool count"),
	), g.handleListBackends)

	g.server.AddTool(mcp.NewTool("start_backend",
		mcp.WithDescription("Start a backend if it is not already running"),
		mcp.WithString("language", mcp.Required(), mcp.Description("python, typescript, or vue")),
	), g.handleStartBackend)

	g.server.AddTool(mcp.NewTool("update_backend",
		mcp.WithDescription("Restart a backend, reporting whether its advertised version changed"),
		mcp.WithString("language", mcp.Required(), mcp.Description("python, typescript, or vue")),
	), g.handleUpdateBackend)

	g.server.AddTool(mcp.NewTool("switch_workspace",
		mcp.WithDescription("Set the active workspace root and push it to every running backend"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute or relative path to the project root")),
	), g.handleSwitchWorkspace)

	g.server.AddTool(mcp.NewTool("switch_python_backend",
		mcp.WithDescription("Change the Python provider; takes effect on the backend's next start"),
		mcp.WithString("provider", mcp.Required(), mcp.Description("python-lsp-mcp or pyright-mcp")),
	), g.handleSwitchPythonBackend)

	g.registerUnifiedTools()
	g.registerLanguageSpecificTools()
}

// registerUnifiedTools registers the ten language-agnostic tools (spec
// §4.5/§6), each forwarded through Router to whichever backend the
// file/path argument's extension selects.
func (g *Gateway) registerUnifiedTools() {
	g.server.AddTool(mcp.NewTool("hover",
		mcp.WithDescription("Get hover information for a symbol"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
	), g.routed)

	g.server.AddTool(mcp.NewTool("definition",
		mcp.WithDescription("Find the definition of a symbol"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
	), g.routed)

	g.server.AddTool(mcp.NewTool("references",
		mcp.WithDescription("Find all references to a symbol"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
	), g.routed)

	g.server.AddTool(mcp.NewTool("completions",
		mcp.WithDescription("List completions at a position"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum items to return, default 20")),
	), g.routed)

	g.server.AddTool(mcp.NewTool("signature_help",
		mcp.WithDescription("Get signature help at a position"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
	), g.routed)

	g.server.AddTool(mcp.NewTool("symbols",
		mcp.WithDescription("List symbols in a file"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithString("query", mcp.Description("Optional case-insensitive name substring filter")),
	), g.routed)

	g.server.AddTool(mcp.NewTool("rename",
		mcp.WithDescription("Preview a rename of the symbol at a position; does not write to disk"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithNumber("line", mcp.Required()),
		mcp.WithNumber("column", mcp.Required()),
		mcp.WithString("newName", mcp.Description("New name (also accepted as new_name)")),
		mcp.WithString("new_name", mcp.Description("New name (also accepted as newName)")),
	), g.routed)

	g.server.AddTool(mcp.NewTool("diagnostics",
		mcp.WithDescription("Get cached diagnostics for a file"),
		mcp.WithString("file", mcp.Required()),
	), g.routed)

	g.server.AddTool(mcp.NewTool("update_document",
		mcp.WithDescription("Push in-memory document content and re-run diagnostics"),
		mcp.WithString("file", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
	), g.routed)

	g.server.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search the workspace with ripgrep; omit path to search every running backend"),
		mcp.WithString("pattern", mcp.Required()),
		mcp.WithString("path", mcp.Description("Restrict the search to one language by file or path extension")),
		mcp.WithString("glob", mcp.Description("Glob filter; accepted but not applied, matches are not restricted by it")),
		mcp.WithNumber("limit", mcp.Description("Maximum matches to return per backend, default 100")),
	), g.routed)
}

// registerLanguageSpecificTools registers every worker's ExtraTools
// under its "<lang>_<name>" prefix, per spec.md §6's last table row.
func (g *Gateway) registerLanguageSpecificTools() {
	for tag, profile := range workers.Profiles {
		for _, extra := range profile.ExtraTools {
			name := string(tag) + "_" + extra.Name
			g.server.AddTool(mcp.NewTool(name,
				mcp.WithDescription(extra.Description),
				mcp.WithString("file", mcp.Required()),
			), g.routed)
		}
	}
}

// routed forwards any unified or language-specific tool call straight to
// the Router, translating its error into the same {error, message, hint}
// JSON shape workers/server.go's errorResult produces, so every layer of
// this gateway reports errors identically.
func (g *Gateway) routed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	result, err := g.router.Route(ctx, request.Params.Name, args)
	if err != nil {
		return errorResult(err), nil
	}
	return result, nil
}

// errorResult mirrors workers/server.go's error envelope so a caller
// sees the same {error, message, hint} shape regardless of whether the
// failure originated in this gateway or in a child worker.
func errorResult(err error) *mcp.CallToolResult {
	kind, ok := errors.KindOf(err)
	if !ok {
		return mcp.NewToolResultError(err.Error())
	}
	names := map[errors.Kind]string{
		errors.KindInvalidInput:       "InvalidInput",
		errors.KindContextMismatch:    "ContextMismatch",
		errors.KindBackendDisabled:    "BackendDisabled",
		errors.KindBackendUnavailable: "BackendUnavailable",
		errors.KindNotImplemented:     "NotImplemented",
		errors.KindUpstreamTimeout:    "UpstreamTimeout",
		errors.KindUpstreamCrash:      "UpstreamCrash",
		errors.KindTransientToolError: "TransientToolError",
	}
	name, known := names[kind]
	if !known {
		name = "Unknown"
	}
	payload := map[string]interface{}{
		"error":   name,
		"message": err.Error(),
	}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		payload["hint"] = hints[0]
	}
	out, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	out, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

// handleStatus reports the aggregator's configuration and every
// backend's status/version, spec.md §6's `status` tool.
func (g *Gateway) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	backendStatus := make(map[string]interface{})
	for _, b := range g.backends.List() {
		name, version, toolCount := b.Identity()
		entry := map[string]interface{}{
			"status":     string(b.Status()),
			"serverName": name,
			"version":    version,
			"toolCount":  toolCount,
			"cmdline":    b.Cmdline(),
		}
		if b.Status() == StatusError {
			entry["error"] = b.ErrorMessage()
			entry["retryCount"] = b.RetryCount()
			entry["terminal"] = b.Terminal()
		}
		backendStatus[string(b.Language)] = entry
	}

	workspace, hasWorkspace := g.workspace.Current()

	return jsonResult(map[string]interface{}{
		"config": map[string]interface{}{
			"pythonEnabled":      g.cfg.Python.Enabled,
			"pythonProvider":     g.cfg.Python.Provider,
			"typescriptEnabled":  g.cfg.TypeScript.Enabled,
			"vueEnabled":         g.cfg.Vue.Enabled,
			"autoUpdate":         g.cfg.AutoUpdate,
			"eagerStart":         g.cfg.EagerStart,
			"idleTimeoutSeconds": g.cfg.IdleTimeoutRaw,
		},
		"workspace":    workspace,
		"hasWorkspace": hasWorkspace,
		"backends":     backendStatus,
	}), nil
}

// handleCheckVersions reports each backend's spawn command and
// advertised version, spec.md §6's `check_versions` tool.
func (g *Gateway) handleCheckVersions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := make(map[string]interface{})
	for tag := range workers.Profiles {
		b, ok := g.backends.Get(tag)
		entry := map[string]interface{}{
			"enabled": g.cfg.Enabled(tag),
		}
		if tag == workers.Python {
			entry["provider"] = g.cfg.Python.Provider
		}
		if ok {
			name, version, _ := b.Identity()
			entry["status"] = string(b.Status())
			entry["serverName"] = name
			entry["version"] = version
			entry["cmdline"] = b.Cmdline()
		} else {
			entry["status"] = string(StatusAbsent)
		}
		out[string(tag)] = entry
	}
	return jsonResult(out), nil
}

// handleListBackends reports enabled/provider/status/tool-count per
// language, spec.md §6's `list_backends` tool.
func (g *Gateway) handleListBackends(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tags := make([]string, 0, len(workers.Profiles))
	for tag := range workers.Profiles {
		tags = append(tags, string(tag))
	}
	sort.Strings(tags)

	out := make([]map[string]interface{}, 0, len(tags))
	for _, tagStr := range tags {
		tag := workers.LanguageTag(tagStr)
		entry := map[string]interface{}{
			"language": tagStr,
			"enabled":  g.cfg.Enabled(tag),
		}
		if tag == workers.Python {
			entry["provider"] = g.cfg.Python.Provider
		}
		if b, ok := g.backends.Get(tag); ok {
			_, _, toolCount := b.Identity()
			entry["status"] = string(b.Status())
			entry["toolCount"] = toolCount
		} else {
			entry["status"] = string(StatusAbsent)
			entry["toolCount"] = 0
		}
		out = append(out, entry)
	}
	return jsonResult(map[string]interface{}{"backends": out}), nil
}

// handleStartBackend starts a backend on demand, spec.md §6's
// `start_backend` tool.
func (g *Gateway) handleStartBackend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tag := workers.LanguageTag(language)

	b, err := g.backends.Ensure(ctx, tag)
	if err != nil {
		return errorResult(err), nil
	}
	name, version, toolCount := b.Identity()

	if g.workspace != nil {
		_ = g.workspace.InjectInto(ctx, tag)
	}

	return jsonResult(map[string]interface{}{
		"success":         true,
		"language":        language,
		"status":          string(b.Status()),
		"toolsRegistered": toolCount,
		"serverName":      name,
		"version":         version,
	}), nil
}

// handleUpdateBackend restarts a backend and reports whether its
// advertised version actually changed, spec.md §6's `update_backend`
// tool, using semver to compare the before/after version strings the
// way a plain string comparison could not for equivalent-but-differently
// -formatted versions (e.g. "1.2.0" vs "v1.2.0").
func (g *Gateway) handleUpdateBackend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tag := workers.LanguageTag(language)

	oldVersion := ""
	if b, ok := g.backends.Get(tag); ok {
		_, oldVersion, _ = b.Identity()
	}

	restarted, err := g.backends.Restart(ctx, tag)
	if err != nil {
		return errorResult(err), nil
	}
	_, newVersion, _ := restarted.Identity()

	if g.workspace != nil {
		_ = g.workspace.InjectInto(ctx, tag)
	}

	return jsonResult(map[string]interface{}{
		"oldVersion": oldVersion,
		"newVersion": newVersion,
		"updated":    versionChanged(oldVersion, newVersion),
	}), nil
}

// versionChanged compares two version strings as semver when both parse
// cleanly, falling back to a plain string comparison otherwise — a
// worker's advertised version is not guaranteed to be valid semver.
func versionChanged(oldVersion, newVersion string) bool {
	oldSem, oldErr := semver.NewVersion(oldVersion)
	newSem, newErr := semver.NewVersion(newVersion)
	if oldErr == nil && newErr == nil {
		return !oldSem.Equal(newSem)
	}
	return oldVersion != newVersion
}

// handleSwitchWorkspace sets the active workspace and fans it out to
// every running backend, spec.md §6's `switch_workspace` tool.
func (g *Gateway) handleSwitchWorkspace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	abs, results, err := g.workspace.Switch(ctx, path)
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]interface{}{
		"success":   true,
		"workspace": abs,
		"results":   results,
	}), nil
}

// handleSwitchPythonBackend updates the configured Python provider.
// Per spec.md §6 this only takes effect the next time the Python
// backend starts, so a caller with a running backend must also call
// update_backend to apply it immediately.
func (g *Gateway) handleSwitchPythonBackend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider, err := request.RequireString("provider")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := validateProvider(provider); err != nil {
		return errorResult(err), nil
	}

	g.cfg.Python.Provider = provider

	return jsonResult(map[string]interface{}{
		"success":  true,
		"provider": provider,
		"note":     "takes effect on the Python backend's next start; call update_backend to apply it now",
	}), nil
}
