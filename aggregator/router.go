package aggregator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/workers"
)

// unifiedTools is the fixed set spec.md §4.5/§4.7 names. It is only used
// for membership tests by isUnifiedTool, so its order does not matter;
// NotImplemented's available_tools listing comes from the backend's own
// tool list instead.
var unifiedTools = []string{
	"hover", "definition", "references", "completions", "signature_help",
	"symbols", "diagnostics", "rename", "update_document", "search",
}

func isUnifiedTool(name string) bool {
	for _, t := range unifiedTools {
		if t == name {
			return true
		}
	}
	return false
}

// Router resolves a unified or language-specific tool call to a language
// tag and forwards it through the Backend Manager, performing the
// extension-based routing, the capability check, the rename
// newName/new_name argument bridge, and the path-less search fan-out
// spec.md §4.7 names.
type Router struct {
	backends  *BackendManager
	workspace *Workspace
}

// NewRouter builds a router over an already-constructed Backend Manager
// and Workspace coordinator.
func NewRouter(backends *BackendManager, workspace *Workspace) *Router {
	return &Router{backends: backends, workspace: workspace}
}

// ensureWithWorkspace starts tag's backend if needed and, the first time
// it becomes available, pushes the active workspace into it before any
// caller sees it as ready to serve.
func (r *Router) ensureWithWorkspace(ctx context.Context, tag workers.LanguageTag) (*ChildBackend, error) {
	backend, err := r.backends.Ensure(ctx, tag)
	if err != nil {
		return nil, err
	}
	if r.workspace != nil {
		if err := r.workspace.InjectInto(ctx, tag); err != nil {
			return nil, err
		}
	}
	return backend, nil
}

// Route dispatches one tool call by name. toolName is either one of
// unifiedTools or a "<lang>_<name>" language-specific tool.
func (r *Router) Route(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if isUnifiedTool(toolName) {
		return r.routeUnified(ctx, toolName, args)
	}
	return r.routeLanguageSpecific(ctx, toolName, args)
}

func (r *Router) routeUnified(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if toolName == "search" {
		if pathArg, _ := args["path"].(string); pathArg == "" {
			return r.fanOutSearch(ctx, args)
		}
	}

	tag, err := r.languageFor(args)
	if err != nil {
		return nil, err
	}

	if toolName == "rename" {
		bridgeRenameArgs(args)
	}

	backend, err := r.ensureWithWorkspace(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !backend.HasTool(toolName) {
		return nil, notImplemented(toolName, backend)
	}

	return r.backends.CallTool(ctx, tag, toolName, args)
}

func (r *Router) routeLanguageSpecific(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	tag, name, ok := splitLanguageTool(toolName)
	if !ok {
		return nil, errors.NewInvalidInput("unknown tool: "+toolName, "check the tool name against list_backends")
	}

	backend, err := r.ensureWithWorkspace(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !backend.HasTool(toolName) {
		return nil, notImplemented(toolName, backend)
	}

	return r.backends.CallTool(ctx, tag, toolName, args)
}

func splitLanguageTool(toolName string) (workers.LanguageTag, string, bool) {
	for tag := range workers.Profiles {
		prefix := string(tag) + "_"
		if strings.HasPrefix(toolName, prefix) {
			return tag, strings.TrimPrefix(toolName, prefix), true
		}
	}
	return "", "", false
}

// languageFor infers the target language from a unified tool call's file
// or path argument's extension, via the fixed map spec.md §4.7 names.
func (r *Router) languageFor(args map[string]interface{}) (workers.LanguageTag, error) {
	target, _ := args["file"].(string)
	if target == "" {
		target, _ = args["path"].(string)
	}
	if target == "" {
		return "", errors.NewInvalidInput("missing file or path argument", "pass a file or path argument so the router can resolve a language")
	}

	ext := strings.ToLower(filepath.Ext(target))
	tag, ok := workers.ExtensionLanguage[ext]
	if !ok {
		return "", errors.NewInvalidInput(
			"unrecognized file extension: "+ext,
			"lspgate only routes "+supportedExtensions())
	}
	return tag, nil
}

func supportedExtensions() string {
	exts := make([]string, 0, len(workers.ExtensionLanguage))
	for ext := range workers.ExtensionLanguage {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return strings.Join(exts, ", ")
}

// bridgeRenameArgs copies newName into new_name (or vice versa) so
// either spelling reaches the downstream backend, since Python's worker
// expects new_name while the outer tool table advertises newName.
func bridgeRenameArgs(args map[string]interface{}) {
	newName, hasNewName := args["newName"]
	newNameSnake, hasSnake := args["new_name"]
	switch {
	case hasNewName && !hasSnake:
		args["new_name"] = newName
	case hasSnake && !hasNewName:
		args["newName"] = newNameSnake
	}
}

// fanOutSearch handles search called with no path: every already-started
// backend is searched in parallel and the matches merged; if none has
// started, an empty result with a hint is returned rather than eagerly
// starting every backend, per spec.md's explicit Open Question decision.
func (r *Router) fanOutSearch(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	started := startedBackends(r.backends)
	if len(started) == 0 {
		return emptySearchResult(), nil
	}

	var wg sync.WaitGroup
	results := make([]*mcp.CallToolResult, len(started))
	for i, tag := range started {
		wg.Add(1)
		go func(i int, tag workers.LanguageTag) {
			defer wg.Done()
			result, err := r.backends.CallTool(ctx, tag, "search", args)
			if err == nil {
				results[i] = result
			}
		}(i, tag)
	}
	wg.Wait()

	return mergeSearchResults(results), nil
}

func startedBackends(m *BackendManager) []workers.LanguageTag {
	var tags []workers.LanguageTag
	for _, b := range m.List() {
		if b.Status() == StatusReady {
			tags = append(tags, b.Language)
		}
	}
	return tags
}

func emptySearchResult() *mcp.CallToolResult {
	return mcp.NewToolResultText(`{"matches":[],"hint":"no backend is started yet; pass a path to search a specific language, or call a unified tool first to start one"}`)
}

// mergeSearchResults concatenates each backend's text payload into one
// JSON array under "matches". Each backend already returns
// {"matches":[...]} per lspcore/dispatch's Search result shape; callers
// that errored or returned non-text content contribute nothing.
func mergeSearchResults(results []*mcp.CallToolResult) *mcp.CallToolResult {
	var merged []string
	for _, result := range results {
		if result == nil {
			continue
		}
		for _, c := range result.Content {
			if t, ok := c.(mcp.TextContent); ok {
				merged = append(merged, t.Text)
			}
		}
	}
	return mcp.NewToolResultText(combineMatchPayloads(merged))
}

// combineMatchPayloads parses each backend's {"matches":[...]} text
// payload and flattens them into one combined array. A payload this
// gateway itself produced is always valid JSON, so a parse failure here
// means a backend returned something unexpected and is simply skipped.
func combineMatchPayloads(payloads []string) string {
	var all []json.RawMessage
	for _, p := range payloads {
		var decoded struct {
			Matches []json.RawMessage `json:"matches"`
		}
		if err := json.Unmarshal([]byte(p), &decoded); err != nil {
			continue
		}
		all = append(all, decoded.Matches...)
	}
	out, err := json.Marshal(map[string][]json.RawMessage{"matches": all})
	if err != nil {
		return `{"matches":[]}`
	}
	return string(out)
}

func notImplemented(toolName string, backend *ChildBackend) error {
	names := backend.ToolNames()
	sort.Strings(names)
	return errors.NewNotImplemented(
		toolName+" is not implemented by the "+string(backend.Language)+" backend",
		"available tools: "+strings.Join(names, ", "))
}
