package aggregator

import (
	"context"
	"sync"

	"github.com/quillsys/lspgate/lspcore/project"
	"github.com/quillsys/lspgate/workers"
)

// WorkspaceResult is one language's outcome of a switch_workspace fan-out,
// the per-language entry of spec.md §4.8's {results: per-language} shape.
type WorkspaceResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Workspace coordinates the single optional active workspace root every
// backend shares. It validates the path once, fans the switch out to
// every backend already started, and remembers it so a backend started
// later is switched immediately after its first handshake and before it
// serves any user call.
type Workspace struct {
	backends *BackendManager

	mu       sync.RWMutex
	path     string
	hasOne   bool
	injected map[workers.LanguageTag]string
}

// NewWorkspace builds a coordinator bound to a Backend Manager.
func NewWorkspace(backends *BackendManager) *Workspace {
	return &Workspace{backends: backends, injected: make(map[workers.LanguageTag]string)}
}

// Current returns the active workspace path, if any.
func (w *Workspace) Current() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.path, w.hasOne
}

// Switch validates path as an existing directory, records it as the
// active workspace, and fans out a switch_workspace tool call to every
// backend already started. Backends that have never been started pick up
// the new path automatically on their next start via InjectInto.
func (w *Workspace) Switch(ctx context.Context, path string) (string, map[workers.LanguageTag]WorkspaceResult, error) {
	abs, err := project.NormalizeWorkspacePath(path)
	if err != nil {
		return "", nil, err
	}

	w.mu.Lock()
	w.path = abs
	w.hasOne = true
	w.mu.Unlock()

	results := make(map[workers.LanguageTag]WorkspaceResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, b := range w.backends.List() {
		if b.Status() != StatusReady {
			continue
		}
		wg.Add(1)
		go func(tag workers.LanguageTag) {
			defer wg.Done()
			callErr := w.sendSwitch(ctx, tag, abs)
			mu.Lock()
			if callErr != nil {
				results[tag] = WorkspaceResult{Status: "error", Error: callErr.Error()}
			} else {
				results[tag] = WorkspaceResult{Status: "ok"}
			}
			mu.Unlock()
		}(b.Language)
	}
	wg.Wait()

	return abs, results, nil
}

func (w *Workspace) sendSwitch(ctx context.Context, tag workers.LanguageTag, path string) error {
	_, err := w.backends.CallTool(ctx, tag, "switch_workspace", map[string]interface{}{"path": path})
	w.mu.Lock()
	if err == nil {
		w.injected[tag] = path
	}
	w.mu.Unlock()
	return err
}

// InjectInto pushes the active workspace into tag's backend if it has not
// already been sent that exact path, the "first start, before the first
// user call" case spec.md §4.8 names. BackendManager has no reference to
// Workspace (it would be a layering cycle); the router calls this right
// after Ensure returns, before forwarding the call that may have
// triggered the spawn — a no-op for a backend that already has the
// current workspace.
func (w *Workspace) InjectInto(ctx context.Context, tag workers.LanguageTag) error {
	path, ok := w.Current()
	if !ok {
		return nil
	}
	w.mu.RLock()
	already := w.injected[tag] == path
	w.mu.RUnlock()
	if already {
		return nil
	}
	return w.sendSwitch(ctx, tag, path)
}
