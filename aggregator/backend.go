package aggregator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/logger"
	"github.com/quillsys/lspgate/workers"
)

// BackendStatus is the per-backend state spec.md §4.9's state machine
// names.
type BackendStatus string

const (
	StatusAbsent   BackendStatus = "absent"
	StatusStarting BackendStatus = "starting"
	StatusReady    BackendStatus = "ready"
	StatusError    BackendStatus = "error"
)

// InitializeTimeout bounds the child MCP handshake.
const InitializeTimeout = 10 * time.Second

// ToolCallTimeout bounds a single forwarded tool call.
const ToolCallTimeout = 30 * time.Second

// maxConsecutiveFailures is the crash-recovery retry ceiling spec.md §4.9
// names before a backend becomes terminally errored.
const maxConsecutiveFailures = 5

// crashQuietPeriod resets the retry counter once a backend has run crash
// -free for this long.
const crashQuietPeriod = time.Hour

// ChildBackend is one language's running (or errored, or not-yet-started)
// worker subprocess: its MCP client handle, advertised identity, tool
// list, and the bookkeeping the supervisor's idle reaper and crash
// recovery loop both need.
type ChildBackend struct {
	mu sync.RWMutex

	Language   workers.LanguageTag
	InstanceID string

	status  BackendStatus
	client  *client.Client
	cmdline []string

	serverName    string
	serverVersion string
	tools         []mcp.Tool

	lastUsed     time.Time
	retryCount   int
	lastCrash    time.Time
	errorMessage string
	stopped      bool
}

func newChildBackend(tag workers.LanguageTag) *ChildBackend {
	return &ChildBackend{
		Language:   tag,
		InstanceID: uuid.NewString(),
		status:     StatusAbsent,
	}
}

// Status returns the backend's current state under lock.
func (b *ChildBackend) Status() BackendStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Identity returns the child's advertised "name@version" and its tool
// count, for the status/list_backends/start_backend tool results.
func (b *ChildBackend) Identity() (name, version string, toolCount int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.serverName, b.serverVersion, len(b.tools)
}

// HasTool reports whether the child advertised a tool by this exact name,
// the capability check the router performs before forwarding a unified
// tool call.
func (b *ChildBackend) HasTool(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ToolNames lists every tool the child advertises, for NotImplemented's
// available_tools payload.
func (b *ChildBackend) ToolNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.tools))
	for i, t := range b.tools {
		names[i] = t.Name
	}
	return names
}

func (b *ChildBackend) touch() {
	b.mu.Lock()
	b.lastUsed = time.Now()
	b.mu.Unlock()
}

// IdleFor reports how long it has been since this backend last served a
// call.
func (b *ChildBackend) IdleFor() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastUsed.IsZero() {
		return 0
	}
	return time.Since(b.lastUsed)
}

// BackendManager owns the language→ChildBackend map, spawning each
// worker subprocess lazily on first demand and forwarding tool calls to
// it. Concurrent first-use for the same language is coalesced by
// singleflight the way the pool's connection cache coalesces concurrent
// Acquire calls, generalized here to a per-language key instead of a
// per-workspace one.
type BackendManager struct {
	cfg *Config

	mu       sync.RWMutex
	backends map[workers.LanguageTag]*ChildBackend

	group singleflight.Group
	log   *zap.SugaredLogger

	// onCrash notifies the supervisor that a backend's transport closed
	// unexpectedly, so it can schedule a backoff restart. Nil is a valid
	// no-op (e.g. in tests exercising the manager alone).
	onCrash func(tag workers.LanguageTag)
}

// NewBackendManager builds a manager bound to cfg. onCrash may be nil.
func NewBackendManager(cfg *Config, onCrash func(tag workers.LanguageTag)) *BackendManager {
	return &BackendManager{
		cfg:      cfg,
		backends: make(map[workers.LanguageTag]*ChildBackend),
		log:      logger.ComponentLogger("backend-manager"),
		onCrash:  onCrash,
	}
}

// Get returns the existing backend record for tag without starting it.
func (m *BackendManager) Get(tag workers.LanguageTag) (*ChildBackend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[tag]
	return b, ok
}

// List returns every backend the manager has ever created a record for,
// including ones still absent or errored, for the status/list_backends
// tools.
func (m *BackendManager) List() []*ChildBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ChildBackend, 0, len(m.backends))
	for _, b := range m.backends {
		out = append(out, b)
	}
	return out
}

func (m *BackendManager) recordOf(tag workers.LanguageTag) *ChildBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[tag]
	if !ok {
		b = newChildBackend(tag)
		m.backends[tag] = b
	}
	return b
}

// Ensure returns a ready backend for tag, spawning it if necessary.
// Concurrent callers for the same tag share one spawn.
func (m *BackendManager) Ensure(ctx context.Context, tag workers.LanguageTag) (*ChildBackend, error) {
	if !m.cfg.Enabled(tag) {
		return nil, errors.NewBackendDisabled(
			"backend "+string(tag)+" is disabled",
			"enable it via LSP_MCP_"+languageEnvName(tag)+"_ENABLED")
	}

	b := m.recordOf(tag)
	if b.Status() == StatusReady {
		return b, nil
	}

	v, err, _ := m.group.Do(string(tag), func() (interface{}, error) {
		return m.spawn(ctx, tag, b)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ChildBackend), nil
}

func languageEnvName(tag workers.LanguageTag) string {
	switch tag {
	case workers.Python:
		return "PYTHON"
	case workers.TypeScript:
		return "TYPESCRIPT"
	case workers.Vue:
		return "VUE"
	default:
		return string(tag)
	}
}

func (m *BackendManager) spawnCommand(tag workers.LanguageTag) ([]string, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve lspgate's own executable path")
	}
	args := []string{self, "worker", string(tag)}
	if tag == workers.Python {
		args = append(args, "--provider", m.cfg.Python.Provider)
	}
	if m.cfg.AutoUpdate {
		args = append(args, "--auto-update")
	}
	return args, nil
}

// spawn starts tag's worker subprocess, performs the MCP handshake, and
// records its advertised tool list. Ensure and Restart reach it through
// the singleflight group under different keys, so one Ensure spawn and
// one restart spawn of the same backend can run at the same time.
func (m *BackendManager) spawn(ctx context.Context, tag workers.LanguageTag, b *ChildBackend) (*ChildBackend, error) {
	b.mu.Lock()
	b.status = StatusStarting
	b.stopped = false
	b.mu.Unlock()

	args, err := m.spawnCommand(tag)
	if err != nil {
		m.markError(b, err)
		return nil, errors.WithKind(errors.Wrap(err, "spawn failed"), errors.KindBackendUnavailable)
	}
	m.log.Infow("spawning backend", "language", tag, "cmd", shellquote.Join(args...))

	c, err := client.NewStdioMCPClient(args[0], os.Environ(), args[1:]...)
	if err != nil {
		m.markError(b, err)
		return nil, errors.NewBackendUnavailable(err.Error(), "check the worker binary and its LSP server dependency are installed")
	}

	initCtx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "lspgate-aggregator", Version: "0.1.0"}

	initResult, err := c.Initialize(initCtx, initReq)
	if err != nil {
		_ = c.Close()
		m.markError(b, err)
		return nil, errors.NewBackendUnavailable(err.Error(), "the worker did not complete its MCP handshake in time")
	}

	toolsResult, err := c.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		m.markError(b, err)
		return nil, errors.NewBackendUnavailable(err.Error(), "the worker did not answer tools/list")
	}

	b.mu.Lock()
	b.client = c
	b.cmdline = args
	b.serverName = initResult.ServerInfo.Name
	b.serverVersion = initResult.ServerInfo.Version
	b.tools = toolsResult.Tools
	b.status = StatusReady
	b.lastUsed = time.Now()
	b.mu.Unlock()

	return b, nil
}

// Ping sends a cheap tools/list request to confirm tag's backend is still
// alive, for the supervisor's periodic tick to catch crashes that happen
// between user-initiated tool calls (spec.md §4.9's "transport closes
// while its state was not stopped" case). On failure it marks the backend
// errored and notifies onCrash exactly like a failed CallTool would.
func (m *BackendManager) Ping(ctx context.Context, tag workers.LanguageTag) {
	b, ok := m.Get(tag)
	if !ok || b.Status() != StatusReady {
		return
	}

	b.mu.RLock()
	c := b.client
	b.mu.RUnlock()
	if c == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()
	if _, err := c.ListTools(pingCtx, mcp.ListToolsRequest{}); err != nil {
		m.markError(b, err)
		if m.onCrash != nil {
			m.onCrash(tag)
		}
	}
}

func (m *BackendManager) markError(b *ChildBackend, err error) {
	now := time.Now()
	b.mu.Lock()
	if b.lastCrash.IsZero() || now.Sub(b.lastCrash) > crashQuietPeriod {
		b.retryCount = 0
	}
	b.retryCount++
	b.lastCrash = now
	b.status = StatusError
	b.errorMessage = err.Error()
	b.mu.Unlock()
}

// Terminal reports whether a backend has exhausted its automatic restart
// budget and needs a user-initiated start_backend/update_backend to clear.
func (b *ChildBackend) Terminal() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status == StatusError && b.retryCount >= maxConsecutiveFailures
}

// RetryCount and LastCrash expose the bookkeeping the supervisor's backoff
// formula and the status tool need.
func (b *ChildBackend) RetryCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retryCount
}

func (b *ChildBackend) LastCrash() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastCrash
}

func (b *ChildBackend) ErrorMessage() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.errorMessage
}

// Cmdline returns the shell-quoted spawn command this backend's current
// (or most recent) instance was started with, for the status tool's
// debugging payload.
func (b *ChildBackend) Cmdline() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.cmdline) == 0 {
		return ""
	}
	return shellquote.Join(b.cmdline...)
}

// CallTool forwards a tool call to tag's backend, retrying exactly once
// against a freshly restarted instance on transport error or a
// TransientToolError, per spec.md §4.6/§4.9.
func (m *BackendManager) CallTool(ctx context.Context, tag workers.LanguageTag, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b, err := m.Ensure(ctx, tag)
	if err != nil {
		return nil, err
	}

	result, err := m.callOnce(ctx, b, toolName, args)
	if err == nil {
		return result, nil
	}
	if !isRetryableKind(err) {
		return nil, err
	}

	m.log.Warnw("retrying tool call after backend restart", "language", tag, "tool", toolName)
	restarted, restartErr := m.restart(ctx, tag)
	if restartErr != nil {
		return nil, restartErr
	}
	return m.callOnce(ctx, restarted, toolName, args)
}

func isRetryableKind(err error) bool {
	kind, ok := errors.KindOf(err)
	if !ok {
		return false
	}
	return kind == errors.KindUpstreamCrash || kind == errors.KindTransientToolError
}

func (m *BackendManager) callOnce(ctx context.Context, b *ChildBackend, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if b.Status() != StatusReady {
		return nil, errors.NewBackendUnavailable(
			"backend "+string(b.Language)+" is not ready",
			"call start_backend or retry shortly")
	}

	callCtx, cancel := context.WithTimeout(ctx, ToolCallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	b.mu.RLock()
	c := b.client
	b.mu.RUnlock()

	result, err := c.CallTool(callCtx, req)
	if err != nil {
		m.markError(b, err)
		if m.onCrash != nil {
			m.onCrash(b.Language)
		}
		return nil, errors.NewUpstreamCrash(err.Error(), "the backend connection closed mid-call")
	}
	b.touch()

	if result.IsError {
		return result, errors.NewTransientToolError(toolErrorText(result), "the backend tool call failed; it may succeed on retry")
	}
	return result, nil
}

func toolErrorText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if t, ok := c.(mcp.TextContent); ok {
			return t.Text
		}
	}
	return "tool call failed"
}

// restart tears down tag's existing backend, if any, and spawns a fresh
// one.
func (m *BackendManager) restart(ctx context.Context, tag workers.LanguageTag) (*ChildBackend, error) {
	b := m.recordOf(tag)
	b.mu.Lock()
	b.stopped = true
	oldClient := b.client
	b.mu.Unlock()
	if oldClient != nil {
		_ = oldClient.Close()
	}

	v, err, _ := m.group.Do(string(tag)+":restart", func() (interface{}, error) {
		return m.spawn(ctx, tag, b)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ChildBackend), nil
}

// Restart is the exported form used by update_backend and by a
// user-initiated clear of a terminal error state.
func (m *BackendManager) Restart(ctx context.Context, tag workers.LanguageTag) (*ChildBackend, error) {
	return m.restart(ctx, tag)
}

// Stop tears down tag's backend, if running, and marks it absent. Used by
// the idle reaper.
func (m *BackendManager) Stop(tag workers.LanguageTag) {
	b, ok := m.Get(tag)
	if !ok {
		return
	}
	b.mu.Lock()
	b.stopped = true
	c := b.client
	b.client = nil
	b.status = StatusAbsent
	b.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// StopAll tears down every running backend in parallel, for the shutdown
// path.
func (m *BackendManager) StopAll() []error {
	backends := m.List()
	errCh := make(chan error, len(backends))
	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *ChildBackend) {
			defer wg.Done()
			b.mu.Lock()
			b.stopped = true
			c := b.client
			b.client = nil
			b.status = StatusAbsent
			b.mu.Unlock()
			if c != nil {
				errCh <- c.Close()
			}
		}(b)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
