// Package pool implements the LSP connection pool inside each worker: one
// live LSP server subprocess and its framed transport per workspace root,
// spawned lazily and coalesced via singleflight the same way the teacher's
// package-level caches coalesce concurrent first-use, generalized from an
// HTTP response cache to a process-and-handshake cache.
package pool

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/lspcore/document"
	"github.com/quillsys/lspgate/lspcore/transport"
	"github.com/quillsys/lspgate/logger"
)

// InitializeTimeout bounds how long the pool waits for a spawned LSP
// server's initialize handshake to complete before tearing the process back
// down.
const InitializeTimeout = 10 * time.Second

// Diagnostic is one entry of a textDocument/publishDiagnostics payload,
// shaped the way the dispatcher returns it to callers.
type Diagnostic struct {
	Range    json.RawMessage `json:"range"`
	Severity int             `json:"severity,omitempty"`
	Code     interface{}     `json:"code,omitempty"`
	Source   string          `json:"source,omitempty"`
	Message  string          `json:"message"`
}

// ServerCapabilities is the subset of an LSP server's advertised
// capabilities the pool and dispatcher care about, filled in from the
// initialize response.
type ServerCapabilities struct {
	Raw json.RawMessage
}

// Spawner starts the LSP server subprocess for a workspace root and returns
// the running command plus a transport wired over its stdio, built with the
// given options. The pool supplies opts (request/notification/close
// handlers bound to this specific Connection); the Spawner's only job is to
// start the process and call transport.NewConn(stdout, stdin, framing,
// opts...) over its pipes.
type Spawner func(ctx context.Context, workspaceRoot string, opts ...transport.Option) (*exec.Cmd, *transport.Conn, error)

// TsserverNotifier forwards a server-initiated tsserver/request notification
// (Volar's hybrid-mode companion protocol) to the tsbridge package. Only
// wired in for the Vue profile.
type TsserverNotifier func(workspaceRoot string, params json.RawMessage)

// Connection is one live LSP server process and everything the dispatcher
// needs to talk to it: the framed transport, the open-document cache, and
// the diagnostic cache populated by publishDiagnostics notifications.
type Connection struct {
	WorkspaceRoot string
	Conn          *transport.Conn
	Documents     *document.Cache
	Capabilities  ServerCapabilities

	cmd *exec.Cmd

	mu          sync.RWMutex
	diagnostics map[string][]Diagnostic
	lastUsed    time.Time
	deliberate  bool
}

// Touch stamps the connection's last-used time, read by the idle reaper.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// LastUsed returns the last time this connection served a request.
func (c *Connection) LastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

// Diagnostics returns the cached diagnostics for uri, if any have been
// pushed by the server yet.
func (c *Connection) Diagnostics(uri string) ([]Diagnostic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.diagnostics[uri]
	return d, ok
}

func (c *Connection) setDiagnostics(uri string, diags []Diagnostic) {
	c.mu.Lock()
	c.diagnostics[uri] = diags
	c.mu.Unlock()
}

// Close tears down the connection's transport and subprocess. It marks the
// closure deliberate so the pool's crash handler does not report it to
// supervision as a backend failure.
func (c *Connection) Close() {
	c.mu.Lock()
	c.deliberate = true
	c.mu.Unlock()

	_ = c.Conn.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

func (c *Connection) isDeliberate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deliberate
}

// Pool owns every live LSP connection for one worker process, keyed by
// workspace root.
type Pool struct {
	spawn    Spawner
	tsserver TsserverNotifier
	onCrash  func(workspaceRoot string)

	mu    sync.RWMutex
	conns map[string]*Connection

	sf  singleflight.Group
	log *zap.SugaredLogger
}

// New builds an empty pool. onCrash, if non-nil, is invoked synchronously
// from the transport's close handler whenever a connection's transport
// closes other than through Connection.Close, letting the worker's
// supervision logic decide whether to restart.
func New(spawn Spawner, onCrash func(workspaceRoot string)) *Pool {
	return &Pool{
		spawn:   spawn,
		onCrash: onCrash,
		conns:   make(map[string]*Connection),
		log:     logger.ComponentLogger("lsp-pool"),
	}
}

// WithTsserverNotifier installs the Volar tsserver/request forwarding hook.
// Only the Vue worker's pool needs this.
func (p *Pool) WithTsserverNotifier(n TsserverNotifier) *Pool {
	p.tsserver = n
	return p
}

// Get returns the existing connection for workspaceRoot without spawning
// one.
func (p *Pool) Get(workspaceRoot string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[workspaceRoot]
	return c, ok
}

// Acquire returns the pooled connection for workspaceRoot, spawning and
// handshaking a new LSP server if none exists yet. Concurrent callers for
// the same workspace root are coalesced onto one spawn via singleflight;
// every caller sees the same connection once it is ready.
func (p *Pool) Acquire(ctx context.Context, workspaceRoot string) (*Connection, error) {
	if c, ok := p.Get(workspaceRoot); ok && !c.Conn.Closed() {
		c.Touch()
		return c, nil
	}

	v, err, _ := p.sf.Do(workspaceRoot, func() (interface{}, error) {
		if c, ok := p.Get(workspaceRoot); ok && !c.Conn.Closed() {
			return c, nil
		}
		return p.spawnAndHandshake(ctx, workspaceRoot)
	})
	if err != nil {
		return nil, err
	}

	c := v.(*Connection)
	c.Touch()
	return c, nil
}

func (p *Pool) spawnAndHandshake(ctx context.Context, workspaceRoot string) (*Connection, error) {
	p.log.Infow("spawning lsp server", logger.FieldWorkspace, workspaceRoot)

	conn := &Connection{
		WorkspaceRoot: workspaceRoot,
		Documents:     document.NewCache(),
		diagnostics:   make(map[string][]Diagnostic),
		lastUsed:      time.Now(),
	}

	opts := []transport.Option{
		transport.WithRequestHandler(p.handleServerRequest(conn)),
		transport.WithNotificationHandler(p.handleServerNotification(conn)),
		transport.WithCloseHandler(func() { p.handleClose(conn) }),
	}

	cmd, tc, err := p.spawn(ctx, workspaceRoot, opts...)
	if err != nil {
		return nil, errors.NewBackendUnavailable("failed to spawn lsp server: "+err.Error(), "the backend may be misconfigured or missing from PATH")
	}
	conn.cmd = cmd
	conn.Conn = tc

	if err := p.handshake(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	p.mu.Lock()
	p.conns[workspaceRoot] = conn
	p.mu.Unlock()

	p.log.Infow("lsp server ready", logger.FieldWorkspace, workspaceRoot)
	return conn, nil
}

// handleServerRequest answers the handful of server-initiated requests
// every LSP server in this fleet is expected to issue during a session:
// workspace/configuration (answered with one empty object per requested
// item, since lspgate does not surface per-language server settings),
// client/registerCapability and window/workDoneProgress/create (answered
// with null acknowledgement), and anything else with a default null.
func (p *Pool) handleServerRequest(conn *Connection) transport.RequestHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case "workspace/configuration":
			var req struct {
				Items []json.RawMessage `json:"items"`
			}
			_ = json.Unmarshal(params, &req)
			result := make([]map[string]interface{}, len(req.Items))
			for i := range result {
				result[i] = map[string]interface{}{}
			}
			return result, nil
		case "client/registerCapability":
			return nil, nil
		case "window/workDoneProgress/create":
			return nil, nil
		default:
			p.log.Debugw("unhandled server request, replying null",
				logger.FieldMethod, method, logger.FieldWorkspace, conn.WorkspaceRoot)
			return nil, nil
		}
	}
}

// handleServerNotification consumes the two notification types lspgate
// acts on: textDocument/publishDiagnostics upserts the connection's
// diagnostic cache, and tsserver/request (Volar only) is forwarded to the
// tsbridge package. Progress notifications and anything else are logged and
// discarded.
func (p *Pool) handleServerNotification(conn *Connection) transport.NotificationHandler {
	return func(method string, params json.RawMessage) {
		switch method {
		case "textDocument/publishDiagnostics":
			var payload struct {
				URI         string       `json:"uri"`
				Diagnostics []Diagnostic `json:"diagnostics"`
			}
			if err := json.Unmarshal(params, &payload); err != nil {
				p.log.Warnw("malformed publishDiagnostics payload", logger.FieldError, err.Error())
				return
			}
			conn.setDiagnostics(payload.URI, payload.Diagnostics)
		case "tsserver/request":
			if p.tsserver != nil {
				p.tsserver(conn.WorkspaceRoot, params)
			}
		case "$/progress", "window/workDoneProgress/cancel":
			// Progress notifications are logged and discarded; lspgate has
			// no UI to report them to.
		default:
			p.log.Debugw("unhandled server notification",
				logger.FieldMethod, method, logger.FieldWorkspace, conn.WorkspaceRoot)
		}
	}
}

// handleClose is the transport's close handler for one connection. A
// deliberate close (Remove/Reap/CloseAll already called Connection.Close)
// just drops the bookkeeping entry; anything else means the subprocess
// died or its pipe broke out from under us, which supervision needs to
// know about so it can run the crash-recovery backoff.
func (p *Pool) handleClose(conn *Connection) {
	p.mu.Lock()
	if existing, ok := p.conns[conn.WorkspaceRoot]; ok && existing == conn {
		delete(p.conns, conn.WorkspaceRoot)
	}
	p.mu.Unlock()

	if conn.isDeliberate() {
		return
	}

	p.log.Warnw("lsp connection crashed", logger.FieldWorkspace, conn.WorkspaceRoot)
	if p.onCrash != nil {
		p.onCrash(conn.WorkspaceRoot)
	}
}

// Remove tears down and forgets the connection for workspaceRoot, if any.
// Used by switch_workspace to clear a worker's pool per spec.md's
// per-worker switch_workspace semantics.
func (p *Pool) Remove(workspaceRoot string) {
	p.mu.Lock()
	c, ok := p.conns[workspaceRoot]
	delete(p.conns, workspaceRoot)
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Reap closes every connection whose last-used time is older than idle and
// returns the workspace roots it closed, for the idle-reaper tick.
func (p *Pool) Reap(idle time.Duration) []string {
	now := time.Now()

	p.mu.Lock()
	var staleConns []*Connection
	var staleRoots []string
	for root, c := range p.conns {
		if now.Sub(c.LastUsed()) > idle {
			staleRoots = append(staleRoots, root)
			staleConns = append(staleConns, c)
			delete(p.conns, root)
		}
	}
	p.mu.Unlock()

	for _, c := range staleConns {
		c.Close()
	}
	return staleRoots
}

// CloseAll tears down every connection, for worker shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for root, c := range p.conns {
		conns = append(conns, c)
		delete(p.conns, root)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (p *Pool) handshake(ctx context.Context, conn *Connection) error {
	hctx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()

	params := initializeParams(conn.WorkspaceRoot)

	var result json.RawMessage
	if err := conn.Conn.Call(hctx, "initialize", params, &result); err != nil {
		return errors.NewBackendUnavailable("lsp initialize failed: "+err.Error(), "the language server may not support this workspace layout")
	}
	conn.Capabilities = ServerCapabilities{Raw: result}

	if err := conn.Conn.Notify("initialized", map[string]interface{}{}); err != nil {
		return errors.Wrap(err, "failed to send initialized notification")
	}

	return nil
}

// initializeParams builds the capability set spec.md requires lspgate to
// advertise: hover, completion with snippet+docs support, signature help,
// go-to-definition with link support, references, rename, hierarchical
// document symbols, and publishDiagnostics.
func initializeParams(workspaceRoot string) map[string]interface{} {
	uri, _ := document.URIFromPath(workspaceRoot)
	return map[string]interface{}{
		"processId": nil,
		"rootUri":   uri,
		"workspaceFolders": []map[string]string{
			{"uri": uri, "name": workspaceRoot},
		},
		"capabilities": map[string]interface{}{
			"textDocument": map[string]interface{}{
				"hover": map[string]interface{}{
					"contentFormat": []string{"markdown", "plaintext"},
				},
				"completion": map[string]interface{}{
					"completionItem": map[string]interface{}{
						"snippetSupport":          true,
						"documentationFormat":     []string{"markdown", "plaintext"},
						"resolveSupport":          map[string]interface{}{"properties": []string{"documentation", "detail"}},
						"insertReplaceSupport":    true,
						"commitCharactersSupport": true,
					},
				},
				"signatureHelp": map[string]interface{}{
					"signatureInformation": map[string]interface{}{
						"documentationFormat": []string{"markdown", "plaintext"},
					},
				},
				"definition": map[string]interface{}{
					"linkSupport": true,
				},
				"references": map[string]interface{}{},
				"rename": map[string]interface{}{
					"prepareSupport": true,
				},
				"documentSymbol": map[string]interface{}{
					"hierarchicalDocumentSymbolSupport": true,
				},
				"publishDiagnostics": map[string]interface{}{
					"relatedInformation": true,
				},
			},
			"workspace": map[string]interface{}{
				"configuration":    true,
				"workspaceFolders": true,
			},
		},
	}
}
