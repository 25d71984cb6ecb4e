// Package tsbridge implements the Volar hybrid-mode companion protocol: a
// Vue LSP server externalizes all TypeScript analysis by asking the client
// to run a separate tsserver process and relay commands to it. It is
// grounded on the same framed-subprocess pattern as the gopls client the
// rest of lspcore descends from, spawning a second subprocess instead of
// one and translating between the LSP server's numbered sub-requests and
// tsserver's own sequence numbers.
package tsbridge

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/lspcore/transport"
	"github.com/quillsys/lspgate/logger"
)

// RequestTimeout bounds how long the bridge waits for tsserver to answer a
// single forwarded sub-request before replying with a null body.
const RequestTimeout = 30 * time.Second

// tsserverRequest is the [subId, command, args] tuple a Volar-aware LSP
// server sends as the params of a tsserver/request notification.
type tsserverRequest struct {
	SubID   int
	Command string
	Args    json.RawMessage
}

func parseTsserverRequest(raw json.RawMessage) (tsserverRequest, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return tsserverRequest{}, errors.Wrap(err, "malformed tsserver/request params")
	}
	if len(tuple) < 2 {
		return tsserverRequest{}, errors.New("tsserver/request params must be [subId, command, args?]")
	}
	var subID int
	if err := json.Unmarshal(tuple[0], &subID); err != nil {
		return tsserverRequest{}, errors.Wrap(err, "tsserver/request subId must be a number")
	}
	var command string
	if err := json.Unmarshal(tuple[1], &command); err != nil {
		return tsserverRequest{}, errors.Wrap(err, "tsserver/request command must be a string")
	}
	var args json.RawMessage
	if len(tuple) > 2 {
		args = tuple[2]
	}
	return tsserverRequest{SubID: subID, Command: command, Args: args}, nil
}

// ResponseNotifier pushes a tsserver/response notification, [[subId,
// body]], back to the LSP server connection that asked the question.
type ResponseNotifier func(workspaceRoot string, subID int, body interface{})

// Spawner starts the companion tsserver.js process for a workspace root.
type Spawner func(ctx context.Context, workspaceRoot string) (*exec.Cmd, *transport.Conn, error)

// bridgeInstance is the lazily-spawned companion tsserver for one
// workspace root. Sub-request/response correlation is delegated entirely
// to the transport's own pending-request table (transport.Conn.Call); this
// struct only tracks the process and connection handle.
type bridgeInstance struct {
	cmd  *exec.Cmd
	conn *transport.Conn
}

// Bridge owns one companion tsserver instance per workspace root, lazily
// spawned on first use by any Vue connection in that workspace.
type Bridge struct {
	spawn  Spawner
	notify ResponseNotifier

	mu        sync.Mutex
	instances map[string]*bridgeInstance

	log *zap.SugaredLogger
}

// New builds an empty bridge. notify is how the bridge delivers a finished
// tsserver/response back to the LSP server connection that asked.
func New(spawn Spawner, notify ResponseNotifier) *Bridge {
	return &Bridge{
		spawn:     spawn,
		notify:    notify,
		instances: make(map[string]*bridgeInstance),
		log:       logger.ComponentLogger("tsbridge"),
	}
}

// HandleRequest processes one tsserver/request notification forwarded by
// the LSP pool for workspaceRoot. _vue:projectInfo is answered locally;
// other commands are forwarded to the companion tsserver with the _vue:
// prefix stripped, and their reply relayed back via notify.
func (b *Bridge) HandleRequest(ctx context.Context, workspaceRoot string, raw json.RawMessage) {
	req, err := parseTsserverRequest(raw)
	if err != nil {
		b.log.Warnw("dropping malformed tsserver request", logger.FieldError, err.Error())
		return
	}

	if req.Command == "_vue:projectInfo" {
		b.notify(workspaceRoot, req.SubID, b.projectInfo(workspaceRoot))
		return
	}

	inst, err := b.acquire(ctx, workspaceRoot)
	if err != nil {
		b.log.Warnw("failed to acquire tsserver instance", logger.FieldWorkspace, workspaceRoot, logger.FieldError, err.Error())
		b.notify(workspaceRoot, req.SubID, nil)
		return
	}

	command := req.Command
	const vuePrefix = "_vue:"
	if len(command) > len(vuePrefix) && command[:len(vuePrefix)] == vuePrefix {
		command = command[len(vuePrefix):]
	}

	go b.forward(ctx, workspaceRoot, inst, req.SubID, command, req.Args)
}

// projectInfo answers the synthetic _vue:projectInfo request locally,
// preferring tsconfig.app.json (the Vite scaffold default) over a bare
// tsconfig.json.
func (b *Bridge) projectInfo(workspaceRoot string) map[string]string {
	candidates := []string{"tsconfig.app.json", "tsconfig.json"}
	for _, name := range candidates {
		path := filepath.Join(workspaceRoot, name)
		if fileExists(path) {
			return map[string]string{"configFileName": path}
		}
	}
	return map[string]string{"configFileName": filepath.Join(workspaceRoot, "tsconfig.json")}
}

func (b *Bridge) acquire(ctx context.Context, workspaceRoot string) (*bridgeInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if inst, ok := b.instances[workspaceRoot]; ok {
		return inst, nil
	}

	cmd, conn, err := b.spawn(ctx, workspaceRoot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to spawn companion tsserver")
	}

	inst := &bridgeInstance{cmd: cmd, conn: conn}
	b.instances[workspaceRoot] = inst
	b.log.Infow("spawned companion tsserver", logger.FieldWorkspace, workspaceRoot)
	return inst, nil
}

// forward sends one sub-request to the companion tsserver and relays
// whatever comes back (or a null body on timeout) as a tsserver/response
// notification. Replies are emitted in whatever order tsserver answers,
// never reordered to match the order sub-requests were issued.
func (b *Bridge) forward(ctx context.Context, workspaceRoot string, inst *bridgeInstance, subID int, command string, args json.RawMessage) {
	rctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	var body interface{}
	err := inst.conn.Call(rctx, command, args, &body)
	if err != nil {
		b.log.Warnw("tsserver sub-request failed or timed out",
			logger.FieldWorkspace, workspaceRoot, "command", command, logger.FieldError, err.Error())
		body = nil
	}

	b.notify(workspaceRoot, subID, body)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Close tears down every companion tsserver instance, for worker shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for root, inst := range b.instances {
		_ = inst.conn.Close()
		if inst.cmd != nil && inst.cmd.Process != nil {
			_ = inst.cmd.Process.Kill()
		}
		delete(b.instances, root)
	}
}
