package tsbridge

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsys/lspgate/lspcore/transport"
)

type notification struct {
	workspaceRoot string
	subID         int
	body          interface{}
}

type collector struct {
	mu   sync.Mutex
	got  []notification
	done chan struct{}
}

func newCollector(expect int) *collector {
	return &collector{done: make(chan struct{}, expect)}
}

func (c *collector) notify(workspaceRoot string, subID int, body interface{}) {
	c.mu.Lock()
	c.got = append(c.got, notification{workspaceRoot, subID, body})
	c.mu.Unlock()
	c.done <- struct{}{}
}

func fakeTsserverSpawner(handler func(method string) (interface{}, error)) Spawner {
	return func(ctx context.Context, workspaceRoot string) (*exec.Cmd, *transport.Conn, error) {
		clientReader, serverWriter := io.Pipe()
		serverReader, clientWriter := io.Pipe()

		transport.NewConn(serverReader, serverWriter, transport.Newline,
			transport.WithRequestHandler(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
				return handler(method)
			}),
		)

		clientConn := transport.NewConn(clientReader, clientWriter, transport.Newline)
		return nil, clientConn, nil
	}
}

func tupleParams(subID int, command string, args interface{}) json.RawMessage {
	data, _ := json.Marshal([]interface{}{subID, command, args})
	return data
}

func TestProjectInfoAnsweredLocally(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tsconfig.json"), []byte("{}"), 0o644))

	col := newCollector(1)
	b := New(fakeTsserverSpawner(nil), col.notify)

	b.HandleRequest(context.Background(), dir, tupleParams(1, "_vue:projectInfo", nil))

	select {
	case <-col.done:
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}

	require.Len(t, col.got, 1)
	assert.Equal(t, 1, col.got[0].subID)
	body, ok := col.got[0].body.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "tsconfig.json"), body["configFileName"])
}

func TestProjectInfoPrefersTsconfigAppJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tsconfig.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tsconfig.app.json"), []byte("{}"), 0o644))

	col := newCollector(1)
	b := New(fakeTsserverSpawner(nil), col.notify)

	b.HandleRequest(context.Background(), dir, tupleParams(1, "_vue:projectInfo", nil))
	<-col.done

	body := col.got[0].body.(map[string]string)
	assert.Equal(t, filepath.Join(dir, "tsconfig.app.json"), body["configFileName"])
}

func TestForwardsStrippedCommandAndRelaysReply(t *testing.T) {
	dir := t.TempDir()
	col := newCollector(1)
	b := New(fakeTsserverSpawner(func(method string) (interface{}, error) {
		assert.Equal(t, "quickinfo", method)
		return map[string]string{"kind": "function"}, nil
	}), col.notify)

	b.HandleRequest(context.Background(), dir, tupleParams(7, "_vue:quickinfo", map[string]int{"line": 1}))

	select {
	case <-col.done:
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}

	assert.Equal(t, 7, col.got[0].subID)
}

func TestMalformedRequestIsDropped(t *testing.T) {
	col := newCollector(1)
	b := New(fakeTsserverSpawner(nil), col.notify)

	b.HandleRequest(context.Background(), t.TempDir(), json.RawMessage(`"not-a-tuple"`))

	select {
	case <-col.done:
		t.Fatal("expected no notification for a malformed request")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSecondRequestReusesSpawnedInstance(t *testing.T) {
	var spawnCount int
	var mu sync.Mutex
	spawner := func(ctx context.Context, workspaceRoot string) (*exec.Cmd, *transport.Conn, error) {
		mu.Lock()
		spawnCount++
		mu.Unlock()
		return fakeTsserverSpawner(func(string) (interface{}, error) { return nil, nil })(ctx, workspaceRoot)
	}

	col := newCollector(2)
	b := New(spawner, col.notify)
	dir := t.TempDir()

	b.HandleRequest(context.Background(), dir, tupleParams(1, "_vue:foo", nil))
	<-col.done
	b.HandleRequest(context.Background(), dir, tupleParams(2, "_vue:bar", nil))
	<-col.done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, spawnCount)
}
