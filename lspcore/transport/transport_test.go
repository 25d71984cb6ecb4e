package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pipePair wires two Conns back to back over in-memory pipes, standing in
// for a real subprocess's stdin/stdout.
type pipePair struct {
	clientConn *Conn
	serverConn *Conn
}

func newPipePair(t *testing.T, framing Framing, serverOpts ...Option) *pipePair {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverConn := NewConn(serverReader, serverWriter, framing, serverOpts...)
	clientConn := NewConn(clientReader, clientWriter, framing)

	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	return &pipePair{clientConn: clientConn, serverConn: serverConn}
}

func TestContentLengthRoundTrip(t *testing.T) {
	pp := newPipePair(t, ContentLength, WithRequestHandler(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		if method == "ping" {
			return map[string]string{"pong": "ok"}, nil
		}
		return nil, fmt.Errorf("unsupported method %s", method)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result map[string]string
	err := pp.clientConn.Call(ctx, "ping", nil, &result)
	require.NoError(t, err)
	assert.Equal(t, "ok", result["pong"])
}

func TestNewlineRoundTrip(t *testing.T) {
	pp := newPipePair(t, Newline, WithRequestHandler(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return []interface{}{}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result []interface{}
	err := pp.clientConn.Call(ctx, "workspace/configuration", nil, &result)
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestNotificationIsDelivered(t *testing.T) {
	received := make(chan json.RawMessage, 1)
	pp := newPipePair(t, ContentLength)
	pp.clientConn.onNotify = func(method string, params json.RawMessage) {
		if method == "textDocument/publishDiagnostics" {
			received <- params
		}
	}

	err := pp.serverConn.Notify("textDocument/publishDiagnostics", map[string]string{"uri": "file:///a.py"})
	require.NoError(t, err)

	select {
	case params := <-received:
		assert.Contains(t, string(params), "file:///a.py")
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestServerInitiatedRequestWithoutHandlerRepliesNull(t *testing.T) {
	pp := newPipePair(t, ContentLength) // client has no onRequest handler

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var raw json.RawMessage
	err := pp.serverConn.Call(ctx, "client/registerCapability", nil, &raw)
	require.NoError(t, err)
}

func TestCallTimesOutWhenNoReply(t *testing.T) {
	pp := newPipePair(t, ContentLength) // server conn never answers anything

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pp.clientConn.Call(ctx, "textDocument/hover", nil, nil)
	require.Error(t, err)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	pp := newPipePair(t, ContentLength)

	errCh := make(chan error, 1)
	go func() {
		errCh <- pp.clientConn.Call(context.Background(), "textDocument/hover", nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pp.clientConn.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after close")
	}
}

func TestMalformedFrameIsSkippedWithoutDesync(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("Content-Length: 9\r\n\r\n")
	buf.WriteString("not-json!")

	good := Response{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`{"ok":true}`)}
	data, err := json.Marshal(good)
	require.NoError(t, err)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(data))
	buf.Write(data)

	conn := &Conn{id: "test", framing: ContentLength, doneCh: make(chan struct{})}
	conn.log = zap.NewNop().Sugar()

	ch := make(chan *Response, 1)
	conn.pending.Store(int64(1), ch)

	go conn.readLoop(bufio.NewReader(&buf))

	select {
	case resp := <-ch:
		assert.True(t, json.Valid(resp.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("expected the well-formed frame after the malformed one to be delivered")
	}
}

func TestConnIDIsUnique(t *testing.T) {
	a := NewConn(new(bytes.Buffer), io.Discard, ContentLength)
	b := NewConn(new(bytes.Buffer), io.Discard, ContentLength)
	defer a.Close()
	defer b.Close()

	assert.NotEqual(t, a.ID(), b.ID())
}
