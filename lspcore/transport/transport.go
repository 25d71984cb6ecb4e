// Package transport implements the framed JSON-RPC wire protocol shared by
// LSP servers (Content-Length framed) and the companion tsserver process
// (newline-delimited). It is modeled on the hand-rolled stdio client in the
// teacher's gopls package, generalized to carry either framing, to dispatch
// server-initiated requests and notifications to subsystem handlers instead
// of discarding them, and to tag every connection with a correlation ID for
// structured logging.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/logger"
)

// Framing selects how frames are delimited on the wire.
type Framing int

const (
	// ContentLength frames a message with a Content-Length header followed
	// by \r\n\r\n and exactly that many body bytes, as LSP requires.
	ContentLength Framing = iota
	// Newline frames one JSON object per line, as tsserver requires.
	Newline
)

// Request is a JSON-RPC 2.0 request or notification. ID is omitted for
// notifications.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response, either a reply to our own request or
// to a server-initiated request we must answer.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rawMessage is used to classify an inbound frame before fully decoding it:
// a response has id+no method, a server request has id+method, a
// notification has method+no id.
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RequestHandler answers a server-initiated request. Returning an error
// produces a JSON-RPC error reply; returning (nil, nil) replies with a null
// result.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// NotificationHandler observes a server-initiated notification. It must not
// block the reader loop for long.
type NotificationHandler func(method string, params json.RawMessage)

// Conn is one framed JSON-RPC connection to a subprocess (an LSP server or
// the companion tsserver).
type Conn struct {
	id      string
	framing Framing
	w       io.Writer
	wmu     sync.Mutex

	nextID  atomic.Int64
	pending sync.Map // int64 -> chan *Response

	onRequest RequestHandler
	onNotify  NotificationHandler
	onClose   func()

	closed   atomic.Bool
	closeErr error
	closeMu  sync.Mutex
	doneCh   chan struct{}

	log *zap.SugaredLogger
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithRequestHandler installs the callback for server-initiated requests.
func WithRequestHandler(h RequestHandler) Option {
	return func(c *Conn) { c.onRequest = h }
}

// WithNotificationHandler installs the callback for server-initiated
// notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Conn) { c.onNotify = h }
}

// WithCloseHandler installs a callback fired exactly once when the
// connection's reader loop ends, whether by a clean Close or by the
// subprocess dying out from under it. This is how the pool learns a
// connection needs to be torn down and supervision notified.
func WithCloseHandler(h func()) Option {
	return func(c *Conn) { c.onClose = h }
}

// NewConn wraps r/w in a framed JSON-RPC connection and starts its reader
// loop in the background. The caller owns closing r/w via Close.
func NewConn(r io.Reader, w io.Writer, framing Framing, opts ...Option) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		framing: framing,
		w:       w,
		doneCh:  make(chan struct{}),
	}
	c.log = logger.ComponentLogger("transport").With(logger.FieldConnID, c.id)
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop(bufio.NewReader(r))

	return c
}

// ID returns the connection's correlation ID, used in every log line it
// emits.
func (c *Conn) ID() string { return c.id }

// Call sends a request and blocks for the matching response or until ctx is
// done. If result is non-nil the response's result is unmarshaled into it.
func (c *Conn) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	if c.closed.Load() {
		return errors.NewUpstreamCrash("connection is closed", "the backend will be restarted")
	}

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeMessage(req); err != nil {
		return errors.Wrapf(err, "failed to write request for method %s", method)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return errors.Newf("jsonrpc error %d on method %s: %s", resp.Error.Code, method, resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return errors.Wrapf(err, "failed to unmarshal result for method %s", method)
			}
		}
		return nil
	case <-c.doneCh:
		return errors.NewUpstreamCrash("connection closed while awaiting reply", "the backend will be restarted")
	case <-ctx.Done():
		return errors.NewUpstreamTimeout(fmt.Sprintf("timed out waiting for %s", method), "the request may be retried")
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params interface{}) error {
	if c.closed.Load() {
		return errors.NewUpstreamCrash("connection is closed", "the backend will be restarted")
	}
	return c.writeMessage(Request{JSONRPC: "2.0", Method: method, Params: params})
}

// Reply sends a response to a server-initiated request.
func (c *Conn) reply(id int64, result interface{}, rpcErr *RPCError) error {
	resp := Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return errors.Wrap(err, "failed to marshal reply result")
		}
		resp.Result = data
	}
	return c.writeMessage(resp)
}

func (c *Conn) writeMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal jsonrpc message")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	switch c.framing {
	case ContentLength:
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
		if _, err := io.WriteString(c.w, header); err != nil {
			return errors.Wrap(err, "failed to write frame header")
		}
		if _, err := c.w.Write(data); err != nil {
			return errors.Wrap(err, "failed to write frame body")
		}
	case Newline:
		if _, err := c.w.Write(data); err != nil {
			return errors.Wrap(err, "failed to write frame body")
		}
		if _, err := io.WriteString(c.w, "\n"); err != nil {
			return errors.Wrap(err, "failed to write frame terminator")
		}
	}
	return nil
}

// Close marks the connection closed and fails every pending request. It
// does not close the underlying reader/writer; the pool owns process
// lifecycle.
func (c *Conn) Close() error {
	c.markClosed()
	return c.closeErr
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool { return c.closed.Load() }

// markClosed transitions the connection to closed exactly once, firing
// onClose on the transition. Safe to call from both Close and the reader
// loop's EOF/error path.
func (c *Conn) markClosed() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return
	}
	close(c.doneCh)
	if c.onClose != nil {
		c.onClose()
	}
}

func (c *Conn) readLoop(r *bufio.Reader) {
	defer c.markClosed()

	for {
		frame, err := c.readFrame(r)
		if err != nil {
			if err != io.EOF {
				c.log.Debugw("transport read loop ended", logger.FieldError, err.Error())
			}
			return
		}

		var raw rawMessage
		if err := json.Unmarshal(frame, &raw); err != nil {
			c.log.Warnw("malformed frame, skipping", logger.FieldError, err.Error())
			continue
		}

		switch {
		case raw.ID != nil && raw.Method == "":
			// Response to one of our own requests.
			resp := &Response{JSONRPC: raw.JSONRPC, ID: *raw.ID, Result: raw.Result, Error: raw.Error}
			if v, ok := c.pending.LoadAndDelete(*raw.ID); ok {
				v.(chan *Response) <- resp
			}
		case raw.ID != nil && raw.Method != "":
			c.handleServerRequest(*raw.ID, raw.Method, raw.Params)
		case raw.ID == nil && raw.Method != "":
			if c.onNotify != nil {
				c.onNotify(raw.Method, raw.Params)
			}
		default:
			c.log.Warnw("unclassifiable frame, skipping")
		}
	}
}

func (c *Conn) handleServerRequest(id int64, method string, params json.RawMessage) {
	if c.onRequest == nil {
		_ = c.reply(id, nil, nil)
		return
	}
	ctx := context.Background()
	result, err := c.onRequest(ctx, method, params)
	if err != nil {
		_ = c.reply(id, nil, &RPCError{Code: -32603, Message: err.Error()})
		return
	}
	_ = c.reply(id, result, nil)
}

// readFrame extracts exactly one complete frame from r, per the connection's
// framing. It never crosses frame boundaries and buffers partial reads via
// the bufio.Reader's own buffering.
func (c *Conn) readFrame(r *bufio.Reader) ([]byte, error) {
	switch c.framing {
	case ContentLength:
		return readContentLengthFrame(r)
	case Newline:
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	default:
		return nil, errors.Newf("unknown framing %d", c.framing)
	}
}

func readContentLengthFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		var n int
		if _, err := fmt.Sscanf(line, "Content-Length: %d", &n); err == nil {
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, errors.New("frame missing Content-Length header")
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
