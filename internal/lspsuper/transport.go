// Package lspsuper implements the LSP Supervisor (SPEC_FULL.md §4.7): one
// child process per (workspace, language) multiplexing LSP JSON-RPC over
// its stdio, with diagnostics/progress surfaced as events. Framing and
// request/reply bookkeeping are grounded on
// features/mcp/runtime/stdiocaller.go's stdio transport (Content-Length
// headers, a pending-request map keyed by numeric id, a dedicated read
// loop); process lifecycle bookkeeping borrows the shape of
// internal/shell/process_registry.go.
package lspsuper

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nexus-assist/core/internal/corerr"
)

// RequestTimeout bounds how long send_request waits for a matching reply.
const RequestTimeout = 60 * time.Second

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) asError() error {
	return fmt.Errorf("lsp error %d: %s", e.Code, e.Message)
}

// Notification is a server-initiated request or notification handed to
// the workspace manager's notification router.
type Notification struct {
	Method string
	Params json.RawMessage
	// ID is set when the server expects a reply (a server-to-client
	// request); empty for fire-and-forget notifications.
	ID json.RawMessage
}

type pendingReply struct {
	ch chan rpcMessage
}

// Transport owns one child process's stdio framing: writing requests,
// matching responses to pending callers, and forwarding everything else
// (notifications and server-initiated requests) to a single channel.
type Transport struct {
	writeMu sync.Mutex
	stdin   io.Writer

	pendingMu sync.Mutex
	pending   map[int64]*pendingReply
	nextID    int64

	Notifications chan Notification

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTransport wraps a process's stdin/stdout with Content-Length JSON-RPC
// framing and starts the reader task.
func NewTransport(stdin io.Writer, stdout io.Reader) *Transport {
	t := &Transport{
		stdin:         stdin,
		pending:       map[int64]*pendingReply{},
		Notifications: make(chan Notification, 64),
		closed:        make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t
}

// Close fails every pending request and stops accepting new frames.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.pendingMu.Lock()
		for id, p := range t.pending {
			delete(t.pending, id)
			close(p.ch)
		}
		t.pendingMu.Unlock()
	})
}

// SendRequest writes a JSON-RPC request and blocks for its matching reply
// (by numeric id) up to RequestTimeout.
func (t *Transport) SendRequest(method string, params any) (json.RawMessage, error) {
	t.pendingMu.Lock()
	t.nextID++
	id := t.nextID
	ch := make(chan rpcMessage, 1)
	t.pending[id] = &pendingReply{ch: ch}
	t.pendingMu.Unlock()

	if err := t.write(rpcMessage{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  marshalParams(params),
	}); err != nil {
		t.removePending(id)
		return nil, corerr.Wrap(corerr.IO, "write lsp request", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, corerr.New(corerr.Cancelled, "lsp transport closed")
		}
		if msg.Error != nil {
			return nil, corerr.Wrap(corerr.Service, "lsp server error", msg.Error.asError())
		}
		return msg.Result, nil
	case <-time.After(RequestTimeout):
		t.removePending(id)
		return nil, corerr.New(corerr.Timeout, fmt.Sprintf("lsp request %q timed out after %s", method, RequestTimeout))
	case <-t.closed:
		return nil, corerr.New(corerr.Cancelled, "lsp transport closed")
	}
}

// SendNotification writes a JSON-RPC notification (no id, no reply).
func (t *Transport) SendNotification(method string, params any) error {
	return t.write(rpcMessage{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// Reply answers a server-initiated request matched by its original id.
func (t *Transport) Reply(id json.RawMessage, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return t.write(rpcMessage{JSONRPC: "2.0", ID: id, Result: raw})
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return raw
}

func (t *Transport) write(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := io.WriteString(t.stdin, header); err != nil {
		return err
	}
	_, err = t.stdin.Write(data)
	return err
}

func (t *Transport) readLoop(stdout io.Reader) {
	defer t.Close()
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}

		if msg.Method != "" {
			select {
			case t.Notifications <- Notification{Method: msg.Method, Params: msg.Params, ID: msg.ID}:
			default:
			}
			continue
		}

		id, ok := parseID(msg.ID)
		if !ok {
			continue
		}
		t.pendingMu.Lock()
		p, ok := t.pending[id]
		if ok {
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		if ok {
			p.ch <- msg
			close(p.ch)
		}
	}
}

func (t *Transport) removePending(id int64) {
	t.pendingMu.Lock()
	if p, ok := t.pending[id]; ok {
		delete(t.pending, id)
		close(p.ch)
	}
	t.pendingMu.Unlock()
}

func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// readFrame reads one Content-Length-delimited LSP frame.
func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("lsp frame missing content-length header")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf), nil
}
