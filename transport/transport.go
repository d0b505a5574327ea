// Package transport implements the south-side wire protocol: JSON-RPC 2.0,
// one message per line, over a child process's stdin/stdout. Unlike the
// teacher's acp package (which plays the ACP *server* role, reading
// requests and writing responses), Transport plays the ACP *client* role:
// it issues requests and notifications and correlates responses by id.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/m4xw311/acp2/apperr"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.Number     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

// inbound is used to sniff whether an incoming line is a notification (no
// id, has a method) or a response (has an id) before fully decoding it. The
// jsonrpc field is checked, not just parsed: a line that parses as JSON but
// omits or misstates "jsonrpc":"2.0" is the same framing error as a line
// that fails to parse at all, per spec.md §4.1/§8.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RPCError is a JSON-RPC error response surfaced to the caller of Call.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// well-known JSON-RPC error codes, per spec.md §6/§7.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NotificationHandler is invoked, on the transport's single reader
// goroutine, for every south-side notification. Handlers must not block:
// long-running work should be dispatched to another goroutine.
type NotificationHandler func(method string, params json.RawMessage)

type pendingCall struct {
	resultInto any
	done       chan error
}

// SubscriptionID identifies a registered NotificationHandler for Unsubscribe.
type SubscriptionID int64

type subscription struct {
	id      SubscriptionID
	handler NotificationHandler
}

// Transport is a JSON-RPC 2.0 client multiplexed over one writer and one
// reader. A single Transport drives exactly one child process's stdio.
type Transport struct {
	w         *bufio.Writer
	writeLock sync.Mutex

	nextID  atomic.Int64
	pending sync.Map // int64 -> *pendingCall

	subsMu    sync.Mutex
	nextSubID int64
	subs      []subscription
	log       *zap.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New wraps r/w as a Transport and starts its reader goroutine. r and w are
// typically a spawned child's Stdout and Stdin. onNotify, if non-nil, is
// registered as the transport's first subscriber for every south-side
// notification (session/update and friends); additional subscribers can be
// added later with Subscribe.
func New(r io.Reader, w io.Writer, log *zap.Logger, onNotify NotificationHandler) *Transport {
	t := &Transport{
		w:      bufio.NewWriter(w),
		log:    log,
		closed: make(chan struct{}),
	}
	if onNotify != nil {
		t.Subscribe(onNotify)
	}
	go t.readLoop(bufio.NewReaderSize(r, 64*1024))
	return t
}

// Subscribe registers handler to receive every south-side notification from
// this point on, in addition to any already-registered handlers. Handlers
// are invoked on the transport's single reader goroutine, in the order they
// were subscribed, per spec.md §4.1. Returns an id for Unsubscribe.
func (t *Transport) Subscribe(handler NotificationHandler) SubscriptionID {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	t.nextSubID++
	id := SubscriptionID(t.nextSubID)
	t.subs = append(t.subs, subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a handler previously registered with Subscribe. A
// no-op if id is unknown (already unsubscribed, or never valid).
func (t *Transport) Unsubscribe(id SubscriptionID) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *Transport) notify(method string, params json.RawMessage) {
	t.subsMu.Lock()
	handlers := make([]NotificationHandler, len(t.subs))
	for i, s := range t.subs {
		handlers[i] = s.handler
	}
	t.subsMu.Unlock()
	for _, h := range handlers {
		h(method, params)
	}
}

// Call sends a JSON-RPC request and blocks until the matching response
// arrives, ctx is cancelled, or the transport closes. result, if non-nil,
// receives the decoded result payload.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	id := t.nextID.Add(1)
	pc := &pendingCall{resultInto: result, done: make(chan error, 1)}
	t.pending.Store(id, pc)
	defer t.pending.Delete(id)

	if err := t.writeFrame(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return apperr.Wrap(err, apperr.KindTransportClosed, "writing %s request", method)
	}

	select {
	case err := <-pc.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return apperr.New(apperr.KindTransportClosed, "transport closed while awaiting %s response", method)
	}
}

// Notify sends a JSON-RPC notification (no id, no response expected).
func (t *Transport) Notify(method string, params any) error {
	msg := map[string]any{"jsonrpc": "2.0", "method": method, "params": params}
	if err := t.writeFrame(msg); err != nil {
		return apperr.Wrap(err, apperr.KindTransportClosed, "writing %s notification", method)
	}
	return nil
}

func (t *Transport) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if _, err := t.w.Write(data); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

// Close marks the transport closed, failing every pending Call. It does
// not close the underlying reader/writer — the caller (acpproc) owns the
// child process's pipes and their lifecycle. If closeErr is already set
// (e.g. by a prior framing error or read failure) that reason is kept;
// otherwise it is recorded as a plain close.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.closeErr == nil {
			t.closeErr = apperr.New(apperr.KindTransportClosed, "transport closed")
		}
		close(t.closed)
		t.pending.Range(func(key, value any) bool {
			pc := value.(*pendingCall)
			pc.done <- apperr.New(apperr.KindTransportClosed, "transport closed")
			return true
		})
	})
	return t.closeErr
}

// closeFraming records a framing error and closes the transport, per
// spec.md §4.1: "a line that does not parse as JSON ... is a framing error
// that terminates the channel" and §8: "Malformed JSON line from agent:
// transport closes; in-flight run fails with transport-closed; next run
// respawns."
func (t *Transport) closeFraming(reason string, line []byte, err error) {
	if t.log != nil {
		t.log.Warn("transport: framing error, closing", zap.String("reason", reason), zap.ByteString("line", line), zap.Error(err))
	}
	t.closeOnce.Do(func() {
		t.closeErr = apperr.Wrap(err, apperr.KindTransportClosed, "framing error (%s)", reason)
		close(t.closed)
		t.pending.Range(func(key, value any) bool {
			pc := value.(*pendingCall)
			pc.done <- t.closeErr
			return true
		})
	})
}

// Done returns a channel closed once the transport is closed: by Close, by
// a framing error, or when the underlying reader hits EOF/error.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}

func (t *Transport) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			t.dispatch(line)
			select {
			case <-t.closed:
				// A framing error inside dispatch already closed the
				// transport; stop reading rather than keep dispatching
				// into a dead channel.
				return
			default:
			}
		}
		if err != nil {
			t.closeErr = err
			t.Close()
			return
		}
	}
}

func (t *Transport) dispatch(line []byte) {
	var probe inbound
	if err := json.Unmarshal(line, &probe); err != nil {
		t.closeFraming("unparsable line", line, err)
		return
	}
	if probe.JSONRPC != "2.0" {
		t.closeFraming("missing or invalid jsonrpc field", line, fmt.Errorf("jsonrpc=%q", probe.JSONRPC))
		return
	}

	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		// Notification: has a method and no id.
		var n struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &n); err != nil {
			t.closeFraming("unparsable notification", line, err)
			return
		}
		t.notify(n.Method, n.Params)
		return
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.closeFraming("unparsable response", line, err)
		return
	}

	id, err := resp.ID.Int64()
	if err != nil {
		return
	}
	v, ok := t.pending.Load(id)
	if !ok {
		return
	}
	pc := v.(*pendingCall)

	if resp.Error != nil {
		pc.done <- &RPCError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		return
	}
	if pc.resultInto != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, pc.resultInto); err != nil {
			pc.done <- fmt.Errorf("decoding result for id %d: %w", id, err)
			return
		}
	}
	pc.done <- nil
}
