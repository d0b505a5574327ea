package transport

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acp2/apperr"
)

// newFakeAgent wires a Transport to an in-process io.Pipe pair standing in
// for a child's stdin/stdout, and answers requests according to handle.
func newFakeAgent(t *testing.T, handle func(method string, id int64, params json.RawMessage, reply func(result any, rpcErr *wireError))) (*Transport, func()) {
	t.Helper()

	agentIn, bridgeOut := io.Pipe()   // bridge writes requests here, agent reads them
	bridgeIn, agentOut := io.Pipe()   // agent writes responses here, bridge reads them

	go func() {
		dec := json.NewDecoder(agentIn)
		for {
			var req request
			if err := dec.Decode(&req); err != nil {
				return
			}
			reply := func(result any, rpcErr *wireError) {
				resp := response{JSONRPC: "2.0", ID: json.Number(itoa(req.ID))}
				if rpcErr != nil {
					resp.Error = rpcErr
				} else if result != nil {
					data, _ := json.Marshal(result)
					resp.Result = data
				}
				data, _ := json.Marshal(resp)
				agentOut.Write(append(data, '\n'))
			}
			handle(req.Method, req.ID, nil, reply)
		}
	}()

	log := zap.NewNop()
	tr := New(bridgeIn, bridgeOut, log, nil)
	cleanup := func() {
		tr.Close()
		bridgeOut.Close()
		agentOut.Close()
	}
	return tr, cleanup
}

func itoa(i int64) string {
	data, _ := json.Marshal(i)
	return string(data)
}

func TestCallRoundTrip(t *testing.T) {
	tr, cleanup := newFakeAgent(t, func(method string, id int64, params json.RawMessage, reply func(any, *wireError)) {
		if method == "echo" {
			reply(map[string]string{"ok": "yes"}, nil)
		}
	})
	defer cleanup()

	var result struct {
		OK string `json:"ok"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Call(ctx, "echo", nil, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.OK != "yes" {
		t.Fatalf("result = %+v", result)
	}
}

func TestCallSurfacesRPCError(t *testing.T) {
	tr, cleanup := newFakeAgent(t, func(method string, id int64, params json.RawMessage, reply func(any, *wireError)) {
		reply(nil, &wireError{Code: CodeMethodNotFound, Message: "no such method"})
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tr.Call(ctx, "bogus", nil, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("err type = %T, want *RPCError", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Fatalf("Code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestCallFailsAfterClose(t *testing.T) {
	tr, cleanup := newFakeAgent(t, func(method string, id int64, params json.RawMessage, reply func(any, *wireError)) {
		// never reply
	})
	tr.Close()
	cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Call(ctx, "anything", nil, nil); err == nil {
		t.Fatalf("expected error calling on closed transport")
	}
}

func TestNotificationDispatch(t *testing.T) {
	received := make(chan string, 1)
	agentIn, bridgeOut := io.Pipe()
	bridgeIn, agentOut := io.Pipe()
	_ = agentIn

	log := zap.NewNop()
	tr := New(bridgeIn, bridgeOut, log, func(method string, params json.RawMessage) {
		received <- method
	})
	defer tr.Close()

	notif := map[string]any{"jsonrpc": "2.0", "method": "session/update", "params": map[string]any{"sessionId": "s1"}}
	data, _ := json.Marshal(notif)
	go func() {
		agentOut.Write(append(data, '\n'))
	}()

	select {
	case m := <-received:
		if m != "session/update" {
			t.Fatalf("method = %q, want session/update", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification dispatch")
	}
}

func TestMalformedLineClosesTransport(t *testing.T) {
	agentIn, bridgeOut := io.Pipe()
	bridgeIn, agentOut := io.Pipe()
	// Drain the bridge's writes so the outstanding Call's request write
	// completes and the Call reaches its wait for a response.
	go io.Copy(io.Discard, agentIn)

	log := zap.NewNop()
	tr := New(bridgeIn, bridgeOut, log, nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	callErr := make(chan error, 1)
	go func() {
		callErr <- tr.Call(ctx, "anything", nil, nil)
	}()

	go func() {
		agentOut.Write([]byte("this is not json\n"))
	}()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport to close on malformed line")
	}

	select {
	case err := <-callErr:
		if err == nil {
			t.Fatalf("expected outstanding Call to fail")
		}
		if !apperr.Is(err, apperr.KindTransportClosed) {
			t.Fatalf("Kind = %s, want %s", apperr.Of(err), apperr.KindTransportClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outstanding Call to fail")
	}
}

func TestMissingJSONRPCFieldClosesTransport(t *testing.T) {
	agentIn, bridgeOut := io.Pipe()
	bridgeIn, agentOut := io.Pipe()
	_ = agentIn

	log := zap.NewNop()
	tr := New(bridgeIn, bridgeOut, log, nil)
	defer tr.Close()

	badLine := map[string]any{"method": "session/update", "params": map[string]any{"sessionId": "s1"}}
	data, _ := json.Marshal(badLine)
	go func() {
		agentOut.Write(append(data, '\n'))
	}()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport to close on missing jsonrpc field")
	}
}
