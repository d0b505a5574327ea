package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acp2/acpproc"
	"github.com/m4xw311/acp2/content"
	"github.com/m4xw311/acp2/registry"
	"github.com/m4xw311/acp2/runmanager"
	"github.com/m4xw311/acp2/sessionmgr"
	"github.com/m4xw311/acp2/store"
)

const promptScript = `i=0
while IFS= read -r line; do
  i=$((i+1))
  case $i in
    1) printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"authMethods":[],"agentCapabilities":{}}}' ;;
    2) printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"sessionId":"south-1"}}' ;;
    3)
      printf '%s\n' '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"south-1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello"}}}}'
      printf '%s\n' '{"jsonrpc":"2.0","id":3,"result":{}}'
      ;;
  esac
done
`

func newTestServer(t *testing.T, authToken string) *Server {
	t.Helper()
	spec := registry.AgentSpec{Name: "dummy", Description: "a test agent", Command: []string{"/bin/sh", "-c", promptScript}}
	reg, err := registry.FromSpecs([]registry.AgentSpec{spec})
	if err != nil {
		t.Fatalf("FromSpecs: %v", err)
	}
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sm := sessionmgr.New(reg, st, zap.NewNop(), acpproc.Options{}, 30*time.Minute)
	rm := runmanager.New(reg, st, sm, zap.NewNop())
	return NewServer(reg, st, sm, rm, zap.NewNop(), authToken)
}

func doRequest(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPingNeedsNoAuth(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doRequest(t, s, http.MethodGet, "/ping", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	s := newTestServer(t, "secret")

	rec := doRequest(t, s, http.MethodGet, "/agents", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for missing token", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/agents", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for wrong token", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/agents", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for correct token", rec.Code)
	}
}

func TestAuthDisabledWhenTokenEmpty(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/agents", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when auth disabled", rec.Code)
	}
}

func TestListAndGetAgent(t *testing.T) {
	s := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodGet, "/agents", "", nil)
	var listResp struct {
		Agents []agentManifest `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listResp.Agents) != 1 || listResp.Agents[0].Name != "dummy" {
		t.Fatalf("agents = %+v", listResp.Agents)
	}

	rec = doRequest(t, s, http.MethodGet, "/agents/dummy", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/agents/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreateRunSyncFlow(t *testing.T) {
	s := newTestServer(t, "")

	body := createRunRequest{
		Agent:     "dummy",
		SessionID: "sess-1",
		Mode:      runmanager.ModeSync,
		Input:     runInput{Role: "user", Content: content.Blocks{content.NewText("hi")}},
	}
	rec := doRequest(t, s, http.MethodPost, "/runs", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		RunID  string   `json:"run_id"`
		Status string   `json:"status"`
		Output runInput `json:"output"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(runmanager.StatusCompleted) {
		t.Fatalf("status = %q, want completed", resp.Status)
	}
	if resp.Output.Content.Text() != "hello" {
		t.Fatalf("output text = %q, want hello", resp.Output.Content.Text())
	}

	// Session lifecycle: the run should have created and populated it.
	rec = doRequest(t, s, http.MethodGet, "/sessions/sess-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET session status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodDelete, "/sessions/sess-1", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE session status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/sessions/sess-1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET session after delete status = %d", rec.Code)
	}
}

func TestCreateRunUnknownAgentIsNotFound(t *testing.T) {
	s := newTestServer(t, "")
	body := createRunRequest{Agent: "nope", Mode: runmanager.ModeSync}
	rec := doRequest(t, s, http.MethodPost, "/runs", "", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateRunStreamEmitsSSEFrames(t *testing.T) {
	s := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	reqBody := createRunRequest{
		Agent: "dummy", SessionID: "sess-stream", Mode: runmanager.ModeStream,
		Input: runInput{Role: "user", Content: content.Blocks{content.NewText("hi")}},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		t.Fatalf("encode: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/runs", &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	var sawCompleted bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: completed") {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("expected a completed SSE frame")
	}
}
