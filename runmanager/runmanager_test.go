package runmanager

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acp2/acpproc"
	"github.com/m4xw311/acp2/content"
	"github.com/m4xw311/acp2/registry"
	"github.com/m4xw311/acp2/sessionmgr"
	"github.com/m4xw311/acp2/store"
)

// promptScript answers initialize, session/new, then session/prompt with one
// relayed agent_message_chunk update before the final response.
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

// twoPromptsScript answers initialize, session/new, then two successive
// session/prompt calls over the same bound process — standing in for two
// runs serialized onto one session_id. The first prompt sleeps briefly so
// a concurrently-started second run has time to queue behind it.
const twoPromptsScript = `i=0
while IFS= read -r line; do
  i=$((i+1))
  case $i in
    1) printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"authMethods":[],"agentCapabilities":{}}}' ;;
    2) printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"sessionId":"south-1"}}' ;;
    3)
      sleep 0.3
      printf '%s\n' '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"south-1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"first"}}}}'
      printf '%s\n' '{"jsonrpc":"2.0","id":3,"result":{}}'
      ;;
    4)
      printf '%s\n' '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"south-1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"second"}}}}'
      printf '%s\n' '{"jsonrpc":"2.0","id":4,"result":{}}'
      ;;
  esac
done
`

func newTestHarness(t *testing.T) (*Manager, *store.SQLiteStore) {
	t.Helper()
	spec := registry.AgentSpec{Name: "dummy", Command: []string{"/bin/sh", "-c", promptScript}}
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
	return New(reg, st, sm, zap.NewNop()), st
}

func awaitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s did not finish in time", run.ID)
	}
}

func TestStartSyncRunCompletesAndPersists(t *testing.T) {
	ctx := context.Background()
	m, st := newTestHarness(t)

	run, err := m.Start(ctx, StartRequest{
		AgentName: "dummy",
		SessionID: "sess-1",
		Mode:      ModeSync,
		Input:     content.Blocks{content.NewText("hi")},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitDone(t, run)

	if run.Status() != StatusCompleted {
		t.Fatalf("Status = %v, want completed (err=%v)", run.Status(), run.Err())
	}
	if run.Result().Text() != "hello" {
		t.Fatalf("Result.Text() = %q, want hello", run.Result().Text())
	}

	msgs, err := st.ListMessages(ctx, "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "agent" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if len(msgs[0].SouthBlocks) == 0 || string(msgs[0].SouthBlocks) == "null" {
		t.Fatalf("user message SouthBlocks = %s, want the marshaled prompt content", msgs[0].SouthBlocks)
	}
	if len(msgs[1].SouthBlocks) == 0 || string(msgs[1].SouthBlocks) == "null" {
		t.Fatalf("agent message SouthBlocks = %s, want the raw session/update content", msgs[1].SouthBlocks)
	}
}

func TestStartAutoCreatesMissingSession(t *testing.T) {
	ctx := context.Background()
	m, st := newTestHarness(t)

	_, err := st.GetSession(ctx, "brand-new")
	if err != store.ErrNotFound {
		t.Fatalf("expected session to not exist yet, got err=%v", err)
	}

	run, err := m.Start(ctx, StartRequest{AgentName: "dummy", SessionID: "brand-new", Mode: ModeSync, Input: content.Blocks{content.NewText("hi")}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitDone(t, run)

	if _, err := st.GetSession(ctx, "brand-new"); err != nil {
		t.Fatalf("expected session to be auto-created, GetSession err=%v", err)
	}
}

func TestEphemeralRunLeavesNoSessionRow(t *testing.T) {
	ctx := context.Background()
	m, st := newTestHarness(t)

	run, err := m.Start(ctx, StartRequest{AgentName: "dummy", Mode: ModeSync, Input: content.Blocks{content.NewText("hi")}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitDone(t, run)

	if run.Status() != StatusCompleted {
		t.Fatalf("Status = %v, want completed (err=%v)", run.Status(), run.Err())
	}
	if _, err := st.GetSession(ctx, run.SessionID); err != store.ErrNotFound {
		t.Fatalf("expected no persisted session for ephemeral run, err=%v", err)
	}
}

func TestCancelIsConflictOnceTerminal(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestHarness(t)

	run, err := m.Start(ctx, StartRequest{AgentName: "dummy", SessionID: "sess-1", Mode: ModeSync, Input: content.Blocks{content.NewText("hi")}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitDone(t, run)

	if _, err := m.Cancel(ctx, run.ID); err == nil {
		t.Fatalf("expected Cancel on a terminal run to fail")
	}
}

func TestCancelUnknownRunIsNotFound(t *testing.T) {
	m, _ := newTestHarness(t)
	if _, err := m.Cancel(context.Background(), "no-such-run"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

// TestConcurrentRunsOnSameSessionSerialize starts two runs against the same
// session_id back to back, while the first prompt is still sleeping, and
// asserts the second waits (rather than racing into AgentProcess.Prompt and
// failing with busy) and that both runs' transcript entries land in order.
func TestConcurrentRunsOnSameSessionSerialize(t *testing.T) {
	ctx := context.Background()
	spec := registry.AgentSpec{Name: "dummy", Command: []string{"/bin/sh", "-c", twoPromptsScript}}
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
	m := New(reg, st, sm, zap.NewNop())

	run1, err := m.Start(ctx, StartRequest{AgentName: "dummy", SessionID: "shared", Mode: ModeSync, Input: content.Blocks{content.NewText("one")}})
	if err != nil {
		t.Fatalf("Start run1: %v", err)
	}
	run2, err := m.Start(ctx, StartRequest{AgentName: "dummy", SessionID: "shared", Mode: ModeSync, Input: content.Blocks{content.NewText("two")}})
	if err != nil {
		t.Fatalf("Start run2: %v", err)
	}

	awaitDone(t, run1)
	awaitDone(t, run2)

	if run1.Status() != StatusCompleted {
		t.Fatalf("run1 Status = %v, want completed (err=%v)", run1.Status(), run1.Err())
	}
	if run2.Status() != StatusCompleted {
		t.Fatalf("run2 Status = %v, want completed (err=%v)", run2.Status(), run2.Err())
	}

	msgs, err := st.ListMessages(ctx, "shared", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("len(msgs) = %d, want 4 (two user/agent pairs), got %+v", len(msgs), msgs)
	}
	wantRoles := []string{"user", "agent", "user", "agent"}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Fatalf("msgs[%d].Role = %q, want %q (full=%+v)", i, msgs[i].Role, want, msgs)
		}
	}
}
