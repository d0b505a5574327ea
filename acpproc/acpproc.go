// Package acpproc implements the Agent Process: a spawned child plus the
// Transport wired to its stdio, the initialize/authenticate handshake, and
// the session/new, session/load, session/prompt, session/cancel dialogue.
package acpproc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acp2/apperr"
	"github.com/m4xw311/acp2/content"
	"github.com/m4xw311/acp2/registry"
	"github.com/m4xw311/acp2/transport"
)

const protocolVersion = 1

// agentAPIKeyEnvVar is the environment variable name under which a
// resolved AgentSpec.APIKey is passed to the spawned child, per spec.md
// §4.2's "the agent is launched with the key already present as an
// environment variable" convention.
const agentAPIKeyEnvVar = "ACP2_AGENT_API_KEY"

// UpdateEvent is a tagged variant emitted while a prompt is in flight, per
// spec.md §3/§4.2. Variant is the update's sessionUpdate value as sent by
// the agent (e.g. "agent_message_chunk", "tool_call", "plan"); it is not
// checked against a fixed list.
type UpdateEvent struct {
	Variant string          `json:"variant"`
	Text    string          `json:"text,omitempty"` // populated for agent_message_chunk
	Raw     json.RawMessage `json:"content,omitempty"` // the update's content payload, verbatim
}

// PromptResult is the outcome of a completed session/prompt call.
type PromptResult struct {
	FinalMessage content.Blocks

	// SouthBlocks is the ordered array of session/update content payloads
	// exactly as received over JSON-RPC during this prompt turn — the
	// agent's own wire shape, as opposed to FinalMessage's locally
	// aggregated/typed representation. Callers persist it verbatim as
	// Message.SouthBlocks for the agent-authored turn.
	SouthBlocks json.RawMessage
}

// Options tunes spawn/terminate behavior independent of the AgentSpec.
type Options struct {
	GracePeriod time.Duration // default 5s
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	return o
}

// AgentProcess holds one live child and its Transport. At most one prompt
// may be in flight at a time; a second concurrent Prompt call fails with
// KindBusy immediately.
type AgentProcess struct {
	spec registry.AgentSpec
	opts Options
	log  *zap.Logger

	cmd *exec.Cmd
	tr  *transport.Transport

	authMethods []string

	promptInFlight atomic.Bool

	// currentSID and updateCh name the south-side session id whose
	// UpdateEvents are being relayed and the channel receiving them;
	// updateCh is non-nil only while a prompt is in flight.
	subMu      sync.Mutex
	currentSID string
	updateCh   chan UpdateEvent

	dead     atomic.Bool
	deadOnce sync.Once
	deadCh   chan struct{}
}

// Spawn launches spec.Command, wires its stdio to a Transport, and runs the
// initialize/authenticate handshake. The child's environment inherits the
// host environment plus the spec's resolved api_key, when non-empty, under
// the fixed variable name ACP2_AGENT_API_KEY (agentAPIKeyEnvVar).
func Spawn(ctx context.Context, spec registry.AgentSpec, opts Options, log *zap.Logger) (*AgentProcess, error) {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	// Not tied to ctx: the child must outlive the handshake call that
	// spawned it. Terminate is the only thing that ends its life.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = os.Environ()
	if spec.APIKey != "" {
		cmd.Env = append(cmd.Env, agentAPIKeyEnvVar+"="+spec.APIKey)
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindSpawnFailed, "creating stdin pipe for %s", spec.Name)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindSpawnFailed, "creating stdout pipe for %s", spec.Name)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindSpawnFailed, "starting %s (%v)", spec.Name, spec.Command)
	}

	ap := &AgentProcess{
		spec:   spec,
		opts:   opts,
		log:    log,
		cmd:    cmd,
		deadCh: make(chan struct{}),
	}
	ap.tr = transport.New(stdoutPipe, stdinPipe, log, ap.onNotify)

	go ap.watchExit()

	if err := ap.handshake(ctx); err != nil {
		_ = ap.Terminate(context.Background())
		return nil, err
	}
	return ap, nil
}

func (ap *AgentProcess) watchExit() {
	_ = ap.cmd.Wait()
	ap.markDead()
}

func (ap *AgentProcess) markDead() {
	ap.dead.Store(true)
	ap.deadOnce.Do(func() { close(ap.deadCh) })
}

// Dead returns a channel closed once the child has exited.
func (ap *AgentProcess) Dead() <-chan struct{} { return ap.deadCh }

func (ap *AgentProcess) onNotify(method string, params json.RawMessage) {
	if method != "session/update" {
		return
	}
	var notif struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &notif); err != nil {
		ap.log.Warn("acpproc: unparsable session/update", zap.Error(err))
		return
	}

	ap.subMu.Lock()
	ch := ap.updateCh
	sid := ap.currentSID
	ap.subMu.Unlock()
	if ch == nil || notif.SessionID != sid {
		return
	}

	var shape struct {
		SessionUpdate string          `json:"sessionUpdate"`
		Content       json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(notif.Update, &shape); err != nil {
		return
	}

	ev := UpdateEvent{Variant: shape.SessionUpdate, Raw: shape.Content}
	if shape.SessionUpdate == "agent_message_chunk" {
		var block content.Block
		if err := json.Unmarshal(shape.Content, &block); err == nil {
			if t, ok := block.Text(); ok {
				ev.Text = t
			}
		}
	}

	select {
	case ch <- ev:
	default:
		// Slow consumer: drop rather than block the transport's single
		// reader goroutine indefinitely.
		ap.log.Warn("acpproc: update channel full, dropping event", zap.String("variant", ev.Variant))
	}
}

func (ap *AgentProcess) handshake(ctx context.Context) error {
	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"clientCapabilities": map[string]any{
			"fs":       map[string]any{"readTextFile": true, "writeTextFile": true},
			"terminal": true,
		},
	}
	var initResult struct {
		AuthMethods []struct {
			MethodID string `json:"methodId"`
		} `json:"authMethods"`
		AgentCapabilities json.RawMessage `json:"agentCapabilities"`
	}
	if err := ap.tr.Call(ctx, "initialize", initParams, &initResult); err != nil {
		return apperr.Wrap(err, apperr.KindSpawnFailed, "initialize with %s", ap.spec.Name)
	}
	for _, m := range initResult.AuthMethods {
		ap.authMethods = append(ap.authMethods, m.MethodID)
	}

	if len(ap.authMethods) > 0 {
		method := ap.authMethods[0]
		if err := ap.tr.Call(ctx, "authenticate", map[string]any{"methodId": method}, nil); err != nil {
			return apperr.Wrap(err, apperr.KindAuth, "authenticate with %s", ap.spec.Name)
		}
	}
	return nil
}

// OpenNew sends session/new and returns the south-side session id.
func (ap *AgentProcess) OpenNew(ctx context.Context, cwd string) (string, error) {
	var result struct {
		SessionID string `json:"sessionId"`
	}
	params := map[string]any{"cwd": cwd, "mcpServers": []any{}}
	if err := ap.tr.Call(ctx, "session/new", params, &result); err != nil {
		return "", apperr.Wrap(err, apperr.KindAgentError, "session/new with %s", ap.spec.Name)
	}
	return result.SessionID, nil
}

// Resume attempts session/load for a previously-established south session
// id. It returns (true, nil) on success and (false, nil) when the agent
// signals it cannot resume (method not found, or any structured error
// response — see SPEC_FULL.md's Open Question decision #1). Any other
// failure (e.g. transport closed) is returned as an error.
func (ap *AgentProcess) Resume(ctx context.Context, southSessionID string) (bool, error) {
	err := ap.tr.Call(ctx, "session/load", map[string]any{"sessionId": southSessionID}, nil)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*transport.RPCError); ok {
		return false, nil
	}
	return false, apperr.Wrap(err, apperr.KindTransportClosed, "session/load with %s", ap.spec.Name)
}

// Prompt sends session/prompt and streams UpdateEvents for southSessionID
// onto events until the response arrives, then returns the aggregated
// final message. Exactly one Prompt may be in flight at a time.
func (ap *AgentProcess) Prompt(ctx context.Context, southSessionID string, blocks content.Blocks, events chan<- UpdateEvent) (PromptResult, error) {
	if !ap.promptInFlight.CompareAndSwap(false, true) {
		return PromptResult{}, apperr.New(apperr.KindBusy, "a prompt is already in flight on agent %s", ap.spec.Name)
	}
	defer ap.promptInFlight.Store(false)

	// Bridge the caller's events channel through a local relay so we can
	// also build the aggregated text buffer without the caller needing to.
	relay := make(chan UpdateEvent, 64)
	ap.subMu.Lock()
	ap.currentSID = southSessionID
	ap.updateCh = relay
	ap.subMu.Unlock()
	defer func() {
		ap.subMu.Lock()
		ap.updateCh = nil
		ap.subMu.Unlock()
	}()

	var buf []byte
	var extra content.Blocks
	var southRaw []json.RawMessage
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for ev := range relay {
			if len(ev.Raw) > 0 {
				southRaw = append(southRaw, ev.Raw)
			}
			if ev.Variant == "agent_message_chunk" {
				buf = append(buf, ev.Text...)
			} else if len(ev.Raw) > 0 {
				var b content.Block
				if err := json.Unmarshal(ev.Raw, &b); err == nil {
					extra = append(extra, b)
				}
			}
			if events != nil {
				select {
				case events <- ev:
				case <-ctx.Done():
				}
			}
		}
	}()

	params := map[string]any{"sessionId": southSessionID, "prompt": blocks}
	var result json.RawMessage
	callErr := ap.tr.Call(ctx, "session/prompt", params, &result)

	close(relay)
	<-relayDone

	if callErr != nil {
		if ap.dead.Load() {
			return PromptResult{}, apperr.New(apperr.KindAgentExited, "agent %s exited during prompt", ap.spec.Name)
		}
		return PromptResult{}, apperr.Wrap(callErr, apperr.KindAgentError, "session/prompt with %s", ap.spec.Name)
	}

	final := content.Blocks{}
	if len(buf) > 0 {
		final = append(final, content.NewText(string(buf)))
	}
	final = append(final, extra...)

	var southBlocks json.RawMessage
	if len(southRaw) > 0 {
		if data, err := json.Marshal(southRaw); err == nil {
			southBlocks = data
		}
	}

	return PromptResult{FinalMessage: final, SouthBlocks: southBlocks}, nil
}

// Cancel sends session/cancel for the in-flight southSessionID. It does
// not itself wait for the prompt response; the caller (run manager) must
// still observe Prompt's return per spec.md §4.6's cancellation semantics.
func (ap *AgentProcess) Cancel(ctx context.Context, southSessionID string) error {
	if err := ap.tr.Notify("session/cancel", map[string]any{"sessionId": southSessionID}); err != nil {
		return apperr.Wrap(err, apperr.KindTransportClosed, "session/cancel with %s", ap.spec.Name)
	}
	return nil
}

// Terminate sends a best-effort shutdown notification, closes the Transport,
// sends SIGTERM, waits up to the grace period for exit, then SIGKILLs.
// Idempotent. It does not close the child's stdin pipe itself; that pipe is
// closed only when the exited child is reaped.
func (ap *AgentProcess) Terminate(ctx context.Context) error {
	_ = ap.tr.Notify("shutdown", nil)
	_ = ap.tr.Close()

	if ap.cmd.Process != nil {
		_ = ap.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-ap.deadCh:
		return nil
	case <-time.After(ap.opts.GracePeriod):
	case <-ctx.Done():
	}

	if ap.cmd.Process != nil {
		_ = ap.cmd.Process.Kill()
	}
	<-ap.deadCh
	return nil
}

func (ap *AgentProcess) String() string {
	return fmt.Sprintf("AgentProcess(%s, pid=%d)", ap.spec.Name, pidOf(ap.cmd))
}

func pidOf(cmd *exec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return -1
	}
	return cmd.Process.Pid
}
