// Package runmanager orchestrates a single run from accept to terminal
// state and exposes its UpdateEvent stream, per spec.md §4.6.
package runmanager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m4xw311/acp2/acpproc"
	"github.com/m4xw311/acp2/apperr"
	"github.com/m4xw311/acp2/content"
	"github.com/m4xw311/acp2/registry"
	"github.com/m4xw311/acp2/sessionmgr"
	"github.com/m4xw311/acp2/store"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

const (
	ModeSync   = "sync"
	ModeStream = "stream"
)

// Event is one frame of a run's event stream: only the field matching
// Variant is populated (Update, Result, or Err; none for "cancelled").
type Event struct {
	Variant string // "update", "completed", "cancelled", "failed"
	Update  acpproc.UpdateEvent
	Result  content.Blocks
	Err     string
}

// StartRequest describes a run to accept.
type StartRequest struct {
	AgentName string
	SessionID string // empty => ephemeral run
	Mode      string
	Input     content.Blocks
}

// Run is a single in-flight or terminal run. Status is written only under
// the Manager's table lock; other fields are owned by the run's worker
// once it starts and may be read without locking only after Done() closes.
type Run struct {
	ID         string
	SessionID  string
	Ephemeral  bool
	AgentName  string
	Mode       string
	CreatedAt  time.Time
	FinishedAt time.Time

	mu       sync.Mutex
	status   Status
	result   content.Blocks
	runErr   error
	proc     *acpproc.AgentProcess
	southSID string

	cancelRequested boolFlag

	events chan Event
	done   chan struct{}
}

// Status returns the run's current status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result returns the final aggregated agent message, populated once the
// run has completed.
func (r *Run) Result() content.Blocks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err returns the failure reason, populated once the run has failed.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Events returns the run's event channel. It is closed once the run
// reaches a terminal state.
func (r *Run) Events() <-chan Event { return r.events }

// Done returns a channel closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (b *boolFlag) set()     { b.mu.Lock(); b.v = true; b.mu.Unlock() }
func (b *boolFlag) get() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.v }

// Manager owns the in-memory run table and drives run execution.
type Manager struct {
	reg *registry.Registry
	st  store.Store
	sm  *sessionmgr.Manager
	log *zap.Logger

	mu   sync.RWMutex
	runs map[string]*Run

	// sessionRuns serializes an entire run (acquire/bind, prompt,
	// transcript append) per session_id, per spec.md §4.6: "a second run
	// for the same session_id blocks until the previous one has left
	// in-progress". sessionmgr's own per-session lock is intentionally
	// narrower (spawn/handshake only, per spec.md §5) and does not cover
	// Prompt, so this lock is what actually keeps two runs on the same
	// session from racing into AgentProcess.Prompt.
	sessionRunsMu sync.Mutex
	sessionRuns   map[string]*sync.Mutex
}

func New(reg *registry.Registry, st store.Store, sm *sessionmgr.Manager, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{reg: reg, st: st, sm: sm, log: log, runs: make(map[string]*Run), sessionRuns: make(map[string]*sync.Mutex)}
}

// sessionLock returns the run-serialization lock for sessionID, creating it
// on first use.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.sessionRunsMu.Lock()
	defer m.sessionRunsMu.Unlock()
	l, ok := m.sessionRuns[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.sessionRuns[sessionID] = l
	}
	return l
}

// Start validates req, registers a new run, and launches its worker in the
// background. It returns immediately; callers await Run.Done() (sync mode)
// or drain Run.Events() (stream mode).
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Run, error) {
	if _, err := m.reg.Lookup(req.AgentName); err != nil {
		return nil, err
	}
	if req.Mode != ModeSync && req.Mode != ModeStream {
		return nil, apperr.New(apperr.KindConfig, "unknown run mode %q", req.Mode)
	}

	run := &Run{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Ephemeral: req.SessionID == "",
		AgentName: req.AgentName,
		Mode:      req.Mode,
		CreatedAt: time.Now(),
		status:    StatusCreated,
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
	}
	if run.Ephemeral {
		run.SessionID = "ephemeral-" + uuid.NewString()
	} else {
		if err := m.ensureSession(ctx, req.SessionID, req.AgentName); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	// The worker outlives the caller's context (e.g. an HTTP request whose
	// client disconnects): the run still completes and its result is persisted.
	go m.execute(context.WithoutCancel(ctx), run, req)
	return run, nil
}

func (m *Manager) ensureSession(ctx context.Context, sessionID, agentName string) error {
	_, err := m.st.GetSession(ctx, sessionID)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return apperr.Wrap(err, apperr.KindInternal, "loading session %s", sessionID)
	}
	now := time.Now()
	return m.st.CreateSession(ctx, store.Session{
		ID: sessionID, AgentName: agentName, Status: store.StatusActive,
		CreatedAt: now, LastActiveAt: now,
	})
}

// Get returns a previously-started run, or not-found.
func (m *Manager) Get(runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "run %s not found", runID)
	}
	return run, nil
}

// Cancel requests cancellation of an in-progress run. Legal only while the
// run is in-progress; otherwise a conflict error.
func (m *Manager) Cancel(ctx context.Context, runID string) (*Run, error) {
	run, err := m.Get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	status := run.status
	proc := run.proc
	southSID := run.southSID
	run.mu.Unlock()

	if status != StatusInProgress {
		return run, apperr.New(apperr.KindConflict, "run %s is not in-progress (status=%s)", runID, status)
	}

	run.cancelRequested.set()
	if proc != nil {
		if err := proc.Cancel(ctx, southSID); err != nil {
			m.log.Warn("runmanager: session/cancel failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return run, nil
}

func (m *Manager) setStatus(run *Run, s Status) {
	m.mu.Lock()
	run.mu.Lock()
	run.status = s
	run.mu.Unlock()
	m.mu.Unlock()
}

func (m *Manager) publish(run *Run, ev Event) {
	select {
	case run.events <- ev:
	default:
		m.log.Warn("runmanager: run event channel full, dropping event",
			zap.String("run_id", run.ID), zap.String("variant", ev.Variant))
	}
}

func (m *Manager) fail(run *Run, err error) {
	run.mu.Lock()
	run.runErr = err
	run.mu.Unlock()
	run.FinishedAt = time.Now()
	m.setStatus(run, StatusFailed)
	m.publish(run, Event{Variant: "failed", Err: err.Error()})
}

// execute runs steps 3-9 of spec.md §4.6.
func (m *Manager) execute(ctx context.Context, run *Run, req StartRequest) {
	defer close(run.done)
	defer close(run.events)

	// Hold the session's run lock across acquire, prompt, and transcript
	// append so a second run queued for this session_id waits for this one
	// to fully leave in-progress before it can proceed, rather than racing
	// it into AgentProcess.Prompt.
	lock := m.sessionLock(run.SessionID)
	lock.Lock()
	defer lock.Unlock()

	var proc *acpproc.AgentProcess
	var southSID string
	var err error

	if run.Ephemeral {
		proc, southSID, err = m.sm.Ephemeral(ctx, req.AgentName)
	} else {
		var bound sessionmgr.Bound
		bound, err = m.sm.Acquire(ctx, run.SessionID, req.AgentName)
		if err == nil {
			proc, southSID = bound.Process, bound.SouthSessionID
		}
	}
	if err != nil {
		m.fail(run, err)
		return
	}

	if run.Ephemeral {
		defer proc.Terminate(context.Background())
	} else {
		defer m.sm.Release(run.SessionID)
	}

	run.mu.Lock()
	run.proc = proc
	run.southSID = southSID
	run.mu.Unlock()

	if !run.Ephemeral {
		// south_blocks for the user turn is the prompt content exactly as
		// marshaled into the session/prompt request's "prompt" field
		// (acpproc.Prompt sends req.Input verbatim under that key).
		userSouthBlocks, err := json.Marshal(req.Input)
		if err != nil {
			m.fail(run, apperr.Wrap(err, apperr.KindInternal, "marshaling user input for run %s", run.ID))
			return
		}
		if _, err := m.st.AppendMessage(ctx, run.SessionID, "user", req.Input, userSouthBlocks); err != nil {
			m.fail(run, apperr.Wrap(err, apperr.KindInternal, "appending user message for run %s", run.ID))
			return
		}
	}

	m.setStatus(run, StatusInProgress)

	updateCh := make(chan acpproc.UpdateEvent, 64)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for ev := range updateCh {
			m.publish(run, Event{Variant: "update", Update: ev})
		}
	}()

	result, promptErr := proc.Prompt(ctx, southSID, req.Input, updateCh)
	close(updateCh)
	<-relayDone

	cancelled := run.cancelRequested.get()
	run.FinishedAt = time.Now()

	switch {
	case cancelled:
		m.setStatus(run, StatusCancelled)
		m.publish(run, Event{Variant: "cancelled"})

	case promptErr != nil:
		m.fail(run, promptErr)

	default:
		if !run.Ephemeral {
			if _, err := m.st.AppendMessage(ctx, run.SessionID, "agent", result.FinalMessage, result.SouthBlocks); err != nil {
				m.fail(run, apperr.Wrap(err, apperr.KindInternal, "appending agent message for run %s", run.ID))
				return
			}
			if err := m.st.Touch(ctx, run.SessionID, time.Now()); err != nil {
				m.log.Warn("runmanager: failed to touch session", zap.String("session_id", run.SessionID), zap.Error(err))
			}
		}
		run.mu.Lock()
		run.result = result.FinalMessage
		run.mu.Unlock()
		m.setStatus(run, StatusCompleted)
		m.publish(run, Event{Variant: "completed", Result: result.FinalMessage})
	}
}
