// Package sessionmgr implements the Session Manager: it caches live Agent
// Process instances keyed by session_id, enforces at-most-one active child
// per session, and drives the session-binding policy (resume vs. open_new)
// described in spec.md §4.5.
package sessionmgr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/acp2/acpproc"
	"github.com/m4xw311/acp2/apperr"
	"github.com/m4xw311/acp2/registry"
	"github.com/m4xw311/acp2/store"
)

// Bound is what Acquire hands back: a live process plus the south-side
// session id the caller must address session/prompt to.
type Bound struct {
	Process        *acpproc.AgentProcess
	SouthSessionID string
}

type binding struct {
	mu       sync.Mutex // serializes acquire (spawn/handshake) for this session_id
	process  *acpproc.AgentProcess
	southID  string
	lastUsed time.Time

	// inUse is true from the moment Acquire hands the process to a caller
	// until that caller calls Release, spanning the caller's Prompt call —
	// a window mu itself does not cover, since mu unlocks as soon as
	// Acquire returns. SweepIdle consults this, not just lastUsed, before
	// reaping.
	inUse bool
}

// Manager owns Agent Process lifetimes. One Manager per running bridge.
type Manager struct {
	reg      *registry.Registry
	st       store.Store
	log      *zap.Logger
	procOpts acpproc.Options

	mu       sync.Mutex
	bindings map[string]*binding

	idleTimeout time.Duration
}

// New builds a Manager. idleTimeout is stored on the Manager but not read
// by it: SweepIdle and RunSweeper take their idle threshold as an argument.
func New(reg *registry.Registry, st store.Store, log *zap.Logger, procOpts acpproc.Options, idleTimeout time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		reg:         reg,
		st:          st,
		log:         log,
		procOpts:    procOpts,
		bindings:    make(map[string]*binding),
		idleTimeout: idleTimeout,
	}
}

func (m *Manager) bindingFor(sessionID string) *binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[sessionID]
	if !ok {
		b = &binding{}
		m.bindings[sessionID] = b
	}
	return b
}

// Acquire serializes per session_id: concurrent callers for the same id
// queue behind each other, callers for different ids proceed in parallel.
func (m *Manager) Acquire(ctx context.Context, sessionID, agentName string) (Bound, error) {
	b := m.bindingFor(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.process != nil {
		select {
		case <-b.process.Dead():
			b.process = nil
		default:
			b.lastUsed = time.Now()
			b.inUse = true
			return Bound{Process: b.process, SouthSessionID: b.southID}, nil
		}
	}

	spec, err := m.reg.Lookup(agentName)
	if err != nil {
		return Bound{}, err
	}

	proc, err := acpproc.Spawn(ctx, spec, m.procOpts, m.log)
	if err != nil {
		return Bound{}, err
	}

	sess, err := m.st.GetSession(ctx, sessionID)
	if err != nil {
		proc.Terminate(context.Background())
		return Bound{}, apperr.Wrap(err, apperr.KindInternal, "loading session %s for binding", sessionID)
	}

	southID, err := m.bind(ctx, proc, sess)
	if err != nil {
		proc.Terminate(context.Background())
		return Bound{}, err
	}

	b.process = proc
	b.southID = southID
	b.lastUsed = time.Now()
	b.inUse = true
	return Bound{Process: proc, SouthSessionID: southID}, nil
}

// bind implements the resume-or-open-new policy of spec.md §4.5.
func (m *Manager) bind(ctx context.Context, proc *acpproc.AgentProcess, sess store.Session) (string, error) {
	if sess.SouthSessionID == "" {
		// First acquire: open_new unconditionally.
		southID, err := proc.OpenNew(ctx, ".")
		if err != nil {
			return "", err
		}
		if err := m.st.UpdateSouthSessionID(ctx, sess.ID, southID); err != nil {
			return "", apperr.Wrap(err, apperr.KindInternal, "persisting south session id for %s", sess.ID)
		}
		return southID, nil
	}

	ok, err := proc.Resume(ctx, sess.SouthSessionID)
	if err != nil {
		return "", err
	}
	if ok {
		return sess.SouthSessionID, nil
	}

	// resume unsupported or failed: fall back to open_new, replacing the
	// persisted id. The north-side transcript is preserved even though the
	// south agent could not reload its own state.
	southID, err := proc.OpenNew(ctx, ".")
	if err != nil {
		return "", err
	}
	if err := m.st.UpdateSouthSessionID(ctx, sess.ID, southID); err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "persisting south session id for %s", sess.ID)
	}
	return southID, nil
}

// Release marks the session as most-recently-used and clears its in-use
// flag, without terminating the bound process; idle processes are reaped
// by the sweeper instead. Callers must call Release exactly once for every
// successful Acquire, after they are done driving the process (i.e. after
// Prompt returns) — not before — so SweepIdle never observes a session as
// idle while a run still holds it.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	b, ok := m.bindings[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.lastUsed = time.Now()
	b.inUse = false
	b.mu.Unlock()
}

// Terminate kills the bound process (if any), clears the binding, and sets
// the session's persisted status to terminated.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	b, ok := m.bindings[sessionID]
	delete(m.bindings, sessionID)
	m.mu.Unlock()

	if ok {
		b.mu.Lock()
		if b.process != nil {
			b.process.Terminate(ctx)
		}
		b.mu.Unlock()
	}

	if err := m.st.SetStatus(ctx, sessionID, store.StatusTerminated); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "marking session %s terminated", sessionID)
	}
	return nil
}

// Ephemeral spawns a one-shot process with no persisted session row. The
// caller owns calling Terminate on the returned process when done.
func (m *Manager) Ephemeral(ctx context.Context, agentName string) (*acpproc.AgentProcess, string, error) {
	spec, err := m.reg.Lookup(agentName)
	if err != nil {
		return nil, "", err
	}
	proc, err := acpproc.Spawn(ctx, spec, m.procOpts, m.log)
	if err != nil {
		return nil, "", err
	}
	southID, err := proc.OpenNew(ctx, ".")
	if err != nil {
		proc.Terminate(context.Background())
		return nil, "", err
	}
	return proc, southID, nil
}

// SweepIdle terminates every bound session whose process has been idle
// longer than threshold. It never terminates a session mid-run: binding.mu
// only guards spawn/handshake (it unlocks as soon as Acquire returns, well
// before a caller's Prompt call runs), so a successful TryLock alone does
// not prove no run is active. SweepIdle additionally consults inUse, which
// stays true for the whole Acquire-to-Release window a caller owns the
// process across, closing that gap.
func (m *Manager) SweepIdle(ctx context.Context, threshold time.Duration) {
	m.mu.Lock()
	candidates := make(map[string]*binding, len(m.bindings))
	for id, b := range m.bindings {
		candidates[id] = b
	}
	m.mu.Unlock()

	now := time.Now()
	for sessionID, b := range candidates {
		if !b.mu.TryLock() {
			continue // a spawn/handshake currently holds this session; leave it alone
		}
		idle := !b.inUse && b.process != nil && now.Sub(b.lastUsed) > threshold
		proc := b.process
		b.mu.Unlock()

		if !idle {
			continue
		}
		m.log.Info("sessionmgr: reaping idle agent process", zap.String("session_id", sessionID))
		if proc != nil {
			proc.Terminate(ctx)
		}
		if err := m.Terminate(ctx, sessionID); err != nil {
			m.log.Warn("sessionmgr: failed to mark idle session terminated", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// RunSweeper ticks every interval until ctx is cancelled, calling SweepIdle
// with threshold each time. Intended to run as its own goroutine.
func (m *Manager) RunSweeper(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepIdle(ctx, threshold)
		}
	}
}
