package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/atelier/internal/observability"
	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/syncer"
	"github.com/atelier-dev/atelier/internal/unit"
	"github.com/atelier-dev/atelier/internal/workspace"
)

var (
	ErrInvalidTransition = errors.New("lifecycle: invalid status transition")
	ErrProvisionTimeout  = errors.New("lifecycle: compute unit never became ready")
	ErrNoTerminal        = errors.New("lifecycle: session has no running terminal")
)

// Stop reasons, logged distinctly for auditability.
const (
	ReasonExplicit = "explicit"
	ReasonIdle     = "idle"
)

// Config tunes provisioning and per-session terminal behavior.
type Config struct {
	UnitSpec unit.Spec
	// ProvisionTimeout bounds one wait for a created unit to become ready.
	ProvisionTimeout time.Duration
	// ProvisionAttempts is the retry budget before a session goes to error.
	ProvisionAttempts int
	Backoff           stream.BackoffConfig
	// StopSyncTimeout bounds the best-effort final pull during stop.
	StopSyncTimeout     time.Duration
	TerminalQueueLength int
	TerminalCaptureMax  int64
}

func DefaultConfig() Config {
	return Config{
		UnitSpec: unit.Spec{
			Image:     "atelier/workspace:latest",
			ShellPath: "/bin/sh",
		},
		ProvisionTimeout:    60 * time.Second,
		ProvisionAttempts:   3,
		Backoff:             stream.DefaultConfig().Backoff,
		StopSyncTimeout:     30 * time.Second,
		TerminalQueueLength: 64,
		TerminalCaptureMax:  256 * 1024,
	}
}

// Manager owns the session state machine and the live session-to-unit
// bindings. It is safe for concurrent use; operations on the same session
// are serialized, operations on distinct sessions are independent.
type Manager struct {
	store  *workspace.Store
	plane  unit.ControlPlane
	engine *syncer.Engine
	hub    *stream.Hub
	cfg    Config

	locks *sessionLocks

	mu      sync.RWMutex
	handles map[string]unit.Handle
	runners map[string]*terminalRunner
}

func NewManager(store *workspace.Store, plane unit.ControlPlane, engine *syncer.Engine, hub *stream.Hub, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = def.ProvisionTimeout
	}
	if cfg.ProvisionAttempts <= 0 {
		cfg.ProvisionAttempts = def.ProvisionAttempts
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.StopSyncTimeout <= 0 {
		cfg.StopSyncTimeout = def.StopSyncTimeout
	}
	if cfg.TerminalQueueLength <= 0 {
		cfg.TerminalQueueLength = def.TerminalQueueLength
	}
	if cfg.TerminalCaptureMax <= 0 {
		cfg.TerminalCaptureMax = def.TerminalCaptureMax
	}
	if cfg.UnitSpec.Image == "" {
		cfg.UnitSpec = def.UnitSpec
	}
	return &Manager{
		store:   store,
		plane:   plane,
		engine:  engine,
		hub:     hub,
		cfg:     cfg,
		locks:   newSessionLocks(),
		handles: make(map[string]unit.Handle),
		runners: make(map[string]*terminalRunner),
	}
}

// Start provisions a compute unit for the session, pushes the stored tree
// into it, and transitions the session to active. Allowed from created or
// stopped. Provisioning retries with backoff inside a bounded budget; an
// exhausted budget cleans up any partial unit and lands the session in
// error.
func (m *Manager) Start(ctx context.Context, sessionID string) (workspace.Session, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return workspace.Session{}, err
	}
	switch sess.Status {
	case workspace.StatusCreated, workspace.StatusStopped:
	default:
		return sess, fmt.Errorf("%w: start from %s", ErrInvalidTransition, sess.Status)
	}

	if err := m.setStatus(ctx, sessionID, workspace.StatusStarting, "", "start"); err != nil {
		return workspace.Session{}, err
	}

	unitName := unit.UnitName(sessionID)
	if err := m.provision(ctx, unitName); err != nil {
		m.cleanupUnit(unitName)
		if statusErr := m.setStatus(ctx, sessionID, workspace.StatusError, err.Error(), "provision_failed"); statusErr != nil {
			log.Error().Str("session_id", sessionID).Err(statusErr).Msg("status_update_failed")
		}
		return workspace.Session{}, err
	}

	sessStream := m.hub.Open(sessionID)
	sessStream.Publish(stream.MustEnvelope(stream.KindUnitReady, "", stream.UnitReadyPayload{UnitName: unitName}))

	report, err := m.engine.Push(ctx, sessionID, unitName)
	if err != nil {
		m.hub.Close(sessionID)
		m.cleanupUnit(unitName)
		if statusErr := m.setStatus(ctx, sessionID, workspace.StatusError, err.Error(), "push_failed"); statusErr != nil {
			log.Error().Str("session_id", sessionID).Err(statusErr).Msg("status_update_failed")
		}
		return workspace.Session{}, err
	}
	if report.Partial() {
		log.Warn().
			Str("session_id", sessionID).
			Int("synced", report.Synced).
			Int("failed", len(report.Failed)).
			Msg("workspace_push_partial")
	}
	sessStream.Publish(stream.MustEnvelope(stream.KindClearProgress, "", stream.ClearProgressPayload{Step: "workspace_sync"}))

	runner := startTerminalRunner(sessionID, unitName, m.plane, m.store, sessStream,
		m.cfg.TerminalQueueLength, m.cfg.TerminalCaptureMax)

	m.mu.Lock()
	m.handles[sessionID] = unit.Handle{SessionID: sessionID, UnitName: unitName, Ready: true}
	m.runners[sessionID] = runner
	active := len(m.handles)
	m.mu.Unlock()
	observability.SetActiveSessions(active)

	if err := m.setStatus(ctx, sessionID, workspace.StatusActive, "", "start"); err != nil {
		return workspace.Session{}, err
	}
	if err := m.store.TouchSession(ctx, sessionID); err != nil {
		return workspace.Session{}, err
	}
	log.Info().
		Str("session_id", sessionID).
		Str("unit", unitName).
		Int("pushed", report.Synced).
		Msg("session_started")
	return m.store.GetSession(ctx, sessionID)
}

// Touch records inbound client activity for the session.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	return m.store.TouchSession(ctx, sessionID)
}

// Stop pulls the final filesystem state back to the store (best effort),
// tears the terminal and stream down, and deletes the compute unit. Allowed
// from active or error; stopping an already stopped session is a no-op
// success and never issues a second unit deletion.
func (m *Manager) Stop(ctx context.Context, sessionID, reason string) error {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case workspace.StatusStopped, workspace.StatusStopping:
		return nil
	case workspace.StatusActive, workspace.StatusError:
	default:
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, sess.Status)
	}

	if err := m.setStatus(ctx, sessionID, workspace.StatusStopping, "", reason); err != nil {
		return err
	}

	m.mu.Lock()
	runner := m.runners[sessionID]
	handle, hadHandle := m.handles[sessionID]
	delete(m.runners, sessionID)
	delete(m.handles, sessionID)
	active := len(m.handles)
	m.mu.Unlock()
	observability.SetActiveSessions(active)

	if runner != nil {
		runner.stop()
	}
	m.hub.Close(sessionID)

	unitName := unit.UnitName(sessionID)
	if hadHandle {
		unitName = handle.UnitName
	}

	if sess.Status == workspace.StatusActive {
		pullCtx, cancel := context.WithTimeout(ctx, m.cfg.StopSyncTimeout)
		report, pullErr := m.engine.Pull(pullCtx, sessionID, unitName)
		cancel()
		if pullErr != nil {
			log.Warn().
				Str("session_id", sessionID).
				Err(pullErr).
				Msg("final_pull_failed")
		} else if report.Partial() {
			log.Warn().
				Str("session_id", sessionID).
				Int("failed", len(report.Failed)).
				Msg("final_pull_partial")
		}
	}

	m.cleanupUnit(unitName)

	if err := m.setStatus(ctx, sessionID, workspace.StatusStopped, "", reason); err != nil {
		return err
	}
	log.Info().
		Str("session_id", sessionID).
		Str("unit", unitName).
		Str("reason", reason).
		Msg("session_stopped")
	return nil
}

// Reconcile runs once at orchestrator startup. Sessions recorded as
// starting or active are matched against live units by naming convention:
// healthy units are re-adopted, everything else lands in error so the
// persisted status never silently disagrees with reality. Orphaned units
// with no matching session are deleted.
func (m *Manager) Reconcile(ctx context.Context) error {
	sessions, err := m.store.ListSessionsInStatus(ctx, workspace.StatusStarting, workspace.StatusActive)
	if err != nil {
		return fmt.Errorf("lifecycle: list sessions for reconcile: %w", err)
	}

	known := make(map[string]struct{}, len(sessions))
	for _, sess := range sessions {
		known[sess.ID] = struct{}{}
		unitName := unit.UnitName(sess.ID)

		status, err := m.plane.UnitStatus(ctx, unitName)
		if err != nil {
			m.markReconcileError(ctx, sess.ID, fmt.Sprintf("control plane unreachable: %v", err))
			continue
		}
		if status != unit.StatusReady {
			if status == unit.StatusUnhealthy || status == unit.StatusPending {
				m.cleanupUnit(unitName)
			}
			m.markReconcileError(ctx, sess.ID, fmt.Sprintf("unit %s after restart", status))
			continue
		}

		sessStream := m.hub.Open(sess.ID)
		runner := startTerminalRunner(sess.ID, unitName, m.plane, m.store, sessStream,
			m.cfg.TerminalQueueLength, m.cfg.TerminalCaptureMax)
		m.mu.Lock()
		m.handles[sess.ID] = unit.Handle{SessionID: sess.ID, UnitName: unitName, Ready: true}
		m.runners[sess.ID] = runner
		m.mu.Unlock()
		if sess.Status != workspace.StatusActive {
			if err := m.setStatus(ctx, sess.ID, workspace.StatusActive, "", "reconcile"); err != nil {
				log.Error().Str("session_id", sess.ID).Err(err).Msg("reconcile_status_update_failed")
			}
		}
		log.Info().Str("session_id", sess.ID).Str("unit", unitName).Msg("session_readopted")
	}

	m.mu.RLock()
	active := len(m.handles)
	m.mu.RUnlock()
	observability.SetActiveSessions(active)

	names, err := m.plane.ListUnits(ctx, unit.NamePrefix)
	if err != nil {
		log.Warn().Err(err).Msg("reconcile_unit_listing_failed")
		return nil
	}
	for _, name := range names {
		sessionID, ok := unit.SessionIDFromUnitName(name)
		if !ok {
			continue
		}
		if _, adopted := known[sessionID]; adopted {
			continue
		}
		log.Warn().Str("unit", name).Msg("orphan_unit_deleted")
		m.cleanupUnit(name)
	}
	return nil
}

// SubmitTerminalLine queues one terminal input line for the session.
func (m *Manager) SubmitTerminalLine(sessionID, line string) error {
	m.mu.RLock()
	runner := m.runners[sessionID]
	m.mu.RUnlock()
	if runner == nil {
		return fmt.Errorf("%w: %s", ErrNoTerminal, sessionID)
	}
	return runner.Submit(line)
}

// Handle returns the live unit binding for the session, if any.
func (m *Manager) Handle(sessionID string) (unit.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// Close stops terminal runners without stopping sessions: units keep
// running and reconciliation re-adopts them after the next boot.
func (m *Manager) Close() {
	m.mu.Lock()
	runners := make([]*terminalRunner, 0, len(m.runners))
	for id, r := range m.runners {
		runners = append(runners, r)
		delete(m.runners, id)
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.stop()
	}
}

// provision creates the named unit and waits for readiness, retrying
// whole create-and-wait attempts inside the configured budget. A unit left
// pending or unhealthy after the final attempt is deleted by the caller so
// no orphan survives a failed start.
func (m *Manager) provision(ctx context.Context, unitName string) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ProvisionAttempts; attempt++ {
		if err := m.plane.CreateUnit(ctx, unitName, m.cfg.UnitSpec); err != nil {
			observability.RecordProvisionAttempt("create_failed")
			lastErr = err
			log.Warn().
				Str("unit", unitName).
				Int("attempt", attempt).
				Err(err).
				Msg("unit_create_failed")
			continue
		}
		if err := m.awaitReady(ctx, unitName); err != nil {
			observability.RecordProvisionAttempt("not_ready")
			lastErr = err
			log.Warn().
				Str("unit", unitName).
				Int("attempt", attempt).
				Err(err).
				Msg("unit_readiness_wait_failed")
			continue
		}
		observability.RecordProvisionAttempt("ok")
		return nil
	}
	if lastErr == nil {
		lastErr = ErrProvisionTimeout
	}
	return fmt.Errorf("%w: %s after %d attempts: %v",
		ErrProvisionTimeout, unitName, m.cfg.ProvisionAttempts, lastErr)
}

// awaitReady polls unit status with exponential backoff until the unit is
// ready or the per-attempt timeout elapses.
func (m *Manager) awaitReady(ctx context.Context, unitName string) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	defer cancel()

	for poll := 1; ; poll++ {
		status, err := m.plane.UnitStatus(waitCtx, unitName)
		if err == nil {
			switch status {
			case unit.StatusReady:
				return nil
			case unit.StatusUnhealthy:
				return fmt.Errorf("lifecycle: unit %s reported unhealthy", unitName)
			}
		}

		delay := stream.NextBackoffDelay(m.cfg.Backoff, poll, nil)
		timer := time.NewTimer(delay)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s", ErrProvisionTimeout, unitName)
		case <-timer.C:
		}
	}
}

// cleanupUnit deletes a unit with its own timeout so teardown never hangs a
// caller. Errors are logged: the unit either goes away now or reconcile
// collects it later.
func (m *Manager) cleanupUnit(unitName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.plane.DeleteUnit(ctx, unitName); err != nil {
		log.Warn().Str("unit", unitName).Err(err).Msg("unit_delete_failed")
	}
}

func (m *Manager) setStatus(ctx context.Context, sessionID string, status workspace.SessionStatus, message, reason string) error {
	if err := m.store.SetSessionStatus(ctx, sessionID, status, message); err != nil {
		return err
	}
	observability.RecordSessionTransition(string(status), reason)
	return nil
}

func (m *Manager) markReconcileError(ctx context.Context, sessionID, message string) {
	if err := m.setStatus(ctx, sessionID, workspace.StatusError, message, "reconcile"); err != nil {
		log.Error().Str("session_id", sessionID).Err(err).Msg("reconcile_status_update_failed")
	}
	log.Warn().Str("session_id", sessionID).Str("detail", message).Msg("session_marked_error")
}
