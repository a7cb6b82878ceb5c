package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/syncer"
	"github.com/atelier-dev/atelier/internal/testutil/fakeunit"
	"github.com/atelier-dev/atelier/internal/testutil/testlog"
	"github.com/atelier-dev/atelier/internal/unit"
	"github.com/atelier-dev/atelier/internal/workspace"
)

func testConfig() Config {
	return Config{
		UnitSpec:          unit.Spec{Image: "test/workspace:latest", ShellPath: "/bin/sh"},
		ProvisionTimeout:  2 * time.Second,
		ProvisionAttempts: 2,
		Backoff: stream.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     20 * time.Millisecond,
		},
		StopSyncTimeout:     2 * time.Second,
		TerminalQueueLength: 8,
		TerminalCaptureMax:  1024,
	}
}

func newTestManager(t *testing.T) (*Manager, *workspace.Store, *fakeunit.Plane, *stream.Hub) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := workspace.Open(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	plane := fakeunit.New()
	engine := syncer.NewEngine(store, plane, syncer.DefaultConfig())
	hub := stream.NewHub(stream.Config{SendQueueLength: 32})
	return NewManager(store, plane, engine, hub, testConfig()), store, plane, hub
}

func TestStartTransitionsToActiveAndPushesTree(t *testing.T) {
	testlog.Start(t)
	manager, store, plane, _ := newTestManager(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "dev", nil)
	if _, _, err := store.UpsertFileByPath(ctx, sess.ID, "src/main.py", "print('hi')"); err != nil {
		t.Fatalf("seed tree: %v", err)
	}

	started, err := manager.Start(ctx, sess.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != workspace.StatusActive {
		t.Fatalf("unexpected status=%s", started.Status)
	}

	unitName := unit.UnitName(sess.ID)
	u, ok := plane.Get(unitName)
	if !ok {
		t.Fatalf("unit not created")
	}
	if got := string(u.Files["src/main.py"]); got != "print('hi')" {
		t.Fatalf("tree not pushed, got %q", got)
	}
	if _, ok := manager.Handle(sess.ID); !ok {
		t.Fatalf("missing live handle")
	}
}

func TestStartFromActiveIsInvalid(t *testing.T) {
	testlog.Start(t)
	manager, store, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "dev", nil)
	if _, err := manager.Start(ctx, sess.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := manager.Start(ctx, sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStartProvisionFailureLandsInError(t *testing.T) {
	testlog.Start(t)
	manager, store, plane, _ := newTestManager(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "dev", nil)
	plane.CreateErr = errors.New("cluster out of capacity")

	if _, err := manager.Start(ctx, sess.ID); !errors.Is(err, ErrProvisionTimeout) {
		t.Fatalf("expected ErrProvisionTimeout, got %v", err)
	}
	if plane.CreateCnt != 2 {
		t.Fatalf("expected 2 create attempts, got %d", plane.CreateCnt)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != workspace.StatusError {
		t.Fatalf("unexpected status=%s", got.Status)
	}
	if got.StatusMessage == "" {
		t.Fatalf("expected a status message")
	}
	if len(plane.Deleted) == 0 {
		t.Fatalf("partial unit not cleaned up")
	}
}

func TestStartUnhealthyUnitFailsFast(t *testing.T) {
	testlog.Start(t)
	manager, store, plane, _ := newTestManager(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "dev", nil)
	unitName := unit.UnitName(sess.ID)
	plane.StatusSequence[unitName] = []unit.Status{unit.StatusUnhealthy, unit.StatusUnhealthy}

	if _, err := manager.Start(ctx, sess.ID); !errors.Is(err, ErrProvisionTimeout) {
		t.Fatalf("expected ErrProvisionTimeout, got %v", err)
	}
}

func TestStopPullsTearsDownAndIsIdempotent(t *testing.T) {
	testlog.Start(t)
	manager, store, plane, hub := newTestManager(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "dev", nil)
	if _, err := manager.Start(ctx, sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	unitName := unit.UnitName(sess.ID)
	u, _ := plane.Get(unitName)
	u.Files["result.txt"] = []byte("done")

	if err := manager.Stop(ctx, sess.ID, ReasonExplicit); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if got.Status != workspace.StatusStopped {
		t.Fatalf("unexpected status=%s", got.Status)
	}
	node, err := store.GetNodeByPath(ctx, sess.ID, "result.txt")
	if err != nil {
		t.Fatalf("final pull missing: %v", err)
	}
	if node.Content == nil || *node.Content != "done" {
		t.Fatalf("unexpected pulled content %+v", node.Content)
	}
	if len(plane.Deleted) != 1 || plane.Deleted[0] != unitName {
		t.Fatalf("unit not deleted exactly once: %v", plane.Deleted)
	}
	if _, ok := hub.Get(sess.ID); ok {
		t.Fatalf("stream survived stop")
	}
	if _, ok := manager.Handle(sess.ID); ok {
		t.Fatalf("handle survived stop")
	}

	// Stopping again is a no-op and never issues a second deletion.
	if err := manager.Stop(ctx, sess.ID, ReasonExplicit); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if len(plane.Deleted) != 1 {
		t.Fatalf("second stop deleted again: %v", plane.Deleted)
	}
}

func TestStopFromCreatedIsInvalid(t *testing.T) {
	testlog.Start(t)
	manager, store, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "dev", nil)
	if err := manager.Stop(ctx, sess.ID, ReasonExplicit); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTerminalLineRecordedAndStreamed(t *testing.T) {
	testlog.Start(t)
	manager, store, _, hub := newTestManager(t)
	ctx := context.Background()

	sess, _ := store.CreateSession(ctx, "dev", nil)
	if _, err := manager.Start(ctx, sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	sessStream, ok := hub.Get(sess.ID)
	if !ok {
		t.Fatalf("no stream for active session")
	}
	transport, err := sessStream.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := manager.SubmitTerminalLine(sess.ID, "echo hi"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var commands []workspace.CommandRecord
	for time.Now().Before(deadline) {
		commands, err = store.ListCommands(ctx, sess.ID, 0)
		if err != nil {
			t.Fatalf("list commands: %v", err)
		}
		if len(commands) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(commands) != 1 {
		t.Fatalf("command not recorded")
	}
	if commands[0].Command != "echo hi" || !commands[0].Success {
		t.Fatalf("unexpected record %+v", commands[0])
	}

	select {
	case env := <-transport.C:
		if env.Kind != stream.KindTerminalOutput {
			t.Fatalf("unexpected kind=%s", env.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no terminal output delivered")
	}
}

func TestSubmitWithoutRunner(t *testing.T) {
	testlog.Start(t)
	manager, store, _, _ := newTestManager(t)
	sess, _ := store.CreateSession(context.Background(), "dev", nil)
	if err := manager.SubmitTerminalLine(sess.ID, "ls"); !errors.Is(err, ErrNoTerminal) {
		t.Fatalf("expected ErrNoTerminal, got %v", err)
	}
}

func TestReconcileReadoptsHealthyAndMarksLostSessions(t *testing.T) {
	testlog.Start(t)
	manager, store, plane, _ := newTestManager(t)
	ctx := context.Background()

	healthy, _ := store.CreateSession(ctx, "healthy", nil)
	lost, _ := store.CreateSession(ctx, "lost", nil)
	for _, id := range []string{healthy.ID, lost.ID} {
		if err := store.SetSessionStatus(ctx, id, workspace.StatusActive, ""); err != nil {
			t.Fatalf("set active: %v", err)
		}
	}
	plane.Seed(unit.UnitName(healthy.ID), nil)
	plane.Seed("atelier-unit-orphan-session", nil)

	if err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, ok := manager.Handle(healthy.ID); !ok {
		t.Fatalf("healthy session not re-adopted")
	}
	got, _ := store.GetSession(ctx, healthy.ID)
	if got.Status != workspace.StatusActive {
		t.Fatalf("healthy session status=%s", got.Status)
	}

	got, _ = store.GetSession(ctx, lost.ID)
	if got.Status != workspace.StatusError {
		t.Fatalf("lost session status=%s", got.Status)
	}
	if _, ok := manager.Handle(lost.ID); ok {
		t.Fatalf("lost session should have no handle")
	}

	orphanDeleted := false
	for _, name := range plane.Deleted {
		if name == "atelier-unit-orphan-session" {
			orphanDeleted = true
		}
	}
	if !orphanDeleted {
		t.Fatalf("orphan unit not deleted: %v", plane.Deleted)
	}
}
