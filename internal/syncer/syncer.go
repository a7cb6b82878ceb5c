package syncer

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/atelier/internal/observability"
	"github.com/atelier-dev/atelier/internal/unit"
	"github.com/atelier-dev/atelier/internal/workspace"
)

// Config bounds individual sync operations against the compute unit.
type Config struct {
	OpTimeout time.Duration
	// MaxCaptureBytes bounds command output read while running helper
	// commands inside the unit.
	MaxCaptureBytes int64
}

func DefaultConfig() Config {
	return Config{
		OpTimeout:       10 * time.Second,
		MaxCaptureBytes: 64 * 1024,
	}
}

// FailedPath records one node that could not be synchronized.
type FailedPath struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Report summarizes one push or pull. A report with failed paths is a
// partial success, not an error: a single corrupt node must not block the
// rest of the workspace.
type Report struct {
	Direction string       `json:"direction"`
	Synced    int          `json:"synced"`
	Failed    []FailedPath `json:"failed,omitempty"`
}

// Partial reports whether any path failed.
func (r Report) Partial() bool {
	return len(r.Failed) > 0
}

// Engine reconciles the persisted workspace tree with the live filesystem
// inside a session's compute unit.
type Engine struct {
	store *workspace.Store
	plane unit.ControlPlane
	cfg   Config
}

func NewEngine(store *workspace.Store, plane unit.ControlPlane, cfg Config) *Engine {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	if cfg.MaxCaptureBytes <= 0 {
		cfg.MaxCaptureBytes = DefaultConfig().MaxCaptureBytes
	}
	return &Engine{store: store, plane: plane, cfg: cfg}
}

// Push materializes the session's stored tree inside the unit, depth first:
// listing order guarantees every folder exists before its children. Node
// failures are collected and skipped, never fatal to the walk.
func (e *Engine) Push(ctx context.Context, sessionID, unitName string) (Report, error) {
	nodes, err := e.store.ListNodes(ctx, sessionID)
	if err != nil {
		return Report{}, fmt.Errorf("syncer: list tree for push: %w", err)
	}

	report := Report{Direction: "push"}
	for _, node := range nodes {
		opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
		err := e.pushNode(opCtx, unitName, node)
		cancel()
		if err != nil {
			observability.RecordSyncNode("push", "failed")
			report.Failed = append(report.Failed, FailedPath{Path: node.FullPath, Error: err.Error()})
			log.Warn().
				Str("session_id", sessionID).
				Str("path", node.FullPath).
				Err(err).
				Msg("sync_push_node_failed")
			continue
		}
		observability.RecordSyncNode("push", "ok")
		report.Synced++
	}
	return report, nil
}

func (e *Engine) pushNode(ctx context.Context, unitName string, node workspace.WorkspaceNode) error {
	if node.IsFolder() {
		return e.runCommand(ctx, unitName, "mkdir -p -- "+shellQuote(node.FullPath))
	}
	content := ""
	if node.Content != nil {
		content = *node.Content
	}
	return e.plane.WriteFile(ctx, unitName, node.FullPath, []byte(content))
}

// Pull records live filesystem content back into the stored tree. With no
// explicit paths it walks the unit's full listing. Live paths missing from
// the store are inserted; stored paths missing live are left untouched,
// deletes are never inferred from a sync.
func (e *Engine) Pull(ctx context.Context, sessionID, unitName string, paths ...string) (Report, error) {
	report := Report{Direction: "pull"}

	if len(paths) == 0 {
		listCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
		entries, err := e.plane.ListFiles(listCtx, unitName, "")
		cancel()
		if err != nil {
			return Report{}, fmt.Errorf("syncer: list live tree: %w", err)
		}
		for _, entry := range entries {
			if entry.Dir {
				e.pullFolder(ctx, sessionID, entry.Path, &report)
				continue
			}
			paths = append(paths, entry.Path)
		}
	}

	for _, p := range paths {
		opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
		err := e.pullFile(opCtx, sessionID, unitName, p)
		cancel()
		if err != nil {
			observability.RecordSyncNode("pull", "failed")
			report.Failed = append(report.Failed, FailedPath{Path: p, Error: err.Error()})
			log.Warn().
				Str("session_id", sessionID).
				Str("path", p).
				Err(err).
				Msg("sync_pull_node_failed")
			continue
		}
		observability.RecordSyncNode("pull", "ok")
		report.Synced++
	}
	return report, nil
}

func (e *Engine) pullFolder(ctx context.Context, sessionID, p string, report *Report) {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()
	if _, err := e.store.EnsureFolderByPath(opCtx, sessionID, p); err != nil {
		observability.RecordSyncNode("pull", "failed")
		report.Failed = append(report.Failed, FailedPath{Path: p, Error: err.Error()})
		return
	}
	observability.RecordSyncNode("pull", "ok")
	report.Synced++
}

func (e *Engine) pullFile(ctx context.Context, sessionID, unitName, p string) error {
	data, err := e.plane.ReadFile(ctx, unitName, p)
	if err != nil {
		return err
	}
	_, _, err = e.store.UpsertFileByPath(ctx, sessionID, p, string(data))
	return err
}

// Move reparents/renames a node in the store and mirrors the move on the
// live filesystem as one logical operation: a failed filesystem move rolls
// the relational change back.
func (e *Engine) Move(ctx context.Context, sessionID, unitName string, nodeID uint, newParentID *uint, newName string) (workspace.WorkspaceNode, error) {
	return e.store.MoveNode(ctx, sessionID, nodeID, newParentID, newName, func(oldPath, newPath string) error {
		opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
		defer cancel()
		if dir := path.Dir(newPath); dir != "." && dir != "/" {
			if err := e.runCommand(opCtx, unitName, "mkdir -p -- "+shellQuote(dir)); err != nil {
				return err
			}
		}
		return e.runCommand(opCtx, unitName, "mv -- "+shellQuote(oldPath)+" "+shellQuote(newPath))
	})
}

// Create inserts a node in the store and mirrors it on the live
// filesystem; a failed filesystem transfer leaves the relational node in
// place for the next push to retry.
func (e *Engine) Create(ctx context.Context, sessionID, unitName string, parentID *uint, name string, kind workspace.NodeKind, content *string) (workspace.WorkspaceNode, error) {
	node, err := e.store.CreateNode(ctx, sessionID, parentID, name, kind, content)
	if err != nil {
		return workspace.WorkspaceNode{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()
	if err := e.pushNode(opCtx, unitName, node); err != nil {
		observability.RecordSyncNode("push", "failed")
		log.Warn().
			Str("session_id", sessionID).
			Str("path", node.FullPath).
			Err(err).
			Msg("node_mirror_failed")
	}
	return node, nil
}

// Remove deletes a subtree in the store and mirrors the removal on the
// live filesystem; a failed removal rolls the relational delete back.
func (e *Engine) Remove(ctx context.Context, sessionID, unitName string, nodeID uint) error {
	return e.store.DeleteNode(ctx, sessionID, nodeID, func(p string) error {
		opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
		defer cancel()
		return e.runCommand(opCtx, unitName, "rm -rf -- "+shellQuote(p))
	})
}

// WriteContent updates a file node's content and mirrors it into the unit.
func (e *Engine) WriteContent(ctx context.Context, sessionID, unitName string, nodeID uint, content string) (workspace.WorkspaceNode, error) {
	if err := e.store.UpdateNodeContent(ctx, sessionID, nodeID, content); err != nil {
		return workspace.WorkspaceNode{}, err
	}
	node, err := e.store.GetNode(ctx, sessionID, nodeID)
	if err != nil {
		return workspace.WorkspaceNode{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()
	if err := e.plane.WriteFile(opCtx, unitName, node.FullPath, []byte(content)); err != nil {
		observability.RecordSyncNode("push", "failed")
		log.Warn().
			Str("session_id", sessionID).
			Str("path", node.FullPath).
			Err(err).
			Msg("node_mirror_failed")
	}
	return node, nil
}

// runCommand executes one helper command inside the unit and fails on a
// non-zero exit.
func (e *Engine) runCommand(ctx context.Context, unitName, command string) error {
	execStream, err := e.plane.Exec(ctx, unitName, command)
	if err != nil {
		return err
	}
	defer execStream.Close()
	output, err := io.ReadAll(io.LimitReader(execStream, e.cfg.MaxCaptureBytes))
	if err != nil {
		return fmt.Errorf("syncer: read command output: %w", err)
	}
	// Drain past the capture limit so the exit code trailer is reached.
	if _, err := io.Copy(io.Discard, execStream); err != nil {
		return fmt.Errorf("syncer: drain command output: %w", err)
	}
	if code := execStream.ExitCode(); code != 0 {
		return fmt.Errorf("syncer: command %q exited %d: %s", command, code, strings.TrimSpace(string(output)))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
