package unit

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	ErrUnitUnreachable = errors.New("unit: control plane unreachable")
	ErrUnitNotFound    = errors.New("unit: unit not found")
	ErrInvalidUnitName = errors.New("unit: invalid unit name")
)

// Status is the control-plane view of one compute unit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusUnhealthy Status = "unhealthy"
	StatusAbsent    Status = "absent"
)

// Spec describes the unit to provision for a session.
type Spec struct {
	Image     string            `json:"image"`
	CPULimit  string            `json:"cpu_limit,omitempty"`
	MemLimit  string            `json:"mem_limit,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	WorkDir   string            `json:"work_dir,omitempty"`
	EnvVars   map[string]string `json:"env_vars,omitempty"`
	ShellPath string            `json:"shell_path,omitempty"`
}

// FileEntry is one path in a unit's live filesystem listing. Paths are
// relative to the unit workspace root and listings are recursive.
type FileEntry struct {
	Path string `json:"path"`
	Dir  bool   `json:"dir"`
}

// ExecStream is a live command output stream. Combined stdout/stderr chunks
// arrive in the order the process produced them; ExitCode is valid once Read
// has returned io.EOF.
type ExecStream interface {
	io.ReadCloser
	ExitCode() int
}

// ControlPlane is the scriptable boundary of the surrounding container
// orchestration layer: create/delete/inspect compute units by name, run
// commands inside them, and touch their filesystems.
type ControlPlane interface {
	CreateUnit(ctx context.Context, name string, spec Spec) error
	DeleteUnit(ctx context.Context, name string) error
	UnitStatus(ctx context.Context, name string) (Status, error)
	// ListUnits returns names of existing units matching the prefix, used by
	// reconciliation after an orchestrator restart.
	ListUnits(ctx context.Context, prefix string) ([]string, error)
	// Exec runs one command in the unit's shell and streams its output.
	Exec(ctx context.Context, name, command string) (ExecStream, error)
	ReadFile(ctx context.Context, name, path string) ([]byte, error)
	WriteFile(ctx context.Context, name, path string, data []byte) error
	ListFiles(ctx context.Context, name, path string) ([]FileEntry, error)
}

// NamePrefix is the deterministic naming convention binding compute units to
// sessions; reconciliation matches units back to sessions by it.
const NamePrefix = "atelier-unit-"

// UnitName derives the deterministic compute unit name for a session.
func UnitName(sessionID string) string {
	return NamePrefix + strings.TrimSpace(sessionID)
}

// SessionIDFromUnitName inverts UnitName; ok is false for foreign units.
func SessionIDFromUnitName(name string) (string, bool) {
	if !strings.HasPrefix(name, NamePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, NamePrefix)
	if strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}

// Handle is the live, never-persisted binding of one session to its unit.
type Handle struct {
	SessionID string
	UnitName  string
	Ready     bool
}
