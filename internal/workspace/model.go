package workspace

import (
	"time"
)

// SessionStatus describes the lifecycle phase of one coding session.
type SessionStatus string

const (
	StatusCreated  SessionStatus = "created"
	StatusStarting SessionStatus = "starting"
	StatusActive   SessionStatus = "active"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// NodeKind discriminates file and folder rows in the workspace tree.
type NodeKind string

const (
	KindFile   NodeKind = "file"
	KindFolder NodeKind = "folder"
)

// Session is one user's logical coding workspace. The compute unit handle is
// not a column: it lives only in orchestrator memory and is reconstructed by
// reconciliation after a restart.
type Session struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id"`
	UserID        *string       `gorm:"size:36;index" json:"user_id,omitempty"`
	Name          string        `gorm:"size:128;not null" json:"name"`
	Status        SessionStatus `gorm:"size:16;not null;index" json:"status"`
	StatusMessage string        `gorm:"size:512" json:"status_message,omitempty"`
	LastActivity  time.Time     `gorm:"index" json:"last_activity"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	Nodes    []WorkspaceNode `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Commands []CommandRecord `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// WorkspaceNode is one file or folder row in a session's persisted tree.
// Parent is an id reference rather than a pointer so ancestor-cycle checks
// stay a bounded id traversal.
type WorkspaceNode struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	SessionID string   `gorm:"size:36;not null;index:idx_nodes_session_parent,priority:1" json:"session_id"`
	ParentID  *uint    `gorm:"index:idx_nodes_session_parent,priority:2" json:"parent_id,omitempty"`
	Name      string   `gorm:"size:255;not null" json:"name"`
	Kind      NodeKind `gorm:"size:8;not null" json:"kind"`
	// Content is populated for files only; folders keep it null.
	Content   *string   `json:"content,omitempty"`
	FullPath  string    `gorm:"size:4096;index" json:"full_path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommandRecord is one executed terminal command with captured output.
// Append-only: rows are never mutated after creation and are purged with
// their session.
type CommandRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:36;not null;index" json:"session_id"`
	Command   string    `gorm:"not null" json:"command"`
	Output    string    `json:"output"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

func (Session) TableName() string {
	return "sessions"
}

func (WorkspaceNode) TableName() string {
	return "workspace_nodes"
}

func (CommandRecord) TableName() string {
	return "command_records"
}

// IsFolder reports whether the node can hold children.
func (n WorkspaceNode) IsFolder() bool {
	return n.Kind == KindFolder
}
