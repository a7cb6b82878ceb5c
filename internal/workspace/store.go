package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound    = errors.New("workspace: session not found")
	ErrNodeNotFound       = errors.New("workspace: node not found")
	ErrInvalidNodeName    = errors.New("workspace: invalid node name")
	ErrParentNotFolder    = errors.New("workspace: parent is not a folder")
	ErrNodeExists         = errors.New("workspace: node already exists")
	ErrCycle              = errors.New("workspace: move would create a cycle")
	ErrNotAFile           = errors.New("workspace: node is not a file")
	ErrCrossSessionParent = errors.New("workspace: parent belongs to another session")
)

// Store is the relational persistence boundary for sessions, workspace
// trees, and command history. Every method is one short independently
// committed transaction scoped to a single session's rows.
type Store struct {
	db *gorm.DB
}

// Open migrates the schema on the given dialector and returns a ready store.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("workspace: open database: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &WorkspaceNode{}, &CommandRecord{}); err != nil {
		return nil, fmt.Errorf("workspace: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping verifies the database connection for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return fmt.Errorf("workspace: database handle: %w", err)
	}
	return db.PingContext(ctx)
}

// CreateSession inserts a new session in status created with an opaque
// non-sequential identifier.
func (s *Store) CreateSession(ctx context.Context, name string, userID *string) (Session, error) {
	sess := Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Name:         strings.TrimSpace(name),
		Status:       StatusCreated,
		LastActivity: time.Now().UTC(),
	}
	if sess.Name == "" {
		sess.Name = "untitled"
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return Session{}, fmt.Errorf("workspace: create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := s.db.WithContext(ctx).Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessionsInStatus returns sessions currently in any of the given states.
func (s *Store) ListSessionsInStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error) {
	var out []Session
	if err := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListIdleSessions returns active sessions whose last activity is at or
// before the cutoff.
func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]Session, error) {
	var out []Session
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_activity <= ?", StatusActive, cutoff).
		Order("last_activity").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, id string, status SessionStatus, message string) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"status":         status,
		"status_message": message,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// TouchSession records client activity without changing status.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Update("last_activity", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// DeleteSession removes the session and cascades to all of its workspace
// nodes and command records in one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&WorkspaceNode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&CommandRecord{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Session{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil
	})
}

// CreateNode inserts one file or folder under the given parent (nil parent
// means a tree root) and derives its full path from the ancestor chain.
func (s *Store) CreateNode(ctx context.Context, sessionID string, parentID *uint, name string, kind NodeKind, content *string) (WorkspaceNode, error) {
	if err := validateNodeName(name); err != nil {
		return WorkspaceNode{}, err
	}
	if kind == KindFolder {
		content = nil
	}

	var created WorkspaceNode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fullPath := name
		if parentID != nil {
			parent, err := nodeByID(tx, sessionID, *parentID)
			if errors.Is(err, ErrNodeNotFound) {
				var foreign WorkspaceNode
				if tx.First(&foreign, "id = ?", *parentID).Error == nil {
					return fmt.Errorf("%w: id=%d", ErrCrossSessionParent, *parentID)
				}
				return err
			}
			if err != nil {
				return err
			}
			if !parent.IsFolder() {
				return fmt.Errorf("%w: %s", ErrParentNotFolder, parent.FullPath)
			}
			fullPath = parent.FullPath + "/" + name
		}
		var count int64
		if err := tx.Model(&WorkspaceNode{}).
			Where("session_id = ? AND full_path = ?", sessionID, fullPath).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrNodeExists, fullPath)
		}
		created = WorkspaceNode{
			SessionID: sessionID,
			ParentID:  parentID,
			Name:      name,
			Kind:      kind,
			Content:   content,
			FullPath:  fullPath,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return WorkspaceNode{}, err
	}
	return created, nil
}

func (s *Store) GetNode(ctx context.Context, sessionID string, id uint) (WorkspaceNode, error) {
	return nodeByID(s.db.WithContext(ctx), sessionID, id)
}

func (s *Store) GetNodeByPath(ctx context.Context, sessionID, fullPath string) (WorkspaceNode, error) {
	var node WorkspaceNode
	err := s.db.WithContext(ctx).
		First(&node, "session_id = ? AND full_path = ?", sessionID, fullPath).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WorkspaceNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, fullPath)
	}
	if err != nil {
		return WorkspaceNode{}, err
	}
	return node, nil
}

// ListNodes returns every node of the session ordered by full path, which
// places every folder before all of its descendants.
func (s *Store) ListNodes(ctx context.Context, sessionID string) ([]WorkspaceNode, error) {
	var out []WorkspaceNode
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("full_path").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListChildren(ctx context.Context, sessionID string, parentID *uint) ([]WorkspaceNode, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	var out []WorkspaceNode
	if err := q.Order("full_path").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateNodeContent overwrites a file node's content and bumps its
// modification timestamp. Last write wins at the content level.
func (s *Store) UpdateNodeContent(ctx context.Context, sessionID string, id uint, content string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := nodeByID(tx, sessionID, id)
		if err != nil {
			return err
		}
		if node.IsFolder() {
			return fmt.Errorf("%w: %s", ErrNotAFile, node.FullPath)
		}
		return tx.Model(&WorkspaceNode{}).Where("id = ?", node.ID).Updates(map[string]any{
			"content":    content,
			"updated_at": time.Now().UTC(),
		}).Error
	})
}

// UpsertFileByPath records live filesystem content for one path, creating
// missing parent folders and the file row itself as needed. It reports
// whether a new file row was inserted.
func (s *Store) UpsertFileByPath(ctx context.Context, sessionID, fullPath, content string) (WorkspaceNode, bool, error) {
	var (
		node    WorkspaceNode
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		node, created, err = upsertFileLocked(tx, sessionID, fullPath, content)
		return err
	})
	if err != nil {
		return WorkspaceNode{}, false, err
	}
	return node, created, nil
}

// EnsureFolderByPath materializes folder rows for every segment of the path.
func (s *Store) EnsureFolderByPath(ctx context.Context, sessionID, fullPath string) (WorkspaceNode, error) {
	var node WorkspaceNode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		node, err = ensureFolderLocked(tx, sessionID, fullPath)
		return err
	})
	if err != nil {
		return WorkspaceNode{}, err
	}
	return node, nil
}

// MoveNode reparents and/or renames a node, recomputing full_path for the
// node and every descendant, then invokes apply with the old and new paths.
// The relational update and apply form one logical operation: an apply error
// rolls the relational change back.
func (s *Store) MoveNode(ctx context.Context, sessionID string, id uint, newParentID *uint, newName string, apply func(oldPath, newPath string) error) (WorkspaceNode, error) {
	if err := validateNodeName(newName); err != nil {
		return WorkspaceNode{}, err
	}
	var moved WorkspaceNode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := nodeByID(tx, sessionID, id)
		if err != nil {
			return err
		}
		oldPath := node.FullPath

		newPath := newName
		if newParentID != nil {
			if *newParentID == node.ID {
				return fmt.Errorf("%w: %s", ErrCycle, oldPath)
			}
			parent, err := nodeByID(tx, sessionID, *newParentID)
			if err != nil {
				return err
			}
			if !parent.IsFolder() {
				return fmt.Errorf("%w: %s", ErrParentNotFolder, parent.FullPath)
			}
			if err := checkNoCycle(tx, sessionID, node.ID, parent); err != nil {
				return err
			}
			newPath = parent.FullPath + "/" + newName
		}
		if newPath == oldPath {
			moved = node
			return nil
		}

		var count int64
		if err := tx.Model(&WorkspaceNode{}).
			Where("session_id = ? AND full_path = ? AND id <> ?", sessionID, newPath, node.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrNodeExists, newPath)
		}

		if err := tx.Model(&WorkspaceNode{}).Where("id = ?", node.ID).Updates(map[string]any{
			"parent_id":  newParentID,
			"name":       newName,
			"full_path":  newPath,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		if node.IsFolder() {
			if err := rewriteSubtreePaths(tx, sessionID, node.ID, newPath); err != nil {
				return err
			}
		}
		if apply != nil {
			if err := apply(oldPath, newPath); err != nil {
				return err
			}
		}
		moved, err = nodeByID(tx, sessionID, node.ID)
		return err
	})
	if err != nil {
		return WorkspaceNode{}, err
	}
	return moved, nil
}

// DeleteNode removes one node and, for folders, every descendant. Deletion
// is only ever explicit: syncs never call this. apply receives the deleted
// root path before commit so the live filesystem removal and the relational
// delete succeed or fail together.
func (s *Store) DeleteNode(ctx context.Context, sessionID string, id uint, apply func(path string) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := nodeByID(tx, sessionID, id)
		if err != nil {
			return err
		}
		ids := []uint{node.ID}
		if node.IsFolder() {
			subtree, err := collectSubtreeIDs(tx, sessionID, node.ID)
			if err != nil {
				return err
			}
			ids = append(ids, subtree...)
		}
		if err := tx.Where("session_id = ? AND id IN ?", sessionID, ids).
			Delete(&WorkspaceNode{}).Error; err != nil {
			return err
		}
		if apply != nil {
			return apply(node.FullPath)
		}
		return nil
	})
}

// AppendCommand records one executed terminal command. Records are never
// updated afterwards.
func (s *Store) AppendCommand(ctx context.Context, sessionID, command, output string, success bool) (CommandRecord, error) {
	rec := CommandRecord{
		SessionID: sessionID,
		Command:   command,
		Output:    output,
		Success:   success,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return CommandRecord{}, fmt.Errorf("workspace: append command: %w", err)
	}
	return rec, nil
}

// ListCommands returns up to limit most recent command records in execution
// order. limit <= 0 returns the full history.
func (s *Store) ListCommands(ctx context.Context, sessionID string, limit int) ([]CommandRecord, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []CommandRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nodeByID(tx *gorm.DB, sessionID string, id uint) (WorkspaceNode, error) {
	var node WorkspaceNode
	err := tx.First(&node, "session_id = ? AND id = ?", sessionID, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WorkspaceNode{}, fmt.Errorf("%w: id=%d", ErrNodeNotFound, id)
	}
	if err != nil {
		return WorkspaceNode{}, err
	}
	return node, nil
}

// checkNoCycle walks the candidate parent's ancestor chain by id and rejects
// the move when it passes through the node being moved.
func checkNoCycle(tx *gorm.DB, sessionID string, movingID uint, parent WorkspaceNode) error {
	current := parent
	for {
		if current.ID == movingID {
			return fmt.Errorf("%w: id=%d", ErrCycle, movingID)
		}
		if current.ParentID == nil {
			return nil
		}
		next, err := nodeByID(tx, sessionID, *current.ParentID)
		if err != nil {
			return err
		}
		current = next
	}
}

// rewriteSubtreePaths recomputes full_path for every descendant of a moved
// folder, walking by parent id so renames of intermediate folders compound
// correctly.
func rewriteSubtreePaths(tx *gorm.DB, sessionID string, folderID uint, folderPath string) error {
	var children []WorkspaceNode
	if err := tx.Where("session_id = ? AND parent_id = ?", sessionID, folderID).
		Find(&children).Error; err != nil {
		return err
	}
	for _, child := range children {
		childPath := folderPath + "/" + child.Name
		if err := tx.Model(&WorkspaceNode{}).Where("id = ?", child.ID).
			Update("full_path", childPath).Error; err != nil {
			return err
		}
		if child.IsFolder() {
			if err := rewriteSubtreePaths(tx, sessionID, child.ID, childPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectSubtreeIDs(tx *gorm.DB, sessionID string, folderID uint) ([]uint, error) {
	var children []WorkspaceNode
	if err := tx.Where("session_id = ? AND parent_id = ?", sessionID, folderID).
		Find(&children).Error; err != nil {
		return nil, err
	}
	var out []uint
	for _, child := range children {
		out = append(out, child.ID)
		if child.IsFolder() {
			sub, err := collectSubtreeIDs(tx, sessionID, child.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	}
	return out, nil
}

func ensureFolderLocked(tx *gorm.DB, sessionID, fullPath string) (WorkspaceNode, error) {
	segments, err := splitPath(fullPath)
	if err != nil {
		return WorkspaceNode{}, err
	}
	var (
		parentID *uint
		node     WorkspaceNode
		prefix   string
	)
	for _, segment := range segments {
		if prefix == "" {
			prefix = segment
		} else {
			prefix = prefix + "/" + segment
		}
		var existing WorkspaceNode
		err := tx.First(&existing, "session_id = ? AND full_path = ?", sessionID, prefix).Error
		switch {
		case err == nil:
			if !existing.IsFolder() {
				return WorkspaceNode{}, fmt.Errorf("%w: %s", ErrParentNotFolder, prefix)
			}
			node = existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			node = WorkspaceNode{
				SessionID: sessionID,
				ParentID:  parentID,
				Name:      segment,
				Kind:      KindFolder,
				FullPath:  prefix,
			}
			if err := tx.Create(&node).Error; err != nil {
				return WorkspaceNode{}, err
			}
		default:
			return WorkspaceNode{}, err
		}
		id := node.ID
		parentID = &id
	}
	return node, nil
}

func upsertFileLocked(tx *gorm.DB, sessionID, fullPath, content string) (WorkspaceNode, bool, error) {
	segments, err := splitPath(fullPath)
	if err != nil {
		return WorkspaceNode{}, false, err
	}

	var existing WorkspaceNode
	err = tx.First(&existing, "session_id = ? AND full_path = ?", sessionID, fullPath).Error
	if err == nil {
		if existing.IsFolder() {
			return WorkspaceNode{}, false, fmt.Errorf("%w: %s", ErrNotAFile, fullPath)
		}
		err = tx.Model(&WorkspaceNode{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"content":    content,
			"updated_at": time.Now().UTC(),
		}).Error
		if err != nil {
			return WorkspaceNode{}, false, err
		}
		existing.Content = &content
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return WorkspaceNode{}, false, err
	}

	var parentID *uint
	if len(segments) > 1 {
		folder, err := ensureFolderLocked(tx, sessionID, strings.Join(segments[:len(segments)-1], "/"))
		if err != nil {
			return WorkspaceNode{}, false, err
		}
		id := folder.ID
		parentID = &id
	}
	node := WorkspaceNode{
		SessionID: sessionID,
		ParentID:  parentID,
		Name:      segments[len(segments)-1],
		Kind:      KindFile,
		Content:   &content,
		FullPath:  fullPath,
	}
	if err := tx.Create(&node).Error; err != nil {
		return WorkspaceNode{}, false, err
	}
	return node, true, nil
}

func validateNodeName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidNodeName, name)
	}
	return nil
}

func splitPath(fullPath string) ([]string, error) {
	trimmed := strings.Trim(strings.TrimSpace(fullPath), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidNodeName)
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if err := validateNodeName(segment); err != nil {
			return nil, err
		}
	}
	return segments, nil
}
