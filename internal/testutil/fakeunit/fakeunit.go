// Package fakeunit is an in-memory control plane for tests: units are map
// entries, filesystems are path-keyed byte maps, and shell helpers such as
// mkdir/mv/rm are interpreted directly against them.
package fakeunit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/atelier-dev/atelier/internal/unit"
)

// Unit is one fake compute unit with a flat path-keyed filesystem.
type Unit struct {
	Spec   unit.Spec
	Status unit.Status
	Files  map[string][]byte
	Dirs   map[string]bool
}

// Plane implements unit.ControlPlane in memory. Hooks override individual
// operations for failure injection; nil hooks fall through to the default
// behavior.
type Plane struct {
	mu    sync.Mutex
	units map[string]*Unit

	// StatusSequence, when non-empty for a unit name, is consumed one
	// status per UnitStatus call before falling back to the stored status.
	StatusSequence map[string][]unit.Status

	CreateErr error
	DeleteErr error
	ExecHook  func(name, command string) (string, int, error)
	ReadErr   map[string]error
	WriteErr  map[string]error

	ExecLog   []string
	Deleted   []string
	CreateCnt int
}

func New() *Plane {
	return &Plane{
		units:          make(map[string]*Unit),
		StatusSequence: make(map[string][]unit.Status),
		ReadErr:        make(map[string]error),
		WriteErr:       make(map[string]error),
	}
}

// Seed installs a ready unit with the given files.
func (p *Plane) Seed(name string, files map[string]string) *Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := &Unit{
		Status: unit.StatusReady,
		Files:  make(map[string][]byte),
		Dirs:   make(map[string]bool),
	}
	for path, content := range files {
		u.Files[path] = []byte(content)
	}
	p.units[name] = u
	return u
}

// Get returns the named unit for assertions.
func (p *Plane) Get(name string) (*Unit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.units[name]
	return u, ok
}

func (p *Plane) CreateUnit(_ context.Context, name string, spec unit.Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCnt++
	if p.CreateErr != nil {
		return p.CreateErr
	}
	if _, ok := p.units[name]; ok {
		return nil
	}
	p.units[name] = &Unit{
		Spec:   spec,
		Status: unit.StatusReady,
		Files:  make(map[string][]byte),
		Dirs:   make(map[string]bool),
	}
	return nil
}

func (p *Plane) DeleteUnit(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Deleted = append(p.Deleted, name)
	if p.DeleteErr != nil {
		return p.DeleteErr
	}
	delete(p.units, name)
	return nil
}

func (p *Plane) UnitStatus(_ context.Context, name string) (unit.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq := p.StatusSequence[name]; len(seq) > 0 {
		next := seq[0]
		p.StatusSequence[name] = seq[1:]
		return next, nil
	}
	u, ok := p.units[name]
	if !ok {
		return unit.StatusAbsent, nil
	}
	return u.Status, nil
}

func (p *Plane) ListUnits(_ context.Context, prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.units))
	for name := range p.units {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exec interprets the sync engine's shell helpers (mkdir/mv/rm) against the
// unit's file map; any other command goes through ExecHook or echoes.
func (p *Plane) Exec(_ context.Context, name, command string) (unit.ExecStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExecLog = append(p.ExecLog, command)
	u, ok := p.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", unit.ErrUnitNotFound, name)
	}

	if out, code, handled := p.runBuiltin(u, command); handled {
		return newExecStream(out, code), nil
	}
	if p.ExecHook != nil {
		out, code, err := p.ExecHook(name, command)
		if err != nil {
			return nil, err
		}
		return newExecStream(out, code), nil
	}
	return newExecStream(command+"\n", 0), nil
}

func (p *Plane) ReadFile(_ context.Context, name, path string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ReadErr[path]; err != nil {
		return nil, err
	}
	u, ok := p.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", unit.ErrUnitNotFound, name)
	}
	data, ok := u.Files[path]
	if !ok {
		return nil, fmt.Errorf("fakeunit: no such file: %s", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (p *Plane) WriteFile(_ context.Context, name, path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.WriteErr[path]; err != nil {
		return err
	}
	u, ok := p.units[name]
	if !ok {
		return fmt.Errorf("%w: %s", unit.ErrUnitNotFound, name)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	u.Files[path] = buf
	return nil
}

func (p *Plane) ListFiles(_ context.Context, name, path string) ([]unit.FileEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", unit.ErrUnitNotFound, name)
	}
	prefix := strings.TrimSuffix(path, "/")
	entries := make([]unit.FileEntry, 0, len(u.Files)+len(u.Dirs))
	for dir := range u.Dirs {
		if prefix == "" || dir == prefix || strings.HasPrefix(dir, prefix+"/") {
			entries = append(entries, unit.FileEntry{Path: dir, Dir: true})
		}
	}
	for file := range u.Files {
		if prefix == "" || strings.HasPrefix(file, prefix+"/") || file == prefix {
			entries = append(entries, unit.FileEntry{Path: file, Dir: false})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (p *Plane) runBuiltin(u *Unit, command string) (string, int, bool) {
	switch {
	case strings.HasPrefix(command, "mkdir -p -- "):
		dir := unquote(strings.TrimPrefix(command, "mkdir -p -- "))
		for d := dir; d != "" && d != "." && d != "/"; d = parentOf(d) {
			u.Dirs[d] = true
		}
		return "", 0, true

	case strings.HasPrefix(command, "mv -- "):
		rest := strings.TrimPrefix(command, "mv -- ")
		oldPath, newPath, ok := splitTwoQuoted(rest)
		if !ok {
			return "mv: bad arguments\n", 1, true
		}
		moved := false
		if data, ok := u.Files[oldPath]; ok {
			delete(u.Files, oldPath)
			u.Files[newPath] = data
			moved = true
		}
		for file, data := range u.Files {
			if strings.HasPrefix(file, oldPath+"/") {
				delete(u.Files, file)
				u.Files[newPath+strings.TrimPrefix(file, oldPath)] = data
				moved = true
			}
		}
		for dir := range u.Dirs {
			if dir == oldPath || strings.HasPrefix(dir, oldPath+"/") {
				delete(u.Dirs, dir)
				u.Dirs[newPath+strings.TrimPrefix(dir, oldPath)] = true
				moved = true
			}
		}
		if !moved {
			return "mv: no such file or directory\n", 1, true
		}
		return "", 0, true

	case strings.HasPrefix(command, "rm -rf -- "):
		target := unquote(strings.TrimPrefix(command, "rm -rf -- "))
		delete(u.Files, target)
		delete(u.Dirs, target)
		for file := range u.Files {
			if strings.HasPrefix(file, target+"/") {
				delete(u.Files, file)
			}
		}
		for dir := range u.Dirs {
			if strings.HasPrefix(dir, target+"/") {
				delete(u.Dirs, dir)
			}
		}
		return "", 0, true
	}
	return "", 0, false
}

func parentOf(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, `'\''`, "'")
}

func splitTwoQuoted(s string) (string, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), "' '", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return unquote(parts[0] + "'"), unquote("'" + parts[1]), true
}

type execStream struct {
	r    *bytes.Reader
	code int
	done bool
}

func newExecStream(output string, code int) *execStream {
	return &execStream{r: bytes.NewReader([]byte(output)), code: code}
}

func (s *execStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.done = true
	}
	return n, err
}

func (s *execStream) Close() error { return nil }

func (s *execStream) ExitCode() int {
	if !s.done {
		return -1
	}
	return s.code
}
