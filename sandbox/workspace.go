// Package sandbox provides code execution for the pipeline's EXECUTION state:
// a per-principal persistent workspace with fixed subdirectories, plus a
// process runtime supporting an isolated short-timeout mode and a persistent
// workspace mode.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// Fixed workspace subdirectories.
const (
	DirScripts   = "scripts"
	DirDownloads = "downloads"
	DirData      = "data"
	DirLogs      = "logs"
)

var workspaceDirs = []string{DirScripts, DirDownloads, DirData, DirLogs}

// Workspace is the persistent per-principal execution directory. It is never
// auto-deleted; removal is an external admin operation.
//
// A workspace is exclusively owned by one principal. Concurrent requests from
// the same principal serialize through Acquire/Release: an in-process mutex
// plus a flock lock file covering other processes.
type Workspace struct {
	Principal string
	Dir       string

	mu   sync.Mutex
	lock *flock.Flock
}

// Acquire takes exclusive ownership of the workspace, blocking until
// available.
func (w *Workspace) Acquire() error {
	w.mu.Lock()
	if err := w.lock.Lock(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("acquire workspace lock for %s: %w", w.Principal, err)
	}
	return nil
}

// Release gives up ownership taken by Acquire.
func (w *Workspace) Release() error {
	err := w.lock.Unlock()
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("release workspace lock for %s: %w", w.Principal, err)
	}
	return nil
}

// Path resolves a workspace-relative name, rejecting escapes.
func (w *Workspace) Path(rel string) (string, error) {
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return filepath.Join(w.Dir, cleaned), nil
}

// WriteFile writes a workspace file atomically via a temp file and rename, so
// readers never observe partial writes.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	path, err := w.Path(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	tmp = nil
	return nil
}

// ReadFile reads a workspace file.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	path, err := w.Path(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// ListFiles lists file names under a workspace subdirectory, sorted. A
// missing subdirectory lists as empty.
func (w *Workspace) ListFiles(subdir string) ([]string, error) {
	path, err := w.Path(subdir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// WorkspaceManager creates workspaces lazily on first use per principal.
type WorkspaceManager struct {
	root string

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// NewWorkspaceManager roots workspaces under dir.
func NewWorkspaceManager(root string) *WorkspaceManager {
	return &WorkspaceManager{root: root, workspaces: make(map[string]*Workspace)}
}

// Get returns the workspace for principal, creating its directory layout on
// first use.
func (m *WorkspaceManager) Get(principal string) (*Workspace, error) {
	if principal == "" {
		return nil, fmt.Errorf("empty principal")
	}
	if strings.ContainsAny(principal, "/\\") {
		return nil, fmt.Errorf("invalid principal %q", principal)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[principal]; ok {
		return ws, nil
	}

	dir := filepath.Join(m.root, principal)
	for _, sub := range workspaceDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace for %s: %w", principal, err)
		}
	}
	ws := &Workspace{
		Principal: principal,
		Dir:       dir,
		lock:      flock.New(filepath.Join(dir, ".lock")),
	}
	m.workspaces[principal] = ws
	return ws, nil
}
