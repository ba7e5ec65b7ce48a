package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TempArena owns a job's scratch directory and every temp path the stages
// register. Cleanup runs on all exit paths and is best-effort: a failed
// removal is reported but never fails the job.
type TempArena struct {
	mu    sync.Mutex
	root  string
	paths []string
}

// NewTempArena creates the scratch directory downloads/temp/<ts>_<label>.
func NewTempArena(downloadsDir, label string) (*TempArena, error) {
	root := filepath.Join(downloadsDir, "temp", fmt.Sprintf("%d_%s", time.Now().UnixNano(), label))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &TempArena{root: root}, nil
}

// Root returns the scratch directory.
func (a *TempArena) Root() string { return a.root }

// Dir creates and returns a named subdirectory of the arena.
func (a *TempArena) Dir(name string) (string, error) {
	dir := filepath.Join(a.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// Register adds a path outside the arena root to the cleanup set.
func (a *TempArena) Register(path string) {
	if path == "" {
		return
	}
	a.mu.Lock()
	a.paths = append(a.paths, path)
	a.mu.Unlock()
}

// Remove deletes one registered or arena-local path immediately, freeing disk
// before the job finishes.
func (a *TempArena) Remove(path string) {
	if path == "" {
		return
	}
	os.RemoveAll(path)
}

// Cleanup removes every registered path, the arena root, and any now-empty
// parent directories of registered paths.
func (a *TempArena) Cleanup() []error {
	a.mu.Lock()
	paths := append([]string(nil), a.paths...)
	a.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		// Prune empty parents left behind, stopping at the first non-empty.
		for dir := filepath.Dir(p); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			if err := os.Remove(dir); err != nil {
				break
			}
		}
	}
	if err := os.RemoveAll(a.root); err != nil {
		errs = append(errs, err)
	}
	return errs
}
