package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrOutsideRoot is returned for paths that resolve outside the workspace.
var ErrOutsideRoot = errors.New("path escapes workspace root")

type Workspace struct {
	Root string
}

type Entry struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir"`
	Extension string `json:"extension,omitempty"`
	Size      int64  `json:"size"`
}

// Open checks that root exists and is a directory.
func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}
	return &Workspace{Root: abs}, nil
}

func (w *Workspace) Name() string {
	return filepath.Base(w.Root)
}

// Resolve maps a workspace-relative path to an absolute one.
func (w *Workspace) Resolve(rel string) (string, error) {
	root := filepath.Clean(w.Root)
	full := filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	return full, nil
}

// List returns the entries of a directory, directories first, then by
// case-insensitive name.
func (w *Workspace) List(rel string) ([]Entry, error) {
	dir, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		full := filepath.Join(dir, item.Name())
		relPath, _ := filepath.Rel(w.Root, full)
		e := Entry{
			Name:  item.Name(),
			Path:  filepath.ToSlash(relPath),
			IsDir: item.IsDir(),
		}
		if !e.IsDir {
			e.Extension = strings.TrimPrefix(filepath.Ext(item.Name()), ".")
			if info, err := item.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

func (w *Workspace) Read(rel string) (string, error) {
	path, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write creates parent directories as needed.
func (w *Workspace) Write(rel, content string) error {
	path, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if path == filepath.Clean(w.Root) {
		return fmt.Errorf("cannot write to workspace root")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// StorageDir is where file-backed checkpoints for this workspace live.
func (w *Workspace) StorageDir() string {
	return filepath.Join(w.Root, ".tactus", "storage")
}
