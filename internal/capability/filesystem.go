package capability

import (
	"fmt"
	"os"
	"path/filepath"
)

// OsFileSystem is the production FileSystem backed by the os package.
type OsFileSystem struct{}

func (OsFileSystem) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OsFileSystem) WriteFile(path string, data []byte, perm uint32) error {
	return os.WriteFile(path, data, os.FileMode(perm))
}

func (OsFileSystem) MkdirAll(path string, perm uint32) error {
	return os.MkdirAll(path, os.FileMode(perm))
}

func (OsFileSystem) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (OsFileSystem) Remove(path string) error    { return os.Remove(path) }
func (OsFileSystem) RemoveAll(path string) error { return os.RemoveAll(path) }

func (OsFileSystem) Stat(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.Size(), true, nil
}

// MemFileSystem is an in-memory FileSystem fake for tests.
type MemFileSystem struct {
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemFileSystem returns an empty MemFileSystem.
func NewMemFileSystem() *MemFileSystem {
	return &MemFileSystem{files: map[string][]byte{}, dirs: map[string]bool{"": true}}
}

func (m *MemFileSystem) ReadFile(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("capability: %s: no such file", path)
	}
	return data, nil
}

func (m *MemFileSystem) WriteFile(path string, data []byte, _ uint32) error {
	m.dirs[filepath.Dir(path)] = true
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[path] = cp
	return nil
}

func (m *MemFileSystem) MkdirAll(path string, _ uint32) error {
	m.dirs[path] = true
	return nil
}

func (m *MemFileSystem) ReadDir(path string) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for f := range m.files {
		if filepath.Dir(f) == path {
			base := filepath.Base(f)
			if !seen[base] {
				seen[base] = true
				names = append(names, base)
			}
		}
	}
	return names, nil
}

func (m *MemFileSystem) Remove(path string) error {
	delete(m.files, path)
	return nil
}

func (m *MemFileSystem) RemoveAll(path string) error {
	for f := range m.files {
		if f == path || filepathHasPrefix(f, path) {
			delete(m.files, f)
		}
	}
	delete(m.dirs, path)
	return nil
}

func (m *MemFileSystem) Stat(path string) (int64, bool, error) {
	if data, ok := m.files[path]; ok {
		return int64(len(data)), true, nil
	}
	if m.dirs[path] {
		return 0, true, nil
	}
	return 0, false, nil
}

func filepathHasPrefix(path, prefix string) bool {
	if len(path) <= len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix && path[len(prefix)] == filepath.Separator
}
