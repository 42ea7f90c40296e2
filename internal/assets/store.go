// Package assets provides the in-memory store that holds every
// compilation's emitted output.
//
// The store is a thin façade over an afero MemMapFs. Content lives under
// per-compilation namespaces of the form <id>/dist/<asset>, so distinct
// compilations can never observe each other's output. Nothing is ever
// written to real disk.
package assets

import (
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Store is an in-memory byte store with path semantics, shared by all
// compilations but partitioned by ID-prefixed namespaces.
type Store struct {
	fs afero.Fs
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{fs: afero.NewMemMapFs()}
}

// AssetPath resolves an asset name inside a compilation's namespace.
// The second return value is false when the asset path would escape the
// namespace (absolute paths, "..", or an empty result).
func AssetPath(id, asset string) (string, bool) {
	if id == "" || asset == "" {
		return "", false
	}

	// Parent references are rejected outright rather than cleaned away,
	// so a traversal attempt is visible as a miss instead of silently
	// resolving inside the namespace.
	for _, seg := range strings.Split(asset, "/") {
		if seg == ".." {
			return "", false
		}
	}

	cleaned := path.Clean("/" + asset)
	if cleaned == "/" {
		return "", false
	}

	return id + "/dist" + cleaned, true
}

// WriteFile stores data at the given namespaced path, creating parent
// directories as needed and replacing any previous content.
func (s *Store) WriteFile(name string, data []byte) error {
	if dir := path.Dir(name); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return afero.WriteFile(s.fs, name, data, 0o644)
}

// Open returns a streaming reader for the given namespaced path.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	return s.fs.Open(name)
}

// ReadFile reads a stored blob in full.
func (s *Store) ReadFile(name string) ([]byte, error) {
	return afero.ReadFile(s.fs, name)
}

// Exists reports whether a file is present at the given path.
func (s *Store) Exists(name string) bool {
	ok, err := afero.Exists(s.fs, name)
	return err == nil && ok
}

// RemoveAll drops an entire namespace, typically on compilation disposal.
func (s *Store) RemoveAll(prefix string) error {
	return s.fs.RemoveAll(prefix)
}
