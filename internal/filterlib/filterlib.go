// Package filterlib is the on-disk library of saved filter expressions
// (<store-root>/filters/<name>.json, spec.md §6), the store the DSL's
// "@name" references resolve from.
//
// All file access goes through the capability.FileSystem boundary so tests
// inject an in-memory fake and production wires the os-backed one.
package filterlib

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/internal/filter"
)

// Library reads and writes named filter expressions under root/filters.
type Library struct {
	fs   capability.FileSystem
	root string
}

// New builds a Library rooted at storeRoot.
func New(fs capability.FileSystem, storeRoot string) *Library {
	return &Library{fs: fs, root: storeRoot}
}

func (l *Library) dir() string { return filepath.Join(l.root, "filters") }

func (l *Library) pathFor(name string) string {
	return filepath.Join(l.dir(), name+".json")
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return &apperr.CliValidationError{
			Base:  apperr.Base{Op: "filterlib", Err: fmt.Errorf("invalid filter name %q", name)},
			Field: "name",
		}
	}
	return nil
}

// Save validates expr (it must compile) and writes it under name,
// overwriting any existing filter of that name.
func (l *Library) Save(name string, expr filter.Expr) error {
	if err := validName(name); err != nil {
		return err
	}
	if _, err := filter.Compile(expr); err != nil {
		return err
	}
	data, err := filter.ToJSON(expr)
	if err != nil {
		return &apperr.FilterLibraryError{Base: apperr.Base{Op: "filterlib.Save", Err: err}}
	}
	if err := l.fs.MkdirAll(l.dir(), 0o755); err != nil {
		return &apperr.FilterLibraryError{Base: apperr.Base{Op: "filterlib.Save", Err: err}}
	}
	if err := l.fs.WriteFile(l.pathFor(name), data, 0o644); err != nil {
		return &apperr.FilterLibraryError{Base: apperr.Base{Op: "filterlib.Save", Err: err}}
	}
	return nil
}

// Load reads the named filter back as an Expr. A missing file is a
// FilterNotFound; a present-but-malformed one is a FilterLibraryError.
func (l *Library) Load(name string) (filter.Expr, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	_, exists, err := l.fs.Stat(l.pathFor(name))
	if err != nil {
		return nil, &apperr.FilterLibraryError{Base: apperr.Base{Op: "filterlib.Load", Err: err}}
	}
	if !exists {
		return nil, &apperr.FilterNotFound{
			Base: apperr.Base{Op: "filterlib.Load", Err: fmt.Errorf("no saved filter named %q", name)},
			Name: name,
		}
	}
	data, err := l.fs.ReadFile(l.pathFor(name))
	if err != nil {
		return nil, &apperr.FilterLibraryError{Base: apperr.Base{Op: "filterlib.Load", Err: err}}
	}
	expr, err := filter.FromJSON(data)
	if err != nil {
		return nil, &apperr.FilterLibraryError{Base: apperr.Base{Op: "filterlib.Load", Err: err}}
	}
	return expr, nil
}

// List returns the names of every saved filter, sorted by the directory
// scan's order.
func (l *Library) List() ([]string, error) {
	entries, err := l.fs.ReadDir(l.dir())
	if err != nil {
		// An absent filters directory just means nothing has been saved.
		return nil, nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e, ".json") {
			names = append(names, strings.TrimSuffix(e, ".json"))
		}
	}
	return names, nil
}

// Delete removes the named filter.
func (l *Library) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	_, exists, err := l.fs.Stat(l.pathFor(name))
	if err != nil {
		return &apperr.FilterLibraryError{Base: apperr.Base{Op: "filterlib.Delete", Err: err}}
	}
	if !exists {
		return &apperr.FilterNotFound{
			Base: apperr.Base{Op: "filterlib.Delete", Err: fmt.Errorf("no saved filter named %q", name)},
			Name: name,
		}
	}
	if err := l.fs.Remove(l.pathFor(name)); err != nil {
		return &apperr.FilterLibraryError{Base: apperr.Base{Op: "filterlib.Delete", Err: err}}
	}
	return nil
}

// Resolver adapts the library to the DSL parser's NamedFilterResolver.
func (l *Library) Resolver() filter.NamedFilterResolver {
	return func(name string) (filter.Expr, error) { return l.Load(name) }
}
