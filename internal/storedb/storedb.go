// Package storedb owns the lifecycle of each store's on-disk SQLite
// database: opening, pragma tuning, forward-only migration and the
// process-wide handle cache every other engine package looks up by
// store name.
//
// Grounded on kubekattle-ktl's internal/stack/state_sqlite.go
// (openStackStateStore/initSchema/pragma set) and go-crablet's
// validateEventsTableExists assertion pattern for schema readiness.
package storedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/pkg/primitives"
)

// DB wraps one store's *sql.DB handle along with its on-disk path.
type DB struct {
	Conn *sql.DB
	Path string
}

// Registry is the process-wide cache of open store handles, keyed by
// store name, lazily populated. One Registry is shared by every engine
// (eventlog, index, committer, derive, query) so a store is opened at
// most once per process.
type Registry struct {
	root string

	mu  sync.Mutex
	dbs map[primitives.StoreName]*DB
}

// NewRegistry builds a Registry rooted at storeRoot
// (<store-root>/stores/<name>/index.sqlite per spec.md §6).
func NewRegistry(storeRoot string) *Registry {
	return &Registry{root: storeRoot, dbs: map[primitives.StoreName]*DB{}}
}

// PathFor returns the on-disk path of the named store's database file,
// without opening it.
func (r *Registry) PathFor(name primitives.StoreName) string {
	return filepath.Join(r.root, "stores", name.String(), "index.sqlite")
}

// Open returns the cached handle for name, opening and migrating it on
// first use. create controls whether a missing store directory should be
// created (false for read/query paths, which must see StoreNotFound
// instead of silently creating the store).
func (r *Registry) Open(ctx context.Context, name primitives.StoreName, create bool) (*DB, error) {
	r.mu.Lock()
	if db, ok := r.dbs[name]; ok {
		r.mu.Unlock()
		return db, nil
	}
	r.mu.Unlock()

	path := r.PathFor(name)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, &apperr.StoreNotFound{
				Base:  apperr.Base{Op: "storedb.Open", Err: err},
				Store: name.String(),
			}
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &apperr.StoreIoError{
			Base:      apperr.Base{Op: "storedb.Open", Err: err},
			StorePath: path,
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storedb.Open", Err: err}, StorePath: path}
	}
	// Writes are serialised at the committer layer (one lock per store);
	// a small pool lets WAL readers proceed alongside the single writer
	// without tripping SQLITE_BUSY.
	conn.SetMaxOpenConns(4)

	if err := applyPragmas(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storedb.Open", Err: err}, StorePath: path}
	}

	if err := migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, &apperr.StoreIndexError{Base: apperr.Base{Op: "storedb.Open", Err: err}, StorePath: path}
	}

	db := &DB{Conn: conn, Path: path}
	r.mu.Lock()
	if racing, ok := r.dbs[name]; ok {
		// Another caller opened the store first; keep theirs.
		r.mu.Unlock()
		_ = conn.Close()
		return racing, nil
	}
	r.dbs[name] = db
	r.mu.Unlock()
	return db, nil
}

// Exists reports whether name's store file is already present on disk.
func (r *Registry) Exists(name primitives.StoreName) bool {
	_, err := os.Stat(r.PathFor(name))
	return err == nil
}

// List enumerates every store name discoverable under <store-root>/stores,
// per spec.md §6 ("a manifest of store names is discoverable by directory
// enumeration").
func (r *Registry) List() ([]primitives.StoreName, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, "stores"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]primitives.StoreName, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := primitives.ParseStoreName(e.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Remove closes and deletes the named store's database file and
// evicts it from the cache.
func (r *Registry) Remove(name primitives.StoreName) error {
	r.mu.Lock()
	if db, ok := r.dbs[name]; ok {
		_ = db.Conn.Close()
		delete(r.dbs, name)
	}
	r.mu.Unlock()

	dir := filepath.Join(r.root, "stores", name.String())
	if err := os.RemoveAll(dir); err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "storedb.Remove", Err: err}, StorePath: dir}
	}
	return nil
}

// CloseAll closes every cached handle, for graceful process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, db := range r.dbs {
		_ = db.Conn.Close()
		delete(r.dbs, name)
	}
}

func applyPragmas(ctx context.Context, conn *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA mmap_size=268435456;`,
	}
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("storedb: pragma %q: %w", s, err)
		}
	}
	return nil
}
