// Package storemgr manages the set of named stores (spec.md §2 component
// 9): creating, listing, inspecting and deleting them, plus the
// store_sources configuration rows attached to each store.
//
// The manager owns store lifecycle only — every data write goes through
// internal/committer; this package never touches posts or event_log rows.
package storemgr

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/internal/datasource"
	"github.com/skygent/skygent/internal/eventlog"
	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/primitives"
)

// Manager creates, lists and deletes named stores.
type Manager struct {
	registry *storedb.Registry
	clock    capability.Clock
	log      *zap.SugaredLogger
}

// New builds a Manager over registry.
func New(registry *storedb.Registry, clock capability.Clock, log *zap.SugaredLogger) *Manager {
	return &Manager{registry: registry, clock: clock, log: log}
}

// Info summarises one store for listing/inspection.
type Info struct {
	Name         primitives.StoreName
	Path         string
	PostCount    int64
	EventCount   int64
	LastEventSeq primitives.EventSeq
	Sources      []StoreSource
}

// Create initialises a new empty store. A name that already exists is a
// StoreAlreadyExists error — create is never an implicit open.
func (m *Manager) Create(ctx context.Context, name primitives.StoreName) error {
	if m.registry.Exists(name) {
		return &apperr.StoreAlreadyExists{
			Base:  apperr.Base{Op: "storemgr.Create", Err: fmt.Errorf("store %q already exists", name)},
			Store: name.String(),
		}
	}
	db, err := m.registry.Open(ctx, name, true)
	if err != nil {
		return err
	}
	if _, err := db.Conn.ExecContext(ctx,
		`INSERT INTO store_meta (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name.String(), primitives.NewTimestamp(m.clock.Now()).String(),
	); err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.Create", Err: err}, StorePath: db.Path}
	}
	m.log.Infow("store created", "store", name.String(), "path", db.Path)
	return nil
}

// List returns every store discoverable under the store root, by name.
func (m *Manager) List() ([]primitives.StoreName, error) {
	return m.registry.List()
}

// Show returns the store's summary, including configured sources.
func (m *Manager) Show(ctx context.Context, name primitives.StoreName) (*Info, error) {
	db, err := m.registry.Open(ctx, name, false)
	if err != nil {
		return nil, err
	}

	info := &Info{Name: name, Path: db.Path}
	if err := db.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&info.PostCount); err != nil {
		return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.Show", Err: err}, StorePath: db.Path}
	}
	if err := db.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&info.EventCount); err != nil {
		return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.Show", Err: err}, StorePath: db.Path}
	}
	if seq, err := eventlog.GetLastEventSeq(ctx, db.Conn); err != nil {
		return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.Show", Err: err}, StorePath: db.Path}
	} else if seq != nil {
		info.LastEventSeq = *seq
	}

	sources, err := m.ListSources(ctx, name)
	if err != nil {
		return nil, err
	}
	info.Sources = sources
	return info, nil
}

// Delete removes the named store and every artefact it owns. Per spec.md
// §3, deletion is atomic at the directory level: the handle is closed and
// the store directory removed as one operation.
func (m *Manager) Delete(ctx context.Context, name primitives.StoreName) error {
	if !m.registry.Exists(name) {
		return &apperr.StoreNotFound{
			Base:  apperr.Base{Op: "storemgr.Delete", Err: fmt.Errorf("store %q does not exist", name)},
			Store: name.String(),
		}
	}
	if err := m.registry.Remove(name); err != nil {
		return err
	}
	m.log.Infow("store deleted", "store", name.String())
	return nil
}

// StoreSource is one configured remote source attached to a store
// (spec.md §3): the DataSource plus its enabled flag and sync history.
type StoreSource struct {
	Id           string
	Source       datasource.DataSource
	Enabled      bool
	AddedAt      primitives.Timestamp
	LastSyncedAt *primitives.Timestamp
}

// AddSource attaches src to the store's configuration. Adding a source
// whose StoreSourceId is already present overwrites its configuration but
// preserves enabled/added_at/last_synced_at.
func (m *Manager) AddSource(ctx context.Context, store primitives.StoreName, src datasource.DataSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	db, err := m.registry.Open(ctx, store, false)
	if err != nil {
		return err
	}
	cfg, err := src.Encode()
	if err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.AddSource", Err: err}, StorePath: db.Path}
	}
	_, err = db.Conn.ExecContext(ctx,
		`INSERT INTO store_sources (source_id, tag, config_json, enabled, added_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(source_id) DO UPDATE SET config_json = excluded.config_json`,
		src.StoreSourceId(), string(src.Kind), string(cfg),
		primitives.NewTimestamp(m.clock.Now()).String(),
	)
	if err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.AddSource", Err: err}, StorePath: db.Path}
	}
	return nil
}

// ListSources returns every source configured on the store, enabled or not.
func (m *Manager) ListSources(ctx context.Context, store primitives.StoreName) ([]StoreSource, error) {
	db, err := m.registry.Open(ctx, store, false)
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn.QueryContext(ctx,
		`SELECT source_id, config_json, enabled, added_at, last_synced_at
		 FROM store_sources ORDER BY added_at, source_id`,
	)
	if err != nil {
		return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.ListSources", Err: err}, StorePath: db.Path}
	}
	defer rows.Close()

	var out []StoreSource
	for rows.Next() {
		var s StoreSource
		var cfg, addedAt string
		var enabled int
		var lastSynced sql.NullString
		if err := rows.Scan(&s.Id, &cfg, &enabled, &addedAt, &lastSynced); err != nil {
			return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.ListSources", Err: err}, StorePath: db.Path}
		}
		src, err := datasource.Decode([]byte(cfg))
		if err != nil {
			return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.ListSources", Err: err}, StorePath: db.Path}
		}
		s.Source = src
		s.Enabled = enabled != 0
		if err := s.AddedAt.UnmarshalJSON([]byte(`"` + addedAt + `"`)); err != nil {
			return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.ListSources", Err: err}, StorePath: db.Path}
		}
		if lastSynced.Valid {
			var ts primitives.Timestamp
			if err := ts.UnmarshalJSON([]byte(`"` + lastSynced.String + `"`)); err != nil {
				return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.ListSources", Err: err}, StorePath: db.Path}
			}
			s.LastSyncedAt = &ts
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSourceEnabled flips the enabled flag on the identified source.
func (m *Manager) SetSourceEnabled(ctx context.Context, store primitives.StoreName, sourceId string, enabled bool) error {
	db, err := m.registry.Open(ctx, store, false)
	if err != nil {
		return err
	}
	res, err := db.Conn.ExecContext(ctx,
		`UPDATE store_sources SET enabled = ? WHERE source_id = ?`,
		boolInt(enabled), sourceId,
	)
	if err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.SetSourceEnabled", Err: err}, StorePath: db.Path}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &apperr.CliValidationError{
			Base:  apperr.Base{Op: "storemgr.SetSourceEnabled", Err: fmt.Errorf("source %q is not configured on store %q", sourceId, store)},
			Field: "source",
		}
	}
	return nil
}

// TouchSourceSynced records a completed sync against the identified source.
func (m *Manager) TouchSourceSynced(ctx context.Context, store primitives.StoreName, sourceId string) error {
	db, err := m.registry.Open(ctx, store, false)
	if err != nil {
		return err
	}
	_, err = db.Conn.ExecContext(ctx,
		`UPDATE store_sources SET last_synced_at = ? WHERE source_id = ?`,
		primitives.NewTimestamp(m.clock.Now()).String(), sourceId,
	)
	if err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.TouchSourceSynced", Err: err}, StorePath: db.Path}
	}
	return nil
}

// RemoveSource detaches the identified source from the store.
func (m *Manager) RemoveSource(ctx context.Context, store primitives.StoreName, sourceId string) error {
	db, err := m.registry.Open(ctx, store, false)
	if err != nil {
		return err
	}
	if _, err := db.Conn.ExecContext(ctx, `DELETE FROM store_sources WHERE source_id = ?`, sourceId); err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "storemgr.RemoveSource", Err: err}, StorePath: db.Path}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
