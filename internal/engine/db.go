// Package engine opens a data directory and exposes its tables through
// schema statements and transactions.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/juju/fslock"
	pkgerrors "github.com/pkg/errors"

	"github.com/tuannm99/novarel/internal"
	"github.com/tuannm99/novarel/internal/alias/util"
	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/lock"
	"github.com/tuannm99/novarel/internal/storage"
	"github.com/tuannm99/novarel/internal/table"
)

var (
	ErrDatabaseClosed = errors.New("novarel: database is closed")
	ErrDatabaseLocked = errors.New("novarel: data directory is in use")
	ErrTxDone         = errors.New("novarel: transaction already finished")
	ErrTxAborted      = errors.New("novarel: transaction aborted by a failed statement")
)

const (
	lockFile  = "LOCK"
	tablesDir = "tables"
	indexDir  = "index"
	metaExt   = ".meta.json"
)

type Options struct {
	// Policy is the storage policy of tables created without one.
	Policy     storage.Policy
	ReadBuffer int
	RowCache   int

	// PersistIndexes keeps committed index entries in leveldb; otherwise
	// every index is rebuilt from the record files at open.
	PersistIndexes     bool
	BloomCapacity      uint
	BloomFalsePositive float64
	RebuildOnOpen      bool

	Logger *slog.Logger
}

// OptionsFromConfig maps loaded configuration onto Options.
func OptionsFromConfig(cfg *internal.NovaRelConfig) (Options, error) {
	policy, err := storage.ParsePolicy(cfg.Storage.Policy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Policy:             policy,
		ReadBuffer:         cfg.Storage.ReadBuffer,
		RowCache:           cfg.Storage.RowCache,
		PersistIndexes:     cfg.Index.Persist,
		BloomCapacity:      cfg.Index.BloomCapacity,
		BloomFalsePositive: cfg.Index.BloomFP,
		RebuildOnOpen:      cfg.Index.RebuildOnOpen,
	}, nil
}

// TableMeta is the on-disk form of a table definition. Rules are compiled
// expressions and are supplied again after every open.
type TableMeta = catalog.Table

type Database struct {
	DataDir string

	opts  Options
	log   *slog.Logger
	flock *fslock.Lock
	store *index.LevelStore // nil when indexes are not persisted
	cat   *catalog.Catalog
	locks *lock.Tables

	// schema statements run one at a time
	schemaMu sync.Mutex

	mu     sync.RWMutex
	tables map[string]*table.Table
	closed bool
}

// Open takes the data directory lock, loads every table definition and
// opens record files and indexes.
func Open(dataDir string, opts Options) (*Database, error) {
	if opts.Policy == 0 {
		opts.Policy = storage.Log
	}
	db := &Database{
		DataDir: dataDir,
		opts:    opts,
		log:     opts.Logger,
		cat:     catalog.New(),
		locks:   lock.NewTables(),
		tables:  make(map[string]*table.Table),
	}
	if db.log == nil {
		db.log = slog.Default()
	}

	if err := os.MkdirAll(db.tableDir(), storage.FileMode0755); err != nil {
		return nil, err
	}
	db.flock = fslock.New(filepath.Join(dataDir, lockFile))
	if err := db.flock.TryLock(); err != nil {
		if errors.Is(err, fslock.ErrLocked) {
			return nil, pkgerrors.Wrap(ErrDatabaseLocked, dataDir)
		}
		return nil, pkgerrors.Wrap(err, "lock data directory")
	}

	if err := db.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.log.Info("database opened", "dir", dataDir, "tables", len(db.tables))
	return db, nil
}

func (db *Database) load() error {
	if db.opts.PersistIndexes {
		store, err := index.OpenLevelStore(filepath.Join(db.DataDir, indexDir))
		if err != nil {
			return pkgerrors.Wrap(err, "open index store")
		}
		db.store = store
	}

	defs, err := db.readMetas()
	if err != nil {
		return err
	}
	if err := db.cat.Restore(defs); err != nil {
		return pkgerrors.Wrap(err, "restore catalog")
	}

	for _, def := range defs {
		tbl, err := db.openTable(def)
		if err != nil {
			return pkgerrors.Wrapf(err, "open table %s", def.Name)
		}
		db.tables[def.Name] = tbl
	}
	for _, def := range defs {
		if err := db.openIndexes(db.tables[def.Name]); err != nil {
			return pkgerrors.Wrapf(err, "open indexes of %s", def.Name)
		}
	}
	return nil
}

func (db *Database) openTable(def *catalog.Table) (*table.Table, error) {
	if def.Policy == 0 {
		def.Policy = db.opts.Policy
	}
	file, err := db.fileSet(def.Name).Open(def.Policy, storage.Options{ReadBuffer: db.opts.ReadBuffer})
	if err != nil {
		return nil, err
	}
	tbl, err := table.New(def, file, table.Options{RowCache: db.opts.RowCache, Logger: db.log})
	if err != nil {
		util.CloseLogged("table file", file)
		return nil, err
	}
	return tbl, nil
}

// openIndexes loads persisted indexes and rebuilds those that are missing,
// or all of them when RebuildOnOpen is set.
func (db *Database) openIndexes(tbl *table.Table) error {
	def := tbl.Def()
	for _, column := range sortedKeys(def.Indexes) {
		d := def.Indexes[column]
		col, _, ok := def.Column(column)
		if !ok {
			continue
		}

		if db.store != nil && !db.opts.RebuildOnOpen {
			idx, err := index.New(d.Name, col.Type, d.Unique, db.indexOptions(db.store))
			if err != nil {
				return err
			}
			if idx.Len() > 0 || tbl.File().Length() == 0 {
				tbl.SetIndex(column, idx)
				continue
			}
		}

		tx := db.begin(context.Background(), "open")
		idx, err := db.buildIndex(tx, tbl, d)
		tx.Rollback()
		if err != nil {
			return err
		}
		tbl.SetIndex(column, idx)
		db.log.Info("index rebuilt", "index", d.Name, "keys", idx.Len())
	}
	return nil
}

func (db *Database) indexOptions(store index.Store) index.Options {
	return index.Options{
		Store:              store,
		BloomCapacity:      db.opts.BloomCapacity,
		BloomFalsePositive: db.opts.BloomFalsePositive,
	}
}

// buildIndex scans tbl into a scratch index first, so a failed backfill
// leaves the persisted copy of d untouched, then materializes it.
// The scan runs through tx, which takes the table lock.
func (db *Database) buildIndex(tx *Tx, tbl *table.Table, d *catalog.IndexDef) (index.Writer, error) {
	col, _, ok := tbl.Def().Column(d.Column)
	if !ok {
		return nil, pkgerrors.Wrapf(catalog.ErrUnknownColumn, "%s.%s", tbl.Name(), d.Column)
	}
	scratch, err := index.New(d.Name, col.Type, d.Unique, db.indexOptions(nil))
	if err != nil {
		return nil, err
	}

	w, err := tx.writer(tbl.Name())
	if err != nil {
		return nil, err
	}
	if err := w.BuildIndex(d.Column, scratch); err != nil {
		return nil, err
	}
	return db.materialize(scratch)
}

// materialize turns a filled, uncommitted scratch index into the live one,
// replacing whatever the store held under its name.
func (db *Database) materialize(scratch index.Writer) (index.Writer, error) {
	if db.store == nil {
		if err := scratch.Commit(); err != nil {
			return nil, err
		}
		return scratch, nil
	}
	if err := db.store.Drop(scratch.Name()); err != nil {
		return nil, pkgerrors.Wrapf(err, "drop index %s", scratch.Name())
	}
	idx, err := index.New(scratch.Name(), scratch.KeyType(), scratch.Unique(), db.indexOptions(db.store))
	if err != nil {
		return nil, err
	}
	var perr error
	scratch.Each(func(key any, offsets []int64) bool {
		for _, off := range offsets {
			if perr = idx.Put(key, off); perr != nil {
				return false
			}
		}
		return true
	})
	if perr != nil {
		idx.Rollback()
		return nil, perr
	}
	if err := idx.Commit(); err != nil {
		return nil, err
	}
	return idx, nil
}

// ---- metadata ----

func (db *Database) tableDir() string {
	return filepath.Join(db.DataDir, tablesDir)
}

func (db *Database) tableMetaPath(name string) string {
	return filepath.Join(db.tableDir(), name+metaExt)
}

func (db *Database) fileSet(name string) storage.LocalFileSet {
	return storage.LocalFileSet{Dir: db.tableDir(), Base: name}
}

// writeTableMeta overwrites the meta file of def through a rename.
func (db *Database) writeTableMeta(def *TableMeta) error {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}
	path := db.tableMetaPath(def.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, storage.FileMode0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (db *Database) readMetas() ([]*TableMeta, error) {
	paths, err := filepath.Glob(filepath.Join(db.tableDir(), "*"+metaExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []*TableMeta
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var meta TableMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, pkgerrors.Wrapf(err, "decode %s", filepath.Base(p))
		}
		if want := strings.TrimSuffix(filepath.Base(p), metaExt); meta.Name != want {
			return nil, pkgerrors.Errorf("meta file %s describes table %q", filepath.Base(p), meta.Name)
		}
		out = append(out, &meta)
	}
	return out, nil
}

// ---- lookups ----

func (db *Database) Catalog() *catalog.Catalog { return db.cat }

func (db *Database) Table(name string) (*table.Table, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	t, ok := db.tables[name]
	if !ok {
		return nil, pkgerrors.Wrap(catalog.ErrUnknownTable, name)
	}
	return t, nil
}

// Tables returns every open table in name order.
func (db *Database) Tables() []*table.Table {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*table.Table, 0, len(db.tables))
	for _, name := range sortedKeys(db.tables) {
		out = append(out, db.tables[name])
	}
	return out
}

func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	db.closed = true

	var errs []error
	for name, t := range db.tables {
		if err := t.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "close %s", name))
		}
	}
	if db.store != nil {
		if err := db.store.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "close index store"))
		}
	}
	if db.flock != nil {
		if err := db.flock.Unlock(); err != nil {
			db.log.Warn("unlock data directory", "err", err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
