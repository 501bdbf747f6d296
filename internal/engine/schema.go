package engine

import (
	"context"

	pkgerrors "github.com/pkg/errors"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/record"
	"github.com/tuannm99/novarel/internal/table"
)

// Schema statements are validated by the catalog before any row is touched.
// Constraints added to tables that already hold rows are first proven
// against those rows; indexes are backfilled.

// CreateTable registers def, creates its record file and empty indexes and
// writes its metadata. Foreign keys are added with AddForeignKey.
func (db *Database) CreateTable(ctx context.Context, def *catalog.Table) (*table.Table, error) {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()
	if _, err := db.Table(def.Name); err == nil {
		return nil, pkgerrors.Wrapf(catalog.ErrDuplicateName, "table %s", def.Name)
	}

	if def.Policy == 0 {
		def.Policy = db.opts.Policy
	}
	if err := db.cat.CreateTable(def); err != nil {
		return nil, err
	}
	tbl, err := db.createTable(def)
	if err != nil {
		_ = db.cat.DropTable(def.Name)
		return nil, err
	}

	db.mu.Lock()
	db.tables[def.Name] = tbl
	db.mu.Unlock()
	db.log.Info("table created", "table", def.Name, "policy", def.Policy, "columns", def.Schema.NumCols())
	return tbl, nil
}

func (db *Database) createTable(def *catalog.Table) (*table.Table, error) {
	fs := db.fileSet(def.Name)
	// a leftover file of a dropped table must not resurface
	if err := fs.Remove(); err != nil {
		return nil, err
	}
	tbl, err := db.openTable(def)
	if err != nil {
		return nil, err
	}
	for _, column := range sortedKeys(def.Indexes) {
		idx, err := db.emptyIndex(def, def.Indexes[column])
		if err != nil {
			_ = tbl.Close()
			return nil, err
		}
		tbl.SetIndex(column, idx)
	}
	if err := db.writeTableMeta(def); err != nil {
		_ = tbl.Close()
		return nil, pkgerrors.Wrap(err, "write table meta")
	}
	return tbl, nil
}

func (db *Database) emptyIndex(def *catalog.Table, d *catalog.IndexDef) (index.Writer, error) {
	col, _, ok := def.Column(d.Column)
	if !ok {
		return nil, pkgerrors.Wrapf(catalog.ErrUnknownColumn, "%s.%s", def.Name, d.Column)
	}
	var store index.Store
	if db.store != nil {
		if err := db.store.Drop(d.Name); err != nil {
			return nil, err
		}
		store = db.store
	}
	return index.New(d.Name, col.Type, d.Unique, db.indexOptions(store))
}

// DropTable removes a table nothing references, with its file and indexes.
func (db *Database) DropTable(ctx context.Context, name string) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	tx := db.begin(ctx, "drop-table")
	defer tx.Rollback()
	if _, err := tx.Reader(name); err != nil {
		return err
	}
	tbl, _ := db.Table(name)

	if err := db.cat.DropTable(name); err != nil {
		return err
	}
	db.mu.Lock()
	delete(db.tables, name)
	db.mu.Unlock()

	for _, column := range tbl.IndexColumns() {
		db.dropIndex(tbl.DropIndex(column))
	}
	if err := tbl.Close(); err != nil {
		db.log.Warn("close dropped table", "table", name, "err", err)
	}
	if err := db.fileSet(name).Remove(); err != nil {
		return err
	}
	return removeIfExists(db.tableMetaPath(name))
}

func (db *Database) dropIndex(idx index.Writer) {
	if idx == nil || db.store == nil {
		return
	}
	if err := db.store.Drop(idx.Name()); err != nil {
		db.log.Warn("drop persisted index", "index", idx.Name(), "err", err)
	}
}

// AddColumn appends a nullable column. Existing rows read it as null.
func (db *Database) AddColumn(ctx context.Context, name string, col record.Column) error {
	return db.alter(ctx, name, func(tx *Tx, tbl *table.Table) error {
		d, err := db.cat.AddColumn(name, col)
		if err != nil {
			return err
		}
		tbl.PurgeCache()
		if d == nil {
			return nil
		}
		// every existing row holds null, so there is nothing to backfill
		idx, err := db.emptyIndex(tbl.Def(), d)
		if err != nil {
			return err
		}
		tbl.SetIndex(d.Column, idx)
		return nil
	})
}

// DropColumn soft-deletes a column. Its bytes stay in every row.
func (db *Database) DropColumn(ctx context.Context, name, column string) error {
	return db.alter(ctx, name, func(tx *Tx, tbl *table.Table) error {
		d, err := db.cat.DropColumn(name, column)
		if err != nil {
			return err
		}
		tbl.PurgeCache()
		if d != nil {
			db.dropIndex(tbl.DropIndex(d.Column))
		}
		return nil
	})
}

// AddIndex declares and backfills an index. A unique index fails if
// existing rows hold duplicate keys.
func (db *Database) AddIndex(ctx context.Context, name, column string, unique bool) error {
	return db.alter(ctx, name, func(tx *Tx, tbl *table.Table) error {
		def := tbl.Def()
		if _, _, ok := def.Column(column); !ok {
			return pkgerrors.Wrapf(catalog.ErrUnknownColumn, "%s.%s", name, column)
		}
		if cur, ok := def.Indexes[column]; ok && (cur.Unique || !unique) {
			return pkgerrors.Wrapf(catalog.ErrDuplicateName, "index on %s.%s", name, column)
		}
		idx, err := db.buildIndex(tx, tbl, &catalog.IndexDef{Name: name + "." + column, Column: column, Unique: unique})
		if err != nil {
			return err
		}
		if _, err := db.cat.AddIndex(name, column, unique); err != nil {
			return err
		}
		tbl.SetIndex(column, idx)
		return nil
	})
}

// RebuildIndex replaces the index on column with one built from the record
// file, e.g. after it was invalidated by a failed commit.
func (db *Database) RebuildIndex(ctx context.Context, name, column string) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	tbl, err := db.Table(name)
	if err != nil {
		return err
	}
	d, ok := tbl.Def().Indexes[column]
	if !ok {
		return pkgerrors.Wrapf(catalog.ErrUnknownColumn, "no index on %s.%s", name, column)
	}
	tx := db.begin(ctx, "rebuild-index")
	defer tx.Rollback()
	idx, err := db.buildIndex(tx, tbl, d)
	if err != nil {
		return err
	}
	tbl.SetIndex(column, idx)
	db.log.Info("index rebuilt", "index", d.Name, "keys", idx.Len())
	return nil
}

// AddForeignKey proves existing rows of fk.Table reference live rows, then
// installs fk. The referencing column gets a multi index when it had none.
func (db *Database) AddForeignKey(ctx context.Context, fk *catalog.ForeignKey) error {
	return db.alter(ctx, fk.Table, func(tx *Tx, tbl *table.Table) error {
		if err := db.cat.CheckForeignKey(fk); err != nil {
			return err
		}
		w, err := tx.writer(fk.Table)
		if err != nil {
			return err
		}
		if err := w.CheckForeignKey(fk); err != nil {
			return err
		}

		var idx index.Writer
		if _, ok := tbl.Def().Indexes[fk.Column]; !ok {
			idx, err = db.buildIndex(tx, tbl, &catalog.IndexDef{Name: fk.Table + "." + fk.Column, Column: fk.Column})
			if err != nil {
				return err
			}
		}
		d, err := db.cat.AddForeignKey(fk)
		if err != nil {
			return err
		}
		if d != nil && idx != nil {
			tbl.SetIndex(d.Column, idx)
		}
		return nil
	})
}

func (db *Database) DropForeignKey(ctx context.Context, name, fk string) error {
	return db.alter(ctx, name, func(tx *Tx, tbl *table.Table) error {
		return db.cat.DropForeignKey(name, fk)
	})
}

// AddRule compiles a rule, proves every existing row satisfies it and
// installs it. Rules are not written to metadata.
func (db *Database) AddRule(ctx context.Context, name, rule string, e catalog.Expression) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	r, err := db.cat.CompileRule(name, rule, e)
	if err != nil {
		return err
	}
	tx := db.begin(ctx, "add-rule")
	defer tx.Rollback()
	w, err := tx.writer(name)
	if err != nil {
		return err
	}
	if err := w.CheckRule(r); err != nil {
		return err
	}
	return db.cat.InstallRule(r)
}

func (db *Database) DropRule(ctx context.Context, name, rule string) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	tx := db.begin(ctx, "drop-rule")
	defer tx.Rollback()
	if err := tx.lock(name); err != nil {
		return err
	}
	return db.cat.DropRule(name, rule)
}

// alter runs a metadata-changing statement under the table lock and writes
// the table's metadata when it succeeds.
func (db *Database) alter(ctx context.Context, name string, fn func(tx *Tx, tbl *table.Table) error) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	tbl, err := db.Table(name)
	if err != nil {
		return err
	}
	tx := db.begin(ctx, "alter")
	defer tx.Rollback()
	if err := tx.lock(name); err != nil {
		return err
	}
	if err := fn(tx, tbl); err != nil {
		return err
	}
	if err := db.writeTableMeta(tbl.Def()); err != nil {
		return pkgerrors.Wrapf(err, "write meta of %s", name)
	}
	return nil
}
