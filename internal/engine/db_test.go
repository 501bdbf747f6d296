package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novarel/internal"
	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/expr"
	"github.com/tuannm99/novarel/internal/record"
	"github.com/tuannm99/novarel/internal/storage"
	"github.com/tuannm99/novarel/internal/table"
)

func testOptions() Options {
	return Options{PersistIndexes: true, RowCache: 8, BloomCapacity: 1024}
}

func openDB(t *testing.T, dir string, opts Options) *Database {
	t.Helper()
	db, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func customers() *catalog.Table {
	return &catalog.Table{
		Name:       "customer",
		PrimaryKey: "id",
		Schema: record.Schema{Cols: []record.Column{
			{Name: "id", Type: record.TypeLong},
			{Name: "name", Type: record.TypeString, Nullable: true},
			{Name: "tier", Type: record.TypeEnum, Nullable: true, Enum: []string{"gold", "basic"}},
		}},
	}
}

func orders() *catalog.Table {
	return &catalog.Table{
		Name:   "order",
		Policy: storage.Lookup,
		Schema: record.Schema{Cols: []record.Column{
			{Name: "customer", Type: record.TypeLong, Nullable: true},
			{Name: "total", Type: record.TypeLong, Nullable: true},
			{Name: "at", Type: record.TypeTimestamp, Nullable: true},
		}},
	}
}

func exec(t *testing.T, db *Database, fn func(tx *Tx) error) error {
	t.Helper()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insert(t *testing.T, db *Database, name string, values ...any) error {
	t.Helper()
	return exec(t, db, func(tx *Tx) error {
		_, err := tx.Insert(name, values, true)
		return err
	})
}

func scan(t *testing.T, db *Database, name string) [][]any {
	t.Helper()
	var rows [][]any
	require.NoError(t, exec(t, db, func(tx *Tx) error {
		var err error
		rows, err = tx.Scan(name)
		return err
	}))
	return rows
}

func TestDatabase_CreateInsertReopen(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	ctx := context.Background()

	_, err := db.CreateTable(ctx, customers())
	require.NoError(t, err)
	_, err = db.CreateTable(ctx, customers())
	assert.ErrorIs(t, err, catalog.ErrDuplicateName)

	require.NoError(t, insert(t, db, "customer", 1, "ann", "gold"))
	require.NoError(t, insert(t, db, "customer", 2, "bob", nil))
	assert.ErrorIs(t, insert(t, db, "customer", 3, "cy", "platinum"), record.ErrTypeMismatch)
	assert.ErrorIs(t, insert(t, db, "customer", 1, "dup", nil), table.ErrDuplicateKey)

	_, err = os.Stat(filepath.Join(dir, "tables", "customer.meta.json"))
	require.NoError(t, err)

	// a second open of the same directory is refused
	_, err = Open(dir, testOptions())
	assert.ErrorIs(t, err, ErrDatabaseLocked)

	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Close(), ErrDatabaseClosed)

	db = openDB(t, dir, testOptions())
	tbl, err := db.Table("customer")
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Index("id").Len())
	assert.Equal(t, [][]any{{int64(1), "ann", "gold"}, {int64(2), "bob", nil}}, scan(t, db, "customer"))
	assert.ErrorIs(t, insert(t, db, "customer", 2, "again", nil), table.ErrDuplicateKey)
}

func TestDatabase_IndexesRebuiltWithoutStore(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.PersistIndexes = false

	db := openDB(t, dir, opts)
	_, err := db.CreateTable(context.Background(), customers())
	require.NoError(t, err)
	require.NoError(t, insert(t, db, "customer", 1, "ann", nil))
	require.NoError(t, db.Close())

	db = openDB(t, dir, opts)
	tbl, err := db.Table("customer")
	require.NoError(t, err)
	assert.True(t, tbl.Index("id").Contains(int64(1)))
	assert.ErrorIs(t, insert(t, db, "customer", 1, "dup", nil), table.ErrDuplicateKey)
}

func TestDatabase_ForeignKeysAndRules(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	ctx := context.Background()
	_, err := db.CreateTable(ctx, customers())
	require.NoError(t, err)
	_, err = db.CreateTable(ctx, orders())
	require.NoError(t, err)

	require.NoError(t, insert(t, db, "customer", 1, "ann", nil))
	require.NoError(t, insert(t, db, "order", 2, 10, time.UnixMilli(1700000000000)))

	fk := &catalog.ForeignKey{Name: "buyer", Table: "order", Column: "customer", RefTable: "customer", RefColumn: "id"}
	err = db.AddForeignKey(ctx, fk)
	assert.ErrorIs(t, err, table.ErrMissingReference)

	require.NoError(t, insert(t, db, "customer", 2, "bob", nil))
	require.NoError(t, db.AddForeignKey(ctx, fk))
	ord, err := db.Table("order")
	require.NoError(t, err)
	require.NotNil(t, ord.Index("customer"))

	capped := expr.Cmp(expr.Le, expr.Sum([]string{"order.buyer"}, expr.Col("total")), expr.Lit(15))
	require.NoError(t, db.AddRule(ctx, "customer", "cap", capped))
	require.NoError(t, db.Catalog().VerifyGraph())

	require.NoError(t, insert(t, db, "order", 2, 5, nil))
	err = insert(t, db, "order", 2, 1, nil)
	assert.EqualError(t, err, "referencing constraint check customer.cap failed")

	tight := expr.Cmp(expr.Le, expr.Sum([]string{"order.buyer"}, expr.Col("total")), expr.Lit(10))
	err = db.AddRule(ctx, "customer", "tight", tight)
	assert.ErrorIs(t, err, table.ErrRuleFailed)

	err = exec(t, db, func(tx *Tx) error {
		_, err := tx.Delete("customer", expr.Equals("id", 2), &table.Hint{Column: "id", Value: 2})
		return err
	})
	assert.ErrorIs(t, err, table.ErrStillReferenced)

	assert.ErrorIs(t, db.DropForeignKey(ctx, "order", "buyer"), catalog.ErrRuleCompile)
	require.NoError(t, db.DropRule(ctx, "customer", "cap"))
	require.NoError(t, db.DropForeignKey(ctx, "order", "buyer"))
	require.NoError(t, insert(t, db, "order", 99, 1, nil))
}

func TestDatabase_SchemaEvolution(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	ctx := context.Background()
	_, err := db.CreateTable(ctx, customers())
	require.NoError(t, err)
	require.NoError(t, insert(t, db, "customer", 1, "ann", nil))

	require.NoError(t, db.AddColumn(ctx, "customer", record.Column{Name: "email", Type: record.TypeString, Nullable: true, Unique: true}))
	require.NoError(t, insert(t, db, "customer", 2, "bob", nil, "b@x"))
	assert.ErrorIs(t, insert(t, db, "customer", 3, "cy", nil, "b@x"), table.ErrDuplicateKey)
	assert.Equal(t, [][]any{
		{int64(1), "ann", nil, nil},
		{int64(2), "bob", nil, "b@x"},
	}, scan(t, db, "customer"))

	require.NoError(t, db.DropColumn(ctx, "customer", "name"))
	require.NoError(t, insert(t, db, "customer", 3, "ignored", nil, "c@x"))

	require.NoError(t, db.AddIndex(ctx, "customer", "tier", false))
	assert.ErrorIs(t, db.AddIndex(ctx, "customer", "email", true), catalog.ErrDuplicateName)
	require.NoError(t, db.Close())

	db = openDB(t, dir, testOptions())
	assert.Equal(t, [][]any{
		{int64(1), nil, nil, nil},
		{int64(2), nil, nil, "b@x"},
		{int64(3), nil, nil, "c@x"},
	}, scan(t, db, "customer"))
	def, err := db.Catalog().Table("customer")
	require.NoError(t, err)
	assert.True(t, def.Schema.Cols[1].Deleted)
	assert.Contains(t, def.Indexes, "tier")
}

func TestDatabase_AddUniqueIndexRejectsDuplicates(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	ctx := context.Background()
	_, err := db.CreateTable(ctx, customers())
	require.NoError(t, err)
	require.NoError(t, insert(t, db, "customer", 1, "ann", nil))
	require.NoError(t, insert(t, db, "customer", 2, "ann", nil))

	assert.ErrorIs(t, db.AddIndex(ctx, "customer", "name", true), table.ErrDuplicateKey)
	def, _ := db.Catalog().Table("customer")
	assert.NotContains(t, def.Indexes, "name")

	require.NoError(t, db.AddIndex(ctx, "customer", "name", false))
	var rows [][]any
	require.NoError(t, exec(t, db, func(tx *Tx) error {
		rows, err = tx.Lookup("customer", "name", "ann")
		return err
	}))
	assert.Len(t, rows, 2)
}

func TestDatabase_RebuildInvalidIndex(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	ctx := context.Background()
	tbl, err := db.CreateTable(ctx, customers())
	require.NoError(t, err)
	require.NoError(t, insert(t, db, "customer", 1, "ann", nil))

	tbl.Index("id").Invalidate()
	require.NoError(t, insert(t, db, "customer", 2, "bob", nil))
	assert.ErrorIs(t, insert(t, db, "customer", 1, "dup", nil), table.ErrDuplicateKey)

	require.NoError(t, db.RebuildIndex(ctx, "customer", "id"))
	assert.True(t, tbl.Index("id").Valid())
	assert.Equal(t, 2, tbl.Index("id").Len())
	require.NoError(t, insert(t, db, "customer", 3, "cy", nil))
	assert.ErrorIs(t, insert(t, db, "customer", 2, "again", nil), table.ErrDuplicateKey)
}

func TestTx_AbortedAfterConstraintFailure(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	_, err := db.CreateTable(context.Background(), customers())
	require.NoError(t, err)

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx.Insert("customer", []any{1, "ann", nil}, true)
	require.NoError(t, err)

	// schema errors leave the transaction usable
	_, err = tx.Insert("customer", []any{1}, true)
	assert.ErrorIs(t, err, record.ErrSchemaMismatch)
	_, err = tx.Insert("nope", []any{1}, true)
	assert.ErrorIs(t, err, catalog.ErrUnknownTable)

	_, err = tx.Insert("customer", []any{nil, "bob", nil}, true)
	assert.ErrorIs(t, err, table.ErrNotNull)
	_, err = tx.Insert("customer", []any{3, "cy", nil}, true)
	assert.ErrorIs(t, err, ErrTxAborted)
	assert.ErrorIs(t, tx.Commit(), ErrTxAborted)
	assert.ErrorIs(t, tx.Commit(), ErrTxDone)

	assert.Empty(t, scan(t, db, "customer"))
}

func TestTx_CancelFromAnotherGoroutine(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	ctx := context.Background()
	names := make([]string, 20)
	for i := range names {
		def := customers()
		def.Name = fmt.Sprintf("customer_%02d", i)
		names[i] = def.Name
		_, err := db.CreateTable(ctx, def)
		require.NoError(t, err)
	}

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				tx.Cancel()
			}
		}
	}()
	for _, name := range names {
		_, err := tx.Insert(name, []any{1, "ann", nil}, true)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	tx.Cancel()
	_, err = tx.Delete(names[0], nil, nil)
	assert.ErrorIs(t, err, table.ErrCancelled)
	tx.Rollback()
}

func TestTx_TableLockSerializes(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	_, err := db.CreateTable(context.Background(), customers())
	require.NoError(t, err)

	first, err := db.Begin(context.Background())
	require.NoError(t, err)
	_, err = first.Insert("customer", []any{1, "ann", nil}, true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	second, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = second.Scan("customer")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	second.Rollback()

	require.NoError(t, first.Commit())
	assert.Len(t, scan(t, db, "customer"), 1)
}

func TestDatabase_DropTable(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	ctx := context.Background()
	_, err := db.CreateTable(ctx, customers())
	require.NoError(t, err)
	_, err = db.CreateTable(ctx, orders())
	require.NoError(t, err)
	require.NoError(t, db.AddForeignKey(ctx, &catalog.ForeignKey{Name: "buyer", Table: "order", Column: "customer", RefTable: "customer", RefColumn: "id"}))
	require.NoError(t, insert(t, db, "customer", 1, "ann", nil))

	assert.ErrorIs(t, db.DropTable(ctx, "customer"), catalog.ErrTableInUse)
	require.NoError(t, db.DropTable(ctx, "order"))
	_, err = os.Stat(filepath.Join(dir, "tables", "order.meta.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = db.CreateTable(ctx, orders())
	require.NoError(t, err)
	assert.Empty(t, scan(t, db, "order"))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := internal.DefaultConfig()
	cfg.Storage.Policy = "lookup"
	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, storage.Lookup, opts.Policy)
	assert.True(t, opts.PersistIndexes)

	cfg.Storage.Policy = "mmap"
	_, err = OptionsFromConfig(cfg)
	assert.ErrorIs(t, err, storage.ErrUnknownPolicy)
}
