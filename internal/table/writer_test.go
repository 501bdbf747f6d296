package table

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/expr"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/record"
)

func usersTable() *catalog.Table {
	return &catalog.Table{
		Name:       "users",
		PrimaryKey: "id",
		Schema: record.Schema{Cols: []record.Column{
			long("id"),
			{Name: "email", Type: record.TypeString, Nullable: true, Unique: true},
			{Name: "name", Type: record.TypeString},
		}},
	}
}

func TestInsert_Uniqueness(t *testing.T) {
	f := newFixture(t)
	f.create(usersTable())

	require.NoError(t, f.exec("users", 1, "a@x", "ann"))

	err := f.exec("users", 2, "a@x", "bob")
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, DuplicateKey, ce.Kind)
	assert.Equal(t, "email", ce.Column)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	err = f.exec("users", 1, "b@x", "bob")
	assert.ErrorIs(t, err, ErrDuplicateKey)

	assert.Equal(t, [][]any{{int64(1), "a@x", "ann"}}, f.rows("users"))

	// null keys are not indexed
	require.NoError(t, f.exec("users", 3, nil, "cy"))
	require.NoError(t, f.exec("users", 4, nil, "di"))
	assert.Len(t, f.rows("users"), 3)
}

func TestInsert_FailureRollsBackWriter(t *testing.T) {
	f := newFixture(t)
	f.create(usersTable())

	x := f.begin()
	require.NoError(t, x.insert("users", 1, "a@x", "ann"))
	err := x.insert("users", 2, "a@x", "bob")
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.NoError(t, x.commit())

	assert.Empty(t, f.rows("users"))
	assert.False(t, f.tables["users"].Index("id").Contains(int64(1)))
}

func TestInsert_SchemaAndNotNull(t *testing.T) {
	f := newFixture(t)
	f.create(usersTable())

	x := f.begin()
	require.NoError(t, x.insert("users", 1, "a@x", "ann"))

	// schema errors leave buffered rows alone
	err := x.insert("users", 2, "b@x")
	assert.ErrorIs(t, err, record.ErrSchemaMismatch)
	err = x.insert("users", "two", "b@x", "bob")
	assert.ErrorIs(t, err, record.ErrTypeMismatch)
	require.True(t, x.w("users").Dirty())

	err = x.insert("users", nil, "b@x", "bob")
	assert.ErrorIs(t, err, ErrNotNull)
	assert.False(t, x.w("users").Dirty())
}

func TestWriter_ReadYourOwnWrites(t *testing.T) {
	f := newFixture(t)
	tbl := f.create(usersTable())
	require.NoError(t, f.exec("users", 1, "a@x", "ann"))

	x := f.begin()
	w := x.w("users")
	off, err := w.Insert([]any{2, "b@x", "bob"}, true)
	require.NoError(t, err)
	assert.Equal(t, tbl.File().Length(), off)

	recs, err := w.Lookup("id", 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "bob", recs[0].Values[2])

	n, err := w.Delete(expr.Equals("id", 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := w.Contains("id", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	all, err := Collect(w.Scan())
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// nothing is visible outside the writer yet
	assert.Equal(t, [][]any{{int64(1), "a@x", "ann"}}, f.rows("users"))

	require.NoError(t, w.Commit())
	assert.Equal(t, [][]any{{int64(2), "b@x", "bob"}}, f.rows("users"))
}

func TestDelete_TombstoneKeepsLength(t *testing.T) {
	f := newFixture(t)
	tbl := f.create(usersTable())
	require.NoError(t, f.exec("users", 1, "a@x", "ann"))
	require.NoError(t, f.exec("users", 2, "b@x", "bob"))
	before := tbl.File().Length()

	x := f.begin()
	n, err := x.w("users").Delete(expr.Equals("name", "ann"), &Hint{Column: "email", Value: "a@x"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, x.commit())

	assert.Equal(t, before, tbl.File().Length())
	assert.Equal(t, [][]any{{int64(2), "b@x", "bob"}}, f.rows("users"))
	st, err := tbl.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Bytes: before, Live: 1, Dead: 1}, st)

	// the freed key can be reused
	require.NoError(t, f.exec("users", 1, "a@x", "ann2"))
}

func TestCommit_AtomicOnWriteFailure(t *testing.T) {
	f := newFixture(t)
	tbl := f.create(usersTable())
	require.NoError(t, f.exec("users", 1, "a@x", "ann"))
	before := tbl.File().Length()

	ff := &failingFile{File: tbl.file, failAt: 2}
	tbl.file = ff

	x := f.begin()
	require.NoError(t, x.insert("users", 2, "b@x", "bob"))
	_, err := x.w("users").Delete(expr.Equals("id", 1), nil)
	require.NoError(t, err)

	err = x.commit()
	require.ErrorIs(t, err, errInjected)
	assert.Contains(t, err.Error(), "commit users")

	tbl.file = ff.File
	assert.Equal(t, before, tbl.File().Length())
	assert.Equal(t, [][]any{{int64(1), "a@x", "ann"}}, f.rows("users"))
	assert.False(t, tbl.Index("id").Contains(int64(2)))
	assert.True(t, tbl.Index("id").Contains(int64(1)))
}

func TestCommit_RestoresTombstones(t *testing.T) {
	f := newFixture(t)
	tbl := f.create(usersTable())
	for i := 1; i <= 3; i++ {
		require.NoError(t, f.exec("users", i, nil, "u"))
	}
	before := tbl.File().Length()

	// first tombstone lands, second fails
	ff := &failingFile{File: tbl.file, failAt: 2}
	tbl.file = ff
	x := f.begin()
	n, err := x.w("users").Delete(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Error(t, x.commit())

	tbl.file = ff.File
	assert.Equal(t, before, tbl.File().Length())
	assert.Len(t, f.rows("users"), 3)
}

// brokenStore accepts loads and drops but fails every commit.
type brokenStore struct{}

func (brokenStore) Load(string, func(key, offsets []byte) error) error { return nil }

func (brokenStore) Apply(string, map[string][]byte, []string) error {
	return errors.New("leveldb: disk full")
}

func (brokenStore) Drop(string) error { return nil }

func TestCommit_IndexFailureInvalidatesIndex(t *testing.T) {
	f := newFixture(t)
	tbl := f.create(usersTable())
	email, err := index.New("users.email", record.TypeString, true, index.Options{Store: brokenStore{}})
	require.NoError(t, err)
	tbl.SetIndex("email", email)

	// the rows are durable even though the index could not be persisted
	require.NoError(t, f.exec("users", 1, "a@x", "ann"))
	assert.Equal(t, [][]any{{int64(1), "a@x", "ann"}}, f.rows("users"))
	assert.False(t, email.Valid())
	assert.True(t, tbl.Index("id").Valid())
	assert.True(t, tbl.Index("id").Contains(int64(1)))

	recs, err := tbl.Lookup("email", "a@x")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	assert.ErrorIs(t, f.exec("users", 2, "a@x", "bob"), ErrDuplicateKey)
	require.NoError(t, f.exec("users", 2, "b@x", "bob"))
	assert.Len(t, f.rows("users"), 2)
}

func TestDelete_BadHintHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.create(usersTable())

	x := f.begin()
	w := x.w("users")
	require.NoError(t, x.insert("users", 1, "a@x", "ann"))

	_, err := w.Delete(nil, &Hint{Column: "id", Value: "one"})
	assert.ErrorIs(t, err, record.ErrTypeMismatch)
	_, err = w.Update([]Assignment{{Column: "name", Value: expr.Lit("x")}}, nil, &Hint{Column: "nope", Value: 1})
	assert.ErrorIs(t, err, catalog.ErrUnknownColumn)
	assert.False(t, w.Aborted())
	assert.True(t, w.Dirty())

	// a plain Go int is coerced to the column type
	n, err := w.Update([]Assignment{{Column: "name", Value: expr.Lit("ann2")}}, nil, &Hint{Column: "id", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, x.commit())
	assert.Equal(t, [][]any{{int64(1), "a@x", "ann2"}}, f.rows("users"))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.create(usersTable())
	require.NoError(t, f.exec("users", 1, nil, "ann"))

	x := f.begin()
	w := x.w("users")
	w.Cancel()
	_, err := w.Delete(nil, nil)
	require.ErrorIs(t, err, ErrCancelled)

	// the flag was consumed
	n, err := w.Delete(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	f.create(usersTable())
	require.NoError(t, f.exec("users", 1, "a@x", "ann"))
	require.NoError(t, f.exec("users", 2, "b@x", "bob"))

	x := f.begin()
	w := x.w("users")
	n, err := w.Update([]Assignment{
		{Column: "id", Value: expr.Add(expr.Col("id"), expr.Lit(10))},
		{Column: "name", Value: expr.Lit("renamed")},
	}, expr.Cmp(expr.Ge, expr.Col("id"), expr.Lit(1)), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, x.commit())

	assert.ElementsMatch(t, [][]any{
		{int64(11), "a@x", "renamed"},
		{int64(12), "b@x", "renamed"},
	}, f.rows("users"))

	x = f.begin()
	_, err = x.w("users").Update([]Assignment{{Column: "email", Value: expr.Lit("a@x")}}, nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = x.w("users").Update([]Assignment{{Column: "nope", Value: expr.Lit(1)}}, nil, nil)
	assert.ErrorIs(t, err, catalog.ErrUnknownColumn)
}

func TestUpdate_Immutable(t *testing.T) {
	f := newFixture(t)
	def := usersTable()
	def.Schema.Cols[0].Immutable = true
	f.create(def)

	x := f.begin()
	_, err := x.w("users").Update([]Assignment{{Column: "id", Value: expr.Lit(3)}}, nil, nil)
	assert.ErrorIs(t, err, ErrImmutableColumn)
}

func TestOwnRule(t *testing.T) {
	f := newFixture(t)
	f.create(usersTable())
	f.rule("users", "positive", expr.Cmp(expr.Gt, expr.Col("id"), expr.Lit(0)))

	err := f.exec("users", -1, nil, "neg")
	var ce *ConstraintError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, RuleFailed, ce.Kind)
	assert.Equal(t, "constraint check users.positive failed", ce.Error())
	require.NoError(t, f.exec("users", 1, nil, "pos"))
}
