package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/expr"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/record"
)

func TestBuildIndex(t *testing.T) {
	f := newFixture(t)
	tbl := f.create(usersTable())
	require.NoError(t, f.exec("users", 1, nil, "ann"))
	require.NoError(t, f.exec("users", 2, nil, "bob"))
	require.NoError(t, f.exec("users", 3, nil, "ann"))

	x := f.begin()
	w := x.w("users")

	uniq, err := index.New("users.name", record.TypeString, true, index.Options{})
	require.NoError(t, err)
	err = w.BuildIndex("name", uniq)
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.Zero(t, uniq.Len())

	multi, err := index.New("users.name", record.TypeString, false, index.Options{})
	require.NoError(t, err)
	require.NoError(t, w.BuildIndex("name", multi))
	require.NoError(t, multi.Commit())
	tbl.SetIndex("name", multi)

	recs, err := tbl.Lookup("name", "ann")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	assert.ErrorIs(t, w.BuildIndex("nope", multi), catalog.ErrUnknownColumn)
}

func TestLookup_InvalidIndexFallsBackToScan(t *testing.T) {
	f := newFixture(t)
	tbl := f.create(usersTable())
	require.NoError(t, f.exec("users", 1, "a@x", "ann"))

	tbl.Index("email").Invalidate()
	recs, err := tbl.Lookup("email", "a@x")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// writes skip the invalid index; uniqueness is still enforced by a scan
	require.NoError(t, f.exec("users", 2, "b@x", "bob"))
	assert.ErrorIs(t, f.exec("users", 3, "a@x", "cy"), ErrDuplicateKey)

	x := f.begin()
	n, err := x.w("users").Update([]Assignment{{Column: "name", Value: expr.Lit("ann2")}}, expr.Equals("id", 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, x.commit())

	recs, err = tbl.Lookup("email", "a@x")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ann2", recs[0].Values[2])
	assert.False(t, tbl.Index("email").Valid())
	assert.Zero(t, tbl.Index("email").Len())
}

func TestCheckForeignKeyAndRule(t *testing.T) {
	f := newFixture(t)
	f.create(&catalog.Table{Name: "A", Schema: record.Schema{Cols: []record.Column{
		{Name: "a", Type: record.TypeString, Nullable: true, Unique: true},
	}}})
	f.create(&catalog.Table{Name: "B", Schema: record.Schema{Cols: []record.Column{str("a"), long("b")}}})
	require.NoError(t, f.exec("A", "x"))
	require.NoError(t, f.exec("B", "x", 1))
	require.NoError(t, f.exec("B", "y", 2))

	x := f.begin()
	w := x.w("B")
	fk := &catalog.ForeignKey{Name: "fk_a", Table: "B", Column: "a", RefTable: "A", RefColumn: "a"}
	err := w.CheckForeignKey(fk)
	assert.ErrorIs(t, err, ErrMissingReference)

	require.NoError(t, f.exec("A", "y"))
	require.NoError(t, w.CheckForeignKey(fk))

	small, err := f.cat.CompileRule("B", "small", expr.Cmp(expr.Lt, expr.Col("b"), expr.Lit(2)))
	require.NoError(t, err)
	assert.ErrorIs(t, w.CheckRule(small), ErrRuleFailed)

	ok, err := f.cat.CompileRule("B", "ok", expr.Cmp(expr.Lt, expr.Col("b"), expr.Lit(3)))
	require.NoError(t, err)
	require.NoError(t, w.CheckRule(ok))
}
