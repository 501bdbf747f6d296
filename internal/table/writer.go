package table

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dustin/go-humanize"
	pkgerrors "github.com/pkg/errors"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/expr"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/record"
)

// Hint narrows a delete or update scan to the rows an index returns for
// Column = Value. The predicate still decides which of them match.
type Hint struct {
	Column string
	Value  any
}

// Assignment sets Column to Value, evaluated against the old row.
type Assignment struct {
	Column string
	Value  catalog.Expression
}

// Writer buffers one transaction's changes to a table. New rows are encoded
// into a pending buffer at the offsets they will occupy; deletes are kept
// as a set of offsets to tombstone. Nothing reaches the file before Commit.
//
// A failed statement rolls the whole writer back.
type Writer struct {
	t   *Table
	res Resources

	baseLen  int64
	pending  []byte
	rows     []record.Record
	inserted map[int64]int // offset -> rows slot
	deleted  *roaring64.Bitmap

	touched []index.Writer
	seen    map[index.Writer]bool

	cancel  atomic.Bool
	aborted bool
}

var _ Reader = (*Writer)(nil)

// NewWriter starts buffering against the current end of the file. res must
// return the writer itself for this table.
func (t *Table) NewWriter(res Resources) *Writer {
	return &Writer{
		t:        t,
		res:      res,
		baseLen:  t.file.Length(),
		inserted: make(map[int64]int),
		deleted:  roaring64.New(),
		seen:     make(map[index.Writer]bool),
	}
}

func (w *Writer) Table() *Table { return w.t }

func (w *Writer) Def() *catalog.Table { return w.t.def }

// Dirty reports whether there is anything to commit.
func (w *Writer) Dirty() bool {
	return len(w.pending) > 0 || !w.deleted.IsEmpty() || len(w.touched) > 0
}

// Cancel asks the running statement to stop at the next row boundary.
func (w *Writer) Cancel() { w.cancel.Store(true) }

func (w *Writer) poll() error {
	if w.cancel.CompareAndSwap(true, false) {
		return ErrCancelled
	}
	return nil
}

func (w *Writer) touch(idx index.Writer) {
	if !w.seen[idx] {
		w.seen[idx] = true
		w.touched = append(w.touched, idx)
	}
}

// abort rolls the writer back and returns err.
func (w *Writer) abort(err error) error {
	w.Rollback()
	w.aborted = true
	return err
}

// Aborted reports whether a failed statement rolled the writer back since
// the last Commit or Rollback.
func (w *Writer) Aborted() bool { return w.aborted }

// ---- Reader over committed rows plus buffered changes ----

func (w *Writer) Get(off int64) (record.Record, bool, error) {
	if w.deleted.Contains(uint64(off)) {
		return record.Record{}, false, nil
	}
	if off >= w.baseLen {
		i, ok := w.inserted[off]
		if !ok {
			return record.Record{}, false, fmt.Errorf("%w: %d", ErrBadOffset, off)
		}
		return w.rows[i], true, nil
	}
	return w.t.readAt(off, w.baseLen)
}

func (w *Writer) Scan() Iterator {
	return &chainIter{its: []Iterator{
		&fileIter{cur: w.t.file.Cursor(0, w.baseLen), schema: w.t.def.Schema, skip: w.deleted},
		&pendingIter{rows: w.rows, skip: w.deleted},
	}}
}

func (w *Writer) Lookup(column string, key any) ([]record.Record, error) {
	return lookup(w, w.t.Index(column), column, key)
}

func (w *Writer) Contains(column string, key any) (bool, error) {
	return contains(w, w.t.Index(column), column, key)
}

// ---- insert ----

// Insert validates values and buffers the new row, returning the offset it
// will occupy. values is aligned with every declared column, soft-deleted
// ones included. With checkReferencingRules, rules of other tables that
// depend on this table are re-validated.
func (w *Writer) Insert(values []any, checkReferencingRules bool) (int64, error) {
	vals, err := w.coerce(values)
	if err != nil {
		return 0, err
	}
	rec, err := w.insert(vals, checkReferencingRules)
	if err != nil {
		return 0, w.abort(err)
	}
	return rec.Offset, nil
}

// coerce type-checks a full row. Schema errors have no side effects.
func (w *Writer) coerce(values []any) ([]any, error) {
	schema := w.t.def.Schema
	if len(values) != schema.NumCols() {
		return nil, fmt.Errorf("%w: %s has %d columns, got %d values",
			record.ErrSchemaMismatch, w.t.def.Name, schema.NumCols(), len(values))
	}
	out := make([]any, len(values))
	for i, col := range schema.Cols {
		if col.Deleted {
			continue
		}
		v, err := record.Coerce(col, values[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (w *Writer) insert(vals []any, checkReferencing bool) (record.Record, error) {
	def := w.t.def
	for i, col := range def.Schema.Cols {
		if !col.Deleted && !col.Nullable && vals[i] == nil {
			return record.Record{}, &ConstraintError{Kind: NotNull, Table: def.Name, Column: col.Name}
		}
	}

	off := w.baseLen + int64(len(w.pending))
	for _, column := range w.t.IndexColumns() {
		idx := w.t.Index(column)
		slot := def.Schema.Index(column)
		if idx == nil || slot < 0 {
			continue
		}
		if !idx.Valid() {
			// skipped until rebuilt; uniqueness is checked by a scan
			if err := w.checkUniqueByScan(idx, column, vals[slot]); err != nil {
				return record.Record{}, err
			}
			continue
		}
		if err := idx.Put(vals[slot], off); err != nil {
			if errors.Is(err, index.ErrDuplicateKey) {
				return record.Record{}, &ConstraintError{Kind: DuplicateKey, Table: def.Name, Column: column}
			}
			return record.Record{}, err
		}
		w.touch(idx)
	}

	for _, fk := range sortedFKs(def.ForeignKeys) {
		v := vals[def.Schema.Index(fk.Column)]
		if v == nil {
			continue
		}
		ref, err := w.res.Reader(fk.RefTable)
		if err != nil {
			return record.Record{}, err
		}
		ok, err := ref.Contains(fk.RefColumn, v)
		if err != nil {
			return record.Record{}, err
		}
		if !ok {
			return record.Record{}, &ConstraintError{
				Kind: MissingReference, Table: def.Name, Column: fk.Name,
				Err: fmt.Errorf("%s.%s = %v", fk.RefTable, fk.RefColumn, v),
			}
		}
	}

	b, err := record.Encode(def.Schema, vals)
	if err != nil {
		return record.Record{}, err
	}
	rec := record.Record{Offset: off, Values: vals}
	w.pending = append(w.pending, b...)
	w.inserted[off] = len(w.rows)
	w.rows = append(w.rows, rec)

	if err := w.checkOwnRules(rec); err != nil {
		return record.Record{}, err
	}
	if checkReferencing {
		if err := w.traverse(def, rec); err != nil {
			return record.Record{}, err
		}
	}
	return rec, nil
}

func (w *Writer) checkUniqueByScan(idx index.Writer, column string, key any) error {
	if !idx.Unique() || key == nil {
		return nil
	}
	dup, err := w.Contains(column, key)
	if err != nil {
		return err
	}
	if dup {
		return &ConstraintError{Kind: DuplicateKey, Table: w.t.def.Name, Column: column}
	}
	return nil
}

func (w *Writer) checkOwnRules(rec record.Record) error {
	def := w.t.def
	row := &rowView{res: w.res, def: def, rec: rec}
	for _, rule := range def.SortedRules() {
		ok, err := expr.Truth(rule.Expr, row)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.QualifiedName(), err)
		}
		if !ok {
			return &ConstraintError{Kind: RuleFailed, Table: def.Name, Rule: rule.Name}
		}
	}
	return nil
}

// ---- delete ----

// Delete tombstones every row matching pred (nil matches all) and returns
// how many it removed.
func (w *Writer) Delete(pred catalog.Expression, hint *Hint) (int, error) {
	hint, err := w.checkHint(hint)
	if err != nil {
		return 0, err
	}
	matches, err := w.match(pred, hint)
	if err != nil {
		return 0, w.abort(err)
	}
	for _, rec := range matches {
		if err := w.poll(); err != nil {
			return 0, w.abort(err)
		}
		if err := w.deleteRow(rec, nil); err != nil {
			return 0, w.abort(err)
		}
	}
	return len(matches), nil
}

// checkHint coerces the hint value to its column type. A bad hint is a
// schema error.
func (w *Writer) checkHint(hint *Hint) (*Hint, error) {
	if hint == nil {
		return nil, nil
	}
	_, k, err := keyFor(w.t.def, hint.Column, hint.Value)
	if err != nil {
		return nil, err
	}
	return &Hint{Column: hint.Column, Value: k}, nil
}

// match collects the live rows selected by pred before anything changes.
// hint must have gone through checkHint.
func (w *Writer) match(pred catalog.Expression, hint *Hint) ([]record.Record, error) {
	it := w.Scan()
	if hint != nil {
		if idx := w.t.Index(hint.Column); idx != nil && idx.Valid() {
			it = &offsetIter{get: w.Get, offs: idx.Get(hint.Value)}
		}
	}

	var out []record.Record
	err := Each(it, func(rec record.Record) (bool, error) {
		if err := w.poll(); err != nil {
			return false, err
		}
		ok, err := expr.Matches(pred, &rowView{res: w.res, def: w.t.def, rec: rec})
		if ok {
			out = append(out, rec)
		}
		return err == nil, err
	})
	return out, err
}

// deleteRow buffers a tombstone for rec. For an update, reassigned holds the
// slots whose value changes; only those can break references.
func (w *Writer) deleteRow(rec record.Record, reassigned map[int]bool) error {
	def := w.t.def
	update := reassigned != nil

	w.deleted.Add(uint64(rec.Offset))
	for _, column := range w.t.IndexColumns() {
		idx := w.t.Index(column)
		slot := def.Schema.Index(column)
		if idx == nil || slot < 0 || !idx.Valid() {
			continue
		}
		if err := idx.Delete(rec.Values[slot], rec.Offset); err != nil {
			return err
		}
		w.touch(idx)
	}

	for _, fk := range sortedFKs(def.Reverse) {
		slot := def.Schema.Index(fk.RefColumn)
		if update && !reassigned[slot] {
			continue
		}
		key := rec.Values[slot]
		if key == nil {
			continue
		}
		from, err := w.res.Reader(fk.Table)
		if err != nil {
			return err
		}
		ok, err := from.Contains(fk.Column, key)
		if err != nil {
			return err
		}
		if ok {
			return &ConstraintError{Kind: StillReferenced, Table: def.Name, Column: fk.ReverseName()}
		}
	}

	if update && !w.touchesKeys(reassigned) {
		return nil
	}
	return w.traverse(def, rec)
}

// touchesKeys reports whether any reassigned slot is a foreign key column
// or a column other tables reference.
func (w *Writer) touchesKeys(reassigned map[int]bool) bool {
	def := w.t.def
	for slot, changed := range reassigned {
		if !changed {
			continue
		}
		name := def.Schema.Cols[slot].Name
		if len(def.ForeignKeysOn(name)) > 0 || len(def.ReferencedBy(name)) > 0 {
			return true
		}
	}
	return false
}

// ---- update ----

// Update rewrites every row matching pred as a delete of the old row and an
// insert of the new one, and returns how many rows it rewrote.
func (w *Writer) Update(set []Assignment, pred catalog.Expression, hint *Hint) (int, error) {
	def := w.t.def
	slots := make([]int, len(set))
	for i, a := range set {
		col, slot, ok := def.Column(a.Column)
		if !ok {
			return 0, fmt.Errorf("%w: %s.%s", catalog.ErrUnknownColumn, def.Name, a.Column)
		}
		if col.Immutable {
			return 0, fmt.Errorf("%w: %s.%s", ErrImmutableColumn, def.Name, a.Column)
		}
		if slices.Contains(slots[:i], slot) {
			return 0, fmt.Errorf("%w: %s assigned twice", catalog.ErrDuplicateName, a.Column)
		}
		slots[i] = slot
	}

	hint, err := w.checkHint(hint)
	if err != nil {
		return 0, err
	}
	matches, err := w.match(pred, hint)
	if err != nil {
		return 0, w.abort(err)
	}
	for _, old := range matches {
		if err := w.poll(); err != nil {
			return 0, w.abort(err)
		}
		if err := w.updateRow(old, set, slots); err != nil {
			return 0, w.abort(err)
		}
	}
	return len(matches), nil
}

func (w *Writer) updateRow(old record.Record, set []Assignment, slots []int) error {
	def := w.t.def
	view := &rowView{res: w.res, def: def, rec: old}
	vals := slices.Clone(old.Values)
	reassigned := make(map[int]bool, len(set))
	for i, a := range set {
		v, err := a.Value.Eval(view)
		if err != nil {
			return err
		}
		if v, err = record.Coerce(def.Schema.Cols[slots[i]], v); err != nil {
			return err
		}
		vals[slots[i]] = v
		reassigned[slots[i]] = !record.Equal(old.Values[slots[i]], v)
	}

	if err := w.deleteRow(old, reassigned); err != nil {
		return err
	}
	_, err := w.insert(vals, true)
	return err
}

// ---- commit / rollback ----

// Commit writes the buffered rows at their reserved offsets, then the
// tombstones, then commits every touched index. If the file cannot be
// written the writer is rolled back and the file truncated to its length
// before the transaction. An index that fails to commit is invalidated.
func (w *Writer) Commit() error {
	name := w.t.def.Name
	if err := w.flush(); err != nil {
		w.Rollback()
		if terr := w.t.file.Truncate(w.baseLen); terr != nil {
			w.t.log.Error("truncate after failed commit", "table", name, "len", w.baseLen, "err", terr)
		}
		w.t.PurgeCache()
		w.baseLen = w.t.file.Length()
		w.t.log.Error("table commit failed", "table", name, "err", err)
		return pkgerrors.Wrapf(err, "commit %s", name)
	}

	for _, idx := range w.touched {
		if err := idx.Commit(); err != nil {
			idx.Invalidate()
			w.t.log.Warn("index invalidated", "table", name, "index", idx.Name(), "err", err)
		}
	}

	w.t.log.Debug("table commit",
		"table", name,
		"inserted", len(w.rows),
		"deleted", w.deleted.GetCardinality(),
		"flushed", humanize.Bytes(uint64(len(w.pending))),
	)
	w.t.forget(toOffsets(w.deleted))
	w.reset()
	w.baseLen = w.t.file.Length()
	return nil
}

func (w *Writer) flush() error {
	file := w.t.file
	if len(w.pending) > 0 {
		if _, err := file.WriteAt(w.pending, w.baseLen); err != nil {
			return err
		}
	}

	var flipped []int64
	restore := func() {
		for _, off := range flipped {
			if _, err := file.WriteAt([]byte{record.Live}, off); err != nil {
				w.t.log.Error("restore tombstone", "table", w.t.def.Name, "offset", off, "err", err)
			}
		}
	}
	it := w.deleted.Iterator()
	for it.HasNext() {
		off := int64(it.Next())
		if _, err := file.WriteAt([]byte{record.Dead}, off); err != nil {
			restore()
			return err
		}
		if off < w.baseLen {
			flipped = append(flipped, off)
		}
	}

	if len(w.pending) == 0 && len(flipped) == 0 {
		return nil
	}
	if err := file.Sync(); err != nil {
		restore()
		return err
	}
	return nil
}

// Rollback discards buffered rows and tombstones and rolls back every
// touched index.
func (w *Writer) Rollback() {
	for _, idx := range w.touched {
		idx.Rollback()
	}
	w.reset()
}

func (w *Writer) reset() {
	w.aborted = false
	w.pending = nil
	w.rows = nil
	clear(w.inserted)
	w.deleted.Clear()
	w.touched = nil
	clear(w.seen)
	w.cancel.Store(false)
}

func toOffsets(bm *roaring64.Bitmap) []int64 {
	raw := bm.ToArray()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}

func sortedFKs(m map[string]*catalog.ForeignKey) []*catalog.ForeignKey {
	out := make([]*catalog.ForeignKey, 0, len(m))
	for _, fk := range m {
		out = append(out, fk)
	}
	slices.SortFunc(out, func(a, b *catalog.ForeignKey) int {
		switch {
		case a.ReverseName() < b.ReverseName():
			return -1
		case a.ReverseName() > b.ReverseName():
			return 1
		}
		return 0
	})
	return out
}
