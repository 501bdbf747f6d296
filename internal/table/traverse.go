package table

import (
	"fmt"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/expr"
	"github.com/tuannm99/novarel/internal/record"
)

// rowView resolves values and foreign-key hops of one row on demand, always
// through Resources so buffered writes of other tables are visible.
type rowView struct {
	res Resources
	def *catalog.Table
	rec record.Record
}

var _ catalog.RowView = (*rowView)(nil)

func (v *rowView) Table() string { return v.def.Name }

func (v *rowView) Value(column string) (any, error) {
	slot := v.def.Schema.Index(column)
	if slot < 0 {
		return nil, fmt.Errorf("%w: %s.%s", catalog.ErrUnknownColumn, v.def.Name, column)
	}
	return v.rec.Values[slot], nil
}

func (v *rowView) Follow(name string) (catalog.RowView, error) {
	fk, ok := v.def.ForeignKeys[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", catalog.ErrUnknownForeignKey, v.def.Name, name)
	}
	key, err := v.Value(fk.Column)
	if err != nil || key == nil {
		return nil, err
	}
	ref, err := v.res.Reader(fk.RefTable)
	if err != nil {
		return nil, err
	}
	recs, err := ref.Lookup(fk.RefColumn, key)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &rowView{res: v.res, def: ref.Def(), rec: recs[0]}, nil
}

func (v *rowView) Referencing(reverse string) ([]catalog.RowView, error) {
	fk, ok := v.def.Reverse[reverse]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", catalog.ErrUnknownForeignKey, v.def.Name, reverse)
	}
	key, err := v.Value(fk.RefColumn)
	if err != nil || key == nil {
		return nil, err
	}
	from, err := v.res.Reader(fk.Table)
	if err != nil {
		return nil, err
	}
	recs, err := from.Lookup(fk.Column, key)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.RowView, len(recs))
	for i, r := range recs {
		out[i] = &rowView{res: v.res, def: from.Def(), rec: r}
	}
	return out, nil
}

// hop is one item of the traversal worklist: a reverse dependency node and
// the rows of its table reached so far.
type hop struct {
	node *catalog.Node
	def  *catalog.Table
	rows []record.Record
}

// traverse re-validates rules of other tables that depend on rec. It walks
// the reverse dependency graph of def with an explicit worklist; at every
// node it resolves the related rows through an index lookup and checks the
// rules attached there against each of them.
func (w *Writer) traverse(def *catalog.Table, rec record.Record) error {
	work := []hop{{node: def.Dependents, def: def, rows: []record.Record{rec}}}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		for _, child := range cur.node.SortedChildren() {
			to, rows, err := w.related(cur.def, cur.rows, child.Via)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				continue
			}
			for _, rule := range child.Rules {
				for _, r := range rows {
					ok, err := expr.Truth(rule.Expr, &rowView{res: w.res, def: to, rec: r})
					if err != nil {
						return fmt.Errorf("rule %s: %w", rule.QualifiedName(), err)
					}
					if !ok {
						return &ConstraintError{Kind: ReferencingRule, Table: rule.Table, Rule: rule.Name}
					}
				}
			}
			if len(child.Children) > 0 {
				work = append(work, hop{node: child, def: to, rows: rows})
			}
		}
	}
	return nil
}

// related returns the rows at the far end of e for every row in rows.
func (w *Writer) related(from *catalog.Table, rows []record.Record, e catalog.Edge) (*catalog.Table, []record.Record, error) {
	fk := e.FK
	target, src, dst := fk.RefTable, fk.Column, fk.RefColumn
	if e.Dir == catalog.Against {
		target, src, dst = fk.Table, fk.RefColumn, fk.Column
	}

	r, err := w.res.Reader(target)
	if err != nil {
		return nil, nil, err
	}
	slot := from.Schema.Index(src)
	if slot < 0 {
		return nil, nil, fmt.Errorf("%w: %s.%s", catalog.ErrUnknownColumn, from.Name, src)
	}

	var out []record.Record
	seen := make(map[int64]bool)
	for _, row := range rows {
		key := row.Values[slot]
		if key == nil {
			continue
		}
		recs, err := r.Lookup(dst, key)
		if err != nil {
			return nil, nil, err
		}
		for _, rec := range recs {
			if !seen[rec.Offset] {
				seen[rec.Offset] = true
				out = append(out, rec)
			}
		}
	}
	return r.Def(), out, nil
}
