package table

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/expr"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/record"
)

// BuildIndex fills a newly declared index from every visible row. The caller
// commits idx; on error idx is rolled back.
func (w *Writer) BuildIndex(column string, idx index.Writer) error {
	slot := w.t.def.Schema.Index(column)
	if slot < 0 {
		return fmt.Errorf("%w: %s.%s", catalog.ErrUnknownColumn, w.t.def.Name, column)
	}
	err := Each(w.Scan(), func(rec record.Record) (bool, error) {
		if err := w.poll(); err != nil {
			return false, err
		}
		if err := idx.Put(rec.Values[slot], rec.Offset); err != nil {
			if errors.Is(err, index.ErrDuplicateKey) {
				return false, &ConstraintError{Kind: DuplicateKey, Table: w.t.def.Name, Column: column}
			}
			return false, err
		}
		return true, nil
	})
	if err != nil {
		idx.Rollback()
	}
	return err
}

// CheckForeignKey proves every existing row satisfies fk before it is
// installed.
func (w *Writer) CheckForeignKey(fk *catalog.ForeignKey) error {
	slot := w.t.def.Schema.Index(fk.Column)
	if slot < 0 {
		return fmt.Errorf("%w: %s.%s", catalog.ErrUnknownColumn, w.t.def.Name, fk.Column)
	}
	ref, err := w.res.Reader(fk.RefTable)
	if err != nil {
		return err
	}
	return Each(w.Scan(), func(rec record.Record) (bool, error) {
		if err := w.poll(); err != nil {
			return false, err
		}
		v := rec.Values[slot]
		if v == nil {
			return true, nil
		}
		ok, err := ref.Contains(fk.RefColumn, v)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, &ConstraintError{
				Kind: MissingReference, Table: w.t.def.Name, Column: fk.Name,
				Err: fmt.Errorf("%s.%s = %v at offset %d", fk.RefTable, fk.RefColumn, v, rec.Offset),
			}
		}
		return true, nil
	})
}

// CheckRule proves every existing row satisfies rule before it is installed.
func (w *Writer) CheckRule(rule *catalog.Rule) error {
	return Each(w.Scan(), func(rec record.Record) (bool, error) {
		if err := w.poll(); err != nil {
			return false, err
		}
		ok, err := expr.Truth(rule.Expr, &rowView{res: w.res, def: w.t.def, rec: rec})
		if err != nil {
			return false, fmt.Errorf("rule %s: %w", rule.QualifiedName(), err)
		}
		if !ok {
			return false, &ConstraintError{Kind: RuleFailed, Table: w.t.def.Name, Rule: rule.Name}
		}
		return true, nil
	})
}
