package expr

import (
	"fmt"
	"slices"

	"github.com/tuannm99/novarel/internal/catalog"
)

// reach follows path from row. Forward hops keep at most one row per input
// row, reverse hops fan out to every referencing row.
func reach(row catalog.RowView, path catalog.Ref) ([]catalog.RowView, error) {
	rows := []catalog.RowView{row}
	for _, seg := range path {
		var next []catalog.RowView
		for _, r := range rows {
			if IsReverse(seg) {
				refs, err := r.Referencing(seg)
				if err != nil {
					return nil, err
				}
				next = append(next, refs...)
				continue
			}
			to, err := r.Follow(seg)
			if err != nil {
				return nil, err
			}
			if to != nil {
				next = append(next, to)
			}
		}
		rows = next
	}
	return rows, nil
}

// under prefixes every reference of inner with via.
func under(via catalog.Ref, inner catalog.Expression) []catalog.Ref {
	out := []catalog.Ref{via}
	if inner == nil {
		return out
	}
	for _, r := range inner.References() {
		out = append(out, append(slices.Clip(via), r...))
	}
	return out
}

type sum struct {
	via   catalog.Ref
	inner catalog.Expression
}

// Sum adds inner over every row reached through via, e.g.
// Sum([]string{"order.customer"}, Col("total")). Nulls are skipped; the sum
// of nothing is 0.
func Sum(via []string, inner catalog.Expression) catalog.Expression {
	return sum{via: via, inner: inner}
}

func (s sum) References() []catalog.Ref { return under(s.via, s.inner) }

func (s sum) Eval(row catalog.RowView) (any, error) {
	rows, err := reach(row, s.via)
	if err != nil {
		return nil, err
	}
	var (
		li      int64
		lf      float64
		isFloat bool
	)
	for _, r := range rows {
		v, err := s.inner.Eval(r)
		if err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case nil:
		case int64:
			li += x
		case float64:
			lf += x
			isFloat = true
		default:
			return nil, fmt.Errorf("%w: %T", ErrNotNumeric, v)
		}
	}
	if isFloat {
		return lf + float64(li), nil
	}
	return li, nil
}

type count struct{ via catalog.Ref }

// Count is the number of rows reached through via.
func Count(via ...string) catalog.Expression { return count{via: via} }

func (c count) References() []catalog.Ref { return []catalog.Ref{c.via} }

func (c count) Eval(row catalog.RowView) (any, error) {
	rows, err := reach(row, c.via)
	if err != nil {
		return nil, err
	}
	return int64(len(rows)), nil
}

type add struct{ l, r catalog.Expression }

// Add is numeric addition; long + long stays long.
func Add(l, r catalog.Expression) catalog.Expression { return add{l: l, r: r} }

func (a add) References() []catalog.Ref { return refsOf(a.l, a.r) }

func (a add) Eval(row catalog.RowView) (any, error) {
	x, err := a.l.Eval(row)
	if err != nil || x == nil {
		return nil, err
	}
	y, err := a.r.Eval(row)
	if err != nil || y == nil {
		return nil, err
	}
	xi, xok := x.(int64)
	yi, yok := y.(int64)
	if xok && yok {
		return xi + yi, nil
	}
	xf, err := toFloat(x)
	if err != nil {
		return nil, err
	}
	yf, err := toFloat(y)
	if err != nil {
		return nil, err
	}
	return xf + yf, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
}
