// Package expr provides the compiled expressions rules and predicates are
// built from. Null propagates through every operator; a rule whose result is
// null passes.
package expr

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/record"
)

var (
	ErrNotBoolean   = errors.New("expr: operand is not boolean")
	ErrNotNumeric   = errors.New("expr: operand is not numeric")
	ErrIncomparable = errors.New("expr: operands are not comparable")
	ErrMultiValued  = errors.New("expr: path crosses a reverse foreign key")
	ErrBadPath      = errors.New("expr: bad path")
)

// IsReverse reports whether a path segment names a reverse foreign key.
// Reverse names are "<table>.<fk>" and foreign key names carry no dot.
func IsReverse(seg string) bool { return strings.Contains(seg, ".") }

// Truth evaluates e as a rule: true and null pass.
func Truth(e catalog.Expression, row catalog.RowView) (bool, error) {
	v, err := e.Eval(row)
	if err != nil {
		return false, err
	}
	switch x := v.(type) {
	case nil:
		return true, nil
	case bool:
		return x, nil
	}
	return false, fmt.Errorf("%w: %T", ErrNotBoolean, v)
}

// Matches evaluates e as a predicate: only true matches. A nil predicate
// matches every row.
func Matches(e catalog.Expression, row catalog.RowView) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := e.Eval(row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if v != nil && !ok {
		return false, fmt.Errorf("%w: %T", ErrNotBoolean, v)
	}
	return b, nil
}

// ---- Column paths ----

type column struct{ path catalog.Ref }

// Col reads a column, optionally through forward foreign keys:
// Col("qty"), Col("order", "customer", "limit").
func Col(path ...string) catalog.Expression { return column{path: path} }

func (c column) References() []catalog.Ref { return []catalog.Ref{c.path} }

func (c column) Eval(row catalog.RowView) (any, error) {
	if len(c.path) == 0 {
		return nil, ErrBadPath
	}
	cur := row
	for _, seg := range c.path[:len(c.path)-1] {
		if IsReverse(seg) {
			return nil, fmt.Errorf("%w: %s", ErrMultiValued, c.path)
		}
		next, err := cur.Follow(seg)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		cur = next
	}
	return cur.Value(c.path[len(c.path)-1])
}

func (c column) String() string { return c.path.String() }

type literal struct{ v any }

// Lit is a constant. Go ints and float32 are widened to the column model.
func Lit(v any) catalog.Expression {
	switch x := v.(type) {
	case int:
		v = int64(x)
	case int32:
		v = int64(x)
	case float32:
		v = float64(x)
	}
	return literal{v: v}
}

func (l literal) Eval(catalog.RowView) (any, error) { return l.v, nil }
func (l literal) References() []catalog.Ref         { return nil }
func (l literal) String() string                    { return fmt.Sprint(l.v) }

func refsOf(es ...catalog.Expression) []catalog.Ref {
	var out []catalog.Ref
	for _, e := range es {
		out = append(out, e.References()...)
	}
	return out
}

// ---- Comparison ----

type Op uint8

const (
	Eq Op = iota + 1
	Ne
	Lt
	Le
	Gt
	Ge
)

var opNames = map[Op]string{Eq: "=", Ne: "<>", Lt: "<", Le: "<=", Gt: ">", Ge: ">="}

func (o Op) String() string { return opNames[o] }

type compare struct {
	op   Op
	l, r catalog.Expression
}

func Cmp(op Op, l, r catalog.Expression) catalog.Expression { return compare{op: op, l: l, r: r} }

// Equals is Cmp(Eq, Col(column), Lit(v)).
func Equals(column string, v any) catalog.Expression { return Cmp(Eq, Col(column), Lit(v)) }

func (c compare) References() []catalog.Ref { return refsOf(c.l, c.r) }

func (c compare) Eval(row catalog.RowView) (any, error) {
	a, err := c.l.Eval(row)
	if err != nil || a == nil {
		return nil, err
	}
	b, err := c.r.Eval(row)
	if err != nil || b == nil {
		return nil, err
	}
	n, err := compareValues(a, b)
	if err != nil {
		return nil, err
	}
	switch c.op {
	case Eq:
		return n == 0, nil
	case Ne:
		return n != 0, nil
	case Lt:
		return n < 0, nil
	case Le:
		return n <= 0, nil
	case Gt:
		return n > 0, nil
	case Ge:
		return n >= 0, nil
	}
	return nil, fmt.Errorf("expr: unknown operator %d", c.op)
}

func (c compare) String() string { return fmt.Sprintf("(%v %s %v)", c.l, c.op, c.r) }

// compareValues orders two non-null values; long and double mix.
func compareValues(a, b any) (int, error) {
	if x, ok := a.(int64); ok {
		if y, ok := b.(float64); ok {
			return record.Compare(float64(x), y), nil
		}
	}
	if x, ok := a.(float64); ok {
		if y, ok := b.(int64); ok {
			return record.Compare(x, float64(y)), nil
		}
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return 0, fmt.Errorf("%w: %T and %T", ErrIncomparable, a, b)
	}
	return record.Compare(a, b), nil
}
