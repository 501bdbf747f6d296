package expr

import (
	"fmt"

	"github.com/tuannm99/novarel/internal/catalog"
)

type and []catalog.Expression

// And is three-valued: false wins, then null.
func And(xs ...catalog.Expression) catalog.Expression { return and(xs) }

func (a and) References() []catalog.Ref { return refsOf(a...) }

func (a and) Eval(row catalog.RowView) (any, error) {
	sawNull := false
	for _, x := range a {
		v, err := x.Eval(row)
		if err != nil {
			return nil, err
		}
		switch b := v.(type) {
		case nil:
			sawNull = true
		case bool:
			if !b {
				return false, nil
			}
		default:
			return nil, fmt.Errorf("%w: %T", ErrNotBoolean, v)
		}
	}
	if sawNull {
		return nil, nil
	}
	return true, nil
}

type or []catalog.Expression

// Or is three-valued: true wins, then null.
func Or(xs ...catalog.Expression) catalog.Expression { return or(xs) }

func (o or) References() []catalog.Ref { return refsOf(o...) }

func (o or) Eval(row catalog.RowView) (any, error) {
	sawNull := false
	for _, x := range o {
		v, err := x.Eval(row)
		if err != nil {
			return nil, err
		}
		switch b := v.(type) {
		case nil:
			sawNull = true
		case bool:
			if b {
				return true, nil
			}
		default:
			return nil, fmt.Errorf("%w: %T", ErrNotBoolean, v)
		}
	}
	if sawNull {
		return nil, nil
	}
	return false, nil
}

type not struct{ x catalog.Expression }

func Not(x catalog.Expression) catalog.Expression { return not{x: x} }

func (n not) References() []catalog.Ref { return n.x.References() }

func (n not) Eval(row catalog.RowView) (any, error) {
	v, err := n.x.Eval(row)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotBoolean, v)
	}
	return !b, nil
}

type isNull struct{ x catalog.Expression }

// IsNull is never null itself.
func IsNull(x catalog.Expression) catalog.Expression { return isNull{x: x} }

func (n isNull) References() []catalog.Ref { return n.x.References() }

func (n isNull) Eval(row catalog.RowView) (any, error) {
	v, err := n.x.Eval(row)
	if err != nil {
		return nil, err
	}
	return v == nil, nil
}
