package table

import (
	"errors"
	"fmt"
)

var (
	ErrNotNull          = errors.New("table: not-null violation")
	ErrDuplicateKey     = errors.New("table: duplicate key")
	ErrMissingReference = errors.New("table: missing foreign key target")
	ErrRuleFailed       = errors.New("table: constraint check failed")
	ErrReferencingRule  = errors.New("table: referencing constraint check failed")
	ErrStillReferenced  = errors.New("table: row is still referenced")

	ErrCancelled       = errors.New("table: statement cancelled")
	ErrImmutableColumn = errors.New("table: column is immutable")
)

type Kind uint8

const (
	NotNull Kind = iota + 1
	DuplicateKey
	MissingReference
	RuleFailed
	ReferencingRule
	StillReferenced
)

var kindErrs = map[Kind]error{
	NotNull:          ErrNotNull,
	DuplicateKey:     ErrDuplicateKey,
	MissingReference: ErrMissingReference,
	RuleFailed:       ErrRuleFailed,
	ReferencingRule:  ErrReferencingRule,
	StillReferenced:  ErrStillReferenced,
}

// ConstraintError is a data-time violation. It names the table, column and
// rule involved; errors.Is matches the sentinel of its Kind.
type ConstraintError struct {
	Kind   Kind
	Table  string
	Column string // or the foreign key involved
	Rule   string
	Err    error
}

func (e *ConstraintError) Error() string {
	var msg string
	switch e.Kind {
	case NotNull:
		msg = fmt.Sprintf("column %s.%s may not be null", e.Table, e.Column)
	case DuplicateKey:
		msg = fmt.Sprintf("duplicate key in unique column %s.%s", e.Table, e.Column)
	case MissingReference:
		msg = fmt.Sprintf("foreign key %s.%s has no target", e.Table, e.Column)
	case RuleFailed:
		msg = fmt.Sprintf("constraint check %s.%s failed", e.Table, e.Rule)
	case ReferencingRule:
		msg = fmt.Sprintf("referencing constraint check %s.%s failed", e.Table, e.Rule)
	case StillReferenced:
		msg = fmt.Sprintf("row of %s is still referenced through %s", e.Table, e.Column)
	default:
		msg = fmt.Sprintf("constraint violation on %s", e.Table)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConstraintError) Unwrap() []error {
	out := []error{kindErrs[e.Kind]}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsConstraint reports whether err carries a ConstraintError.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}
