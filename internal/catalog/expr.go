package catalog

import "strings"

// RowView is what a compiled expression sees of one row. Values reached
// through foreign keys are resolved lazily.
type RowView interface {
	Table() string
	Value(column string) (any, error)
	// Follow dereferences an outgoing foreign key; nil when the key is null.
	Follow(fk string) (RowView, error)
	// Referencing returns the live rows that point at this row through the
	// named reverse foreign key.
	Referencing(reverse string) ([]RowView, error)
}

// Expression is a compiled value or boolean expression. References lists
// every path the expression dereferences, relative to the row it runs on.
type Expression interface {
	Eval(row RowView) (any, error)
	References() []Ref
}

// Ref is a path: foreign-key or reverse-foreign-key names, then optionally
// a column name.
type Ref []string

func (r Ref) String() string { return strings.Join(r, "/") }

// Rule is a boolean expression that every row of Table must satisfy.
type Rule struct {
	Name  string
	Table string
	Expr  Expression
	// Deps is the tree of foreign-key hops the expression actually uses.
	Deps *Node
}

func (r *Rule) QualifiedName() string { return r.Table + "." + r.Name }
