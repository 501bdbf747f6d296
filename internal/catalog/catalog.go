// Package catalog owns table definitions, foreign keys and rules, and keeps
// the forward and reverse constraint dependency graphs symmetric.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tuannm99/novarel/internal/record"
)

var (
	ErrUnknownTable      = errors.New("catalog: unknown table")
	ErrUnknownColumn     = errors.New("catalog: unknown column")
	ErrUnknownForeignKey = errors.New("catalog: unknown foreign key")
	ErrUnknownRule       = errors.New("catalog: unknown rule")
	ErrUnknownReference  = errors.New("catalog: unknown reference")
	ErrDuplicateName     = errors.New("catalog: duplicate name")
	ErrTypeMismatch      = errors.New("catalog: type mismatch")
	ErrBadDefinition     = errors.New("catalog: bad definition")
	ErrNotUnique         = errors.New("catalog: referenced column is not unique")
	ErrForeignKeyCycle   = errors.New("catalog: foreign key would create a cycle")
	ErrColumnInUse       = errors.New("catalog: column is in use")
	ErrTableInUse        = errors.New("catalog: table is referenced")
	ErrRuleCompile       = errors.New("catalog: rule does not compile")
	ErrGraphAsymmetric   = errors.New("catalog: dependency graphs are not symmetric")
)

// Catalog is the registry of tables for one database. It is passed
// explicitly; there is no process-wide instance.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func New() *Catalog {
	return &Catalog{tables: make(map[string]*Table)}
}

func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table(name)
}

func (c *Catalog) table(name string) (*Table, error) {
	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Tables returns all tables in name order.
func (c *Catalog) Tables() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Table, 0, len(c.tables))
	for _, name := range sortedKeys(c.tables) {
		out = append(out, c.tables[name])
	}
	return out
}

// CreateTable validates and registers t. Unique, primary-key and indexed
// columns get index definitions. Foreign keys are added separately.
func (c *Catalog) CreateTable(t *Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Name == "" {
		return fmt.Errorf("%w: empty table name", ErrBadDefinition)
	}
	if _, ok := c.tables[t.Name]; ok {
		return fmt.Errorf("%w: table %q", ErrDuplicateName, t.Name)
	}
	if len(t.ForeignKeys) > 0 {
		return fmt.Errorf("%w: foreign keys are added with AddForeignKey", ErrBadDefinition)
	}

	seen := map[string]bool{}
	for i := range t.Schema.Cols {
		col := &t.Schema.Cols[i]
		if err := validColumn(*col); err != nil {
			return err
		}
		if seen[col.Name] {
			return fmt.Errorf("%w: column %q", ErrDuplicateName, col.Name)
		}
		seen[col.Name] = true
		if col.Name == t.PrimaryKey {
			col.Unique = true
			col.Nullable = false
		}
	}
	if t.PrimaryKey != "" && !seen[t.PrimaryKey] {
		return fmt.Errorf("%w: primary key %q", ErrUnknownColumn, t.PrimaryKey)
	}

	t.initDerived()
	for _, col := range t.Schema.Cols {
		if col.Unique || col.Indexed {
			t.Indexes[col.Name] = &IndexDef{Name: indexName(t.Name, col.Name), Column: col.Name, Unique: col.Unique}
		}
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	c.tables[t.Name] = t
	return nil
}

// Restore registers tables read back from metadata and re-derives reverse
// foreign keys. Rules are not part of metadata.
func (c *Catalog) Restore(tables []*Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range tables {
		if _, ok := c.tables[t.Name]; ok {
			return fmt.Errorf("%w: table %q", ErrDuplicateName, t.Name)
		}
		t.Reverse, t.Rules, t.Dependents = nil, nil, nil
		t.initDerived()
		c.tables[t.Name] = t
	}
	for _, t := range tables {
		for _, fk := range t.ForeignKeys {
			ref, err := c.table(fk.RefTable)
			if err != nil {
				return fmt.Errorf("restore %s.%s: %w", t.Name, fk.Name, err)
			}
			ref.Reverse[fk.ReverseName()] = fk
		}
	}
	return nil
}

// DropTable removes a table nobody references.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.table(name)
	if err != nil {
		return err
	}
	for rn, fk := range t.Reverse {
		if fk.Table != name {
			return fmt.Errorf("%w: %q by %s", ErrTableInUse, name, rn)
		}
	}
	for _, other := range c.tables {
		if other.Name == name {
			continue
		}
		for _, r := range other.Rules {
			if usesTable(r, name) {
				return fmt.Errorf("%w: %q by rule %s", ErrTableInUse, name, r.QualifiedName())
			}
		}
	}

	for _, r := range t.Rules {
		c.unregister(r)
	}
	for _, fk := range t.ForeignKeys {
		if ref, ok := c.tables[fk.RefTable]; ok {
			delete(ref.Reverse, fk.ReverseName())
		}
	}
	delete(c.tables, name)
	return nil
}

func usesTable(r *Rule, table string) bool {
	found := false
	_ = r.Deps.Walk(func(_ []Edge, n *Node) error {
		if n.Table == table {
			found = true
		}
		return nil
	})
	return found
}

// AddColumn appends a column. Old rows decode it as null, so it must be
// nullable.
func (c *Catalog) AddColumn(table string, col record.Column) (*IndexDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.table(table)
	if err != nil {
		return nil, err
	}
	if err := validColumn(col); err != nil {
		return nil, err
	}
	if !col.Nullable {
		return nil, fmt.Errorf("%w: added column %q must be nullable", ErrBadDefinition, col.Name)
	}
	if t.Schema.Index(col.Name) >= 0 {
		return nil, fmt.Errorf("%w: column %q", ErrDuplicateName, col.Name)
	}
	col.Deleted = false
	t.Schema = t.Schema.Clone()
	t.Schema.Cols = append(t.Schema.Cols, col)
	t.UpdatedAt = time.Now()

	if !col.Unique && !col.Indexed {
		return nil, nil
	}
	def := &IndexDef{Name: indexName(table, col.Name), Column: col.Name, Unique: col.Unique}
	t.Indexes[col.Name] = def
	return def, nil
}

// DropColumn soft-deletes a column after proving every rule still compiles
// without it. The returned index definition, if any, is no longer in use.
func (c *Catalog) DropColumn(table, name string) (*IndexDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.table(table)
	if err != nil {
		return nil, err
	}
	_, slot, ok := t.Column(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, name)
	}
	if name == t.PrimaryKey {
		return nil, fmt.Errorf("%w: %s.%s is the primary key", ErrColumnInUse, table, name)
	}
	if fks := t.ForeignKeysOn(name); len(fks) > 0 {
		return nil, fmt.Errorf("%w: %s.%s carries foreign key %s", ErrColumnInUse, table, name, fks[0].Name)
	}
	if refs := t.ReferencedBy(name); len(refs) > 0 {
		return nil, fmt.Errorf("%w: %s.%s is referenced by %s", ErrColumnInUse, table, name, refs[0].ReverseName())
	}

	prev := t.Schema
	next := prev.Clone()
	next.Cols[slot].Deleted = true
	t.Schema = next
	if err := c.recompileAll(); err != nil {
		t.Schema = prev
		return nil, err
	}

	def := t.Indexes[name]
	delete(t.Indexes, name)
	t.UpdatedAt = time.Now()
	return def, nil
}

// AddIndex declares an index on an existing column. The caller backfills it.
func (c *Catalog) AddIndex(table, column string, unique bool) (*IndexDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.table(table)
	if err != nil {
		return nil, err
	}
	_, slot, ok := t.Column(column)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
	}
	if cur, ok := t.Indexes[column]; ok && (cur.Unique || !unique) {
		return nil, fmt.Errorf("%w: index on %s.%s", ErrDuplicateName, table, column)
	}

	def := &IndexDef{Name: indexName(table, column), Column: column, Unique: unique}
	t.Indexes[column] = def
	t.Schema = t.Schema.Clone()
	if unique {
		t.Schema.Cols[slot].Unique = true
	} else {
		t.Schema.Cols[slot].Indexed = true
	}
	t.UpdatedAt = time.Now()
	return def, nil
}

// CheckForeignKey validates fk against the schema without installing it.
func (c *Catalog) CheckForeignKey(fk *ForeignKey) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkForeignKey(fk)
}

func (c *Catalog) checkForeignKey(fk *ForeignKey) error {
	if fk.Name == "" || strings.Contains(fk.Name, ".") {
		return fmt.Errorf("%w: foreign key name %q", ErrBadDefinition, fk.Name)
	}
	t, err := c.table(fk.Table)
	if err != nil {
		return err
	}
	ref, err := c.table(fk.RefTable)
	if err != nil {
		return err
	}
	if _, ok := t.ForeignKeys[fk.Name]; ok {
		return fmt.Errorf("%w: foreign key %s.%s", ErrDuplicateName, fk.Table, fk.Name)
	}
	col, _, ok := t.Column(fk.Column)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, fk.Table, fk.Column)
	}
	refCol, _, ok := ref.Column(fk.RefColumn)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, fk.RefTable, fk.RefColumn)
	}
	if col.Type != refCol.Type {
		return fmt.Errorf("%w: %s.%s is %s, %s.%s is %s", ErrTypeMismatch,
			fk.Table, fk.Column, col.Type, fk.RefTable, fk.RefColumn, refCol.Type)
	}
	if !refCol.Unique {
		return fmt.Errorf("%w: %s.%s", ErrNotUnique, fk.RefTable, fk.RefColumn)
	}
	if c.reaches(fk.RefTable, fk.Table) {
		return fmt.Errorf("%w: %s -> %s", ErrForeignKeyCycle, fk.Table, fk.RefTable)
	}
	return nil
}

// reaches reports whether from can reach to by following foreign keys.
func (c *Catalog) reaches(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if t, ok := c.tables[cur]; ok {
			for _, fk := range t.ForeignKeys {
				stack = append(stack, fk.RefTable)
			}
		}
	}
	return false
}

// AddForeignKey installs fk and its reverse. If the referencing column had no
// index, a multi index is declared and returned for the caller to backfill.
func (c *Catalog) AddForeignKey(fk *ForeignKey) (*IndexDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkForeignKey(fk); err != nil {
		return nil, err
	}
	t := c.tables[fk.Table]
	ref := c.tables[fk.RefTable]

	t.ForeignKeys[fk.Name] = fk
	ref.Reverse[fk.ReverseName()] = fk
	t.UpdatedAt = time.Now()

	if _, ok := t.Indexes[fk.Column]; ok {
		return nil, nil
	}
	def := &IndexDef{Name: indexName(fk.Table, fk.Column), Column: fk.Column}
	t.Indexes[fk.Column] = def
	return def, nil
}

// DropForeignKey removes a foreign key no rule depends on.
func (c *Catalog) DropForeignKey(table, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.table(table)
	if err != nil {
		return err
	}
	fk, ok := t.ForeignKeys[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownForeignKey, table, name)
	}
	ref := c.tables[fk.RefTable]

	delete(t.ForeignKeys, name)
	delete(ref.Reverse, fk.ReverseName())
	if err := c.recompileAll(); err != nil {
		t.ForeignKeys[name] = fk
		ref.Reverse[fk.ReverseName()] = fk
		return err
	}
	t.UpdatedAt = time.Now()
	return nil
}

// CompileRule compiles expr against the current schema of table without
// installing it, so existing rows can be checked first.
func (c *Catalog) CompileRule(table, name string, expr Expression) (*Rule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, err := c.table(table)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty rule name", ErrBadDefinition)
	}
	if _, ok := t.Rules[name]; ok {
		return nil, fmt.Errorf("%w: rule %s.%s", ErrDuplicateName, table, name)
	}
	deps, err := c.compile(t, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %w", ErrRuleCompile, table, name, err)
	}
	return &Rule{Name: name, Table: table, Expr: expr, Deps: deps}, nil
}

// InstallRule registers a compiled rule in both dependency graphs at once.
func (c *Catalog) InstallRule(rule *Rule) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.table(rule.Table)
	if err != nil {
		return err
	}
	if _, ok := t.Rules[rule.Name]; ok {
		return fmt.Errorf("%w: rule %s", ErrDuplicateName, rule.QualifiedName())
	}
	// the schema may have moved since CompileRule
	deps, err := c.compile(t, rule.Expr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRuleCompile, rule.QualifiedName(), err)
	}
	rule.Deps = deps
	t.Rules[rule.Name] = rule
	c.register(rule)
	return nil
}

// AddRule is CompileRule followed by InstallRule.
func (c *Catalog) AddRule(table, name string, expr Expression) (*Rule, error) {
	rule, err := c.CompileRule(table, name, expr)
	if err != nil {
		return nil, err
	}
	return rule, c.InstallRule(rule)
}

func (c *Catalog) DropRule(table, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.table(table)
	if err != nil {
		return err
	}
	rule, ok := t.Rules[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownRule, table, name)
	}
	c.unregister(rule)
	delete(t.Rules, name)
	return nil
}

// compile resolves every reference of expr from table t and returns the
// forward dependency tree.
func (c *Catalog) compile(t *Table, expr Expression) (*Node, error) {
	root := newNode(ForwardNode, t.Name, Edge{})
	for _, ref := range expr.References() {
		if len(ref) == 0 {
			return nil, fmt.Errorf("%w: empty path", ErrUnknownReference)
		}
		cur, node := t, root
		for i, seg := range ref {
			last := i == len(ref)-1
			if fk, ok := cur.ForeignKeys[seg]; ok {
				node = node.child(Edge{FK: fk, Dir: Along})
				cur = c.tables[fk.RefTable]
				continue
			}
			if fk, ok := cur.Reverse[seg]; ok {
				node = node.child(Edge{FK: fk, Dir: Against})
				cur = c.tables[fk.Table]
				continue
			}
			if last && cur.Schema.Index(seg) >= 0 {
				break
			}
			return nil, fmt.Errorf("%w: %q in %s (at %s)", ErrUnknownReference, seg, ref, cur.Name)
		}
	}
	return root, nil
}

// recompileAll proves every installed rule still compiles. Called with mu held.
func (c *Catalog) recompileAll() error {
	for _, t := range c.tables {
		for _, r := range t.Rules {
			if _, err := c.compile(t, r.Expr); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrRuleCompile, r.QualifiedName(), err)
			}
		}
	}
	return nil
}

func validColumn(col record.Column) error {
	if col.Name == "" {
		return fmt.Errorf("%w: empty column name", ErrBadDefinition)
	}
	switch col.Type {
	case record.TypeBool, record.TypeLong, record.TypeDouble,
		record.TypeString, record.TypeTimestamp:
		return nil
	case record.TypeEnum:
		if len(col.Enum) == 0 {
			return fmt.Errorf("%w: enum column %q has no values", ErrBadDefinition, col.Name)
		}
		return nil
	}
	return fmt.Errorf("%w: column %q has %s", ErrBadDefinition, col.Name, col.Type)
}
