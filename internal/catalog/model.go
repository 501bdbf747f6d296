package catalog

import (
	"time"

	"github.com/tuannm99/novarel/internal/record"
	"github.com/tuannm99/novarel/internal/storage"
)

// ForeignKey is the edge Table.Column -> RefTable.RefColumn. The referenced
// table sees it only as a reverse foreign key named ReverseName().
type ForeignKey struct {
	Name      string `json:"name"`
	Table     string `json:"table"`
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

func (fk *ForeignKey) ReverseName() string { return fk.Table + "." + fk.Name }

type IndexDef struct {
	Name   string `json:"name"`
	Column string `json:"column"`
	Unique bool   `json:"unique"`
}

// Table is the durable definition of a relation. Columns are only ever
// appended or soft-deleted so byte offsets of old rows stay valid.
type Table struct {
	Name        string                 `json:"name"`
	Policy      storage.Policy         `json:"policy"`
	Schema      record.Schema          `json:"schema"`
	PrimaryKey  string                 `json:"primary_key,omitempty"`
	ForeignKeys map[string]*ForeignKey `json:"foreign_keys,omitempty"`
	Indexes     map[string]*IndexDef   `json:"indexes,omitempty"` // by column
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`

	// derived, rebuilt from the catalog
	Reverse    map[string]*ForeignKey `json:"-"` // by ReverseName
	Rules      map[string]*Rule       `json:"-"`
	Dependents *Node                  `json:"-"` // reverse dependency graph root
}

// Column returns the named live column and its slot.
func (t *Table) Column(name string) (record.Column, int, bool) {
	i := t.Schema.Index(name)
	if i < 0 {
		return record.Column{}, -1, false
	}
	return t.Schema.Cols[i], i, true
}

// ReferencedBy lists reverse foreign keys that target column.
func (t *Table) ReferencedBy(column string) []*ForeignKey {
	var out []*ForeignKey
	for _, name := range sortedKeys(t.Reverse) {
		if fk := t.Reverse[name]; fk.RefColumn == column {
			out = append(out, fk)
		}
	}
	return out
}

// ForeignKeysOn lists outgoing foreign keys declared on column.
func (t *Table) ForeignKeysOn(column string) []*ForeignKey {
	var out []*ForeignKey
	for _, name := range sortedKeys(t.ForeignKeys) {
		if fk := t.ForeignKeys[name]; fk.Column == column {
			out = append(out, fk)
		}
	}
	return out
}

// SortedRules returns rules in name order.
func (t *Table) SortedRules() []*Rule {
	out := make([]*Rule, 0, len(t.Rules))
	for _, name := range sortedKeys(t.Rules) {
		out = append(out, t.Rules[name])
	}
	return out
}

func (t *Table) initDerived() {
	if t.ForeignKeys == nil {
		t.ForeignKeys = map[string]*ForeignKey{}
	}
	if t.Indexes == nil {
		t.Indexes = map[string]*IndexDef{}
	}
	if t.Reverse == nil {
		t.Reverse = map[string]*ForeignKey{}
	}
	if t.Rules == nil {
		t.Rules = map[string]*Rule{}
	}
	if t.Dependents == nil {
		t.Dependents = newNode(ReverseNode, t.Name, Edge{})
	}
}

func indexName(table, column string) string { return table + "." + column }
