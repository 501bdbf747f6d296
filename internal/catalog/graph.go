package catalog

import (
	"fmt"
	"slices"
	"sort"
)

// Direction of a hop relative to the foreign key it follows.
type Direction uint8

const (
	// Along follows the key from the referencing row to the referenced row.
	Along Direction = iota + 1
	// Against goes from a referenced row to the rows referencing it.
	Against
)

// Edge is one foreign-key hop.
type Edge struct {
	FK  *ForeignKey
	Dir Direction
}

func (e Edge) IsZero() bool { return e.FK == nil }

// Key identifies the edge among its siblings.
func (e Edge) Key() string {
	if e.Dir == Against {
		return "<" + e.FK.ReverseName()
	}
	return ">" + e.FK.ReverseName()
}

// From is the table the hop starts at.
func (e Edge) From() string {
	if e.Dir == Against {
		return e.FK.RefTable
	}
	return e.FK.Table
}

// To is the table the hop lands on.
func (e Edge) To() string {
	if e.Dir == Against {
		return e.FK.Table
	}
	return e.FK.RefTable
}

func (e Edge) Reversed() Edge {
	if e.Dir == Against {
		return Edge{FK: e.FK, Dir: Along}
	}
	return Edge{FK: e.FK, Dir: Against}
}

func (e Edge) String() string {
	if e.IsZero() {
		return "root"
	}
	return fmt.Sprintf("%s -> %s via %s", e.From(), e.To(), e.Key())
}

type NodeKind uint8

const (
	// ForwardNode trees hang off a rule: the hops its expression takes.
	ForwardNode NodeKind = iota + 1
	// ReverseNode trees hang off a table: who must be re-checked when one
	// of its rows changes.
	ReverseNode
)

// Node is a vertex of either dependency graph. Rows of Table live at the
// node; Via is the hop from the parent.
type Node struct {
	Kind     NodeKind
	Table    string
	Via      Edge
	Rules    []*Rule // reverse nodes only
	Children map[string]*Node
}

func newNode(kind NodeKind, table string, via Edge) *Node {
	return &Node{Kind: kind, Table: table, Via: via, Children: map[string]*Node{}}
}

// child returns the child reached through e, creating it.
func (n *Node) child(e Edge) *Node {
	if c, ok := n.Children[e.Key()]; ok {
		return c
	}
	c := newNode(n.Kind, e.To(), e)
	n.Children[e.Key()] = c
	return c
}

func (n *Node) Empty() bool { return len(n.Rules) == 0 && len(n.Children) == 0 }

// SortedChildren returns children in key order.
func (n *Node) SortedChildren() []*Node {
	out := make([]*Node, 0, len(n.Children))
	for _, k := range sortedKeys(n.Children) {
		out = append(out, n.Children[k])
	}
	return out
}

// Walk visits every node below and including n with the hops taken from n.
// It uses an explicit stack; each frame owns its own path slice.
func (n *Node) Walk(fn func(path []Edge, node *Node) error) error {
	type frame struct {
		node *Node
		path []Edge
	}
	stack := []frame{{node: n}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := fn(f.path, f.node); err != nil {
			return err
		}
		kids := f.node.SortedChildren()
		for i := len(kids) - 1; i >= 0; i-- {
			path := append(slices.Clip(f.path), kids[i].Via)
			stack = append(stack, frame{node: kids[i], path: path})
		}
	}
	return nil
}

// register transposes rule.Deps into the reverse graphs of every table the
// rule reaches. For a forward path e1..ek ending at table T, the reverse
// graph of T gains the path rev(ek)..rev(e1) with the rule at its end.
func (c *Catalog) register(rule *Rule) {
	_ = rule.Deps.Walk(func(path []Edge, _ *Node) error {
		if len(path) == 0 {
			return nil
		}
		node := c.tables[path[len(path)-1].To()].Dependents
		for i := len(path) - 1; i >= 0; i-- {
			node = node.child(path[i].Reversed())
		}
		if !slices.Contains(node.Rules, rule) {
			node.Rules = append(node.Rules, rule)
		}
		return nil
	})
}

// unregister undoes register and prunes nodes left empty.
func (c *Catalog) unregister(rule *Rule) {
	_ = rule.Deps.Walk(func(path []Edge, _ *Node) error {
		if len(path) == 0 {
			return nil
		}
		root := c.tables[path[len(path)-1].To()].Dependents
		trail := []*Node{root}
		node := root
		for i := len(path) - 1; i >= 0; i-- {
			next, ok := node.Children[path[i].Reversed().Key()]
			if !ok {
				return nil
			}
			node = next
			trail = append(trail, node)
		}
		node.Rules = slices.DeleteFunc(node.Rules, func(r *Rule) bool { return r == rule })

		for i := len(trail) - 1; i > 0; i-- {
			if !trail[i].Empty() {
				break
			}
			delete(trail[i-1].Children, trail[i].Via.Key())
		}
		return nil
	})
}

// VerifyGraph rebuilds every reverse graph from the rules' forward trees and
// compares it with the installed one.
func (c *Catalog) VerifyGraph() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	shadow := &Catalog{tables: map[string]*Table{}}
	for name := range c.tables {
		shadow.tables[name] = &Table{Name: name, Dependents: newNode(ReverseNode, name, Edge{})}
	}
	for _, t := range c.tables {
		for _, r := range t.Rules {
			shadow.register(r)
		}
	}
	for name, t := range c.tables {
		if err := sameGraph(name, t.Dependents, shadow.tables[name].Dependents); err != nil {
			return err
		}
	}
	return nil
}

func sameGraph(at string, got, want *Node) error {
	if got.Table != want.Table {
		return fmt.Errorf("%w: %s: table %s != %s", ErrGraphAsymmetric, at, got.Table, want.Table)
	}
	if !sameRules(got.Rules, want.Rules) {
		return fmt.Errorf("%w: %s: rules differ", ErrGraphAsymmetric, at)
	}
	if len(got.Children) != len(want.Children) {
		return fmt.Errorf("%w: %s: %d children, want %d", ErrGraphAsymmetric, at, len(got.Children), len(want.Children))
	}
	for k, g := range got.Children {
		w, ok := want.Children[k]
		if !ok {
			return fmt.Errorf("%w: %s: unexpected hop %s", ErrGraphAsymmetric, at, k)
		}
		if err := sameGraph(at+" "+k, g, w); err != nil {
			return err
		}
	}
	return nil
}

func sameRules(a, b []*Rule) bool {
	if len(a) != len(b) {
		return false
	}
	for _, r := range a {
		if !slices.Contains(b, r) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
