// Package query defines the composable filter tree (Q nodes) and compiles
// it into MongoDB filter documents. Compilation resolves field paths through
// the document meta-model and may wait on lazy values embedded in the tree,
// but never mutates the tree itself.
package query

import "sort"

// Op is a logical combination operator.
type Op int

const (
	// OpAnd intersects child filters.
	OpAnd Op = iota
	// OpOr unions child filters.
	OpOr
)

// Node is a node in the filter tree: either a Q leaf or a Combination.
type Node interface {
	// Combine joins this node with another under op, leaving both
	// operands untouched.
	Combine(op Op, other Node) Node
	// Empty reports whether the node contributes no conditions.
	Empty() bool
}

// Q is a leaf carrying keyword-style lookups ("age__gte": 18). Keys are
// compiled in sorted order so compilation is deterministic.
type Q struct {
	conditions map[string]any
}

// NewQ builds a leaf from keyword lookups. The map is copied.
func NewQ(conditions map[string]any) Q {
	c := make(map[string]any, len(conditions))
	for k, v := range conditions {
		c[k] = v
	}
	return Q{conditions: c}
}

// Conditions returns the lookups in sorted key order.
func (q Q) Conditions() []Condition {
	keys := make([]string, 0, len(q.conditions))
	for k := range q.conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Condition, 0, len(keys))
	for _, k := range keys {
		out = append(out, Condition{Key: k, Value: q.conditions[k]})
	}
	return out
}

// Condition is one keyword lookup of a Q leaf.
type Condition struct {
	Key   string
	Value any
}

// Empty implements Node.
func (q Q) Empty() bool { return len(q.conditions) == 0 }

// Combine implements Node. Empty operands collapse away.
func (q Q) Combine(op Op, other Node) Node {
	if other == nil || other.Empty() {
		return q
	}
	if q.Empty() {
		return other
	}
	return Combination{Operator: op, Children: []Node{q, other}}
}

// And intersects with other.
func (q Q) And(other Node) Node { return q.Combine(OpAnd, other) }

// Or unions with other.
func (q Q) Or(other Node) Node { return q.Combine(OpOr, other) }

// Combination combines child nodes under one operator.
type Combination struct {
	Operator Op
	Children []Node
}

// Empty implements Node.
func (c Combination) Empty() bool {
	for _, ch := range c.Children {
		if !ch.Empty() {
			return false
		}
	}
	return true
}

// Combine implements Node. Combining with the same operator flattens into a
// single combination; the receiver's child slice is never shared.
func (c Combination) Combine(op Op, other Node) Node {
	if other == nil || other.Empty() {
		return c
	}
	if c.Empty() {
		return other
	}
	children := make([]Node, 0, len(c.Children)+1)
	if c.Operator == op {
		children = append(children, c.Children...)
		if oc, ok := other.(Combination); ok && oc.Operator == op {
			children = append(children, oc.Children...)
		} else {
			children = append(children, other)
		}
		return Combination{Operator: op, Children: children}
	}
	return Combination{Operator: op, Children: []Node{c, other}}
}

// And intersects with other.
func (c Combination) And(other Node) Node { return c.Combine(OpAnd, other) }

// Or unions with other.
func (c Combination) Or(other Node) Node { return c.Combine(OpOr, other) }

// And intersects nodes, dropping empty ones.
func And(nodes ...Node) Node { return combine(OpAnd, nodes) }

// Or unions nodes, dropping empty ones.
func Or(nodes ...Node) Node { return combine(OpOr, nodes) }

func combine(op Op, nodes []Node) Node {
	var out Node = Q{}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		out = out.Combine(op, n)
	}
	return out
}
