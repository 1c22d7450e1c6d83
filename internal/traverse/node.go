package traverse

import (
	"fmt"
	"reflect"
	"strings"
)

// Node is one position in a flattened object tree. The variants are
// *InternalNode, *LeafNode and *ScalarNode; no others exist.
type Node interface {
	fmt.Stringer
	node()
}

// InternalNode is an unpackable container. Children are in traversal order.
type InternalNode struct {
	Kind     InternalKind
	Aux      any
	Children []Node
}

// LeafNode stands in for an array value. Meta is descriptive (shape); the
// value itself travels in the leaves list.
type LeafNode struct {
	Kind LeafKind
	Meta any
}

// ScalarNode holds any other value verbatim.
type ScalarNode struct {
	Value any
}

func (*InternalNode) node() {}
func (*LeafNode) node()     {}
func (*ScalarNode) node()   {}

func (n *InternalNode) String() string {
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		parts = append(parts, c.String())
	}
	return fmt.Sprintf("%s(%s)", n.Kind.Name(), strings.Join(parts, ", "))
}

func (n *LeafNode) String() string {
	return fmt.Sprintf("%s<%v>", n.Kind.Name(), n.Meta)
}

func (n *ScalarNode) String() string {
	return fmt.Sprintf("%v", n.Value)
}

// Equal compares two trees structurally. Leaves are equal whenever both
// sides are leaves of the same kind; contents are never inspected.
func Equal(a, b Node) bool {
	switch x := a.(type) {
	case *LeafNode:
		y, ok := b.(*LeafNode)
		return ok && x.Kind.Name() == y.Kind.Name()
	case *InternalNode:
		y, ok := b.(*InternalNode)
		if !ok || x.Kind.Name() != y.Kind.Name() {
			return false
		}
		if !reflect.DeepEqual(x.Aux, y.Aux) || len(x.Children) != len(y.Children) {
			return false
		}
		for i := range x.Children {
			if !Equal(x.Children[i], y.Children[i]) {
				return false
			}
		}
		return true
	case *ScalarNode:
		y, ok := b.(*ScalarNode)
		return ok && reflect.DeepEqual(x.Value, y.Value)
	default:
		return false
	}
}

// CountLeaves returns how many leaf positions the tree holds.
func CountLeaves(n Node) int {
	switch x := n.(type) {
	case *LeafNode:
		return 1
	case *InternalNode:
		total := 0
		for _, c := range x.Children {
			total += CountLeaves(c)
		}
		return total
	default:
		return 0
	}
}
