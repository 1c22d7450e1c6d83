package traverse

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
)

var (
	ErrMissingLeaf       = errors.New("traverse: no leaf at requested position")
	ErrLeafCountMismatch = errors.New("traverse: leaf count does not match template")
)

// Codec flattens objects into a template plus leaves and back again.
type Codec struct {
	reg *Registry
}

// NewCodec takes ownership of reg and seals it against further registration.
func NewCodec(reg *Registry) *Codec {
	reg.seal()
	return &Codec{reg: reg}
}

// Flatten walks obj depth first. Leaf-typed values are appended to leaves in
// visit order; registered containers recurse; anything else is a scalar.
func (c *Codec) Flatten(obj any) (Node, []any, error) {
	leaves := make([]any, 0, 4)
	root, err := c.flatten(obj, &leaves)
	if err != nil {
		return nil, nil, err
	}
	return root, leaves, nil
}

func (c *Codec) flatten(obj any, leaves *[]any) (Node, error) {
	if kind, ok := c.reg.leafKind(obj); ok {
		*leaves = append(*leaves, obj)
		return &LeafNode{Kind: kind, Meta: kind.Describe(obj)}, nil
	}

	if kind, ok := c.reg.internalKind(obj); ok {
		children, aux, err := kind.Destructure(obj)
		if err != nil {
			return nil, fmt.Errorf("traverse: destructure %s: %w", kind.Name(), err)
		}
		n := &InternalNode{Kind: kind, Aux: aux, Children: make([]Node, 0, len(children))}
		for _, child := range children {
			cn, err := c.flatten(child, leaves)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, cn)
		}
		return n, nil
	}

	return &ScalarNode{Value: obj}, nil
}

// Unflatten rebuilds an object from template, consuming leaves first to last.
func (c *Codec) Unflatten(template Node, leaves []any) (any, error) {
	pending := leaves
	obj, err := unflatten(template, &pending)
	if err != nil {
		return nil, err
	}
	if len(pending) != 0 {
		return nil, fmt.Errorf("%w: %d leaves left over", ErrLeafCountMismatch, len(pending))
	}
	return obj, nil
}

func unflatten(n Node, pending *[]any) (any, error) {
	switch x := n.(type) {
	case *LeafNode:
		if len(*pending) == 0 {
			return nil, fmt.Errorf("%w: ran out at %s", ErrLeafCountMismatch, x)
		}
		v := (*pending)[0]
		*pending = (*pending)[1:]
		return v, nil
	case *InternalNode:
		children := make([]any, 0, len(x.Children))
		for _, child := range x.Children {
			v, err := unflatten(child, pending)
			if err != nil {
				return nil, err
			}
			children = append(children, v)
		}
		obj, err := x.Kind.Reconstruct(x.Aux, children)
		if err != nil {
			return nil, fmt.Errorf("traverse: reconstruct %s: %w", x.Kind.Name(), err)
		}
		return obj, nil
	case *ScalarNode:
		return x.Value, nil
	default:
		return nil, fmt.Errorf("traverse: unknown node %T", n)
	}
}

// Repacker puts an edited leaf back where Unpack found it.
type Repacker func(edited any) (any, error)

// Unpack selects the leaf at idx and returns a Repacker that rebuilds the
// original container around a replacement for it.
func (c *Codec) Unpack(obj any, idx int) (any, Repacker, error) {
	template, leaves, err := c.Flatten(obj)
	if err != nil {
		return nil, nil, err
	}
	if idx < 0 || idx >= len(leaves) {
		return nil, nil, fmt.Errorf("%w: index %d with %d leaves", ErrMissingLeaf, idx, len(leaves))
	}
	if isNil(leaves[idx]) {
		return nil, nil, fmt.Errorf("%w: leaf %d is nil", ErrMissingLeaf, idx)
	}

	left := slices.Clone(leaves[:idx])
	right := slices.Clone(leaves[idx+1:])
	repack := func(edited any) (any, error) {
		all := make([]any, 0, len(leaves))
		all = append(all, left...)
		all = append(all, edited)
		all = append(all, right...)
		return c.Unflatten(template, all)
	}
	return leaves[idx], repack, nil
}

// isNil also catches a typed nil pointer stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
