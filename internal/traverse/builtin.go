package traverse

import (
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/danmuck/flexmodel/internal/tensor"
)

// Tuple is a fixed-arity positional container, the usual multi-value layer
// output.
type Tuple []any

// ModelOutput is a decoder stack's structured output: last hidden state,
// cached key/values, per-layer hidden states and attention maps.
type ModelOutput struct {
	LastHiddenState any
	PastKeyValues   any
	HiddenStates    any
	Attentions      any
}

type tupleKind struct{}

func (tupleKind) Name() string { return "TupleNode" }

func (tupleKind) Destructure(obj any) ([]any, any, error) {
	return slices.Clone(obj.(Tuple)), nil, nil
}

func (tupleKind) Reconstruct(_ any, children []any) (any, error) {
	return Tuple(children), nil
}

type listKind struct{}

func (listKind) Name() string { return "ListNode" }

func (listKind) Destructure(obj any) ([]any, any, error) {
	return slices.Clone(obj.([]any)), nil, nil
}

func (listKind) Reconstruct(_ any, children []any) (any, error) {
	return children, nil
}

type mapKind struct{}

func (mapKind) Name() string { return "MapNode" }

// Children follow sorted key order so traversal is deterministic.
func (mapKind) Destructure(obj any) ([]any, any, error) {
	m := obj.(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	children := make([]any, 0, len(keys))
	for _, k := range keys {
		children = append(children, m[k])
	}
	return children, keys, nil
}

func (mapKind) Reconstruct(aux any, children []any) (any, error) {
	keys, ok := aux.([]string)
	if !ok || len(keys) != len(children) {
		return nil, fmt.Errorf("map keys/children mismatch")
	}
	out := make(map[string]any, len(keys))
	for i, k := range keys {
		out[k] = children[i]
	}
	return out, nil
}

type modelOutputKind struct{}

func (modelOutputKind) Name() string { return "ModelOutputNode" }

func (modelOutputKind) Destructure(obj any) ([]any, any, error) {
	o := obj.(*ModelOutput)
	if o == nil {
		return nil, nil, fmt.Errorf("nil model output")
	}
	return []any{o.LastHiddenState, o.PastKeyValues, o.HiddenStates, o.Attentions}, nil, nil
}

func (modelOutputKind) Reconstruct(_ any, children []any) (any, error) {
	if len(children) != 4 {
		return nil, fmt.Errorf("model output wants 4 children, got %d", len(children))
	}
	return &ModelOutput{
		LastHiddenState: children[0],
		PastKeyValues:   children[1],
		HiddenStates:    children[2],
		Attentions:      children[3],
	}, nil
}

type tensorKind struct{}

func (tensorKind) Name() string { return "TensorNode" }

func (tensorKind) Describe(obj any) any {
	t := obj.(*tensor.Tensor)
	if t == nil {
		return nil
	}
	return t.Shape()
}

// DefaultRegistry returns an unsealed registry with the stock containers and
// *tensor.Tensor as the leaf type. Callers may add entries before building a
// Codec.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	must(r.RegisterInternal(reflect.TypeOf(Tuple(nil)), tupleKind{}))
	must(r.RegisterInternal(reflect.TypeOf([]any(nil)), listKind{}))
	must(r.RegisterInternal(reflect.TypeOf(map[string]any(nil)), mapKind{}))
	must(r.RegisterInternal(reflect.TypeOf((*ModelOutput)(nil)), modelOutputKind{}))
	must(r.RegisterLeaf(reflect.TypeOf((*tensor.Tensor)(nil)), tensorKind{}))
	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
