// Package toymodel is a small column-parallel MLP stack used to exercise
// hooks end to end. Each layer multiplies by a weight whose output columns
// are split across the tensor parallel group, emits its shard wrapped in a
// *traverse.ModelOutput, and gathers the full activation for the next layer.
package toymodel

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/flexmodel/internal/distributed"
	"github.com/danmuck/flexmodel/internal/hook"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/traverse"
	"github.com/rs/zerolog/log"
)

var ErrShape = errors.New("toymodel: bad shape")

// HookSet resolves the hook registered for a module name, or nil.
type HookSet interface {
	Hook(module string) *hook.HookFunction
}

// Layer is one column-parallel linear layer.
type Layer struct {
	name   string
	weight *tensor.Tensor // [hidden, hidden/tp], this rank's columns
}

func (l *Layer) Name() string { return l.name }

// Model is the per-rank view of the stack.
type Model struct {
	backend *distributed.Backend
	hidden  int
	layers  []*Layer
}

// LayerName is the module name of layer i.
func LayerName(i int) string { return fmt.Sprintf("layers.%d.mlp", i) }

// New builds numLayers layers of width hidden. Weights are a fixed function
// of position so every tensor parallel size computes the same model.
func New(b *distributed.Backend, numLayers, hidden int) (*Model, error) {
	tp, rank := b.TensorParallelWorldSize(), b.TensorParallelRank()
	if hidden < 1 || hidden%tp != 0 {
		return nil, fmt.Errorf("%w: hidden %d over %d tensor parallel ranks", ErrShape, hidden, tp)
	}
	cols := hidden / tp
	m := &Model{backend: b, hidden: hidden}
	for l := 0; l < numLayers; l++ {
		w := tensor.Zeros(hidden, cols)
		data := w.Data()
		for i := 0; i < hidden; i++ {
			for j := 0; j < cols; j++ {
				c := rank*cols + j
				data[i*cols+j] = float32(math.Sin(float64(l*hidden*hidden+i*hidden+c))) / float32(hidden)
			}
		}
		m.layers = append(m.layers, &Layer{name: LayerName(l), weight: w})
	}
	return m, nil
}

func (m *Model) Layers() []*Layer { return m.layers }

// Forward runs x ([..., hidden], replicated across the tensor parallel
// group) through every layer, invoking forward and forward pre hooks by
// layer name.
func (m *Model) Forward(ctx context.Context, x *tensor.Tensor, hooks HookSet) (*tensor.Tensor, error) {
	for _, layer := range m.layers {
		h := lookup(hooks, layer.name)

		if h != nil && h.Kind() == hook.ForwardPre {
			out, err := h.ForwardPre(ctx, layer, x)
			if err != nil {
				return nil, err
			}
			x = out.(*tensor.Tensor)
		}

		shard, err := matmul(x, layer.weight)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layer.name, err)
		}
		var out any = &traverse.ModelOutput{LastHiddenState: shard}
		if h != nil && h.Kind() == hook.Forward {
			if out, err = h.Forward(ctx, layer, x, out); err != nil {
				return nil, err
			}
		}
		mo, ok := out.(*traverse.ModelOutput)
		if !ok {
			return nil, fmt.Errorf("%s: hook returned %T", layer.name, out)
		}
		shard, ok = mo.LastHiddenState.(*tensor.Tensor)
		if !ok {
			return nil, fmt.Errorf("%s: hook returned hidden state %T", layer.name, mo.LastHiddenState)
		}

		if x, err = m.gather(ctx, shard); err != nil {
			return nil, fmt.Errorf("%s: %w", layer.name, err)
		}
		log.Trace().Str("layer", layer.name).Ints("shape", x.Shape()).Msg("toymodel.Forward")
	}
	return x, nil
}

func (m *Model) gather(ctx context.Context, shard *tensor.Tensor) (*tensor.Tensor, error) {
	if m.backend.TensorParallelWorldSize() == 1 {
		return shard, nil
	}
	g, err := m.backend.TensorParallelGroup()
	if err != nil {
		return nil, err
	}
	parts, err := distributed.AllGather(ctx, m.backend.Communicator(), g, shard)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(-1, parts...)
}

func lookup(hooks HookSet, name string) *hook.HookFunction {
	if hooks == nil {
		return nil
	}
	return hooks.Hook(name)
}

// matmul contracts x's last axis with w's first.
func matmul(x, w *tensor.Tensor) (*tensor.Tensor, error) {
	xs, ws := x.Shape(), w.Shape()
	if len(xs) == 0 || len(ws) != 2 || xs[len(xs)-1] != ws[0] {
		return nil, fmt.Errorf("%w: %v x %v", ErrShape, xs, ws)
	}
	k, n := ws[0], ws[1]
	rows := x.Numel() / k
	outShape := append(xs[:len(xs)-1:len(xs)-1], n)
	out := tensor.Zeros(outShape...)
	xd, wd, od := x.Data(), w.Data(), out.Data()
	for r := 0; r < rows; r++ {
		for i := 0; i < k; i++ {
			a := xd[r*k+i]
			if a == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				od[r*n+j] += a * wd[i*n+j]
			}
		}
	}
	return out, nil
}
