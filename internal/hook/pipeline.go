package hook

import (
	"errors"
	"fmt"

	"github.com/danmuck/flexmodel/internal/offload"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/transfer"
	"github.com/rs/zerolog/log"
)

var ErrPartialState = errors.New("hook: runtime functions partially bound")

// Phase is a hook's lifecycle position.
type Phase int

const (
	Unbound Phase = iota
	Bound
)

func (p Phase) String() string {
	if p == Bound {
		return "bound"
	}
	return "unbound"
}

// EditingFunc receives the full activation and returns the edited one with
// an identical shape. It may edit t in place; the capture has already been
// taken.
type EditingFunc func(module any, t *tensor.Tensor, saveCtx *SaveContext, modules Components) (*tensor.Tensor, error)

// DefaultEditingFunction returns t unchanged.
func DefaultEditingFunction(_ any, t *tensor.Tensor, _ *SaveContext, _ Components) (*tensor.Tensor, error) {
	log.Debug().Str("tensor", t.String()).Msg("hook: default editing function")
	return t, nil
}

// parseEditingFunction is the bind-time pass over user editing logic.
func parseEditingFunction(fn EditingFunc) EditingFunc {
	if fn == nil {
		return DefaultEditingFunction
	}
	return fn
}

// Pipeline is the immutable set of runtime functions a hook runs once
// bound.
type Pipeline struct {
	collect  transfer.Collect
	disperse transfer.Disperse
	edit     EditingFunc
	offload  offload.Func

	plan *transfer.Plan
}

func newPipeline(collect transfer.Collect, disperse transfer.Disperse, edit EditingFunc, off offload.Func) (*Pipeline, error) {
	missing := make([]string, 0, 4)
	if collect == nil {
		missing = append(missing, "collect")
	}
	if disperse == nil {
		missing = append(missing, "disperse")
	}
	if edit == nil {
		missing = append(missing, "edit")
	}
	if off == nil {
		missing = append(missing, "offload")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrPartialState, missing)
	}
	return &Pipeline{collect: collect, disperse: disperse, edit: edit, offload: off}, nil
}

// ShardAxis is the inferred tensor parallel axis, or transfer.NoShard.
func (p *Pipeline) ShardAxis() int {
	if p.plan == nil {
		return transfer.NoShard
	}
	return p.plan.Axis
}
