package hook

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/danmuck/flexmodel/internal/observability"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/transfer"
	"github.com/rs/zerolog/log"
)

var (
	ErrShapeMismatch       = errors.New("hook: edited activation changed shape")
	ErrUnsupportedArgument = errors.New("hook: unsupported argument")
	ErrNotAttached         = errors.New("hook: not attached to a session")
	ErrInvalidConfig       = errors.New("hook: invalid config")
)

// Config describes one instrumented submodule.
type Config struct {
	ModuleName string
	// ExpectedShape is the full activation shape; transfer.Unknown entries
	// take the observed extent. Empty means fully unknown.
	ExpectedShape   []int
	EditingFunction EditingFunc
	UnpackIdx       int
}

// HookFunction captures and optionally edits one submodule's activation.
type HookFunction struct {
	ModuleName      string
	ExpectedShape   []int
	UnpackIdx       int
	EditingFunction EditingFunc

	shared   *SharedState
	kind     Kind
	pipeline atomic.Pointer[Pipeline]
}

func New(cfg Config) (*HookFunction, error) {
	if cfg.ModuleName == "" {
		return nil, fmt.Errorf("%w: module name is required", ErrInvalidConfig)
	}
	if cfg.UnpackIdx < 0 {
		return nil, fmt.Errorf("%w: unpack_idx %d", ErrInvalidConfig, cfg.UnpackIdx)
	}
	for i, d := range cfg.ExpectedShape {
		if d < 1 && d != transfer.Unknown {
			return nil, fmt.Errorf("%w: expected_shape[%d] = %d", ErrInvalidConfig, i, d)
		}
	}
	return &HookFunction{
		ModuleName:      cfg.ModuleName,
		ExpectedShape:   slices.Clone(cfg.ExpectedShape),
		UnpackIdx:       cfg.UnpackIdx,
		EditingFunction: cfg.EditingFunction,
	}, nil
}

// Attach binds the hook to a session's shared state as kind. It may be
// called again to move an unbound hook; a bound pipeline is kept.
func (h *HookFunction) Attach(shared *SharedState, kind Kind) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedHookKind, kind)
	}
	if err := shared.validate(); err != nil {
		return err
	}
	h.shared = shared
	h.kind = kind
	return nil
}

func (h *HookFunction) Kind() Kind { return h.kind }

func (h *HookFunction) Phase() Phase {
	if h.pipeline.Load() != nil {
		return Bound
	}
	return Unbound
}

// Pipeline is nil until the first activation binds it.
func (h *HookFunction) Pipeline() *Pipeline { return h.pipeline.Load() }

// Call is the host engine entry point. Positional arguments follow the
// attached kind: (module, inputs, outputs) for forward, (module, gradInputs,
// gradOutputs) for full backward, (module, args) for pre hooks and (grad)
// for tensor hooks. Keyword arguments are not supported.
func (h *HookFunction) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(kwargs) != 0 {
		return nil, fmt.Errorf("%w: keyword arguments %v", ErrUnsupportedArgument, slices.Sorted(maps.Keys(kwargs)))
	}
	if h.shared == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, h.ModuleName)
	}
	if !h.kind.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHookKind, h.kind)
	}
	if len(args) != h.kind.arity() {
		return nil, fmt.Errorf("%w: %s hook takes %d arguments, got %d", ErrUnsupportedArgument, h.kind, h.kind.arity(), len(args))
	}

	start := time.Now()
	log.Debug().Str("module", h.ModuleName).Str("kind", h.kind.String()).Msg("hook: activated")

	var (
		out any
		err error
	)
	switch h.kind {
	case Forward:
		out, err = h.handleLayerOutputs(ctx, args[0], args[2])
	case FullBackward:
		out, err = h.handleLayerOutputs(ctx, args[0], args[1])
	case ForwardPre, FullBackwardPre:
		out, err = h.handleLayerOutputs(ctx, args[0], args[1])
	case Tensor:
		grad, ok := args[0].(*tensor.Tensor)
		if !ok || grad == nil {
			err = fmt.Errorf("%w: tensor hook wants *tensor.Tensor, got %T", ErrUnsupportedArgument, args[0])
			break
		}
		out, err = h.handleTensor(ctx, nil, grad)
	}

	observability.RecordHookInvocation(h.ModuleName, h.kind.String(), err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("hook %s (%s): %w", h.ModuleName, h.kind, err)
	}
	return out, nil
}

// Forward edits a forward hook's outputs.
func (h *HookFunction) Forward(ctx context.Context, module, inputs, outputs any) (any, error) {
	return h.callAs(ctx, Forward, module, inputs, outputs)
}

// ForwardPre edits a forward pre hook's args.
func (h *HookFunction) ForwardPre(ctx context.Context, module, args any) (any, error) {
	return h.callAs(ctx, ForwardPre, module, args)
}

// FullBackward edits a backward hook's input gradients.
func (h *HookFunction) FullBackward(ctx context.Context, module, gradInputs, gradOutputs any) (any, error) {
	return h.callAs(ctx, FullBackward, module, gradInputs, gradOutputs)
}

// FullBackwardPre edits a backward pre hook's output gradients.
func (h *HookFunction) FullBackwardPre(ctx context.Context, module, gradOutputs any) (any, error) {
	return h.callAs(ctx, FullBackwardPre, module, gradOutputs)
}

// TensorGrad edits a tensor-level gradient.
func (h *HookFunction) TensorGrad(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := h.callAs(ctx, Tensor, grad)
	if err != nil {
		return nil, err
	}
	return out.(*tensor.Tensor), nil
}

func (h *HookFunction) callAs(ctx context.Context, kind Kind, args ...any) (any, error) {
	if h.shared != nil && h.kind != kind {
		return nil, fmt.Errorf("%w: attached as %s, invoked as %s", ErrUnsupportedHookKind, h.kind, kind)
	}
	return h.Call(ctx, args, nil)
}

func (h *HookFunction) handleLayerOutputs(ctx context.Context, module, container any) (any, error) {
	leaf, repack, err := h.shared.Codec.Unpack(container, h.UnpackIdx)
	if err != nil {
		return nil, err
	}
	t, ok := leaf.(*tensor.Tensor)
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: leaf %d is %T", ErrUnsupportedArgument, h.UnpackIdx, leaf)
	}
	edited, err := h.handleTensor(ctx, module, t)
	if err != nil {
		return nil, err
	}
	return repack(edited)
}

func (h *HookFunction) handleTensor(ctx context.Context, module any, t *tensor.Tensor) (*tensor.Tensor, error) {
	startShape := t.Shape()
	p, err := h.bind(ctx, t)
	if err != nil {
		return nil, err
	}

	full, err := p.collect(ctx, t)
	if err != nil {
		return nil, err
	}
	fullShape := full.Shape()

	p.offload(full)

	edited, err := p.edit(module, full, h.shared.SaveCtx, h.shared.Modules)
	if err != nil {
		return nil, fmt.Errorf("editing function: %w", err)
	}
	if edited == nil {
		return nil, fmt.Errorf("%w: editing function returned nil", ErrShapeMismatch)
	}
	if !slices.Equal(fullShape, edited.Shape()) {
		return nil, fmt.Errorf("%w: %v -> %v", ErrShapeMismatch, fullShape, edited.Shape())
	}

	out, err := p.disperse(ctx, edited)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(startShape, out.Shape()) {
		return nil, fmt.Errorf("%w: %v -> %v", ErrShapeMismatch, startShape, out.Shape())
	}
	return out, nil
}

// bind concretizes the pipeline from the first observed activation.
func (h *HookFunction) bind(ctx context.Context, t *tensor.Tensor) (*Pipeline, error) {
	if p := h.pipeline.Load(); p != nil {
		return p, nil
	}

	expected := h.ExpectedShape
	if len(expected) == 0 {
		expected = slices.Repeat([]int{transfer.Unknown}, t.Dim())
	}
	plan, err := transfer.Parse(ctx, h.shared.Backend, t, expected)
	if err != nil {
		return nil, err
	}
	p, err := newPipeline(
		plan.Collect,
		plan.Disperse,
		parseEditingFunction(h.EditingFunction),
		h.shared.Output.Offloader(h.ModuleName, authoritative(h.shared.Backend)),
	)
	if err != nil {
		return nil, err
	}
	p.plan = plan
	h.pipeline.Store(p)

	log.Debug().
		Str("module", h.ModuleName).
		Ints("observed", t.Shape()).
		Int("shard_axis", plan.Axis).
		Str("offload", string(h.shared.OffloadMode)).
		Msg("hook: pipeline bound")
	return p, nil
}
