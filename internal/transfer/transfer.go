// Package transfer reconstructs full activations from tensor parallel
// shards and re-shards them after editing.
//
// Ownership boundary:
// - sharded axis inference from an observed shard and a full-shape hint
// - collect (all-gather + concat) and disperse (slice to local shard)
// - cross-rank agreement on the inferred axis
package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/danmuck/flexmodel/internal/distributed"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/rs/zerolog/log"
)

// Unknown marks an expected-shape entry to be taken from the observed shard.
const Unknown = -1

// NoShard is the axis of a plan that moves no data.
const NoShard = -1

var (
	ErrRankMismatch          = errors.New("transfer: expected shape rank differs from observed tensor")
	ErrMultipleShardAxes     = errors.New("transfer: more than one sharded axis")
	ErrUnevenShard           = errors.New("transfer: full shape not evenly divisible by tensor parallel size")
	ErrShardAxisDisagreement = errors.New("transfer: tensor parallel ranks disagree on sharded axis")
)

// Collect rebuilds the full tensor from the local shard.
type Collect func(ctx context.Context, shard *tensor.Tensor) (*tensor.Tensor, error)

// Disperse returns the local shard of a full tensor.
type Disperse func(ctx context.Context, full *tensor.Tensor) (*tensor.Tensor, error)

// Plan is the transfer bound for one activation site.
type Plan struct {
	Axis      int // NoShard when collect and disperse are identities
	GroupSize int
	GroupRank int

	comm  distributed.Communicator
	group distributed.Group
}

// InferShardAxis returns the single axis where a concrete expected extent
// differs from the observed one, or NoShard.
func InferShardAxis(observed, expected []int) (int, error) {
	if len(observed) != len(expected) {
		return NoShard, fmt.Errorf("%w: observed %v expected %v", ErrRankMismatch, observed, expected)
	}
	axis := NoShard
	for i, want := range expected {
		if want == Unknown || want == observed[i] {
			continue
		}
		if axis != NoShard {
			return NoShard, fmt.Errorf("%w: axes %d and %d (observed %v expected %v)", ErrMultipleShardAxes, axis, i, observed, expected)
		}
		axis = i
	}
	return axis, nil
}

// Parse infers the transfer for observed against expected. Backends that
// are nil or uninitialised act as a tensor parallel group of one and never
// communicate. With more than one tensor parallel rank every member must
// call Parse for the same site; the inferred axis is exchanged once and
// must agree.
func Parse(ctx context.Context, b *distributed.Backend, observed *tensor.Tensor, expected []int) (*Plan, error) {
	shape := observed.Shape()
	axis, localErr := InferShardAxis(shape, expected)

	plan := &Plan{Axis: axis, GroupSize: 1}
	if b.IsInitialized() && b.InTensorParallelGroup() {
		g, err := b.TensorParallelGroup()
		if err != nil {
			return nil, err
		}
		plan.comm = b.Communicator()
		plan.group = g
		plan.GroupSize = g.Size()
		plan.GroupRank = b.TensorParallelRank()
	}

	if localErr == nil && axis != NoShard && expected[axis] != shape[axis]*plan.GroupSize {
		localErr = fmt.Errorf("%w: axis %d shard %d x %d ranks != %d", ErrUnevenShard, axis, shape[axis], plan.GroupSize, expected[axis])
	}

	if plan.GroupSize > 1 {
		if err := plan.agree(ctx, localErr); err != nil {
			return nil, err
		}
	}
	if localErr != nil {
		return nil, localErr
	}

	log.Debug().
		Ints("observed", shape).
		Ints("expected", expected).
		Int("axis", plan.Axis).
		Int("tp_size", plan.GroupSize).
		Int("tp_rank", plan.GroupRank).
		Msg("transfer.Parse")
	return plan, nil
}

// agree exchanges the locally inferred axis across the tensor parallel
// group. A rank that failed locally still takes part so peers never block.
func (p *Plan) agree(ctx context.Context, localErr error) error {
	code := float32(p.Axis)
	if localErr != nil {
		code = -2
	}
	codes, err := distributed.AllGather(ctx, p.comm, p.group, tensor.Arange(code, 1))
	if err != nil {
		return fmt.Errorf("transfer: shard axis exchange: %w", err)
	}
	if localErr != nil {
		return localErr
	}
	for i, c := range codes {
		if c.Data()[0] != code {
			return fmt.Errorf("%w: rank %d inferred axis %d, tensor parallel rank %d reports %v", ErrShardAxisDisagreement, p.group.Ranks[p.GroupRank], p.Axis, i, c.Data()[0])
		}
	}
	return nil
}

// Sharded reports whether the plan communicates.
func (p *Plan) Sharded() bool {
	return p.Axis != NoShard && p.GroupSize > 1
}

// Collect all-gathers the shard across the tensor parallel group and
// concatenates the pieces in group rank order.
func (p *Plan) Collect(ctx context.Context, shard *tensor.Tensor) (*tensor.Tensor, error) {
	if !p.Sharded() {
		return shard, nil
	}
	parts, err := distributed.AllGather(ctx, p.comm, p.group, shard)
	if err != nil {
		return nil, fmt.Errorf("transfer: collect: %w", err)
	}
	return tensor.Concat(p.Axis, parts...)
}

// Disperse slices full into GroupSize contiguous pieces along the shard axis
// and returns a copy of this rank's piece.
func (p *Plan) Disperse(_ context.Context, full *tensor.Tensor) (*tensor.Tensor, error) {
	if !p.Sharded() {
		return full, nil
	}
	size, err := full.Size(p.Axis)
	if err != nil {
		return nil, err
	}
	if size%p.GroupSize != 0 {
		return nil, fmt.Errorf("%w: axis %d size %d over %d ranks", ErrUnevenShard, p.Axis, size, p.GroupSize)
	}
	step := size / p.GroupSize
	return full.Narrow(p.Axis, p.GroupRank*step, step)
}

// ShardShape is the local shard shape of a full shape under the plan.
func (p *Plan) ShardShape(full []int) []int {
	out := slices.Clone(full)
	if p.Sharded() {
		out[p.Axis] /= p.GroupSize
	}
	return out
}

// ParseCollectAndDisperse binds the collect and disperse functions for the
// activation site that produced observed.
func ParseCollectAndDisperse(ctx context.Context, b *distributed.Backend, observed *tensor.Tensor, expected []int) (Collect, Disperse, error) {
	plan, err := Parse(ctx, b, observed, expected)
	if err != nil {
		return nil, nil, err
	}
	return plan.Collect, plan.Disperse, nil
}
