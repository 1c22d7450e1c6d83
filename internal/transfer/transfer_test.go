package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/flexmodel/internal/distributed"
	"github.com/danmuck/flexmodel/internal/distributed/local"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func runTP(t *testing.T, tp int, fn func(ctx context.Context, b *distributed.Backend) error) {
	t.Helper()
	err := local.Run(context.Background(), tp, func(ctx context.Context, comm distributed.Communicator) error {
		b, err := distributed.Initialize(comm, tp, tp, 1, 1)
		if err != nil {
			return err
		}
		return fn(ctx, b)
	})
	if err != nil {
		t.Fatalf("tp=%d: %v", tp, err)
	}
}

func TestInferShardAxis(t *testing.T) {
	tests := []struct {
		name     string
		observed []int
		expected []int
		axis     int
		err      error
	}{
		{name: "all unknown", observed: []int{4, 8}, expected: []int{Unknown, Unknown}, axis: NoShard},
		{name: "all equal", observed: []int{4, 8}, expected: []int{4, 8}, axis: NoShard},
		{name: "last axis", observed: []int{4, 512, 2560}, expected: []int{Unknown, Unknown, 5120}, axis: 2},
		{name: "first axis", observed: []int{2, 8}, expected: []int{4, 8}, axis: 0},
		{name: "two axes", observed: []int{2, 4}, expected: []int{4, 8}, err: ErrMultipleShardAxes},
		{name: "rank", observed: []int{2, 4}, expected: []int{4}, err: ErrRankMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			axis, err := InferShardAxis(tc.observed, tc.expected)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil || axis != tc.axis {
				t.Fatalf("axis=%d err=%v want axis %d", axis, err, tc.axis)
			}
		})
	}
}

func TestDisperseOfCollectIsIdentity(t *testing.T) {
	testlog.Start(t)
	for _, g := range []int{1, 2, 4, 8} {
		for _, axis := range []int{0, 1, 2} {
			t.Run(fmt.Sprintf("g=%d/axis=%d", g, axis), func(t *testing.T) {
				fullShape := []int{2, 3, 4}
				fullShape[axis] *= g
				full := tensor.Arange(0, fullShape...)
				expected := []int{Unknown, Unknown, Unknown}
				expected[axis] = fullShape[axis]

				runTP(t, g, func(ctx context.Context, b *distributed.Backend) error {
					step := fullShape[axis] / g
					shard, err := full.Narrow(axis, b.TensorParallelRank()*step, step)
					if err != nil {
						return err
					}
					collect, disperse, err := ParseCollectAndDisperse(ctx, b, shard, expected)
					if err != nil {
						return err
					}
					gathered, err := collect(ctx, shard)
					if err != nil {
						return err
					}
					if !gathered.Equal(full) {
						return fmt.Errorf("collect mismatch: %v", gathered)
					}
					back, err := disperse(ctx, gathered)
					if err != nil {
						return err
					}
					if !back.Equal(shard) {
						return fmt.Errorf("disperse(collect(x)) != x on tp rank %d", b.TensorParallelRank())
					}
					return nil
				})
			})
		}
	}
}

func TestColumnShardExample(t *testing.T) {
	testlog.Start(t)
	expected := []int{4, 512, 5120}
	full := tensor.Arange(0, expected...)
	runTP(t, 2, func(ctx context.Context, b *distributed.Backend) error {
		r := b.TensorParallelRank()
		shard, err := full.Narrow(2, r*2560, 2560)
		if err != nil {
			return err
		}
		plan, err := Parse(ctx, b, shard, expected)
		if err != nil {
			return err
		}
		if plan.Axis != 2 || plan.GroupSize != 2 || plan.GroupRank != r {
			return fmt.Errorf("plan %+v", plan)
		}
		gathered, err := plan.Collect(ctx, shard)
		if err != nil {
			return err
		}
		if diff := cmp.Diff(expected, gathered.Shape()); diff != "" {
			return fmt.Errorf("collect shape diff:\n%s", diff)
		}
		edited := gathered.Clone().Scale(2)
		back, err := plan.Disperse(ctx, edited)
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]int{4, 512, 2560}, back.Shape()); diff != "" {
			return fmt.Errorf("disperse shape diff:\n%s", diff)
		}
		// rank r holds columns [r*2560, (r+1)*2560) of every row.
		want := float32(2 * (r * 2560))
		if back.Data()[0] != want {
			return fmt.Errorf("rank %d first element %v want %v", r, back.Data()[0], want)
		}
		return nil
	})
}

func TestParseWithoutBackendIsIdentity(t *testing.T) {
	x := tensor.Arange(0, 3, 4)
	collect, disperse, err := ParseCollectAndDisperse(context.Background(), nil, x, []int{Unknown, 4})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := collect(context.Background(), x)
	if err != nil || got != x {
		t.Fatalf("collect must pass through: %v %v", got, err)
	}
	if got, err = disperse(context.Background(), x); err != nil || got != x {
		t.Fatalf("disperse must pass through: %v %v", got, err)
	}
}

func TestParseRejectsUnevenShard(t *testing.T) {
	if _, err := Parse(context.Background(), nil, tensor.Zeros(4, 3), []int{4, 8}); !errors.Is(err, ErrUnevenShard) {
		t.Fatalf("expected ErrUnevenShard, got %v", err)
	}
	runTP(t, 2, func(ctx context.Context, b *distributed.Backend) error {
		_, err := Parse(ctx, b, tensor.Zeros(4, 3), []int{4, 7})
		if !errors.Is(err, ErrUnevenShard) {
			return fmt.Errorf("expected ErrUnevenShard, got %v", err)
		}
		return nil
	})
}

func TestParseDetectsAxisDisagreement(t *testing.T) {
	testlog.Start(t)
	runTP(t, 2, func(ctx context.Context, b *distributed.Backend) error {
		shard, expected := tensor.Zeros(2, 4), []int{4, Unknown}
		if b.TensorParallelRank() == 1 {
			shard, expected = tensor.Zeros(4, 2), []int{Unknown, 4}
		}
		_, err := Parse(ctx, b, shard, expected)
		if !errors.Is(err, ErrShardAxisDisagreement) {
			return fmt.Errorf("expected ErrShardAxisDisagreement, got %v", err)
		}
		return nil
	})
}

func TestParseLocalFailureDoesNotBlockPeers(t *testing.T) {
	runTP(t, 2, func(ctx context.Context, b *distributed.Backend) error {
		shard, expected := tensor.Zeros(2, 4), []int{4, Unknown}
		want := ErrShardAxisDisagreement
		if b.TensorParallelRank() == 1 {
			expected = []int{4, 8}
			want = ErrMultipleShardAxes
		}
		_, err := Parse(ctx, b, shard, expected)
		if !errors.Is(err, want) {
			return fmt.Errorf("expected %v, got %v", want, err)
		}
		return nil
	})
}

func TestShardShape(t *testing.T) {
	runTP(t, 4, func(ctx context.Context, b *distributed.Backend) error {
		plan, err := Parse(ctx, b, tensor.Zeros(2, 2), []int{Unknown, 8})
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]int{2, 2}, plan.ShardShape([]int{2, 8})); diff != "" {
			return fmt.Errorf("shard shape diff:\n%s", diff)
		}
		return nil
	})
}
