package distributed

import (
	"context"
	"fmt"
	"slices"

	"github.com/danmuck/flexmodel/internal/observability"
	"github.com/danmuck/flexmodel/internal/tensor"
)

// Communicator is the point-to-point transport between ranks. Messages
// between one ordered pair of ranks are delivered in send order.
type Communicator interface {
	Rank() int
	WorldSize() int
	Send(ctx context.Context, dst int, t *tensor.Tensor) error
	Recv(ctx context.Context, src int) (*tensor.Tensor, error)
	Close() error
}

// Group is an ordered set of global ranks taking part in one collective.
type Group struct {
	Ranks []int
}

func (g Group) Size() int { return len(g.Ranks) }

// Index returns rank's position in the group, or -1.
func (g Group) Index(rank int) int { return slices.Index(g.Ranks, rank) }

// AllGather returns every member's tensor in group order. The caller's own
// contribution is cloned, never aliased.
func AllGather(ctx context.Context, comm Communicator, g Group, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	self := comm.Rank()
	if g.Index(self) < 0 {
		return nil, fmt.Errorf("%w: rank %d not in %v", ErrNotInGroup, self, g.Ranks)
	}
	observability.RecordCollective("all_gather", g.Size(), t.Bytes())

	for _, peer := range g.Ranks {
		if peer == self {
			continue
		}
		if err := comm.Send(ctx, peer, t); err != nil {
			return nil, fmt.Errorf("all_gather send %d->%d: %w", self, peer, err)
		}
	}

	out := make([]*tensor.Tensor, 0, g.Size())
	for _, peer := range g.Ranks {
		if peer == self {
			out = append(out, t.Clone())
			continue
		}
		got, err := comm.Recv(ctx, peer)
		if err != nil {
			return nil, fmt.Errorf("all_gather recv %d<-%d: %w", self, peer, err)
		}
		out = append(out, got)
	}
	return out, nil
}

// Broadcast sends root's tensor to every member. Non-root callers pass nil
// or a placeholder; the received tensor is returned.
func Broadcast(ctx context.Context, comm Communicator, g Group, root int, t *tensor.Tensor) (*tensor.Tensor, error) {
	self := comm.Rank()
	if g.Index(self) < 0 || g.Index(root) < 0 {
		return nil, fmt.Errorf("%w: self=%d root=%d group=%v", ErrNotInGroup, self, root, g.Ranks)
	}

	if self != root {
		got, err := comm.Recv(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("broadcast recv %d<-%d: %w", self, root, err)
		}
		return got, nil
	}

	if t == nil {
		return nil, fmt.Errorf("broadcast: root %d has no tensor", root)
	}
	observability.RecordCollective("broadcast", g.Size(), t.Bytes())
	for _, peer := range g.Ranks {
		if peer == self {
			continue
		}
		if err := comm.Send(ctx, peer, t); err != nil {
			return nil, fmt.Errorf("broadcast send %d->%d: %w", self, peer, err)
		}
	}
	return t.Clone(), nil
}
