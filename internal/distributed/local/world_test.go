package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/flexmodel/internal/distributed"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/testutil/testlog"
)

func TestAllGatherReturnsGroupOrder(t *testing.T) {
	testlog.Start(t)
	const n = 4
	g := distributed.Group{Ranks: []int{0, 1, 2, 3}}
	err := Run(context.Background(), n, func(ctx context.Context, comm distributed.Communicator) error {
		mine := tensor.Arange(float32(10*comm.Rank()), 2)
		parts, err := distributed.AllGather(ctx, comm, g, mine)
		if err != nil {
			return err
		}
		if len(parts) != n {
			t.Errorf("rank %d: got %d parts", comm.Rank(), len(parts))
			return nil
		}
		for i, p := range parts {
			if p.Data()[0] != float32(10*i) {
				t.Errorf("rank %d: part %d starts at %v", comm.Rank(), i, p.Data()[0])
			}
		}
		if parts[comm.Rank()] == mine {
			t.Errorf("rank %d: own contribution aliased", comm.Rank())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestAllGatherSubgroupsDoNotCross(t *testing.T) {
	testlog.Start(t)
	err := Run(context.Background(), 4, func(ctx context.Context, comm distributed.Communicator) error {
		base := comm.Rank() / 2 * 2
		g := distributed.Group{Ranks: []int{base, base + 1}}
		parts, err := distributed.AllGather(ctx, comm, g, tensor.Arange(float32(comm.Rank()), 1))
		if err != nil {
			return err
		}
		if parts[0].Data()[0] != float32(base) || parts[1].Data()[0] != float32(base+1) {
			t.Errorf("rank %d: got %v %v", comm.Rank(), parts[0], parts[1])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestBroadcastFromNonZeroRoot(t *testing.T) {
	testlog.Start(t)
	g := distributed.Group{Ranks: []int{0, 1, 2}}
	err := Run(context.Background(), 3, func(ctx context.Context, comm distributed.Communicator) error {
		var in *tensor.Tensor
		if comm.Rank() == 2 {
			in = tensor.Arange(7, 3)
		}
		got, err := distributed.Broadcast(ctx, comm, g, 2, in)
		if err != nil {
			return err
		}
		if !got.Equal(tensor.Arange(7, 3)) {
			t.Errorf("rank %d: got %v", comm.Rank(), got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestAllGatherRejectsNonMember(t *testing.T) {
	w := NewWorld(2)
	defer w.Close()
	_, err := distributed.AllGather(context.Background(), w.Communicator(1), distributed.Group{Ranks: []int{0}}, tensor.Zeros(1))
	if !errors.Is(err, distributed.ErrNotInGroup) {
		t.Fatalf("expected ErrNotInGroup, got %v", err)
	}
}

func TestRecvHonoursContext(t *testing.T) {
	w := NewWorld(2)
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Communicator(0).Recv(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWorldCloseUnblocksRecv(t *testing.T) {
	w := NewWorld(2)
	done := make(chan error, 1)
	go func() {
		_, err := w.Communicator(1).Recv(context.Background(), 0)
		done <- err
	}()
	w.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("recv still blocked after close")
	}
}

func TestEndpointCloseRetiresOnlyThatRank(t *testing.T) {
	w := NewWorld(3)
	defer w.Close()
	c0, c1 := w.Communicator(0), w.Communicator(1)
	if err := c0.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c0.Send(context.Background(), 1, tensor.Zeros(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from retired endpoint, got %v", err)
	}
	if err := c1.Send(context.Background(), 2, tensor.Zeros(1)); err != nil {
		t.Fatalf("peer send after endpoint close: %v", err)
	}
}

func TestPeerRangeChecked(t *testing.T) {
	w := NewWorld(2)
	defer w.Close()
	for _, peer := range []int{-1, 0, 2} {
		if err := w.Communicator(0).Send(context.Background(), peer, tensor.Zeros(1)); !errors.Is(err, ErrPeerRange) {
			t.Fatalf("peer %d: expected ErrPeerRange, got %v", peer, err)
		}
	}
}

func TestRunFirstErrorUnblocksPeers(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), 2, func(ctx context.Context, comm distributed.Communicator) error {
		if comm.Rank() == 0 {
			return boom
		}
		_, err := comm.Recv(ctx, 0)
		return err
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
