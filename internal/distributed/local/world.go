// Package local runs an SPMD world inside one process: one goroutine per
// rank, connected by buffered channel mailboxes.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/flexmodel/internal/distributed"
	"github.com/danmuck/flexmodel/internal/tensor"
	"golang.org/x/sync/errgroup"
)

// DefaultMailboxDepth bounds in-flight messages per ordered rank pair.
const DefaultMailboxDepth = 64

var (
	ErrClosed    = errors.New("local: communicator closed")
	ErrPeerRange = errors.New("local: peer rank out of range")
)

// World owns the mailboxes for n ranks.
type World struct {
	size  int
	boxes [][]chan *tensor.Tensor // boxes[src][dst]

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWorld builds mailboxes for n ranks.
func NewWorld(n int) *World {
	w := &World{size: n, done: make(chan struct{})}
	w.boxes = make([][]chan *tensor.Tensor, n)
	for src := range w.boxes {
		w.boxes[src] = make([]chan *tensor.Tensor, n)
		for dst := range w.boxes[src] {
			w.boxes[src][dst] = make(chan *tensor.Tensor, DefaultMailboxDepth)
		}
	}
	return w
}

func (w *World) Size() int { return w.size }

// Communicator returns rank's endpoint. Closing an endpoint only retires
// that rank; World.Close tears down every mailbox.
func (w *World) Communicator(rank int) distributed.Communicator {
	return &endpoint{world: w, rank: rank}
}

// Close unblocks every pending Send and Recv with ErrClosed.
func (w *World) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	return nil
}

type endpoint struct {
	world  *World
	rank   int
	closed atomic.Bool
}

func (e *endpoint) Rank() int      { return e.rank }
func (e *endpoint) WorldSize() int { return e.world.size }

func (e *endpoint) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *endpoint) checkPeer(peer int) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if peer < 0 || peer >= e.world.size || peer == e.rank {
		return fmt.Errorf("%w: %d (self=%d world=%d)", ErrPeerRange, peer, e.rank, e.world.size)
	}
	return nil
}

// Send copies t so the receiver never aliases the sender's storage.
func (e *endpoint) Send(ctx context.Context, dst int, t *tensor.Tensor) error {
	if err := e.checkPeer(dst); err != nil {
		return err
	}
	select {
	case e.world.boxes[e.rank][dst] <- t.Clone():
		return nil
	case <-e.world.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Recv(ctx context.Context, src int) (*tensor.Tensor, error) {
	if err := e.checkPeer(src); err != nil {
		return nil, err
	}
	select {
	case t := <-e.world.boxes[src][e.rank]:
		return t, nil
	case <-e.world.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run starts n ranks, each calling fn with its own communicator, and waits
// for all of them. The first error cancels the shared context and closes the
// world so blocked peers return.
func Run(ctx context.Context, n int, fn func(ctx context.Context, comm distributed.Communicator) error) error {
	w := NewWorld(n)
	defer w.Close()

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		comm := w.Communicator(rank)
		g.Go(func() error {
			if err := fn(gctx, comm); err != nil {
				w.Close()
				return fmt.Errorf("rank %d: %w", comm.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
