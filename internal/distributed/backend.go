// Package distributed owns the backend capability threaded through every
// component that asks distributed questions.
//
// Ownership boundary:
// - the device mesh for the calling rank
// - the injected point-to-point communicator
// - activation parallel group lifecycle
// - collectives built on point-to-point
//
// A Backend is constructed once per session and passed explicitly; there
// is no process-wide active backend.
package distributed

import (
	"errors"
	"fmt"

	"github.com/danmuck/flexmodel/internal/mesh"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitialized  = errors.New("distributed: backend not initialized")
	ErrNotInGroup      = errors.New("distributed: rank not in group")
	ErrNilCommunicator = errors.New("distributed: communicator is nil")
)

// Backend is the distributed capability for one session on one rank.
type Backend struct {
	mesh *mesh.Mesh
	comm Communicator

	initialized        bool
	activationParallel bool
}

// Initialize validates the mesh against comm's world and returns a live
// backend. Activation parallel groups are not yet initialized.
func Initialize(comm Communicator, worldSize, tp, pp, dp int) (*Backend, error) {
	if comm == nil {
		return nil, ErrNilCommunicator
	}
	if comm.WorldSize() != worldSize {
		return nil, fmt.Errorf("%w: communicator world %d != configured world %d", mesh.ErrInvalidMesh, comm.WorldSize(), worldSize)
	}
	m, err := mesh.Build(comm.Rank(), worldSize, tp, pp, dp)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Int("rank", comm.Rank()).
		Str("mesh", m.String()).
		Msg("distributed.Initialize")
	return &Backend{mesh: m, comm: comm, initialized: true}, nil
}

// IsInitialized is false for a nil or destroyed backend.
func (b *Backend) IsInitialized() bool {
	return b != nil && b.initialized
}

// Destroy disables the backend. The communicator is left to its owner.
func (b *Backend) Destroy() {
	if b == nil {
		return
	}
	b.activationParallel = false
	b.initialized = false
}

func (b *Backend) InitializeActivationParallel() error {
	if !b.IsInitialized() {
		return ErrNotInitialized
	}
	b.activationParallel = true
	return nil
}

func (b *Backend) ActivationParallelIsInitialized() bool {
	return b.IsInitialized() && b.activationParallel
}

func (b *Backend) DestroyActivationParallel() {
	if b != nil {
		b.activationParallel = false
	}
}

func (b *Backend) Mesh() *mesh.Mesh { return b.mesh }

func (b *Backend) Communicator() Communicator { return b.comm }

func (b *Backend) Rank() int { return b.comm.Rank() }

func (b *Backend) WorldSize() int { return b.comm.WorldSize() }

func (b *Backend) InTensorParallelGroup() bool { return b.inGroup(mesh.TensorParallel) }

func (b *Backend) InPipelineParallelGroup() bool { return b.inGroup(mesh.PipelineParallel) }

func (b *Backend) InDataParallelGroup() bool { return b.inGroup(mesh.DataParallel) }

func (b *Backend) TensorParallelGroup() (Group, error) { return b.group(mesh.TensorParallel) }

func (b *Backend) PipelineParallelGroup() (Group, error) { return b.group(mesh.PipelineParallel) }

func (b *Backend) DataParallelGroup() (Group, error) { return b.group(mesh.DataParallel) }

func (b *Backend) TensorParallelRank() int { return b.axisRank(mesh.TensorParallel) }

func (b *Backend) PipelineParallelRank() int { return b.axisRank(mesh.PipelineParallel) }

func (b *Backend) DataParallelRank() int { return b.axisRank(mesh.DataParallel) }

func (b *Backend) TensorParallelWorldSize() int { return b.axisSize(mesh.TensorParallel) }

func (b *Backend) PipelineParallelWorldSize() int { return b.axisSize(mesh.PipelineParallel) }

func (b *Backend) DataParallelWorldSize() int { return b.axisSize(mesh.DataParallel) }

func (b *Backend) inGroup(axis mesh.Axis) bool {
	return b.IsInitialized() && b.mesh.IsInGroup(axis)
}

func (b *Backend) group(axis mesh.Axis) (Group, error) {
	if !b.IsInitialized() {
		return Group{}, ErrNotInitialized
	}
	ranks := b.mesh.GroupRanks(axis)
	if ranks == nil {
		return Group{}, fmt.Errorf("%w: rank %d has no %s group", ErrNotInGroup, b.mesh.GlobalRank(), axis)
	}
	return Group{Ranks: ranks}, nil
}

// Single-process answers: rank 0 of a group of one.

func (b *Backend) axisRank(axis mesh.Axis) int {
	if !b.IsInitialized() {
		return 0
	}
	return b.mesh.Rank(axis)
}

func (b *Backend) axisSize(axis mesh.Axis) int {
	if !b.IsInitialized() {
		return 1
	}
	return b.mesh.GroupSize(axis)
}
