// Package mesh describes how ranks decompose into tensor, pipeline and data
// parallel groups. It is pure data; nothing here communicates.
//
// Layout: tensor parallel is the fastest-varying axis, then pipeline stage,
// then data parallel replica. Every rank is in exactly one tensor parallel
// group. Only the first rank of each tensor parallel group (its TP rank 0)
// is a member of a pipeline or data parallel group; that rank is the
// authoritative producer for activations of its shard group.
package mesh

import (
	"errors"
	"fmt"
	"slices"
)

var ErrInvalidMesh = errors.New("mesh: invalid device mesh")

// Axis names one parallelism dimension.
type Axis int

const (
	TensorParallel Axis = iota
	PipelineParallel
	DataParallel
)

func (a Axis) String() string {
	switch a {
	case TensorParallel:
		return "tp"
	case PipelineParallel:
		return "pp"
	case DataParallel:
		return "dp"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Axes lists every axis in mesh order.
var Axes = []Axis{TensorParallel, PipelineParallel, DataParallel}

// Mesh is the group layout as seen from one rank.
type Mesh struct {
	WorldSize int
	TPSize    int
	PPSize    int
	DPSize    int

	rank   int
	groups map[Axis][][]int
	member map[Axis][]int
}

// Build validates world == tp*pp*dp and computes every group plus the
// calling rank's membership.
func Build(rank, worldSize, tp, pp, dp int) (*Mesh, error) {
	if tp < 1 || pp < 1 || dp < 1 {
		return nil, fmt.Errorf("%w: sizes must be >= 1 (tp=%d pp=%d dp=%d)", ErrInvalidMesh, tp, pp, dp)
	}
	if worldSize != tp*pp*dp {
		return nil, fmt.Errorf("%w: world size %d != tp*pp*dp (%d*%d*%d)", ErrInvalidMesh, worldSize, tp, pp, dp)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("%w: rank %d outside world of %d", ErrInvalidMesh, rank, worldSize)
	}

	m := &Mesh{
		WorldSize: worldSize,
		TPSize:    tp,
		PPSize:    pp,
		DPSize:    dp,
		rank:      rank,
		groups:    make(map[Axis][][]int, len(Axes)),
		member:    make(map[Axis][]int, len(Axes)),
	}

	leader := func(d, p int) int { return d*pp*tp + p*tp }

	for b := 0; b < pp*dp; b++ {
		g := make([]int, 0, tp)
		for i := 0; i < tp; i++ {
			g = append(g, b*tp+i)
		}
		m.groups[TensorParallel] = append(m.groups[TensorParallel], g)
	}
	for d := 0; d < dp; d++ {
		g := make([]int, 0, pp)
		for p := 0; p < pp; p++ {
			g = append(g, leader(d, p))
		}
		m.groups[PipelineParallel] = append(m.groups[PipelineParallel], g)
	}
	for p := 0; p < pp; p++ {
		g := make([]int, 0, dp)
		for d := 0; d < dp; d++ {
			g = append(g, leader(d, p))
		}
		m.groups[DataParallel] = append(m.groups[DataParallel], g)
	}

	for _, axis := range Axes {
		for _, g := range m.groups[axis] {
			if slices.Contains(g, rank) {
				m.member[axis] = g
				break
			}
		}
	}
	return m, nil
}

// GlobalRank is the calling rank in the world.
func (m *Mesh) GlobalRank() int { return m.rank }

// IsInGroup reports whether the calling rank belongs to a group on axis.
func (m *Mesh) IsInGroup(axis Axis) bool {
	return m.member[axis] != nil
}

// GroupRanks returns the calling rank's group on axis, or nil.
func (m *Mesh) GroupRanks(axis Axis) []int {
	return slices.Clone(m.member[axis])
}

// Rank is the calling rank's index within its axis group, or -1.
func (m *Mesh) Rank(axis Axis) int {
	return slices.Index(m.member[axis], m.rank)
}

// GroupSize is the size of the calling rank's axis group, or 0.
func (m *Mesh) GroupSize(axis Axis) int {
	return len(m.member[axis])
}

// Groups returns every group on axis in ascending order.
func (m *Mesh) Groups(axis Axis) [][]int {
	out := make([][]int, 0, len(m.groups[axis]))
	for _, g := range m.groups[axis] {
		out = append(out, slices.Clone(g))
	}
	return out
}

func (m *Mesh) String() string {
	return fmt.Sprintf("Mesh{world=%d tp=%d pp=%d dp=%d rank=%d}", m.WorldSize, m.TPSize, m.PPSize, m.DPSize, m.rank)
}
