package tensor

import (
	"fmt"
	"slices"
)

// Concat joins parts along axis. All parts share rank, device and every
// extent except the concatenated one. Parts are laid out in argument order.
func Concat(axis int, parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: concat of zero tensors", ErrInvalidShape)
	}
	first := parts[0]
	a, err := first.normAxis(axis)
	if err != nil {
		return nil, err
	}

	outShape := slices.Clone(first.shape)
	outShape[a] = 0
	for i, p := range parts {
		if p.Dim() != first.Dim() {
			return nil, fmt.Errorf("%w: part %d rank %d want %d", ErrShapeMismatch, i, p.Dim(), first.Dim())
		}
		for d := range p.shape {
			if d != a && p.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("%w: part %d shape %v vs %v off axis %d", ErrShapeMismatch, i, p.shape, first.shape, a)
			}
		}
		outShape[a] += p.shape[a]
	}

	outer, inner := split(first.shape, a)
	out := Zeros(outShape...)
	out.device = first.device
	off := 0
	for o := 0; o < outer; o++ {
		for _, p := range parts {
			blk := p.shape[a] * inner
			copy(out.data[off:off+blk], p.data[o*blk:(o+1)*blk])
			off += blk
		}
	}
	return out, nil
}

// Narrow copies length entries of axis starting at start into a new tensor.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	a, err := t.normAxis(axis)
	if err != nil {
		return nil, err
	}
	if start < 0 || length < 0 || start+length > t.shape[a] {
		return nil, fmt.Errorf("%w: narrow [%d:%d) of axis %d size %d", ErrAxisRange, start, start+length, a, t.shape[a])
	}

	outShape := slices.Clone(t.shape)
	outShape[a] = length
	outer, inner := split(t.shape, a)
	out := Zeros(outShape...)
	out.device = t.device
	blk := length * inner
	for o := 0; o < outer; o++ {
		src := o*t.shape[a]*inner + start*inner
		copy(out.data[o*blk:(o+1)*blk], t.data[src:src+blk])
	}
	return out, nil
}

// Chunk splits t into n equal contiguous pieces along axis.
func Chunk(t *Tensor, n, axis int) ([]*Tensor, error) {
	a, err := t.normAxis(axis)
	if err != nil {
		return nil, err
	}
	if n <= 0 || t.shape[a]%n != 0 {
		return nil, fmt.Errorf("%w: size %d into %d pieces", ErrUnevenSplit, t.shape[a], n)
	}
	step := t.shape[a] / n
	out := make([]*Tensor, 0, n)
	for i := 0; i < n; i++ {
		piece, err := t.Narrow(a, i*step, step)
		if err != nil {
			return nil, err
		}
		out = append(out, piece)
	}
	return out, nil
}

// OnDevice relabels t's placement without copying. Used by wire decoding.
func (t *Tensor) OnDevice(dev Device) *Tensor {
	t.device = dev
	return t
}

func split(shape []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	return outer, inner
}
