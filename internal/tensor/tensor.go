// Package tensor is the dense array type carried through hooks.
//
// Ownership boundary:
// - shape and row-major float32 storage
// - device placement (host or accelerator scratch)
// - axis slicing and concatenation used by shard transfer
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	ErrInvalidShape  = errors.New("tensor: invalid shape")
	ErrDataLength    = errors.New("tensor: data length does not match shape")
	ErrAxisRange     = errors.New("tensor: axis out of range")
	ErrShapeMismatch = errors.New("tensor: shape mismatch")
	ErrUnevenSplit   = errors.New("tensor: axis not evenly divisible")
)

// Device is where a tensor's storage lives.
type Device uint8

const (
	Host Device = iota
	Accelerator
)

func (d Device) String() string {
	switch d {
	case Host:
		return "cpu"
	case Accelerator:
		return "gpu"
	default:
		return "unknown"
	}
}

// Tensor is a dense row-major float32 array.
type Tensor struct {
	shape  []int
	data   []float32
	device Device
}

// New allocates a zeroed tensor with the given shape on the host.
func New(shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, n)}, nil
}

// Zeros is New for shapes known to be valid.
func Zeros(shape ...int) *Tensor {
	t, err := New(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// FromSlice wraps data (not copied) with shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d got %d", ErrDataLength, shape, n, len(data))
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// Arange fills a tensor of shape with 0, 1, 2, ... offset by start.
func Arange(start float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = start + float32(i)
	}
	return t
}

func numel(shape []int) (int, error) {
	n := 1
	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: dim %d is %d", ErrInvalidShape, i, d)
		}
		n *= d
	}
	return n, nil
}

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }
func (t *Tensor) Dim() int { return len(t.shape) }
func (t *Tensor) Numel() int { return len(t.data) }
func (t *Tensor) Device() Device { return t.device }
func (t *Tensor) Data() []float32 { return t.data }

// Bytes is the storage footprint in bytes.
func (t *Tensor) Bytes() int { return 4 * len(t.data) }

// Size returns the extent of one axis. Negative axes count from the end.
func (t *Tensor) Size(axis int) (int, error) {
	a, err := t.normAxis(axis)
	if err != nil {
		return 0, err
	}
	return t.shape[a], nil
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	return slices.Equal(t.shape, o.shape)
}

// Equal reports bitwise equality of shape and contents. Device is ignored.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.SameShape(o) {
		return false
	}
	if t == nil {
		return true
	}
	for i := range t.data {
		if math.Float32bits(t.data[i]) != math.Float32bits(o.data[i]) {
			return false
		}
	}
	return true
}

// Clone deep-copies storage, keeping the device.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape:  slices.Clone(t.shape),
		data:   slices.Clone(t.data),
		device: t.device,
	}
}

// Detach returns a view of t that is no longer tied to any producer.
// Storage is shared; callers that mutate must Clone.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: t.data, device: t.device}
}

// To copies t onto dev. Copying to the current device still allocates.
func (t *Tensor) To(dev Device) *Tensor {
	out := t.Clone()
	out.device = dev
	return out
}

// Empty returns an uninitialised-looking (zeroed) tensor shaped like t on dev.
func (t *Tensor) Empty(dev Device) *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: make([]float32, len(t.data)), device: dev}
}

// CopyFrom copies src's contents into t. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.SameShape(src) {
		return fmt.Errorf("%w: %v <- %v", ErrShapeMismatch, t.shape, src.shape)
	}
	copy(t.data, src.data)
	return nil
}

// Scale multiplies every element by f in place and returns t.
func (t *Tensor) Scale(f float32) *Tensor {
	for i := range t.data {
		t.data[i] *= f
	}
	return t
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor<%v,%s>", t.shape, t.device)
}

func (t *Tensor) normAxis(axis int) (int, error) {
	a := axis
	if a < 0 {
		a += len(t.shape)
	}
	if a < 0 || a >= len(t.shape) {
		return 0, fmt.Errorf("%w: axis %d for rank %d", ErrAxisRange, axis, len(t.shape))
	}
	return a, nil
}
