package protocol

import (
	"fmt"

	"github.com/danmuck/flexmodel/internal/tensor"
)

// Field ids for hello frames.
const (
	HelloFieldRank      uint16 = 1
	HelloFieldWorldSize uint16 = 2
)

// Field ids for tensor frames.
const (
	TensorFieldSrc    uint16 = 1
	TensorFieldDevice uint16 = 2
	TensorFieldShape  uint16 = 3
	TensorFieldData   uint16 = 4
)

// Hello opens a rank-to-rank connection. Token travels in the auth block.
type Hello struct {
	Rank      int
	WorldSize int
	Token     string
}

func EncodeHello(h Hello) *Message {
	return &Message{
		Header:    Header{MessageType: MessageHello},
		AuthBlock: []byte(h.Token),
		Fields: []Field{
			NewFieldUint32(HelloFieldRank, uint32(h.Rank)),
			NewFieldUint32(HelloFieldWorldSize, uint32(h.WorldSize)),
		},
	}
}

func DecodeHello(msg *Message) (Hello, error) {
	if msg.Header.MessageType != MessageHello {
		return Hello{}, fmt.Errorf("%w: got %s want hello", ErrMessageTypeMismatch, msg.Header.MessageType)
	}
	rank, err := requireUint32(msg.Fields, HelloFieldRank)
	if err != nil {
		return Hello{}, err
	}
	world, err := requireUint32(msg.Fields, HelloFieldWorldSize)
	if err != nil {
		return Hello{}, err
	}
	return Hello{Rank: int(rank), WorldSize: int(world), Token: string(msg.AuthBlock)}, nil
}

// EncodeTensor frames t as sent by src. seq orders frames per connection.
func EncodeTensor(seq uint64, src int, t *tensor.Tensor) *Message {
	return &Message{
		Header: Header{Seq: seq, MessageType: MessageTensor},
		Fields: []Field{
			NewFieldUint32(TensorFieldSrc, uint32(src)),
			NewFieldUint8(TensorFieldDevice, uint8(t.Device())),
			NewFieldInts(TensorFieldShape, t.Shape()),
			NewFieldFloat32s(TensorFieldData, t.Data()),
		},
	}
}

// DecodeTensor returns the sender rank and the tensor it carried.
func DecodeTensor(msg *Message) (int, *tensor.Tensor, error) {
	if msg.Header.MessageType != MessageTensor {
		return 0, nil, fmt.Errorf("%w: got %s want tensor", ErrMessageTypeMismatch, msg.Header.MessageType)
	}
	src, err := requireUint32(msg.Fields, TensorFieldSrc)
	if err != nil {
		return 0, nil, err
	}
	f, err := require(msg.Fields, TensorFieldDevice)
	if err != nil {
		return 0, nil, err
	}
	dev, err := f.Uint8()
	if err != nil {
		return 0, nil, err
	}
	if f, err = require(msg.Fields, TensorFieldShape); err != nil {
		return 0, nil, err
	}
	shape, err := f.Ints()
	if err != nil {
		return 0, nil, err
	}
	if f, err = require(msg.Fields, TensorFieldData); err != nil {
		return 0, nil, err
	}
	data, err := f.Float32s()
	if err != nil {
		return 0, nil, err
	}
	t, err := tensor.FromSlice(data, shape...)
	if err != nil {
		return 0, nil, fmt.Errorf("protocol: tensor frame: %w", err)
	}
	return int(src), t.OnDevice(tensor.Device(dev)), nil
}

func require(fields []Field, id uint16) (Field, error) {
	f, ok := Lookup(fields, id)
	if !ok {
		return Field{}, fmt.Errorf("%w: id %d", ErrMissingField, id)
	}
	return f, nil
}

func requireUint32(fields []Field, id uint16) (uint32, error) {
	f, err := require(fields, id)
	if err != nil {
		return 0, err
	}
	return f.Uint32()
}
