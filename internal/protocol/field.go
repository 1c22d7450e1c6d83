package protocol

import (
	"encoding/binary"
	"math"
)

const fieldHeaderSize = 2 + 1 + 4

// FieldType is the TLV value encoding.
type FieldType uint8

const (
	FieldUint8   FieldType = 1
	FieldUint32  FieldType = 3
	FieldString  FieldType = 6
	FieldBytes   FieldType = 7
	FieldInts    FieldType = 8 // big-endian uint32 sequence
	FieldFloat32 FieldType = 9 // big-endian IEEE-754 sequence
)

// Field is one TLV entry: id u16, type u8, length u32, value.
type Field struct {
	ID    uint16
	Type  FieldType
	Value []byte
}

func EncodeFields(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += fieldHeaderSize + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint16(out, f.ID)
		out = append(out, byte(f.Type))
		out = binary.BigEndian.AppendUint32(out, uint32(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 4)
	for off := 0; off < len(payload); {
		if len(payload)-off < fieldHeaderSize {
			return nil, ErrTruncated
		}
		id := binary.BigEndian.Uint16(payload[off : off+2])
		ft := FieldType(payload[off+2])
		length := binary.BigEndian.Uint32(payload[off+3 : off+7])
		off += fieldHeaderSize
		if uint64(length) > uint64(len(payload)-off) {
			return nil, ErrInvalidLength
		}
		end := off + int(length)
		fields = append(fields, Field{ID: id, Type: ft, Value: payload[off:end:end]})
		off = end
	}
	return fields, nil
}

// Lookup returns the first field with id.
func Lookup(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func NewFieldUint8(id uint16, v uint8) Field {
	return Field{ID: id, Type: FieldUint8, Value: []byte{v}}
}

func NewFieldUint32(id uint16, v uint32) Field {
	return Field{ID: id, Type: FieldUint32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func NewFieldString(id uint16, v string) Field {
	return Field{ID: id, Type: FieldString, Value: []byte(v)}
}

// NewFieldInts encodes non-negative ints such as a tensor shape.
func NewFieldInts(id uint16, vs []int) Field {
	buf := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(v))
	}
	return Field{ID: id, Type: FieldInts, Value: buf}
}

func NewFieldFloat32s(id uint16, vs []float32) Field {
	buf := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return Field{ID: id, Type: FieldFloat32, Value: buf}
}

func (f Field) Uint8() (uint8, error) {
	if f.Type != FieldUint8 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 1 {
		return 0, ErrInvalidLength
	}
	return f.Value[0], nil
}

func (f Field) Uint32() (uint32, error) {
	if f.Type != FieldUint32 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 4 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) Text() (string, error) {
	if f.Type != FieldString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

func (f Field) Ints() ([]int, error) {
	if f.Type != FieldInts {
		return nil, ErrFieldTypeMismatch
	}
	if len(f.Value)%4 != 0 {
		return nil, ErrInvalidLength
	}
	out := make([]int, len(f.Value)/4)
	for i := range out {
		out[i] = int(binary.BigEndian.Uint32(f.Value[4*i:]))
	}
	return out, nil
}

func (f Field) Float32s() ([]float32, error) {
	if f.Type != FieldFloat32 {
		return nil, ErrFieldTypeMismatch
	}
	if len(f.Value)%4 != 0 {
		return nil, ErrInvalidLength
	}
	out := make([]float32, len(f.Value)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(f.Value[4*i:]))
	}
	return out, nil
}
