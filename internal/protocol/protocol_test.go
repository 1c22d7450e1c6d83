package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/google/go-cmp/cmp"
)

func TestRoundTripEncodeDecode(t *testing.T) {
	msg := &Message{
		Header:    Header{Seq: 42, MessageType: MessageTensor},
		AuthBlock: []byte{0xaa, 0xbb},
		Fields: []Field{
			NewFieldUint8(1, 9),
			NewFieldString(2, "hello"),
			NewFieldInts(3, []int{4, 512}),
		},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, msg, DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(bytes.NewReader(buf.Bytes()), DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Header.Seq != 42 || decoded.Header.Flags&FlagHasAuth == 0 {
		t.Fatalf("header mismatch: %+v", decoded.Header)
	}

	var buf2 bytes.Buffer
	if err := Encode(&buf2, decoded, DefaultLimits()); err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), buf2.Bytes()) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestDecodeRejectsBadHeader(t *testing.T) {
	good := func() []byte {
		var buf bytes.Buffer
		if err := Encode(&buf, &Message{Header: Header{MessageType: MessageHello}}, DefaultLimits()); err != nil {
			t.Fatalf("encode: %v", err)
		}
		return buf.Bytes()
	}
	tests := []struct {
		name   string
		mutate func([]byte)
		want   error
	}{
		{name: "magic", mutate: func(b []byte) { b[0] = 0 }, want: ErrInvalidMagic},
		{name: "version", mutate: func(b []byte) { binary.BigEndian.PutUint16(b[4:6], 9) }, want: ErrUnsupportedVersion},
		{name: "header len", mutate: func(b []byte) { binary.BigEndian.PutUint16(b[6:8], 8) }, want: ErrInvalidHeaderLen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := good()
			tc.mutate(b)
			if _, err := Decode(bytes.NewReader(b), DefaultLimits()); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	msg := &Message{Header: Header{MessageType: MessageTensor}, Fields: []Field{NewFieldString(1, "abcdef")}}
	if err := Encode(&buf, msg, DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	short := buf.Bytes()[:buf.Len()-2]
	if _, err := Decode(bytes.NewReader(short), DefaultLimits()); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeCleanEOF(t *testing.T) {
	if _, err := Decode(bytes.NewReader(nil), DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestLimitsEnforced(t *testing.T) {
	limits := Limits{MaxAuthBytes: 2, MaxPayloadBytes: 8}
	err := Encode(io.Discard, &Message{AuthBlock: []byte("toolong")}, limits)
	if !errors.Is(err, ErrAuthTooLarge) {
		t.Fatalf("expected ErrAuthTooLarge, got %v", err)
	}
	err = Encode(io.Discard, &Message{Fields: []Field{NewFieldString(1, "0123456789")}}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, &Message{Fields: []Field{NewFieldString(1, "0123456789")}}, DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(&buf, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on decode, got %v", err)
	}
}

func TestDecodeFieldsRejectsOverlongValue(t *testing.T) {
	payload := EncodeFields([]Field{NewFieldUint32(1, 7)})
	binary.BigEndian.PutUint32(payload[3:7], 99)
	if _, err := DecodeFields(payload); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestFieldAccessorsCheckType(t *testing.T) {
	f := NewFieldUint8(1, 3)
	if _, err := f.Uint32(); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch, got %v", err)
	}
	if _, err := f.Text(); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch, got %v", err)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Hello{Rank: 3, WorldSize: 8, Token: "s3cret"}
	if err := Encode(&buf, EncodeHello(in), DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, err := DecodeHello(msg)
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("hello diff:\n%s", diff)
	}
}

func TestTensorRoundTrip(t *testing.T) {
	in := tensor.Arange(-1.5, 2, 3).To(tensor.Accelerator)
	var buf bytes.Buffer
	if err := Encode(&buf, EncodeTensor(7, 5, in), DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	src, out, err := DecodeTensor(msg)
	if err != nil {
		t.Fatalf("decode tensor: %v", err)
	}
	if src != 5 || msg.Header.Seq != 7 {
		t.Fatalf("src=%d seq=%d", src, msg.Header.Seq)
	}
	if !out.Equal(in) || out.Device() != tensor.Accelerator {
		t.Fatalf("tensor mismatch: got %v want %v", out, in)
	}
}

func TestDecodeTensorWrongType(t *testing.T) {
	if _, _, err := DecodeTensor(EncodeHello(Hello{Rank: 1, WorldSize: 2})); !errors.Is(err, ErrMessageTypeMismatch) {
		t.Fatalf("expected ErrMessageTypeMismatch, got %v", err)
	}
	msg := &Message{Header: Header{MessageType: MessageTensor}, Fields: []Field{NewFieldUint32(TensorFieldSrc, 1)}}
	if _, _, err := DecodeTensor(msg); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}
