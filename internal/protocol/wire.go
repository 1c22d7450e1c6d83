package protocol

import (
	"encoding/binary"
	"io"
)

const (
	Magic      uint32 = 0x464C5831 // "FLX1"
	Version    uint16 = 1
	HeaderSize uint16 = 32

	FlagHasAuth uint32 = 0x01
)

// MessageType tags a frame's payload schema.
type MessageType uint32

const (
	MessageHello  MessageType = 1
	MessageTensor MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "hello"
	case MessageTensor:
		return "tensor"
	default:
		return "unknown"
	}
}

// Header is the fixed 32-byte big-endian frame header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	Seq         uint64
	MessageType MessageType
	Flags       uint32
	PayloadLen  uint64
}

// Message is one decoded frame.
type Message struct {
	Header    Header
	AuthBlock []byte
	Fields    []Field
}

// Limits bound decode memory per frame.
type Limits struct {
	MaxAuthBytes    int
	MaxPayloadBytes uint64
}

// DefaultLimits allow activation-sized payloads.
func DefaultLimits() Limits {
	return Limits{
		MaxAuthBytes:    4 * 1024,
		MaxPayloadBytes: 1 << 30,
	}
}

// Encode writes msg as a single Write so concurrent writers serialised by a
// mutex never interleave partial frames.
func Encode(w io.Writer, msg *Message, limits Limits) error {
	if msg == nil {
		return ErrInvalidLength
	}
	if len(msg.AuthBlock) > limits.MaxAuthBytes || len(msg.AuthBlock) > int(^uint16(0)) {
		return ErrAuthTooLarge
	}
	payload := EncodeFields(msg.Fields)
	if uint64(len(payload)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	head := msg.Header
	head.Magic = Magic
	head.Version = Version
	head.HeaderLen = HeaderSize
	head.PayloadLen = uint64(len(payload))
	if len(msg.AuthBlock) > 0 {
		head.Flags |= FlagHasAuth
	} else {
		head.Flags &^= FlagHasAuth
	}

	buf := make([]byte, 0, int(HeaderSize)+2+len(msg.AuthBlock)+len(payload))
	buf = appendHeader(buf, head)
	if head.Flags&FlagHasAuth != 0 {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.AuthBlock)))
		buf = append(buf, msg.AuthBlock...)
	}
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r.
func Decode(r io.Reader, limits Limits) (*Message, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrTruncated
	}
	head, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if head.PayloadLen > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	msg := &Message{Header: head}
	if head.Flags&FlagHasAuth != 0 {
		auth, err := readAuthBlock(r, limits)
		if err != nil {
			return nil, err
		}
		msg.AuthBlock = auth
	}
	if head.PayloadLen == 0 {
		return msg, nil
	}
	payload := make([]byte, head.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrTruncated
	}
	msg.Fields, err = DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func appendHeader(buf []byte, h Header) []byte {
	buf = binary.BigEndian.AppendUint32(buf, h.Magic)
	buf = binary.BigEndian.AppendUint16(buf, h.Version)
	buf = binary.BigEndian.AppendUint16(buf, h.HeaderLen)
	buf = binary.BigEndian.AppendUint64(buf, h.Seq)
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.MessageType))
	buf = binary.BigEndian.AppendUint32(buf, h.Flags)
	return binary.BigEndian.AppendUint64(buf, h.PayloadLen)
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) != int(HeaderSize) {
		return Header{}, ErrTruncated
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(buf[0:4]),
		Version:     binary.BigEndian.Uint16(buf[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(buf[6:8]),
		Seq:         binary.BigEndian.Uint64(buf[8:16]),
		MessageType: MessageType(binary.BigEndian.Uint32(buf[16:20])),
		Flags:       binary.BigEndian.Uint32(buf[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(buf[24:32]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	if h.HeaderLen != HeaderSize {
		return Header{}, ErrInvalidHeaderLen
	}
	return h, nil
}

func readAuthBlock(r io.Reader, limits Limits) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n > limits.MaxAuthBytes {
		return nil, ErrAuthTooLarge
	}
	if n == 0 {
		return nil, nil
	}
	auth := make([]byte, n)
	if _, err := io.ReadFull(r, auth); err != nil {
		return nil, ErrTruncated
	}
	return auth, nil
}
