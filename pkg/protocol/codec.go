package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Frame layout:
//
//	[length uint32 BE][type uint8][channelID int64 BE][XDR body]
//
// length counts every byte after the length field itself.
const (
	lengthFieldSize = 4
	HeaderSize      = lengthFieldSize + 1 + 8
)

var (
	// ErrFrameTooLarge is returned by ReadFrame when the declared frame length
	// exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrShortFrame is returned when the declared length cannot hold a header.
	ErrShortFrame = errors.New("frame shorter than header")
)

// Unknown carries a packet whose opcode has no registered variant. The body is
// kept raw so the frame can be logged and skipped.
type Unknown struct {
	Code PacketType
	Body []byte
}

// Type returns the unrecognized opcode.
func (u *Unknown) Type() PacketType { return u.Code }

// Frame is one decoded packet and the channel it travelled on.
type Frame struct {
	ChannelID int64
	Packet    Packet

	// Size is the full encoded size including the header. Confirmation
	// windows are measured in these bytes.
	Size int
}

// Encode returns the complete frame for p on channelID.
func Encode(channelID int64, p Packet) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, HeaderSize))

	if err := encodeBody(&buf, p); err != nil {
		return nil, err
	}

	frame := buf.Bytes()
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(frame)-lengthFieldSize))
	frame[4] = byte(p.Type())
	binary.BigEndian.PutUint64(frame[5:13], uint64(channelID))
	return frame, nil
}

// WriteFrame encodes p and writes it to w, returning the number of bytes written.
func WriteFrame(w io.Writer, channelID int64, p Packet) (int, error) {
	frame, err := Encode(channelID, p)
	if err != nil {
		return 0, err
	}
	return w.Write(frame)
}

// ReadFrame reads and decodes one frame from r. Frames longer than maxSize
// (when positive) are rejected before the body is read.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length < HeaderSize-lengthFieldSize {
		return nil, fmt.Errorf("%w: length %d", ErrShortFrame, length)
	}
	total := int(length) + lengthFieldSize
	if maxSize > 0 && total > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, maxSize)
	}

	bodyLen := total - HeaderSize
	body := frameBodies.get(bodyLen)
	defer frameBodies.put(body)

	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	typ := PacketType(header[4])
	p, err := decodeBody(typ, body)
	if err != nil {
		return nil, err
	}

	return &Frame{
		ChannelID: int64(binary.BigEndian.Uint64(header[5:13])),
		Packet:    p,
		Size:      total,
	}, nil
}

// Decode decodes a complete frame produced by Encode.
func Decode(frame []byte) (*Frame, error) {
	return ReadFrame(bytes.NewReader(frame), 0)
}

// Size returns the encoded frame size of p. Packets that fail to encode
// report the header size only.
func Size(p Packet) int {
	var buf bytes.Buffer
	if err := encodeBody(&buf, p); err != nil {
		return HeaderSize
	}
	return HeaderSize + buf.Len()
}

func encodeBody(w io.Writer, p Packet) error {
	if u, ok := p.(*Unknown); ok {
		_, err := w.Write(u.Body)
		return err
	}
	if _, err := xdr.Marshal(w, p); err != nil {
		return fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	return nil
}

func decodeBody(typ PacketType, body []byte) (Packet, error) {
	p := newPacket(typ)
	if p == nil {
		return &Unknown{Code: typ, Body: append([]byte(nil), body...)}, nil
	}
	// No length prefix inside the body may claim more than the body holds.
	// An empty body has nothing to decode, so the unlimited zero never
	// reaches an allocation.
	if _, err := xdr.UnmarshalLimited(bytes.NewReader(body), p, uint(len(body))); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return p, nil
}
