package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire format: each message is one frame.
//
//	4 bytes  big-endian body length
//	1 byte   version
//	2 bytes  big-endian message type
//	n bytes  JSON body
//
// The length covers the version, type and body bytes.

const headerLen = 3

// DefaultMaxLength bounds the size of a frame body a decoder will accept.
const DefaultMaxLength = 1 << 20

// Encoder writes framed messages to a stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message as a frame.
func (e *Encoder) Encode(m Message) error {
	if !m.Type.Valid() {
		return fmt.Errorf("encoding message: unknown type %d", m.Type)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", m.Type, err)
	}
	frame := make([]byte, 4+headerLen+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(headerLen+len(body)))
	frame[4] = Version
	binary.BigEndian.PutUint16(frame[5:7], uint16(m.Type))
	copy(frame[7:], body)
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("writing frame for %s: %w", m.Type, err)
	}
	return nil
}

// Decoder reads framed messages from a stream.
type Decoder struct {
	r         io.Reader
	maxLength uint32
}

// NewDecoder returns a decoder reading from r with the default maximum
// frame length.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, maxLength: DefaultMaxLength}
}

// SetMaxLength bounds the frame body size the decoder accepts.
func (d *Decoder) SetMaxLength(n uint32) {
	d.maxLength = n
}

// Decode reads one frame. A frame with an unknown version or type, or a
// body that fails to parse, is a protocol violation.
func (d *Decoder) Decode(m *Message) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < headerLen || length > d.maxLength {
		return &Violation{Reason: fmt.Sprintf("frame length %d out of bounds", length)}
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(d.r, frame); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if frame[0] != Version {
		return &Violation{Reason: fmt.Sprintf("unsupported wire version %d", frame[0])}
	}
	typ := Type(binary.BigEndian.Uint16(frame[1:3]))
	if !typ.Valid() {
		return &Violation{Reason: fmt.Sprintf("unknown message type %d", typ)}
	}
	*m = Message{}
	if err := json.Unmarshal(frame[3:], m); err != nil {
		return &Violation{Reason: fmt.Sprintf("malformed %s body: %v", typ, err)}
	}
	m.Type = typ
	return nil
}
