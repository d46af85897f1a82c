package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// HeaderLen is the fixed size of a frame header in bytes.
const HeaderLen = 16

// Protocol versions carried in the header.
const (
	VersionRaw       uint16 = 0 // body is raw JSON
	VersionHeartbeat uint16 = 1 // body is a single uncompressed heartbeat-class message
	VersionZlib      uint16 = 2 // body is zlib-compressed concatenated frames
)

// Operation is the semantic role of a frame.
type Operation uint32

const (
	OpHeartbeat      Operation = 2 // client -> server keep-alive
	OpHeartbeatReply Operation = 3 // server -> client keep-alive ack
	OpMessage        Operation = 5 // server -> client push
	OpAuth           Operation = 7 // client -> server handshake
	OpAuthReply      Operation = 8 // server -> client handshake result
)

var opNames = map[Operation]string{
	OpHeartbeat:      "HEARTBEAT",
	OpHeartbeatReply: "HEARTBEAT_REPLY",
	OpMessage:        "MESSAGE",
	OpAuth:           "AUTH",
	OpAuthReply:      "AUTH_REPLY",
}

func (o Operation) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "OP(" + strconv.FormatUint(uint64(o), 10) + ")"
}

// Frame is one decoded wire unit.
type Frame struct {
	Version  uint16
	Op       Operation
	Sequence uint32
	Body     []byte
}

// Len returns the encoded size of f.
func (f Frame) Len() int { return HeaderLen + len(f.Body) }

// Encode serializes a frame. Bodies are written verbatim; the client never
// compresses what it sends.
func Encode(op Operation, version uint16, seq uint32, body []byte) []byte {
	buf := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], HeaderLen)
	binary.BigEndian.PutUint16(buf[6:8], version)
	binary.BigEndian.PutUint32(buf[8:12], uint32(op))
	binary.BigEndian.PutUint32(buf[12:16], seq)
	copy(buf[HeaderLen:], body)
	return buf
}

// Decode parses the frame at the start of b. Bytes past the frame's declared
// total length are ignored; use a Splitter to walk a concatenation. The
// returned Body aliases b.
func Decode(b []byte) (Frame, error) {
	f, _, err := decode(b)
	return f, err
}

func decode(b []byte) (Frame, int, error) {
	if len(b) < HeaderLen {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformed, len(b))
	}
	total := binary.BigEndian.Uint32(b[0:4])
	hlen := binary.BigEndian.Uint16(b[4:6])
	if hlen != HeaderLen {
		return Frame{}, 0, fmt.Errorf("%w: header length %d", ErrMalformed, hlen)
	}
	if total < HeaderLen {
		return Frame{}, 0, fmt.Errorf("%w: total length %d below header length", ErrMalformed, total)
	}
	if uint64(total) > uint64(len(b)) {
		return Frame{}, 0, fmt.Errorf("%w: total length %d exceeds buffer of %d bytes", ErrMalformed, total, len(b))
	}
	n := int(total)
	f := Frame{
		Version:  binary.BigEndian.Uint16(b[6:8]),
		Op:       Operation(binary.BigEndian.Uint32(b[8:12])),
		Sequence: binary.BigEndian.Uint32(b[12:16]),
		Body:     b[HeaderLen:n:n],
	}
	// The length fields are sound, so n stays valid and the caller can
	// step over the frame.
	if f.Version > VersionZlib {
		return f, n, fmt.Errorf("%w: %d", ErrUnknownVersion, f.Version)
	}
	return f, n, nil
}

// Splitter walks a buffer holding zero or more concatenated frames.
//
//	s := protocol.NewSplitter(buf)
//	for s.Next() {
//		if err := s.FrameErr(); err != nil {
//			continue
//		}
//		f := s.Frame()
//	}
//	if err := s.Err(); err != nil { ... }
//
// A frame whose lengths are sound but whose version is unknown is reported
// through FrameErr and skipped. Any other framing error stops iteration;
// frames before it remain valid.
type Splitter struct {
	buf      []byte
	cur      Frame
	frameErr error
	err      error
}

// NewSplitter returns a Splitter over buf.
func NewSplitter(buf []byte) *Splitter { return &Splitter{buf: buf} }

// Next advances to the next frame and reports whether one is available.
func (s *Splitter) Next() bool {
	if s.err != nil || len(s.buf) == 0 {
		return false
	}
	f, n, err := decode(s.buf)
	if err != nil && !errors.Is(err, ErrUnknownVersion) {
		s.err = err
		s.buf = nil
		return false
	}
	s.cur = f
	s.frameErr = err
	s.buf = s.buf[n:]
	return true
}

// Frame returns the frame produced by the last call to Next.
func (s *Splitter) Frame() Frame { return s.cur }

// FrameErr returns the error for the frame produced by the last call to
// Next. When it is non-nil the frame must not be dispatched.
func (s *Splitter) FrameErr() error { return s.frameErr }

// Err returns the decode error that stopped iteration, if any.
func (s *Splitter) Err() error { return s.err }
