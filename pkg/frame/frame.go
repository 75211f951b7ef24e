// Package frame implements the wire codec for the single multiplexed link
// between the ship and the shore: a fixed 9-byte header (stream id, frame
// kind, payload length) followed by the payload itself. Exactly one stream
// is ever active at a time, but every frame still carries its stream id so a
// late frame from a just-closed stream can be identified and dropped rather
// than misrouted.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/shiplink/linkproxy/pkg/errors"
)

// Kind identifies the purpose of a frame.
type Kind uint8

const (
	// OPEN begins a new stream. Payload carries the "host:port" authority the
	// shore dials, for both REQUEST and TUNNEL streams, encoded as a single
	// byte kind-tag followed by the UTF-8 target.
	OPEN Kind = iota + 1
	// DATAC2S carries client(user agent)-to-server(origin) bytes.
	DATAC2S
	// DATAS2C carries server(origin)-to-client(user agent) bytes. A
	// zero-length DATAS2C on a TUNNEL stream is the tunnel-ready signal.
	DATAS2C
	// EOFC2S signals the C2S direction is finished.
	EOFC2S
	// EOFS2C signals the S2C direction is finished.
	EOFS2C
	// CLOSE forces an immediate terminal transition with no payload.
	CLOSE
	// ERROR is CLOSE carrying a diagnostic payload: a status code followed
	// by a reason string (see EncodeError / DecodeError).
	ERROR
)

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case OPEN:
		return "OPEN"
	case DATAC2S:
		return "DATA_C2S"
	case DATAS2C:
		return "DATA_S2C"
	case EOFC2S:
		return "EOF_C2S"
	case EOFS2C:
		return "EOF_S2C"
	case CLOSE:
		return "CLOSE"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// DefaultMaxPayload bounds the payload of a single frame so one stream
// cannot monopolize memory; larger logical payloads are split across
// successive DATA_* frames of the same stream.
const DefaultMaxPayload = 64 * 1024

// headerSize is streamID(4) + kind(1) + length(4).
const headerSize = 9

// ProtocolVersion is the single byte the ship writes as the very first
// thing after TCP connect, before any frame; the shore reads it before any
// frame. A shore built against an incompatible ship sees a mismatched byte
// and can reject the connection with a clear diagnostic instead of a
// confusing header parse failure further down the line.
const ProtocolVersion byte = 1

// WriteVersion writes the protocol version byte. The ship does this once,
// immediately after dialing, before constructing a Codec.
func WriteVersion(w io.Writer) error {
	if _, err := w.Write([]byte{ProtocolVersion}); err != nil {
		return errors.NewFrameError("write-version", err)
	}
	return nil
}

// ReadVersion reads the peer's protocol version byte.
func ReadVersion(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.NewFrameError("read-version", err)
	}
	return buf[0], nil
}

// Frame is the atomic wire unit of the link protocol.
type Frame struct {
	StreamID uint32
	Kind     Kind
	Payload  []byte
}

// OpenKind distinguishes the two stream kinds an OPEN frame can start.
type OpenKind uint8

const (
	// OpenRequest opens a REQUEST stream; Target is the "host:port"
	// authority the shore should dial and forward to.
	OpenRequest OpenKind = iota + 1
	// OpenTunnel opens a TUNNEL stream; Target is "host:port" from CONNECT.
	OpenTunnel
)

// EncodeOpen builds the payload for an OPEN frame.
func EncodeOpen(kind OpenKind, target string) []byte {
	payload := make([]byte, 1+len(target))
	payload[0] = byte(kind)
	copy(payload[1:], target)
	return payload
}

// DecodeOpen parses the payload of an OPEN frame.
func DecodeOpen(payload []byte) (OpenKind, string, error) {
	if len(payload) < 1 {
		return 0, "", errors.NewFrameError("decode-open", fmt.Errorf("empty OPEN payload"))
	}
	kind := OpenKind(payload[0])
	if kind != OpenRequest && kind != OpenTunnel {
		return 0, "", errors.NewFrameError("decode-open", fmt.Errorf("unknown open kind %d", payload[0]))
	}
	return kind, string(payload[1:]), nil
}

// EncodeError builds the payload for an ERROR frame: a 2-byte big-endian
// status code followed by a UTF-8 reason.
func EncodeError(status uint16, reason string) []byte {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], status)
	copy(payload[2:], reason)
	return payload
}

// DecodeError parses the payload of an ERROR frame.
func DecodeError(payload []byte) (status uint16, reason string, err error) {
	if len(payload) < 2 {
		return 0, "", errors.NewFrameError("decode-error", fmt.Errorf("short ERROR payload"))
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:]), nil
}

// Codec reads and writes frames on a single underlying stream. Callers that
// share a Codec across goroutines must serialize Write calls themselves (the
// link session does this with a send mutex); Read is only ever driven by one
// dedicated reader goroutine so it needs no locking of its own.
type Codec struct {
	rw         io.ReadWriter
	maxPayload uint32
	headerBuf  [headerSize]byte
}

// NewCodec returns a Codec bounded by maxPayload (DefaultMaxPayload if zero).
func NewCodec(rw io.ReadWriter, maxPayload uint32) *Codec {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{rw: rw, maxPayload: maxPayload}
}

// WriteFrame serializes f atomically: header and payload are written with a
// single underlying Write sequence so no other frame's bytes can interleave
// as long as callers hold whatever mutex guards this Codec.
func (c *Codec) WriteFrame(f Frame) error {
	if uint32(len(f.Payload)) > c.maxPayload {
		return errors.NewFrameError("write", fmt.Errorf("payload %d exceeds max %d", len(f.Payload), c.maxPayload))
	}
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.StreamID)
	buf[4] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)

	if _, err := c.rw.Write(buf); err != nil {
		return errors.NewFrameError("write", err)
	}
	return nil
}

// ReadFrame blocks until a complete frame is available, or returns a fatal
// *errors.Error on a short read, malformed header, or oversize payload. No
// partial frame is ever exposed to the caller.
func (c *Codec) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(c.rw, c.headerBuf[:]); err != nil {
		return Frame{}, errors.NewFrameError("read-header", err)
	}

	streamID := binary.BigEndian.Uint32(c.headerBuf[0:4])
	kind := Kind(c.headerBuf[4])
	length := binary.BigEndian.Uint32(c.headerBuf[5:9])

	if !kind.valid() {
		return Frame{}, errors.NewFrameError("read-header", fmt.Errorf("unknown frame kind %d", c.headerBuf[4]))
	}
	if length > c.maxPayload {
		return Frame{}, errors.NewFrameError("read-header", fmt.Errorf("payload %d exceeds max %d", length, c.maxPayload))
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return Frame{}, errors.NewFrameError("read-payload", err)
		}
	}

	return Frame{StreamID: streamID, Kind: kind, Payload: payload}, nil
}

func (k Kind) valid() bool {
	return k >= OPEN && k <= ERROR
}
