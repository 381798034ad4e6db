// Package protocol frames text messages on a byte stream for the TCP transport.
//
// A stream has no message boundaries, so every message is sent as a fixed
// 9-byte header followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ft│ bodyLen │    body ...    │
//	│ drp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "drp" reject peers that are not speaking this framing,
// e.g. an HTTP client hitting the wrong port.
const (
	MagicByte1 byte = 0x64 // 'd'
	MagicByte2 byte = 0x72 // 'r'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 9 // 3 (magic) + 1 (version) + 1 (frame type) + 4 (bodyLen)

	MaxBodySize uint32 = 16 << 20
)

var ErrBodyTooLarge = errors.New("frame body too large")

// FrameType distinguishes message frames from keepalive frames.
type FrameType byte

const (
	FrameText      FrameType = 0 // One JSON text message
	FrameHeartbeat FrameType = 1 // KeepAlive ping (no body)
)

// Header is the fixed frame header.
type Header struct {
	Type    FrameType
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize writers sharing w, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if h.BodyLen > MaxBodySize {
		return fmt.Errorf("encode %d bytes: %w", h.BodyLen, ErrBodyTooLarge)
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLen)
	copy(buf[HeaderSize:], body)

	// One write per frame keeps header and body together on the wire.
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r, validating magic, version and type.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	frameType := FrameType(headerBuf[4])
	if frameType != FrameText && frameType != FrameHeartbeat {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", frameType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("decode %d bytes: %w", bodyLen, ErrBodyTooLarge)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{Type: frameType, BodyLen: bodyLen}, body, nil
}
