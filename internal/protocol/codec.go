package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Frame bytes for the device wire protocol. Every exchange with a device is
// a single STX/ETX frame over a persistent byte stream; the marker byte after
// STX distinguishes outbound commands from inbound responses.
const (
	STX byte = 0x02
	ETX byte = 0x03

	MarkerCommand  byte = 0x05 // outbound: controller -> device
	MarkerResponse byte = 0x06 // inbound: device -> controller
)

// EncodeCommand frames an outbound command payload.
func EncodeCommand(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+3)
	buf = append(buf, STX, MarkerCommand)
	buf = append(buf, payload...)
	buf = append(buf, ETX)
	return buf
}

// EncodeResponse frames an inbound-style response payload. Devices produce
// these; the encoder exists for the dial fallback handshake and for tests.
func EncodeResponse(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+3)
	buf = append(buf, STX, MarkerResponse)
	buf = append(buf, payload...)
	buf = append(buf, ETX)
	return buf
}

// DecodeResponse validates a complete response frame and returns its payload.
// A frame is valid only if it starts with STX, carries the response marker in
// position 2 and ends with ETX; anything else is rejected so the caller can
// drop it as line noise.
func DecodeResponse(frame []byte) ([]byte, error) {
	return decode(frame, MarkerResponse)
}

// DecodeCommand validates a complete command frame. Used by device-side test
// doubles to check what the controller put on the wire.
func DecodeCommand(frame []byte) ([]byte, error) {
	return decode(frame, MarkerCommand)
}

func decode(frame []byte, marker byte) ([]byte, error) {
	if len(frame) < 3 {
		return nil, fmt.Errorf("frame too short (%d bytes): %w", len(frame), errInvalid)
	}
	if frame[0] != STX {
		return nil, fmt.Errorf("missing STX: %w", errInvalid)
	}
	if frame[1] != marker {
		return nil, fmt.Errorf("unexpected marker byte 0x%02x: %w", frame[1], errInvalid)
	}
	if frame[len(frame)-1] != ETX {
		return nil, fmt.Errorf("missing ETX: %w", errInvalid)
	}
	return frame[2 : len(frame)-1], nil
}

// FrameReader extracts STX/ETX frames from a byte stream, skipping any noise
// between frames. Malformed input never produces an error for the stream as
// a whole; only io errors from the underlying reader are surfaced.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps a device connection for frame extraction.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame blocks until one complete frame is available and returns it,
// STX and ETX included. Bytes preceding STX are discarded silently.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	// Skip to the next STX.
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == STX {
			break
		}
	}
	var buf bytes.Buffer
	buf.WriteByte(STX)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		if b == ETX {
			return buf.Bytes(), nil
		}
	}
}
