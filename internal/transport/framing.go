package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing used on serial and TCP links: two magic bytes, a big-endian
// 16-bit payload length, then the payload. Bytes outside a frame (boot logs,
// console noise) are skipped until the next magic sequence.
const (
	frameStart1 = 0x94
	frameStart2 = 0xC3

	// maxFrameLen bounds a single packet payload. Anything larger is treated
	// as a framing desync and the scanner resumes searching for magic bytes.
	maxFrameLen = 8192
)

// frameReader extracts framed packets from a byte stream.
type frameReader struct {
	r io.Reader
}

// ReadFrame blocks until one complete frame is read and returns its payload.
// It resynchronizes on garbage between frames and never returns a partial
// payload.
func (f *frameReader) ReadFrame() ([]byte, error) {
	var b [1]byte
	for {
		// Hunt for the two-byte start sequence.
		if _, err := io.ReadFull(f.r, b[:]); err != nil {
			return nil, err
		}
		if b[0] != frameStart1 {
			continue
		}
		if _, err := io.ReadFull(f.r, b[:]); err != nil {
			return nil, err
		}
		if b[0] != frameStart2 {
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n == 0 || n > maxFrameLen {
			// Desync; resume hunting.
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
		return payload, nil
	}
}
