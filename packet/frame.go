package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame unless a caller configures
// otherwise.
const DefaultMaxFrameSize = 16 * 1024 * 1024

const frameHeaderSize = 4

// ErrFrameTooLarge is returned when a frame header announces more bytes than
// the reader accepts. The stream cannot be resynchronized after it.
var ErrFrameTooLarge = errors.New("packet: frame exceeds maximum size")

// WriteFrame writes payload behind a 4-byte little-endian length prefix in a
// single Write call, so concurrent writers serialized by a mutex never
// interleave a header with another frame's body.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	_, err := w.Write(frame)
	return err
}

// ReadFrame reads the next non-empty frame from r. Zero-length frames are
// skipped.
//
// Parameters:
//   - r: The stream to read from
//   - maxSize: Largest payload accepted; values <= 0 mean DefaultMaxFrameSize
//
// Returns:
//   - The frame payload
//   - io.EOF when the stream ends cleanly between frames, ErrFrameTooLarge, or
//     the underlying read error
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}

		n := binary.LittleEndian.Uint32(header[:])
		if n == 0 {
			continue
		}

		if uint64(n) > uint64(maxSize) {
			return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		return payload, nil
	}
}
