package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/WebFirstLanguage/beevault/pkg/wire"
)

// frameHeaderLength is the size of the big-endian length prefix
const frameHeaderLength = 4

// DefaultMaxFrameSize bounds a single frame on the wire. Snapshots of large
// sections are the biggest frames and stay well below it once compressed.
const DefaultMaxFrameSize = 8 * 1024 * 1024

// WriteFrame writes one length-prefixed frame
func WriteFrame(w io.Writer, f *wire.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	buf := make([]byte, frameHeaderLength+len(data))
	binary.BigEndian.PutUint32(buf[:frameHeaderLength], uint32(len(data)))
	copy(buf[frameHeaderLength:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, refusing frames above maxSize
func ReadFrame(r io.Reader, maxSize int) (*wire.Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("frame length %d outside (0, %d]", length, maxSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return wire.UnmarshalFrame(data)
}
