// Package wire implements the length-prefixed framing shared by the hvd
// control socket and the netd configuration socket.
//
// A frame is an 8-byte unsigned length in host byte order followed by that
// many payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 8
	// MaxCommandSize bounds client requests; a declared length at or above it is rejected.
	MaxCommandSize = 4096
	// MaxResponseSize bounds responses on both sockets.
	MaxResponseSize = 8192
)

// ErrFrameTooLarge reports a declared frame length at or above the allowed bound.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes payload prefixed by its length.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [HeaderSize]byte
	binary.NativeEndian.PutUint64(header[:], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. The declared length must be strictly below max.
// A clean EOF before the header is returned as io.EOF.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	size := binary.NativeEndian.Uint64(header[:])
	if size >= uint64(max) {
		return nil, fmt.Errorf("%w: %d >= %d", ErrFrameTooLarge, size, max)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
