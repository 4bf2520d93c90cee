package wire

import (
	"bytes"

	apperrors "github.com/nexfleet/linkd/internal/errors"
)

// MaxFrameSize caps how many bytes the framer will buffer while waiting for
// a terminator. A stream exceeding it is treated as malformed.
const MaxFrameSize = 64 * 1024

// Framer reassembles frames from a byte stream that may be chunked
// arbitrarily by the transport. It is not safe for concurrent use; each
// connection owns its framer.
type Framer struct {
	buf bytes.Buffer
}

// Frame is one decoded notification unit.
type Frame struct {
	Type   Type
	Fields []string
}

// Push appends a chunk to the buffer and returns every complete frame now
// available. Bytes preceding a marker (transport garbage) are discarded.
// A frame-level violation returns MalformedFrame and resets the buffer;
// the caller is expected to close the connection.
func (f *Framer) Push(chunk []byte) ([]Frame, error) {
	f.buf.Write(chunk)

	var frames []Frame
	for {
		data := f.buf.Bytes()

		start := bytes.IndexByte(data, Marker)
		if start < 0 {
			f.buf.Reset()
			return frames, nil
		}
		if start > 0 {
			f.buf.Next(start)
			data = f.buf.Bytes()
		}

		end := bytes.IndexByte(data, Terminator)
		if end < 0 {
			if f.buf.Len() > MaxFrameSize {
				f.buf.Reset()
				return frames, apperrors.MalformedFrame("frame exceeds maximum size")
			}
			return frames, nil
		}

		raw := make([]byte, end+1)
		copy(raw, data[:end+1])
		f.buf.Next(end + 1)

		t, fields, err := Decode(raw)
		if err != nil {
			f.buf.Reset()
			return frames, err
		}
		frames = append(frames, Frame{Type: t, Fields: fields})
	}
}

// Pending returns the number of buffered bytes awaiting a frame boundary.
func (f *Framer) Pending() int {
	return f.buf.Len()
}
