// Package protocol implements the newline-delimited JSON framing used on the
// Execution Host link.
//
// Frames are UTF-8 JSON texts terminated by '\n', at most 1 MiB. The reader
// recovers from oversize lines by discarding bytes up to the next newline;
// the writer serializes concurrent senders so frame bytes never interleave.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize is the hard cap on a single frame, delimiter excluded.
const MaxFrameSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned when a line exceeds MaxFrameSize. The reader
// has already resynchronized on the next newline; the caller may keep reading.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds 1 MiB")

// Reader produces frames from a byte stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for frame reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame returns the next complete frame without its trailing newline.
// Oversize lines are discarded through the next '\n' and reported as
// ErrFrameTooLarge. Any other error ends the stream.
func (r *Reader) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)

		switch {
		case err == nil:
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > MaxFrameSize {
				return nil, ErrFrameTooLarge
			}
			return line, nil

		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) > MaxFrameSize {
				if derr := r.discardToNewline(); derr != nil {
					return nil, derr
				}
				return nil, ErrFrameTooLarge
			}
			// Partial line still within budget, keep accumulating.

		default:
			return nil, err
		}
	}
}

// discardToNewline drops bytes until the current (oversize) line ends.
func (r *Reader) discardToNewline() error {
	for {
		_, err := r.br.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// deadlineWriter is satisfied by net.Conn; plain writers (pipes in tests)
// skip deadline handling.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Writer serializes JSON frames onto a byte stream. WriteFrame is safe for
// concurrent use; each frame is emitted with a single Write call so frames
// from concurrent senders never interleave on the wire.
type Writer struct {
	mu           sync.Mutex
	w            io.Writer
	writeTimeout time.Duration
}

// NewWriter wraps w for frame writing. writeTimeout applies only when w
// supports write deadlines (i.e. is a net.Conn).
func NewWriter(w io.Writer, writeTimeout time.Duration) *Writer {
	return &Writer{w: w, writeTimeout: writeTimeout}
}

// WriteFrame marshals v and writes it as one frame.
func (w *Writer) WriteFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if dw, ok := w.w.(deadlineWriter); ok && w.writeTimeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
