// ABOUTME: Incremental server-sent event decoder that turns a byte stream into frames.
// ABOUTME: Buffers partial frames across reads and skips oversize or malformed frames.

package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"unicode/utf8"
)

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge is reported when a frame's payload exceeds the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidUTF8 is reported when a frame's payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("frame payload is not valid utf-8")

	// ErrNoData is reported when a frame carried fields but no data lines.
	ErrNoData = errors.New("frame has no data")
)

// Frame is one dispatched event: the joined data lines plus the optional
// event name and id fields.
type Frame struct {
	Event string
	ID    string
	Data  string
	// Retry is the server's reconnection delay in milliseconds, zero when
	// the frame carried none.
	Retry int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxFrameSize sets the maximum payload size of a single frame.
func WithMaxFrameSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// WithSkipHandler registers a callback invoked for every skipped frame.
func WithSkipHandler(fn func(error)) Option {
	return func(d *Decoder) {
		d.onSkip = fn
	}
}

// Decoder reads frames from an underlying reader. It is not safe for
// concurrent use and cannot be restarted once it returned an error.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
	onSkip  func(error)
	skipped int
	line    []byte
	err     error
}

// NewDecoder wraps r in a frame decoder.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:       bufio.NewReader(r),
		maxSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Skipped returns the number of frames dropped as malformed so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Next returns the next complete frame. It returns io.EOF once the stream
// ends cleanly; an unterminated trailing frame is discarded. Any other error
// comes from the underlying reader.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}

	var (
		frame     Frame
		data      []byte
		hasData   bool
		sawField  bool
		oversized bool
	)

	reset := func() {
		frame = Frame{}
		data = data[:0]
		hasData, sawField, oversized = false, false, false
	}

	for {
		line, tooLong, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.err = io.EOF
			} else {
				d.err = fmt.Errorf("reading event stream: %w", err)
			}
			return Frame{}, d.err
		}

		if tooLong {
			oversized = true
			sawField = true
			continue
		}

		if len(line) == 0 {
			if !sawField {
				continue
			}
			switch {
			case oversized:
				d.skip(ErrFrameTooLarge)
			case !hasData:
				d.skip(ErrNoData)
			case !utf8.Valid(data):
				d.skip(ErrInvalidUTF8)
			default:
				frame.Data = string(data)
				return frame, nil
			}
			reset()
			continue
		}

		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		sawField = true
		switch field {
		case "data":
			if oversized {
				continue
			}
			if hasData {
				data = append(data, '\n')
			}
			data = append(data, value...)
			hasData = true
			if len(data) > d.maxSize {
				oversized = true
			}
		case "event":
			frame.Event = string(value)
		case "id":
			frame.ID = string(value)
		case "retry":
			if n, err := strconv.Atoi(string(value)); err == nil {
				frame.Retry = n
			}
		}
	}
}

// All yields frames until the stream ends. A clean EOF ends the sequence
// without yielding an error; any other error is yielded once.
func (d *Decoder) All() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			frame, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

func (d *Decoder) skip(err error) {
	d.skipped++
	if d.onSkip != nil {
		d.onSkip(err)
	}
}

// readLine returns one line without its terminator. Lines longer than the
// frame limit are drained and reported with tooLong set.
func (d *Decoder) readLine() (line []byte, tooLong bool, err error) {
	d.line = d.line[:0]
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !tooLong {
			if len(d.line)+len(chunk) > d.maxSize+len("data: \r\n") {
				tooLong = true
				d.line = d.line[:0]
			} else {
				d.line = append(d.line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		break
	}

	line = bytes.TrimSuffix(d.line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, tooLong, nil
}

func splitField(line []byte) (string, []byte) {
	field, value, found := bytes.Cut(line, []byte(":"))
	if !found {
		return string(line), nil
	}
	value = bytes.TrimPrefix(value, []byte(" "))
	return string(field), value
}
