// ABOUTME: Tests for the event stream decoder and writer.
// ABOUTME: Covers multi-line data, partial reads, comments, oversize and malformed frames.

package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, d *Decoder) []Frame {
	t.Helper()
	var frames []Frame
	for frame, err := range d.All() {
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func TestDecoder_SingleFrame(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: {\"type\":\"message\"}\n\n"))

	frame, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"message"}`, frame.Data)

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_JoinsDataLines(t *testing.T) {
	input := "event: message.upsert\nid: 42\ndata: line one\ndata: line two\n\n"
	frames := collect(t, NewDecoder(strings.NewReader(input)))

	require.Len(t, frames, 1)
	assert.Equal(t, "line one\nline two", frames[0].Data)
	assert.Equal(t, "message.upsert", frames[0].Event)
	assert.Equal(t, "42", frames[0].ID)
}

func TestDecoder_RetryField(t *testing.T) {
	input := "retry: 1500\ndata: a\n\nretry: soon\ndata: b\n\n"
	frames := collect(t, NewDecoder(strings.NewReader(input)))

	require.Len(t, frames, 2)
	assert.Equal(t, 1500, frames[0].Retry)
	assert.Zero(t, frames[1].Retry, "non-numeric retry is ignored")
}

func TestDecoder_CRLFAndNoSpace(t *testing.T) {
	input := "data:first\r\n\r\ndata: second\r\n\r\n"
	frames := collect(t, NewDecoder(strings.NewReader(input)))

	require.Len(t, frames, 2)
	assert.Equal(t, "first", frames[0].Data)
	assert.Equal(t, "second", frames[1].Data)
}

func TestDecoder_PartialReads(t *testing.T) {
	input := "data: {\"id\":\"m1\"}\n\n: ping\n\ndata: {\"id\":\"m2\"}\n\n"
	d := NewDecoder(iotest.OneByteReader(strings.NewReader(input)))

	frames := collect(t, d)
	require.Len(t, frames, 2)
	assert.Equal(t, `{"id":"m1"}`, frames[0].Data)
	assert.Equal(t, `{"id":"m2"}`, frames[1].Data)
	assert.Zero(t, d.Skipped())
}

func TestDecoder_CommentsAreIgnored(t *testing.T) {
	input := ": keep-alive\n\n:another\n\ndata: x\n\n"
	frames := collect(t, NewDecoder(strings.NewReader(input)))

	require.Len(t, frames, 1)
	assert.Equal(t, "x", frames[0].Data)
}

func TestDecoder_TrailingPartialFrameDiscarded(t *testing.T) {
	input := "data: complete\n\ndata: incomplete"
	frames := collect(t, NewDecoder(strings.NewReader(input)))

	require.Len(t, frames, 1)
	assert.Equal(t, "complete", frames[0].Data)
}

func TestDecoder_SkipsOversizeFrame(t *testing.T) {
	var skipped []error
	big := strings.Repeat("a", 200)
	input := "data: " + big + "\n\ndata: small\n\n"

	d := NewDecoder(strings.NewReader(input),
		WithMaxFrameSize(64),
		WithSkipHandler(func(err error) { skipped = append(skipped, err) }),
	)

	frames := collect(t, d)
	require.Len(t, frames, 1)
	assert.Equal(t, "small", frames[0].Data)
	assert.Equal(t, 1, d.Skipped())
	require.Len(t, skipped, 1)
	assert.ErrorIs(t, skipped[0], ErrFrameTooLarge)
}

func TestDecoder_SkipsOversizeAcrossDataLines(t *testing.T) {
	line := strings.Repeat("b", 40)
	input := "data: " + line + "\ndata: " + line + "\n\ndata: ok\n\n"

	d := NewDecoder(strings.NewReader(input), WithMaxFrameSize(64))
	frames := collect(t, d)

	require.Len(t, frames, 1)
	assert.Equal(t, "ok", frames[0].Data)
	assert.Equal(t, 1, d.Skipped())
}

func TestDecoder_SkipsInvalidUTF8(t *testing.T) {
	input := []byte("data: \xff\xfe\n\ndata: fine\n\n")
	d := NewDecoder(bytes.NewReader(input))

	frames := collect(t, d)
	require.Len(t, frames, 1)
	assert.Equal(t, "fine", frames[0].Data)
	assert.Equal(t, 1, d.Skipped())
}

func TestDecoder_SkipsFrameWithoutData(t *testing.T) {
	input := "event: heartbeat\n\ndata: real\n\n"
	d := NewDecoder(strings.NewReader(input))

	frames := collect(t, d)
	require.Len(t, frames, 1)
	assert.Equal(t, "real", frames[0].Data)
	assert.Equal(t, 1, d.Skipped())
}

func TestDecoder_ReaderErrorSurfaces(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: one\n\n"), iotest.ErrReader(boom))
	d := NewDecoder(r)

	frame, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "one", frame.Data)

	_, err = d.Next()
	require.ErrorIs(t, err, boom)

	// Not restartable.
	_, err = d.Next()
	assert.ErrorIs(t, err, boom)
}

func TestWrite_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Frame{Event: "change", ID: "7", Data: "a\nb"}))
	require.NoError(t, WriteComment(&buf, "ping"))
	require.NoError(t, Write(&buf, Frame{Data: "c"}))

	frames := collect(t, NewDecoder(&buf))
	require.Len(t, frames, 2)
	assert.Equal(t, Frame{Event: "change", ID: "7", Data: "a\nb"}, frames[0])
	assert.Equal(t, "c", frames[1].Data)
}
