package stream

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/calder-labs/stagecoach/core"
	"github.com/stretchr/testify/require"
)

// chunkReader returns data in fixed-size chunks to exercise partial frames.
type chunkReader struct {
	data []byte
	size int
	off  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	end := r.off + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.off:end])
	r.off += n
	return n, nil
}

func TestWireRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	events := []core.Event{
		core.NewNodeStartEvent("e1", "s1:planning", "planning"),
		core.NewTokenEvent("e1", "s1:planning", "thinking"),
		core.NewNodeEndEvent("e1", "s1:planning", core.NodeStatusCompleted, ""),
		core.NewResponseCompleteEvent("e1"),
	}
	for _, ev := range events {
		require.NoError(t, w.Write(ev))
	}
	require.NoError(t, w.Close())

	r := NewFrameReader(&buf)
	var got []core.Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, *ev)
	}
	require.Len(t, got, len(events))
	for i := range events {
		require.Equal(t, events[i].Type, got[i].Type)
		require.Equal(t, events[i].NodeID, got[i].NodeID)
		require.Equal(t, events[i].Content, got[i].Content)
	}
}

func TestFrameReader_BuffersPartialFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(core.NewTokenEvent("e1", "s1:synthesis", "hello world")))
	require.NoError(t, w.WriteHeartbeat())
	require.NoError(t, w.Write(core.NewTokenEvent("e1", "s1:synthesis", "again")))
	require.NoError(t, w.Close())

	// Deliver the stream three bytes at a time.
	r := NewFrameReader(&chunkReader{data: buf.Bytes(), size: 3})

	ev1, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "hello world", ev1.Content)

	// Heartbeat is transport-level and skipped.
	ev2, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "again", ev2.Content)

	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestFrameReader_TrailingFrameWithoutNewline(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(core.NewTokenEvent("e1", "n1", "a")))
	raw := strings.TrimSuffix(buf.String(), "\n")

	r := NewFrameReader(strings.NewReader(raw))
	ev, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "a", ev.Content)

	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestFrameReader_MalformedFrame(t *testing.T) {
	r := NewFrameReader(strings.NewReader("{not json}\n"))
	_, err := r.Next()
	require.Error(t, err)
	require.NotEqual(t, io.EOF, err)
}

func TestFrameReader_StopsAtSentinel(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Close())
	// Anything after the sentinel is never read.
	require.NoError(t, w.Write(core.NewTokenEvent("e1", "n1", "late")))

	r := NewFrameReader(&buf)
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}
