// Package stream implements the newline-delimited JSON wire protocol for
// events and the consumer-side reconstruction of a step tree from the
// append-only event log.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/calder-labs/stagecoach/core"
)

// Transport-level frame types. They never reach the consumer's step tree.
const (
	// FrameHeartbeat keeps long-lived connections alive between events.
	FrameHeartbeat = "heartbeat"
	// FrameStreamEnd is the sentinel marking the end of the stream.
	FrameStreamEnd = "stream_end"
)

type frame struct {
	Type string `json:"event_type"`
}

// Writer encodes events as newline-delimited JSON frames.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Write encodes one event frame.
func (w *Writer) Write(ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteHeartbeat emits a keep-alive frame.
func (w *Writer) WriteHeartbeat() error {
	_, err := io.WriteString(w.w, `{"event_type":"heartbeat"}`+"\n")
	return err
}

// Close writes the end-of-stream sentinel. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	_, err := io.WriteString(w.w, `{"event_type":"stream_end"}`+"\n")
	return err
}

// FrameReader decodes newline-delimited event frames. Reads are buffered and
// a frame is only decoded once its terminating newline has arrived, so chunk
// boundaries never split a decode. Heartbeats are skipped; the stream_end
// sentinel and underlying EOF both surface as io.EOF.
type FrameReader struct {
	r    io.Reader
	buf  bytes.Buffer
	read []byte
	done bool
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, read: make([]byte, 4096)}
}

// Next returns the next event frame.
func (fr *FrameReader) Next() (*core.Event, error) {
	for {
		line, err := fr.nextLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("malformed frame: %w", err)
		}
		switch f.Type {
		case FrameHeartbeat:
			continue
		case FrameStreamEnd:
			fr.done = true
			return nil, io.EOF
		}

		var ev core.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("malformed event frame: %w", err)
		}
		return &ev, nil
	}
}

func (fr *FrameReader) nextLine() ([]byte, error) {
	for {
		if fr.done {
			return nil, io.EOF
		}
		if data := fr.buf.Bytes(); len(data) > 0 {
			if nl := bytes.IndexByte(data, '\n'); nl >= 0 {
				line := make([]byte, nl)
				copy(line, data[:nl])
				fr.buf.Next(nl + 1)
				return line, nil
			}
		}

		n, err := fr.r.Read(fr.read)
		if n > 0 {
			fr.buf.Write(fr.read[:n])
			continue
		}
		if err == io.EOF {
			fr.done = true
			// A trailing frame without a newline still counts once the
			// producer is gone for good.
			if rest := bytes.TrimSpace(fr.buf.Bytes()); len(rest) > 0 {
				fr.buf.Reset()
				return rest, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
	}
}
