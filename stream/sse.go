package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxFrameSize bounds one buffered SSE frame on the decode side.
const maxFrameSize = 4 * 1024 * 1024

// ErrFrameTooLarge is returned by Decoder when a frame exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("sse frame too large")

// Encoder writes events as SSE frames: one "data: <json>" line followed by a
// blank line. Writers that implement http.Flusher are flushed per frame.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode writes one frame.
func (e *Encoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + 8)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Comment writes an SSE comment line, which clients ignore.
func (e *Encoder) Comment(text string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Decoder reads SSE frames. Frames may arrive split across any number of
// reads; a frame is parsed only once its terminating blank line is seen.
// Lines are read through a bounded buffer, so an oversized line is rejected
// without being held in memory whole.
type Decoder struct {
	sc       *bufio.Scanner
	maxFrame int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return newDecoder(r, maxFrameSize)
}

func newDecoder(r io.Reader, maxFrame int) *Decoder {
	sc := bufio.NewScanner(r)
	// Room for the "data: " field name and a trailing CR.
	limit := maxFrame + len("data: ") + 1
	sc.Buffer(make([]byte, 0, min(4096, limit)), limit)
	return &Decoder{sc: sc, maxFrame: maxFrame}
}

// Next returns the next event. Its Payload is a json.RawMessage. An
// incomplete trailing frame yields io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Event, error) {
	var data []byte
	pending := false
	for d.sc.Scan() {
		line := strings.TrimRight(d.sc.Text(), "\r")

		if line == "" {
			if len(data) == 0 {
				// Comment-only frame or stray blank line.
				pending = false
				continue
			}
			return decodeFrame(data)
		}
		pending = true

		switch {
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			if len(data) > d.maxFrame {
				return Event{}, ErrFrameTooLarge
			}
		}
	}

	if err := d.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Event{}, ErrFrameTooLarge
		}
		return Event{}, err
	}
	if pending {
		return Event{}, io.ErrUnexpectedEOF
	}
	return Event{}, io.EOF
}

func decodeFrame(data []byte) (Event, error) {
	var wire struct {
		Type    EventType       `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("decode sse frame: %w", err)
	}
	return Event{Type: wire.Type, Payload: wire.Payload}, nil
}
