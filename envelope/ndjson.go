package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ContentType is the media type of an envelope stream.
const ContentType = "application/x-ndjson"

// maxFrameSize bounds a single line; generateFiles inputs can be large.
const maxFrameSize = 8 << 20

// Flusher is implemented by writers that buffer, such as http.ResponseWriter.
type Flusher interface {
	Flush()
}

// Writer encodes envelopes as newline-delimited JSON and flushes after each.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{w: w, enc: enc}
}

// Write encodes one envelope as a line.
func (w *Writer) Write(env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(env); err != nil {
		return fmt.Errorf("write %s envelope: %w", env.Type, err)
	}
	if f, ok := w.w.(Flusher); ok {
		f.Flush()
	}
	return nil
}

// Reader decodes a newline-delimited envelope stream. Blank lines are skipped.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader creates a Reader on r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Reader{sc: sc}
}

// Next returns the next envelope, or io.EOF at the end of the stream.
func (r *Reader) Next() (Envelope, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: %w", err)
		}
		if env.Type == "" {
			return Envelope{}, errors.New("decode envelope: missing type")
		}
		return env, nil
	}
	if err := r.sc.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

// ReadAll decodes every envelope from r.
func ReadAll(r io.Reader) ([]Envelope, error) {
	rd := NewReader(r)
	var out []Envelope
	for {
		env, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
}
