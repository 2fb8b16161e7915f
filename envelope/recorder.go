package envelope

import (
	"strings"
	"sync"
	"time"
)

// Recorder accumulates the persisted form of a stream: runs of text-delta
// and reasoning-delta envelopes fold into single text and reasoning parts.
type Recorder struct {
	mu      sync.Mutex
	parts   []Envelope
	pending Type
	buf     strings.Builder
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Add appends env to the transcript.
func (r *Recorder) Add(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var coalesced Type
	switch env.Type {
	case TypeTextDelta:
		coalesced = TypeText
	case TypeReasoningDelta:
		coalesced = TypeReasoning
	default:
		r.flush()
		r.parts = append(r.parts, env)
		return
	}

	var t Text
	if err := env.Decode(&t); err != nil {
		return
	}
	if r.pending != coalesced {
		r.flush()
		r.pending = coalesced
	}
	r.buf.WriteString(t.Text)
}

func (r *Recorder) flush() {
	if r.pending == "" {
		return
	}
	r.parts = append(r.parts, Must(r.pending, "", Text{Text: r.buf.String()}))
	r.pending = ""
	r.buf.Reset()
}

// Envelopes returns a copy of the transcript including any pending text.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.parts), len(r.parts)+1)
	copy(out, r.parts)
	if r.pending != "" {
		out = append(out, Must(r.pending, "", Text{Text: r.buf.String()}))
	}
	return out
}

// Clock issues strictly increasing millisecond timestamps.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock creates a Clock on the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a timestamp greater than every earlier one from this Clock.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}
