package envelope

import "sync"

// Emitter hands envelopes from the producers of one request (the step loop
// and its tool handlers) to the single consumer that writes the stream.
//
// Emit blocks until the consumer takes the envelope, so nothing is dropped
// while the consumer is alive. Once the consumer calls Stop, further envelopes
// are recorded but not delivered. Close ends the stream.
type Emitter struct {
	ch       chan Envelope
	done     chan struct{}
	stopOnce sync.Once
	rec      *Recorder

	mu     sync.Mutex
	closed bool
}

// NewEmitter creates an Emitter with the given channel buffer.
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Emitter{
		ch:   make(chan Envelope, bufferSize),
		done: make(chan struct{}),
		rec:  NewRecorder(),
	}
}

// Emit records env and delivers it. It reports whether env was delivered.
func (e *Emitter) Emit(env Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.rec.Add(env)
	select {
	case e.ch <- env:
		return true
	case <-e.done:
		return false
	}
}

// Envelopes returns the read-only delivery channel.
func (e *Emitter) Envelopes() <-chan Envelope {
	return e.ch
}

// Stop is called by the consumer when it will read no more. Safe to call
// multiple times.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Stopped reports whether the consumer has gone away.
func (e *Emitter) Stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Close closes the delivery channel. Later Emits are ignored. Safe to call
// multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Transcript returns everything emitted so far, with deltas coalesced.
func (e *Emitter) Transcript() []Envelope {
	return e.rec.Envelopes()
}
