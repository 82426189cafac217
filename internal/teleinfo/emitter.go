package teleinfo

import (
	"context"
	"io"
	"time"

	"github.com/banshee-data/teleinfo.sim/internal/monitoring"
	"github.com/banshee-data/teleinfo.sim/internal/timeutil"
)

// TickPeriod is the interval between two frames.
const TickPeriod = 2 * time.Second

// Emitter periodically writes teleinformation frames to a transport. It owns
// its counters; nothing else reads or writes them.
type Emitter struct {
	w        io.Writer
	clock    timeutil.Clock
	fields   []Field
	counters []Counter
	latch    *monitoring.FailureLatch
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithClock replaces the wall clock driving the ticker.
func WithClock(c timeutil.Clock) EmitterOption {
	return func(e *Emitter) {
		e.clock = c
	}
}

// WithFields replaces DefaultFields. Fields are emitted in slice order.
func WithFields(fields []Field) EmitterOption {
	return func(e *Emitter) {
		e.fields = fields
	}
}

// NewEmitter creates an Emitter writing to w, with counters at their
// initial values.
func NewEmitter(w io.Writer, opts ...EmitterOption) (*Emitter, error) {
	e := &Emitter{
		w:      w,
		clock:  timeutil.RealClock{},
		fields: DefaultFields(),
		latch:  &monitoring.FailureLatch{What: "frame write"},
	}
	for _, opt := range opts {
		opt(e)
	}

	counters, err := NewCounters(e.fields)
	if err != nil {
		return nil, err
	}
	e.counters = counters
	return e, nil
}

// Run emits the first frame immediately, then one frame per TickPeriod until
// ctx is cancelled. It returns ctx.Err().
func (e *Emitter) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ticker := e.clock.NewTicker(TickPeriod)
	defer ticker.Stop()

	for {
		e.emit()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// emit builds and writes one frame, then advances every counter. A failed
// write is dropped: the frame is not retried and the counters advance anyway.
func (e *Emitter) emit() {
	frame := BuildFrame(e.counters)

	_, err := e.w.Write(frame)
	e.latch.Observe(err)

	for i := range e.counters {
		e.counters[i].Advance()
	}
}
