// Package batch coalesces bursty terminal output into fewer sends.
//
// A Batcher is not safe for concurrent use. It is driven by the single
// goroutine that owns a connection: Add on every output chunk, and Flush
// when the channel returned by C fires.
package batch

import (
	"bytes"
	"time"

	"k8s.io/utils/clock"
)

const (
	// QuietPeriod separates bursts: output arriving after this much silence
	// since the last flush starts a new burst.
	QuietPeriod = time.Second
	// BurstStartDelay flushes the first output of a new burst quickly.
	BurstStartDelay = 100 * time.Millisecond
	// InBurstDelay waits for more output while a burst is in progress.
	InBurstDelay = 500 * time.Millisecond
)

type Batcher struct {
	clock     clock.Clock
	buf       bytes.Buffer
	lastFlush time.Time
	timer     clock.Timer
}

// New returns a Batcher whose last flush is the current time, so output
// right after creation counts as part of a burst.
func New(c clock.Clock) *Batcher {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Batcher{clock: c, lastFlush: c.Now()}
}

// Add appends p and re-arms the flush timer, discarding any pending one.
// It returns the delay chosen.
func (b *Batcher) Add(p []byte) time.Duration {
	b.buf.Write(p)

	delay := InBurstDelay
	if b.clock.Since(b.lastFlush) > QuietPeriod {
		delay = BurstStartDelay
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clock.NewTimer(delay)
	return delay
}

// C fires when the pending flush is due. It is nil when nothing is
// scheduled, which blocks forever in a select.
func (b *Batcher) C() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C()
}

// Flush returns the whole accumulated buffer and resets the batcher. It
// returns nil when the buffer holds only whitespace; the state is reset
// either way.
func (b *Batcher) Flush() []byte {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	var out []byte
	if len(bytes.TrimSpace(b.buf.Bytes())) > 0 {
		out = bytes.Clone(b.buf.Bytes())
	}
	b.buf.Reset()
	b.lastFlush = b.clock.Now()
	return out
}

// Stop cancels a pending flush. Buffered output is kept.
func (b *Batcher) Stop() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Pending reports whether a flush is scheduled.
func (b *Batcher) Pending() bool {
	return b.timer != nil
}

// Len returns the number of buffered bytes.
func (b *Batcher) Len() int {
	return b.buf.Len()
}
