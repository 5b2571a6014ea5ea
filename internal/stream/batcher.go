package stream

import (
	"strings"
	"sync"
	"time"
)

// DefaultBatchWindow bounds how long a text delta may sit before delivery.
const DefaultBatchWindow = 50 * time.Millisecond

// Batcher coalesces consecutive text deltas for one task so downstream
// consumers see a bounded callback rate without losing ordering. It is safe
// for concurrent use, though the per-task pipeline feeds it sequentially.
type Batcher struct {
	window time.Duration
	emit   func(text string)

	mu      sync.Mutex
	pending strings.Builder
	timer   *time.Timer
	closed  bool
}

// NewBatcher creates a batcher delivering coalesced text through emit.
// A non-positive window falls back to DefaultBatchWindow.
func NewBatcher(window time.Duration, emit func(text string)) *Batcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &Batcher{window: window, emit: emit}
}

// AddText appends a text delta to the pending batch. The first delta after a
// flush arms the flush timer; later deltas ride the same window so a burst
// yields a single callback.
func (b *Batcher) AddText(text string) {
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.pending.WriteString(text)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flushTimer)
	}
}

func (b *Batcher) flushTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked()
}

// Flush delivers any pending batch immediately. Called ahead of every
// non-text event so ordering is preserved, and on task termination so no
// trailing content is dropped. Flush does not return while a timer-driven
// emission is in flight, so a caller sequencing a non-text event behind it
// never overtakes earlier text.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked()
}

// emitLocked drains and delivers under the lock. Emission stays inside the
// critical section: ordering across timer and explicit flushes depends on it.
func (b *Batcher) emitLocked() {
	if text := b.drainLocked(); text != "" {
		b.emit(text)
	}
}

// drainLocked returns the pending text and disarms the timer. Caller holds mu.
func (b *Batcher) drainLocked() string {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	text := b.pending.String()
	b.pending.Reset()
	return text
}

// Close flushes trailing content and rejects further input.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.emitLocked()
}
