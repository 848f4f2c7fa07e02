// Package bus fans values from one publisher out to many subscribers.
package bus

import (
	"log/slog"
	"sync"
)

// FanOut broadcasts each published value to every subscriber channel.
// A full subscriber never blocks the publisher: its oldest queued value is
// discarded so it always ends up holding the most recent ones.
type FanOut[T any] struct {
	mu      sync.RWMutex
	outputs map[uint64]chan T
	nextID  uint64
	bufSize int
	closed  bool

	// OnDrop is called when a queued value is discarded for a slow subscriber.
	OnDrop func(subscriberID uint64)
}

// New creates a FanOut with the given buffer size for output channels.
func New[T any](outputBufferSize int) *FanOut[T] {
	if outputBufferSize < 1 {
		outputBufferSize = 1
	}
	return &FanOut[T]{
		outputs: make(map[uint64]chan T),
		bufSize: outputBufferSize,
	}
}

// Subscribe creates a new output channel and returns it with its id.
// Subscribing to a closed FanOut returns an already-closed channel.
func (f *FanOut[T]) Subscribe() (uint64, <-chan T) {
	ch := make(chan T, f.bufSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return 0, ch
	}
	f.nextID++
	f.outputs[f.nextID] = ch
	return f.nextID, ch
}

// Unsubscribe removes and closes the subscriber's channel.
func (f *FanOut[T]) Unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.outputs[id]; ok {
		delete(f.outputs, id)
		close(ch)
	}
}

// Publish delivers v to every subscriber without blocking.
func (f *FanOut[T]) Publish(v T) {
	// Write lock: the drain-then-send below must not interleave with
	// another Publish on the same channel.
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for id, ch := range f.outputs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
		if f.OnDrop != nil {
			f.OnDrop(id)
		} else {
			slog.Debug("[bus] subscriber full, dropped oldest value", "subscriber", id)
		}
	}
}

// Len returns the number of subscribers.
func (f *FanOut[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.outputs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (f *FanOut[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.outputs {
		close(ch)
		delete(f.outputs, id)
	}
}

// ChannelStat reports (length, capacity) of one subscriber channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	ID  uint64
	Len int
	Cap int
}

func (f *FanOut[T]) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, 0, len(f.outputs))
	for id, ch := range f.outputs {
		stats = append(stats, ChannelStat{ID: id, Len: len(ch), Cap: cap(ch)})
	}
	return stats
}
