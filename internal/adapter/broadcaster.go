package adapter

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/logging"
)

// Broadcaster is a one-to-many hub for values that observers may miss: it
// never blocks the publisher. Slow subscribers drop values.
type Broadcaster[T any] struct {
	name   string
	logger *zap.Logger

	mu     sync.RWMutex
	subs   []chan T
	closed bool

	dropped atomic.Int64
}

// NewBroadcaster creates a Broadcaster. name is used in drop logs.
func NewBroadcaster[T any](name string, logger *zap.Logger) *Broadcaster[T] {
	logger = logging.OrNop(logger)
	return &Broadcaster[T]{name: name, logger: logger.Named("broadcaster")}
}

// Subscribe returns a buffered channel that receives every published value.
// The channel is closed by Close.
func (b *Broadcaster[T]) Subscribe(buffer int) <-chan T {
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()

	return ch
}

// Publish delivers v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// Slow consumer: drop to avoid head-of-line blocking.
			if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
				b.logger.Warn("dropping value for slow subscriber",
					zap.String("stream", b.name), zap.Int64("dropped_total", n))
			}
		}
	}
}

// Dropped returns the number of values dropped so far.
func (b *Broadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
