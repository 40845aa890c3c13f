package relay

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("bus closed")

type subscriber struct {
	id      uint64
	handler func(Event)
}

// handlerSet is the subscriber list shared by the bus implementations.
type handlerSet struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
}

func (h *handlerSet) add(fn func(Event)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber{id: id, handler: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *handlerSet) deliver(ev Event) {
	h.mu.RLock()
	subs := make([]subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, s := range subs {
		s.handler(ev)
	}
}

// LocalBus is an in-process Bus. A single goroutine drains the queue so every
// subscriber sees events in exactly the order they were published.
type LocalBus struct {
	handlers handlerSet
	queue    chan Event
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewLocalBus starts the delivery goroutine. bufferSize bounds how far
// publishers may run ahead of subscribers before Publish blocks.
func NewLocalBus(bufferSize int, logger *zap.Logger) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	b := &LocalBus{
		queue:  make(chan Event, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *LocalBus) run() {
	defer close(b.done)
	for ev := range b.queue {
		b.handlers.deliver(ev)
	}
}

func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- ev:
		return nil
	case <-ctx.Done():
		b.logger.Warn("event dropped, bus full",
			zap.String("type", string(ev.Type)),
			zap.String("alert_id", ev.AlertID.String()),
		)
		return ctx.Err()
	}
}

func (b *LocalBus) Subscribe(handler func(Event)) func() {
	return b.handlers.add(handler)
}

// Close stops accepting events and waits for queued ones to be delivered.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	return nil
}
