package broker

import (
	"context"
	"sync"
	"time"
)

// DefaultDeliveryTimeout bounds how long Publish waits on one slow
// subscriber before dropping the delivery to it.
const DefaultDeliveryTimeout = 5 * time.Second

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithDeliveryTimeout overrides DefaultDeliveryTimeout.
func WithDeliveryTimeout(timeout time.Duration) MemoryOption {
	return func(b *MemoryBroker) {
		if timeout > 0 {
			b.deliveryTimeout = timeout
		}
	}
}

// WithBufferSize sets the per-subscriber delivery buffer.
func WithBufferSize(size int) MemoryOption {
	return func(b *MemoryBroker) {
		if size >= 0 {
			b.bufferSize = size
		}
	}
}

// WithDropHandler is called for every delivery abandoned after the
// delivery timeout.
func WithDropHandler(handler func(channel string)) MemoryOption {
	return func(b *MemoryBroker) {
		b.onDrop = handler
	}
}

// MemoryBroker fans payloads out inside one process. Publish blocks while a
// subscriber's buffer is full, up to the delivery timeout.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*memorySubscriber
	nextID      int64

	bufferSize      int
	deliveryTimeout time.Duration
	onDrop          func(channel string)
}

// NewMemoryBroker constructs an empty in-process broker.
func NewMemoryBroker(options ...MemoryOption) *MemoryBroker {
	broker := &MemoryBroker{
		subscribers:     make(map[string]map[int64]*memorySubscriber),
		bufferSize:      deliveryBufferSize,
		deliveryTimeout: DefaultDeliveryTimeout,
	}
	for _, option := range options {
		option(broker)
	}
	return broker
}

// Publish hands payload to every subscriber of channel. It returns early
// with ctx's error when ctx ends while a subscriber is still full.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return nil
	}
	b.mu.RLock()
	subscribers := b.subscribers[channel]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil
	}
	copies := make([]*memorySubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()

	for _, subscriber := range copies {
		delivery := Delivery{Channel: channel, Payload: append([]byte(nil), payload...)}
		delivered, err := subscriber.deliver(ctx, delivery, b.deliveryTimeout)
		if err != nil {
			return err
		}
		if !delivered && b.onDrop != nil {
			b.onDrop(channel)
		}
	}
	return nil
}

func (b *MemoryBroker) NewSubscriber(context.Context) (Subscriber, error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()
	return &memorySubscriber{
		id:       id,
		broker:   b,
		stream:   make(chan Delivery, b.bufferSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}, nil
}

// SubscriberCount reports how many subscribers are attached to channel.
func (b *MemoryBroker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

func (b *MemoryBroker) register(channel string, subscriber *memorySubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[int64]*memorySubscriber)
	}
	b.subscribers[channel][subscriber.id] = subscriber
}

func (b *MemoryBroker) unregister(channel string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, channel)
		}
	}
	b.mu.Unlock()
}

type memorySubscriber struct {
	id     int64
	broker *MemoryBroker
	stream chan Delivery
	// done is closed before mu is taken in Close so a blocked deliver
	// releases the lock.
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

func (s *memorySubscriber) Subscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, channel := range channels {
		s.channels[channel] = struct{}{}
		s.broker.register(channel, s)
	}
	return nil
}

func (s *memorySubscriber) Unsubscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, channel := range channels {
		delete(s.channels, channel)
		s.broker.unregister(channel, s.id)
	}
	return nil
}

func (s *memorySubscriber) Messages() <-chan Delivery {
	return s.stream
}

func (s *memorySubscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for channel := range s.channels {
		s.broker.unregister(channel, s.id)
	}
	s.channels = nil
	close(s.stream)
	return nil
}

// deliver waits up to timeout for buffer space. It reports false only when
// the delivery was dropped on a live subscriber.
func (s *memorySubscriber) deliver(ctx context.Context, delivery Delivery, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true, nil
	}
	select {
	case s.stream <- delivery:
		return true, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.stream <- delivery:
		return true, nil
	case <-s.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	}
}
