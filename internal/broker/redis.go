package broker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	deliveryBufferSize = 64

	kindSubscribe   = "subscribe"
	kindUnsubscribe = "unsubscribe"
)

// RedisBroker is a Broker over Redis pub/sub. Each Subscriber owns a
// dedicated Redis connection.
type RedisBroker struct {
	client redis.UniversalClient
}

// NewRedisBroker wraps an existing client; the caller owns its lifecycle.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) NewSubscriber(ctx context.Context) (Subscriber, error) {
	pubsub := b.client.Subscribe(ctx)
	subscriber := &redisSubscriber{
		pubsub:  pubsub,
		stream:  make(chan Delivery, deliveryBufferSize),
		done:    make(chan struct{}),
		waiters: make(map[confirmation][]chan struct{}),
	}
	go subscriber.forward(pubsub.ChannelWithSubscriptions(redis.WithChannelSize(deliveryBufferSize)))
	return subscriber, nil
}

// confirmation identifies a server acknowledgement of SUBSCRIBE or
// UNSUBSCRIBE for one channel.
type confirmation struct {
	kind    string
	channel string
}

type redisSubscriber struct {
	pubsub *redis.PubSub
	stream chan Delivery
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	waiters map[confirmation][]chan struct{}
}

// Subscribe returns once Redis has acknowledged every channel, so a publish
// issued after it returns is delivered.
func (s *redisSubscriber) Subscribe(ctx context.Context, channels ...string) error {
	if s.closed() {
		return ErrClosed
	}
	if len(channels) == 0 {
		return nil
	}
	return s.roundTrip(ctx, kindSubscribe, channels, s.pubsub.Subscribe)
}

// Unsubscribe returns once Redis has acknowledged every channel.
func (s *redisSubscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	if s.closed() {
		return ErrClosed
	}
	if len(channels) == 0 {
		return nil
	}
	return s.roundTrip(ctx, kindUnsubscribe, channels, s.pubsub.Unsubscribe)
}

func (s *redisSubscriber) roundTrip(ctx context.Context, kind string, channels []string, send func(context.Context, ...string) error) error {
	pending := make([]chan struct{}, 0, len(channels))
	keys := make([]confirmation, 0, len(channels))
	s.mu.Lock()
	for _, channel := range channels {
		key := confirmation{kind: kind, channel: channel}
		waiter := make(chan struct{})
		s.waiters[key] = append(s.waiters[key], waiter)
		pending = append(pending, waiter)
		keys = append(keys, key)
	}
	s.mu.Unlock()

	if err := send(ctx, channels...); err != nil {
		s.abandon(keys, pending)
		return err
	}
	for _, waiter := range pending {
		select {
		case <-waiter:
		case <-ctx.Done():
			s.abandon(keys, pending)
			return ctx.Err()
		case <-s.done:
			s.abandon(keys, pending)
			return ErrClosed
		}
	}
	return nil
}

// abandon drops waiters that will no longer be read.
func (s *redisSubscriber) abandon(keys []confirmation, pending []chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index, key := range keys {
		queue := s.waiters[key]
		for position, waiter := range queue {
			if waiter == pending[index] {
				queue = append(queue[:position], queue[position+1:]...)
				break
			}
		}
		if len(queue) == 0 {
			delete(s.waiters, key)
		} else {
			s.waiters[key] = queue
		}
	}
}

// confirm releases the oldest waiter for key. Acknowledgements with no
// waiter come from go-redis resubscribing after a reconnect.
func (s *redisSubscriber) confirm(key confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.waiters[key]
	if len(queue) == 0 {
		return
	}
	close(queue[0])
	if len(queue) == 1 {
		delete(s.waiters, key)
		return
	}
	s.waiters[key] = queue[1:]
}

func (s *redisSubscriber) Messages() <-chan Delivery {
	return s.stream
}

func (s *redisSubscriber) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *redisSubscriber) forward(source <-chan interface{}) {
	defer close(s.stream)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-source:
			if !ok {
				return
			}
			switch value := event.(type) {
			case *redis.Subscription:
				s.confirm(confirmation{kind: value.Kind, channel: value.Channel})
			case *redis.Message:
				select {
				case s.stream <- Delivery{Channel: value.Channel, Payload: []byte(value.Payload)}:
				case <-s.done:
					return
				}
			}
		}
	}
}
