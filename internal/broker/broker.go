// Package broker adapts the shared publish/subscribe bus used to fan gateway
// events out to every process holding a live connection.
package broker

import (
	"context"
	"errors"
	"strings"

	"github.com/wavelink/backend/internal/snowflake"
)

const directChannelPrefix = "messages:direct:"

// ErrClosed is returned by operations on a closed Subscriber.
var ErrClosed = errors.New("broker: subscriber closed")

// Delivery is one published payload received on a subscribed channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// Publisher publishes payloads to named channels.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber is a per-connection subscription handle. Messages is closed
// after Close returns.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Messages() <-chan Delivery
	Close() error
}

// Broker publishes and hands out subscription handles.
type Broker interface {
	Publisher
	NewSubscriber(ctx context.Context) (Subscriber, error)
}

// DirectChannelName names the bus channel for a persisted direct-message
// conversation. It is keyed by the conversation id so both participants
// resolve the same name regardless of argument order.
func DirectChannelName(channelID snowflake.ID) string {
	return directChannelPrefix + channelID.String()
}

// ChannelKind strips the trailing id from a channel name, leaving a value
// with bounded cardinality.
func ChannelKind(channel string) string {
	if index := strings.LastIndexByte(channel, ':'); index > 0 {
		return channel[:index]
	}
	return channel
}
