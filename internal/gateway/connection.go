package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wavelink/backend/internal/auth"
	"github.com/wavelink/backend/internal/broker"
	"github.com/wavelink/backend/internal/ratelimit"
	"github.com/wavelink/backend/internal/snowflake"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the protocol state of a Connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Peer describes where a socket came from, for rate limiting.
type Peer struct {
	Addr         string
	ForwardedFor []string
}

var (
	errInvalidUser          = errors.New("gateway: invalid user")
	errAlreadyAuthenticated = errors.New("gateway: already authenticated")
)

const outboundBufferSize = 64

// Connection is the per-socket protocol state machine. The read loop and
// the broker delivery loop are two independent event sources feeding it;
// a single write loop owns the socket writer.
type Connection struct {
	server   *Server
	ws       *websocket.Conn
	peer     Peer
	logger   *zap.Logger
	throttle *rate.Limiter

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu            sync.Mutex
	userID        snowflake.ID
	closed        bool
	subscriber    broker.Subscriber
	subscriptions map[subscriptionKey]string
	counterparts  map[string]snowflake.ID
}

func newConnection(server *Server, ws *websocket.Conn, peer Peer) *Connection {
	return &Connection{
		server:        server,
		ws:            ws,
		peer:          peer,
		logger:        server.logger.With(zap.String("peer", peer.Addr)),
		throttle:      rate.NewLimiter(rate.Limit(server.settings.messagesPerSecond), server.settings.messageBurst),
		outbound:      make(chan []byte, outboundBufferSize),
		done:          make(chan struct{}),
		subscriptions: make(map[subscriptionKey]string),
		counterparts:  make(map[string]snowflake.ID),
	}
}

// State reports the current protocol state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return StateClosed
	case c.userID == 0:
		return StateUnauthenticated
	case len(c.subscriptions) > 0:
		return StateSubscribed
	default:
		return StateAuthenticated
	}
}

// run drives the connection until the socket fails or ctx is cancelled.
func (c *Connection) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.close()
		case <-c.done:
		}
	}()

	c.readLoop(ctx)
	return c.close()
}

func (c *Connection) readLoop(ctx context.Context) {
	settings := c.server.settings
	c.ws.SetReadLimit(settings.maxMessageBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(settings.pongWait)); err != nil {
		c.logger.Debug("set read deadline failed", zap.Error(err))
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(settings.pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.throttle.Allow() {
			c.sendError(messageTooManyRequests)
			continue
		}
		c.dispatch(ctx, raw)
	}
}

func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Info("gateway frame exceeded size limit", zap.Int64("limit", c.server.settings.maxMessageBytes))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("gateway client disconnected")
	default:
		select {
		case <-c.done:
		default:
			c.logger.Info("gateway read failed", zap.Error(err))
		}
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.server.settings.pingInterval)
	defer ticker.Stop()
	writeWait := c.server.settings.writeWait

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("gateway write failed", zap.Error(err))
				_ = c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("gateway ping failed", zap.Error(err))
				_ = c.close()
				return
			}
		}
	}
}

// dispatch handles one inbound frame. A panic is reported to the client
// generically and the connection stays open.
func (c *Connection) dispatch(ctx context.Context, raw []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("gateway handler panic", zap.Any("panic", recovered), zap.Stack("stack"))
			c.sendError(messageInternal)
		}
	}()

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		// Before authentication every frame, readable or not, gets the same answer.
		if !c.authenticated() {
			c.sendError(messageMustAuthenticate)
			return
		}
		c.sendError(messageMalformed)
		return
	}

	var err error
	if !c.authenticated() {
		if frame.Type != TypeAuthenticate {
			c.sendError(messageMustAuthenticate)
			return
		}
		err = c.authenticate(ctx, frame)
	} else {
		switch frame.Type {
		case TypeAuthenticate:
			err = errAlreadyAuthenticated
		case TypeSubscribe:
			err = c.subscribe(ctx, frame)
		case TypeUnsubscribe:
			err = c.unsubscribe(ctx, frame)
		default:
			err = ErrInvalidMessageType
		}
	}
	if err != nil {
		c.reportError(frame.Type, err)
	}
}

func (c *Connection) reportError(frameType string, err error) {
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed):
		c.logger.Info("gateway authentication failed", zap.Error(err))
		c.sendError(messageAuthenticationFailed)
	case errors.Is(err, ratelimit.ErrTooManyRequests):
		c.sendError(messageTooManyRequests)
	case errors.Is(err, errAlreadyAuthenticated):
		c.sendError(messageAlreadyAuthenticated)
	case errors.Is(err, ErrInvalidTarget):
		c.sendError(messageInvalidTarget)
	case errors.Is(err, ErrInvalidMessageType):
		c.sendError(messageInvalidMessageType)
	case errors.Is(err, errInvalidUser), errors.Is(err, ErrAuthorizationDenied):
		c.sendError(messageInvalidUser)
	default:
		c.logger.Error("gateway handler failed", zap.String("frame_type", frameType), zap.Error(err))
		c.sendError(messageInternal)
	}
}

func (c *Connection) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID != 0
}

func (c *Connection) self() snowflake.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) authenticate(ctx context.Context, frame inboundFrame) error {
	if limiter := c.server.limiter; limiter != nil {
		_, err := limiter.Admit(ctx, ratelimit.Request{
			Method:       TypeAuthenticate,
			PeerAddr:     c.peer.Addr,
			ForwardedFor: c.peer.ForwardedFor,
		})
		if err != nil {
			return err
		}
	}

	user, err := c.server.verifier.Verify(ctx, frame.Token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.userID != 0 {
		c.mu.Unlock()
		return errAlreadyAuthenticated
	}
	c.userID = user.ID
	c.mu.Unlock()

	c.logger.Debug("gateway connection authenticated", zap.String("user_id", user.ID.String()))
	c.send(outboundFrame{Type: TypeAuthenticated})
	return nil
}

func (c *Connection) subscribe(ctx context.Context, frame inboundFrame) error {
	if frame.Target != TargetMessagesDirect {
		return ErrInvalidTarget
	}
	other, ok := frame.userID()
	if !ok {
		return errInvalidUser
	}
	self := c.self()

	allowed, err := c.server.authorizer.AllowedToMessage(ctx, self, other)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrAuthorizationDenied
	}

	channelID, err := c.server.channels.GetOrCreateDirectChannel(ctx, self, other)
	if err != nil {
		return err
	}
	name := broker.DirectChannelName(channelID)
	key := subscriptionKey{target: frame.Target, user: other}

	subscriber, err := c.ensureSubscriber(ctx)
	if err != nil {
		return err
	}

	// Record before subscribing so the first delivery finds its counterpart.
	c.mu.Lock()
	_, existed := c.subscriptions[key]
	c.subscriptions[key] = name
	c.counterparts[name] = other
	c.mu.Unlock()

	if err := subscriber.Subscribe(ctx, name); err != nil {
		if !existed {
			c.mu.Lock()
			delete(c.subscriptions, key)
			delete(c.counterparts, name)
			c.mu.Unlock()
		}
		return err
	}

	c.send(outboundFrame{Type: TypeSubscribed, Target: frame.Target, User: &other})
	return nil
}

func (c *Connection) unsubscribe(ctx context.Context, frame inboundFrame) error {
	if frame.Target != TargetMessagesDirect {
		return ErrInvalidTarget
	}
	other, ok := frame.userID()
	if !ok {
		return errInvalidUser
	}
	key := subscriptionKey{target: frame.Target, user: other}

	c.mu.Lock()
	name, recorded := c.subscriptions[key]
	if recorded {
		delete(c.subscriptions, key)
		delete(c.counterparts, name)
	}
	subscriber := c.subscriber
	c.mu.Unlock()

	if recorded && subscriber != nil {
		if err := subscriber.Unsubscribe(ctx, name); err != nil {
			return err
		}
	}

	c.send(outboundFrame{Type: TypeUnsubscribed, Target: frame.Target, User: &other})
	return nil
}

// ensureSubscriber lazily opens the connection's broker handle and starts
// its delivery loop.
func (c *Connection) ensureSubscriber(ctx context.Context) (broker.Subscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}
	if c.subscriber != nil {
		return c.subscriber, nil
	}
	subscriber, err := c.server.broker.NewSubscriber(ctx)
	if err != nil {
		return nil, err
	}
	c.subscriber = subscriber
	go c.deliveryLoop(subscriber.Messages())
	return subscriber, nil
}

func (c *Connection) deliveryLoop(deliveries <-chan broker.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			c.relay(delivery)
		}
	}
}

// relay forwards a broker envelope to the socket, tagged with the
// counterpart and stripped of the internal channel id. The author's own
// connection is skipped.
func (c *Connection) relay(delivery broker.Delivery) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("gateway relay panic", zap.Any("panic", recovered), zap.Stack("stack"))
			c.sendError(messageInternal)
		}
	}()

	c.mu.Lock()
	counterpart, subscribed := c.counterparts[delivery.Channel]
	self := c.userID
	c.mu.Unlock()
	if !subscribed {
		return
	}

	var event envelope
	if err := json.Unmarshal(delivery.Payload, &event); err != nil {
		c.logger.Warn("undecodable broker envelope", zap.String("channel", delivery.Channel), zap.Error(err))
		return
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(event.Data, &data); err != nil {
		c.logger.Warn("undecodable broker payload", zap.String("channel", delivery.Channel), zap.Error(err))
		return
	}
	if rawAuthor, ok := data["authorId"]; ok {
		var author snowflake.ID
		if err := json.Unmarshal(rawAuthor, &author); err == nil && author == self {
			return
		}
	}
	delete(data, "channelId")
	stripped, err := json.Marshal(data)
	if err != nil {
		c.logger.Warn("failed to encode relayed payload", zap.Error(err))
		return
	}

	if c.send(outboundFrame{Type: event.Type, User: &counterpart, Data: stripped}) {
		c.server.metrics.MessageRelayed(event.Type)
	}
}

func (c *Connection) sendError(message string) {
	c.server.metrics.GatewayError(message)
	c.send(errorFrame(message))
}

// send queues a frame for the write loop. It reports false once the
// connection is closing.
func (c *Connection) send(frame outboundFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode gateway frame", zap.String("type", frame.Type), zap.Error(err))
		return false
	}
	select {
	case c.outbound <- payload:
		return true
	case <-c.done:
		return false
	}
}

// close releases every recorded subscription and the socket. It is safe to
// call from any goroutine; only the first call does work.
func (c *Connection) close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		subscriber := c.subscriber
		channels := make([]string, 0, len(c.subscriptions))
		for _, name := range c.subscriptions {
			channels = append(channels, name)
		}
		c.subscriptions = make(map[subscriptionKey]string)
		c.counterparts = make(map[string]snowflake.ID)
		c.mu.Unlock()

		var err error
		if subscriber != nil {
			// Closing the handle drops every channel it holds.
			err = multierr.Append(err, subscriber.Close())
			c.logger.Debug("gateway subscriptions released", zap.Strings("channels", channels))
		}
		deadline := time.Now().Add(c.server.settings.writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = multierr.Append(err, c.ws.Close())

		c.closeErr = err
		c.server.release(c)
	})
	return c.closeErr
}
