// Package gateway terminates realtime websocket connections, runs the
// per-connection protocol and publishes REST-originated events onto the
// broker for fan-out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wavelink/backend/internal/broker"
	"github.com/wavelink/backend/internal/metrics"
	"github.com/wavelink/backend/internal/ratelimit"
	"github.com/wavelink/backend/internal/snowflake"
	"github.com/wavelink/backend/internal/users"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultPingInterval      = 54 * time.Second
	DefaultPongWait          = 60 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultMaxMessageBytes   = 4096
	DefaultMessagesPerSecond = 10
)

var (
	// ErrServerClosed is returned by HandleConnection after Close.
	ErrServerClosed = errors.New("gateway: server closed")

	errMissingChannelKey = errors.New("gateway: channel key is required")
)

// Verifier resolves an access token to its user.
type Verifier interface {
	Verify(ctx context.Context, token string) (users.User, error)
}

// Authorizer answers whether two users may exchange direct messages.
type Authorizer interface {
	AllowedToMessage(ctx context.Context, a, b snowflake.ID) (bool, error)
}

// ChannelResolver returns the durable conversation id for a user pair.
type ChannelResolver interface {
	GetOrCreateDirectChannel(ctx context.Context, a, b snowflake.ID) (snowflake.ID, error)
}

// Admitter gates AUTHENTICATE frames.
type Admitter interface {
	Admit(ctx context.Context, request ratelimit.Request) (ratelimit.Result, error)
}

// Config wires the gateway collaborators.
type Config struct {
	Verifier   Verifier
	Authorizer Authorizer
	Channels   ChannelResolver
	Broker     broker.Broker
	Limiter    Admitter

	AllowedOrigins    []string
	MaxMessageBytes   int64
	MessagesPerSecond float64
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type settings struct {
	maxMessageBytes   int64
	messagesPerSecond float64
	messageBurst      int
	pingInterval      time.Duration
	pongWait          time.Duration
	writeWait         time.Duration
}

// Server accepts gateway sockets. Fan-out is left to the broker; the
// connection set exists only so Close can shut every socket down.
type Server struct {
	verifier   Verifier
	authorizer Authorizer
	channels   ChannelResolver
	broker     broker.Broker
	limiter    Admitter
	upgrader   websocket.Upgrader
	settings   settings
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu          sync.Mutex
	connections map[*Connection]struct{}
	closed      bool
}

// NewServer validates cfg and constructs a Server.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("gateway: verifier is required")
	case cfg.Authorizer == nil:
		return nil, errors.New("gateway: authorizer is required")
	case cfg.Channels == nil:
		return nil, errors.New("gateway: channel resolver is required")
	case cfg.Broker == nil:
		return nil, errors.New("gateway: broker is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := settings{
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		pingInterval:      cfg.PingInterval,
		pongWait:          cfg.PongWait,
		writeWait:         cfg.WriteWait,
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = DefaultMaxMessageBytes
	}
	if s.messagesPerSecond <= 0 {
		s.messagesPerSecond = DefaultMessagesPerSecond
	}
	s.messageBurst = int(s.messagesPerSecond)
	if s.messageBurst < 1 {
		s.messageBurst = 1
	}
	if s.pongWait <= 0 {
		s.pongWait = DefaultPongWait
	}
	if s.pingInterval <= 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.pingInterval >= s.pongWait {
		s.pingInterval = s.pongWait * 9 / 10
	}
	if s.writeWait <= 0 {
		s.writeWait = DefaultWriteWait
	}

	origins, allowAll := normalizeOrigins(cfg.AllowedOrigins, logger)
	server := &Server{
		verifier:    cfg.Verifier,
		authorizer:  cfg.Authorizer,
		channels:    cfg.Channels,
		broker:      cfg.Broker,
		limiter:     cfg.Limiter,
		settings:    s,
		logger:      logger,
		metrics:     cfg.Metrics,
		connections: make(map[*Connection]struct{}),
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if isOriginAllowed(r.Header.Get("Origin"), origins, allowAll) {
				return true
			}
			logger.Info("blocked gateway connection from disallowed origin", zap.String("origin", r.Header.Get("Origin")))
			return false
		},
	}
	return server, nil
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("gateway upgrade failed", zap.Error(err))
		return
	}
	peer := Peer{Addr: r.RemoteAddr, ForwardedFor: r.Header.Values("X-Forwarded-For")}
	if err := s.HandleConnection(r.Context(), ws, peer); err != nil && !errors.Is(err, ErrServerClosed) {
		s.logger.Debug("gateway connection closed with error", zap.Error(err))
	}
}

// HandleConnection runs the protocol on an accepted socket and blocks until
// it is closed. The socket is owned by the gateway from this point on.
func (s *Server) HandleConnection(ctx context.Context, ws *websocket.Conn, peer Peer) error {
	connection := newConnection(s, ws, peer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return ErrServerClosed
	}
	s.connections[connection] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	return connection.run(ctx)
}

// PublishMessage wraps payload as {type, data} and publishes it on
// channelKey. It is called after the payload has been persisted.
func (s *Server) PublishMessage(ctx context.Context, channelKey, messageType string, payload interface{}) error {
	if strings.TrimSpace(channelKey) == "" {
		return errMissingChannelKey
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(envelope{Type: messageType, Data: data})
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, channelKey, encoded)
}

// ActiveConnections reports the number of live sockets.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Close shuts down every live connection and rejects new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	live := make([]*Connection, 0, len(s.connections))
	for connection := range s.connections {
		live = append(live, connection)
	}
	s.mu.Unlock()

	var err error
	for _, connection := range live {
		err = multierr.Append(err, connection.close())
	}
	return err
}

func (s *Server) release(connection *Connection) {
	s.mu.Lock()
	_, tracked := s.connections[connection]
	delete(s.connections, connection)
	s.mu.Unlock()
	if tracked {
		s.metrics.ConnectionClosed()
	}
}

func normalizeOrigins(origins []string, logger *zap.Logger) (map[string]struct{}, bool) {
	normalized := make(map[string]struct{}, len(origins))
	allowAll := len(origins) == 0
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		value, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid gateway origin", zap.String("origin", origin))
			continue
		}
		normalized[value] = struct{}{}
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// isOriginAllowed admits non-browser clients, which send no Origin.
func isOriginAllowed(origin string, allowed map[string]struct{}, allowAll bool) bool {
	if origin == "" || allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := allowed[normalized]
	return exists
}
