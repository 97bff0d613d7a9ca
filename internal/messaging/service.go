// Package messaging persists direct conversations and hands every new
// message to the realtime gateway for fan-out.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wavelink/backend/internal/broker"
	"github.com/wavelink/backend/internal/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventDirectMessage is the gateway event type carrying a new direct message.
const EventDirectMessage = "MESSAGES_DIRECT"

var (
	// ErrRecipientNotFound hides both unknown users and users who may not
	// be messaged, so block status does not leak.
	ErrRecipientNotFound = errors.New("messaging: user not found")
	// ErrEmptyContent rejects blank messages.
	ErrEmptyContent = errors.New("messaging: content is required")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDs        = errors.New("id generator is required")
	errMissingAuthorizer = errors.New("authorizer is required")
	errMissingDirectory  = errors.New("channel directory is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an <operation>.<reason> code for persistence failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "messaging.service.new"
	opDirectoryNew   = "messaging.directory.new"
	opResolveChannel = "messaging.resolve_channel"
	opSendDirect     = "messaging.send_direct"
	opListDirect     = "messaging.list_direct"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDGenerator mints channel and message identifiers.
type IDGenerator interface {
	Next(ctx context.Context) (snowflake.ID, error)
}

// Authorizer answers whether two users may exchange direct messages.
type Authorizer interface {
	AllowedToMessage(ctx context.Context, a, b snowflake.ID) (bool, error)
}

// Notifier publishes an event envelope onto a broker channel.
type Notifier interface {
	PublishMessage(ctx context.Context, channelKey, messageType string, payload interface{}) error
}

// ServiceConfig describes the messaging service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	IDs        IDGenerator
	Channels   *Directory
	Authorizer Authorizer
	Notifier   Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service implements direct messaging.
type Service struct {
	db         *gorm.DB
	ids        IDGenerator
	channels   *Directory
	authorizer Authorizer
	notifier   Notifier
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs a messaging Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDs == nil {
		return nil, newServiceError(opServiceNew, "missing_id_generator", errMissingIDs)
	}
	if cfg.Channels == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	if cfg.Authorizer == nil {
		return nil, newServiceError(opServiceNew, "missing_authorizer", errMissingAuthorizer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		ids:        cfg.IDs,
		channels:   cfg.Channels,
		authorizer: cfg.Authorizer,
		notifier:   cfg.Notifier,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SendDirect persists a message from one user to another and publishes it
// to the conversation's broker channel. A publish failure is logged; the
// message is already stored and remains readable through ListDirect.
func (s *Service) SendDirect(ctx context.Context, from, to snowflake.ID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if err := s.requireAllowed(ctx, opSendDirect, from, to); err != nil {
		return Message{}, err
	}

	channelID, err := s.channels.GetOrCreateDirectChannel(ctx, from, to)
	if err != nil {
		return Message{}, err
	}
	id, err := s.ids.Next(ctx)
	if err != nil {
		s.logError(opSendDirect, "id_generation_failed", err)
		return Message{}, newServiceError(opSendDirect, "id_generation_failed", err)
	}
	message := Message{
		ID:        id,
		ChannelID: channelID,
		AuthorID:  from,
		Content:   content,
		SentOn:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opSendDirect, "message_insert_failed", err)
		return Message{}, newServiceError(opSendDirect, "message_insert_failed", err)
	}

	if s.notifier != nil {
		if err := s.notifier.PublishMessage(ctx, broker.DirectChannelName(channelID), EventDirectMessage, message); err != nil {
			s.logger.Warn("direct message publish failed",
				zap.String("channel_id", channelID.String()),
				zap.String("message_id", id.String()),
				zap.Error(err))
		}
	}
	return message, nil
}

// ListDirect returns the conversation history between requester and other,
// oldest first. No conversation yields an empty slice.
func (s *Service) ListDirect(ctx context.Context, requester, other snowflake.ID) ([]Message, error) {
	if err := s.requireAllowed(ctx, opListDirect, requester, other); err != nil {
		return nil, err
	}
	channel, found, err := s.channels.FindDirectChannel(ctx, requester, other)
	if err != nil {
		return nil, err
	}
	messages := []Message{}
	if !found {
		return messages, nil
	}
	if err := s.db.WithContext(ctx).
		Where("channel_id = ?", channel.ID).
		Order("id ASC").
		Find(&messages).Error; err != nil {
		s.logError(opListDirect, "query_failed", err, zap.String("channel_id", channel.ID.String()))
		return nil, newServiceError(opListDirect, "query_failed", err)
	}
	return messages, nil
}

func (s *Service) requireAllowed(ctx context.Context, operation string, from, to snowflake.ID) error {
	allowed, err := s.authorizer.AllowedToMessage(ctx, from, to)
	if err != nil {
		s.logError(operation, "authorization_failed", err)
		return newServiceError(operation, "authorization_failed", err)
	}
	if !allowed {
		return ErrRecipientNotFound
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(s.logger, operation, reason, err, fields...)
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("messaging service error", attrs...)
}
