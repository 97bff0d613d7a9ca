package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/wavelink/backend/internal/broker"
	"github.com/wavelink/backend/internal/snowflake"
	"gorm.io/gorm"
)

const (
	alice snowflake.ID = 1001
	bob   snowflake.ID = 1002
	carol snowflake.ID = 1003
)

type counterIDs struct {
	mu   sync.Mutex
	next snowflake.ID
}

func (c *counterIDs) Next(context.Context) (snowflake.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return 5000 + c.next, nil
}

type allowList map[[2]snowflake.ID]bool

func (a allowList) AllowedToMessage(_ context.Context, x, y snowflake.ID) (bool, error) {
	low, high := orderedPair(x, y)
	return a[[2]snowflake.ID{low, high}], nil
}

type published struct {
	channelKey  string
	messageType string
	payload     interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (r *recordingNotifier) PublishMessage(_ context.Context, channelKey, messageType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{channelKey: channelKey, messageType: messageType, payload: payload})
	return r.err
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Channel{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestDirectory(t *testing.T, db *gorm.DB, ids IDGenerator) *Directory {
	t.Helper()
	directory, err := NewDirectory(DirectoryConfig{Database: db, IDs: ids})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	return directory
}

func newTestService(t *testing.T, db *gorm.DB, notifier Notifier) *Service {
	t.Helper()
	fixed := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	ids := &counterIDs{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDs:        ids,
		Channels:   newTestDirectory(t, db, ids),
		Authorizer: allowList{{alice, bob}: true},
		Notifier:   notifier,
		Clock:      func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestSendDirectPersistsAndPublishes(t *testing.T) {
	db := newTestDatabase(t)
	notifier := &recordingNotifier{}
	service := newTestService(t, db, notifier)
	ctx := context.Background()

	message, err := service.SendDirect(ctx, alice, bob, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if message.AuthorID != alice || message.Content != "hello" {
		t.Fatalf("unexpected message %+v", message)
	}

	if len(notifier.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(notifier.events))
	}
	event := notifier.events[0]
	if event.channelKey != broker.DirectChannelName(message.ChannelID) {
		t.Fatalf("unexpected channel key %s", event.channelKey)
	}
	if event.messageType != EventDirectMessage {
		t.Fatalf("unexpected message type %s", event.messageType)
	}

	encoded, err := json.Marshal(event.payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["authorId"] != alice.String() {
		t.Fatalf("expected authorId as decimal string, got %v", decoded["authorId"])
	}

	history, err := service.ListDirect(ctx, bob, alice)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != message.ID {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestSendDirectKeepsMessageWhenPublishFails(t *testing.T) {
	db := newTestDatabase(t)
	notifier := &recordingNotifier{err: errors.New("bus down")}
	service := newTestService(t, db, notifier)
	ctx := context.Background()

	if _, err := service.SendDirect(ctx, alice, bob, "still stored"); err != nil {
		t.Fatalf("send should succeed despite publish failure: %v", err)
	}
	history, err := service.ListDirect(ctx, alice, bob)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected stored message, got %d", len(history))
	}
}

func TestSendDirectRejections(t *testing.T) {
	db := newTestDatabase(t)
	notifier := &recordingNotifier{}
	service := newTestService(t, db, notifier)
	ctx := context.Background()

	if _, err := service.SendDirect(ctx, alice, carol, "hi"); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
	if _, err := service.SendDirect(ctx, alice, bob, "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := service.ListDirect(ctx, carol, alice); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("expected nothing published, got %d", len(notifier.events))
	}
}

func TestListDirectOrdersByID(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()

	empty, err := service.ListDirect(ctx, alice, bob)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", empty)
	}
	if _, found, _ := service.channels.FindDirectChannel(ctx, alice, bob); found {
		t.Fatalf("listing must not create a channel")
	}

	for _, content := range []string{"one", "two", "three"} {
		if _, err := service.SendDirect(ctx, bob, alice, content); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	history, err := service.ListDirect(ctx, alice, bob)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for index := 1; index < len(history); index++ {
		if history[index].ID <= history[index-1].ID {
			t.Fatalf("history not ordered by id: %+v", history)
		}
	}
	if history[0].Content != "one" || history[2].Content != "three" {
		t.Fatalf("unexpected order %+v", history)
	}
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "messaging.service.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}

	db := newTestDatabase(t)
	_, err = NewService(ServiceConfig{Database: db, IDs: &counterIDs{}, Authorizer: allowList{}})
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "messaging.service.new.missing_directory" {
		t.Fatalf("expected missing_directory, got %v", err)
	}
}
