package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 16

	OperationRegister = "register"
	OperationRenew    = "renew"
)

var (
	// ErrLeaseUnavailable indicates that no valid worker lease could be obtained.
	ErrLeaseUnavailable = errors.New("lease: worker lease unavailable")

	errMissingURL = errors.New("lease: coordinator url required")
	errMissingKey = errors.New("lease: coordinator key required")
)

// Lease is a time-bounded grant of a worker identifier.
type Lease struct {
	WorkerID   uint16
	ExpiresAt  time.Time
	TTL        time.Duration
	OwnerToken string
}

// NeedsRenewal reports whether the lease is inside its renewal window.
func (l Lease) NeedsRenewal(now time.Time) bool {
	return !now.Before(l.ExpiresAt.Add(-l.TTL))
}

// Expired reports whether the lease can no longer be used.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ClientConfig describes how to reach the worker-lease coordinator.
type ClientConfig struct {
	URL        string
	Key        string
	InstanceID string
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
	// Observer is notified after every coordinator round trip.
	Observer func(operation string, err error)
}

// Client obtains and renews one worker lease. A Client must not be shared
// across processes.
type Client struct {
	endpoint   *url.URL
	key        string
	instanceID string
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger
	observer   func(operation string, err error)

	mu      sync.Mutex
	current *Lease
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.URL)
	if rawURL == "" {
		return nil, errMissingURL
	}
	endpoint, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("lease: invalid coordinator url: %w", err)
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errMissingKey
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = func(string, error) {}
	}
	return &Client{
		endpoint:   endpoint,
		key:        cfg.Key,
		instanceID: instanceID,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
		observer:   observer,
	}, nil
}

// InstanceID returns the opaque identifier presented to the coordinator.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// EnsureLease returns a usable lease, registering or renewing as needed.
func (c *Client) EnsureLease(ctx context.Context) (Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	switch {
	case c.current == nil || c.current.Expired(now):
		if err := c.registerLocked(ctx); err != nil {
			return Lease{}, err
		}
	case c.current.NeedsRenewal(now):
		if err := c.renewLocked(ctx); err != nil {
			return Lease{}, err
		}
	}
	return *c.current, nil
}

// Register requests a fresh worker id, replacing any held lease.
func (c *Client) Register(ctx context.Context) (Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.registerLocked(ctx); err != nil {
		return Lease{}, err
	}
	return *c.current, nil
}

// Renew extends the held lease. It fails when nothing has been registered.
func (c *Client) Renew(ctx context.Context) (Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Lease{}, fmt.Errorf("%w: no lease registered", ErrLeaseUnavailable)
	}
	if err := c.renewLocked(ctx); err != nil {
		return Lease{}, err
	}
	return *c.current, nil
}

func (c *Client) registerLocked(ctx context.Context) error {
	grant, err := c.call(ctx, OperationRegister, nil)
	if err == nil && grant.WorkerID == nil {
		err = fmt.Errorf("%w: coordinator response missing worker_id", ErrLeaseUnavailable)
	}
	c.observer(OperationRegister, err)
	if err != nil {
		return err
	}
	c.current = &Lease{
		WorkerID:   *grant.WorkerID,
		ExpiresAt:  time.UnixMilli(grant.ExpiresMillis),
		TTL:        time.Duration(grant.TTLMillis) * time.Millisecond,
		OwnerToken: c.instanceID,
	}
	c.logger.Info("worker lease registered",
		zap.Uint16("worker_id", c.current.WorkerID),
		zap.Time("expires_at", c.current.ExpiresAt),
		zap.Duration("ttl", c.current.TTL),
	)
	return nil
}

func (c *Client) renewLocked(ctx context.Context) error {
	workerID := c.current.WorkerID
	grant, err := c.call(ctx, OperationRenew, &workerID)
	c.observer(OperationRenew, err)
	if err != nil {
		return err
	}
	if grant.WorkerID != nil && *grant.WorkerID != workerID {
		return fmt.Errorf("%w: coordinator renewed worker %d, held %d", ErrLeaseUnavailable, *grant.WorkerID, workerID)
	}
	c.current.ExpiresAt = time.UnixMilli(grant.ExpiresMillis)
	c.current.TTL = time.Duration(grant.TTLMillis) * time.Millisecond
	c.logger.Debug("worker lease renewed",
		zap.Uint16("worker_id", workerID),
		zap.Time("expires_at", c.current.ExpiresAt),
	)
	return nil
}

type grantPayload struct {
	WorkerID      *uint16 `json:"worker_id"`
	ExpiresMillis int64   `json:"expires"`
	TTLMillis     int64   `json:"ttl"`
}

func (c *Client) call(ctx context.Context, operation string, renewWorker *uint16) (grantPayload, error) {
	target := *c.endpoint
	query := target.Query()
	query.Set("user", c.instanceID)
	query.Set("key", c.key)
	if renewWorker != nil {
		query.Set("renew", strconv.FormatUint(uint64(*renewWorker), 10))
	}
	target.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), http.NoBody)
	if err != nil {
		return grantPayload{}, fmt.Errorf("%w: %s: %v", ErrLeaseUnavailable, operation, err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return grantPayload{}, fmt.Errorf("%w: %s: %v", ErrLeaseUnavailable, operation, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return grantPayload{}, fmt.Errorf("%w: %s: read response: %v", ErrLeaseUnavailable, operation, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return grantPayload{}, fmt.Errorf("%w: %s: coordinator status %d", ErrLeaseUnavailable, operation, response.StatusCode)
	}

	var grant grantPayload
	if err := json.Unmarshal(body, &grant); err != nil {
		return grantPayload{}, fmt.Errorf("%w: %s: decode response: %v", ErrLeaseUnavailable, operation, err)
	}
	if grant.ExpiresMillis <= 0 || grant.TTLMillis <= 0 {
		return grantPayload{}, fmt.Errorf("%w: %s: coordinator returned invalid expiry", ErrLeaseUnavailable, operation)
	}
	return grant, nil
}
