// Package ratelimit admits or rejects requests against a fixed per-minute
// ceiling kept in a shared counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wavelink/backend/internal/netutil"
	"go.uber.org/zap"
)

const (
	DefaultMaxRequests = 100

	interval   = time.Minute
	keyPrefix  = "ratelimit"
	scopeUser  = "user"
	scopeIP    = "ip"
	counterTTL = 60 * time.Second
)

var (
	// ErrTooManyRequests is returned when the ceiling for the current
	// interval has been exceeded.
	ErrTooManyRequests = errors.New("ratelimit: too many requests")

	errMissingStore = errors.New("ratelimit: counter store required")
)

// Request is the subset of an inbound request the limiter inspects.
type Request struct {
	Method       string
	UserID       string
	PeerAddr     string
	ForwardedFor []string
}

// Result describes an admission decision.
type Result struct {
	Allowed    bool
	Skipped    bool
	Identifier string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	ResetAfter time.Duration
}

// Config configures a Limiter.
type Config struct {
	Store          CounterStore
	MaxRequests    int
	TrustedProxies int
	Disabled       bool
	Clock          func() time.Time
	Logger         *zap.Logger
	// Observer is notified of every decision that reached the store.
	Observer func(Result)
}

// Limiter is a fixed-window request limiter. It holds no lock of its own;
// atomicity comes from the counter store.
type Limiter struct {
	store          CounterStore
	maxRequests    int
	trustedProxies int
	disabled       bool
	clock          func() time.Time
	logger         *zap.Logger
	observer       func(Result)
}

// NewLimiter constructs a Limiter. A disabled limiter does not need a store.
func NewLimiter(cfg Config) (*Limiter, error) {
	if cfg.Store == nil && !cfg.Disabled {
		return nil, errMissingStore
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	trusted := cfg.TrustedProxies
	if trusted < 0 {
		trusted = 0
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
		observer = func(Result) {}
	}
	return &Limiter{
		store:          cfg.Store,
		maxRequests:    maxRequests,
		trustedProxies: trusted,
		disabled:       cfg.Disabled,
		clock:          clock,
		logger:         logger,
		observer:       observer,
	}, nil
}

// Admit counts the request and decides whether it may proceed. When the
// ceiling is exceeded the populated Result is returned together with
// ErrTooManyRequests.
func (l *Limiter) Admit(ctx context.Context, request Request) (Result, error) {
	if l == nil || l.disabled || request.Method == http.MethodOptions {
		return Result{Allowed: true, Skipped: true}, nil
	}

	now := l.clock().UTC()
	bucket := now.Unix() / int64(interval/time.Second)
	resetAt := time.Unix((bucket+1)*int64(interval/time.Second), 0).UTC()

	identifier, err := l.identify(request)
	if err != nil {
		return Result{}, err
	}
	key := fmt.Sprintf("%s:%s:%d", keyPrefix, identifier, bucket)

	count, err := l.store.Increment(ctx, key, counterTTL)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}

	remaining := int64(l.maxRequests) - count
	if remaining < 0 {
		remaining = 0
	}
	result := Result{
		Allowed:    count <= int64(l.maxRequests),
		Identifier: identifier,
		Limit:      l.maxRequests,
		Remaining:  int(remaining),
		ResetAt:    resetAt,
		ResetAfter: resetAt.Sub(now),
	}
	l.observer(result)
	if !result.Allowed {
		l.logger.Info("rate limit exceeded",
			zap.String("identifier", identifier),
			zap.Int64("count", count),
		)
		return result, ErrTooManyRequests
	}
	return result, nil
}

func (l *Limiter) identify(request Request) (string, error) {
	if userID := strings.TrimSpace(request.UserID); userID != "" {
		return scopeUser + ":" + userID, nil
	}
	addr, err := netutil.ResolveClientIP(request.PeerAddr, request.ForwardedFor, l.trustedProxies)
	if err != nil {
		return "", err
	}
	return scopeIP + ":" + netutil.NormalizeIP(addr), nil
}
