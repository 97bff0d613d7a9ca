package ratelimit

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"

	// ContextKeyIdentifier holds the identifier a request was counted under.
	ContextKeyIdentifier = "ratelimit_identifier"
)

// Middleware admits each request through limiter. userID returns the
// authenticated user for the request, or "" to fall back to the client IP.
func Middleware(limiter *Limiter, userID func(*gin.Context) string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		request := Request{
			Method:       c.Request.Method,
			PeerAddr:     c.Request.RemoteAddr,
			ForwardedFor: c.Request.Header.Values("X-Forwarded-For"),
		}
		if userID != nil {
			request.UserID = userID(c)
		}

		result, err := limiter.Admit(c.Request.Context(), request)
		if err != nil && !errors.Is(err, ErrTooManyRequests) {
			logger.Error("rate limit check failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if !result.Skipped {
			WriteHeaders(c.Writer.Header(), result)
			c.Set(ContextKeyIdentifier, result.Identifier)
		}
		if errors.Is(err, ErrTooManyRequests) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
			return
		}
		c.Next()
	}
}

// WriteHeaders sets the X-RateLimit-* headers for result.
func WriteHeaders(header http.Header, result Result) {
	header.Set(HeaderLimit, strconv.Itoa(result.Limit))
	header.Set(HeaderRemaining, strconv.Itoa(result.Remaining))
	header.Set(HeaderReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
	header.Set(HeaderResetAfter, strconv.FormatInt(int64(math.Ceil(result.ResetAfter.Seconds())), 10))
}
