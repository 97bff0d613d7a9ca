package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/wavelink/backend/internal/auth"
	"github.com/wavelink/backend/internal/logging"
	"github.com/wavelink/backend/internal/messaging"
	"github.com/wavelink/backend/internal/metrics"
	"github.com/wavelink/backend/internal/ratelimit"
	"github.com/wavelink/backend/internal/snowflake"
	"github.com/wavelink/backend/internal/users"
	"go.uber.org/zap"
)

const (
	userContextKey = "wavelink_user"
	welcomeMessage = "this is the wavelink api."
)

var (
	errMissingVerifier = errors.New("token verifier dependency required")
	errMissingMessages = errors.New("messaging service dependency required")
	errMissingGateway  = errors.New("gateway dependency required")
)

// TokenVerifier resolves bearer tokens to users.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (users.User, error)
}

// MessageService is the direct-messaging surface used by the REST routes.
type MessageService interface {
	SendDirect(ctx context.Context, from, to snowflake.ID, content string) (messaging.Message, error)
	ListDirect(ctx context.Context, requester, other snowflake.ID) ([]messaging.Message, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Verifier       TokenVerifier
	Messages       MessageService
	Gateway        http.Handler
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router: recovery, access log, CORS,
// optional bearer authentication and rate limiting apply to every route.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Messages == nil {
		return nil, errMissingMessages
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		verifier: deps.Verifier,
		messages: deps.Messages,
		logger:   logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(handler.authenticateRequest)
	router.Use(ratelimit.Middleware(deps.Limiter, userIDFromContext, logger))

	router.GET("/", handler.handleIndex)
	router.GET("/gateway", gin.WrapH(deps.Gateway))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/messages")
	protected.Use(requireLogin)
	protected.GET("/direct/:id", handler.handleListDirect)
	protected.POST("/direct/:id", handler.handleSendDirect)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Content-Length", "X-Requested-With"},
		ExposeHeaders:    []string{ratelimit.HeaderLimit, ratelimit.HeaderRemaining, ratelimit.HeaderReset, ratelimit.HeaderResetAfter},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}
	explicit := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			explicit = append(explicit, trimmed)
		}
	}
	if len(explicit) == 0 {
		// Credentials rule out a literal "*", so every origin is echoed back.
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = explicit
	}
	return cors.New(cfg)
}

type httpHandler struct {
	verifier TokenVerifier
	messages MessageService
	logger   *zap.Logger
}

// authenticateRequest attaches the bearer token's user to the context.
// Requests without an Authorization header pass through anonymously.
func (h *httpHandler) authenticateRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_authorization_header"})
		return
	}
	if token == "" {
		c.Next()
		return
	}
	user, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func requireLogin(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login_required"})
		return
	}
	c.Next()
}

func currentUser(c *gin.Context) (users.User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return users.User{}, false
	}
	user, ok := value.(users.User)
	return user, ok
}

func userIDFromContext(c *gin.Context) string {
	user, ok := currentUser(c)
	if !ok {
		return ""
	}
	return user.ID.String()
}

type indexResponsePayload struct {
	Welcome    string `json:"welcome"`
	Identifier string `json:"identifier,omitempty"`
}

func (h *httpHandler) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, indexResponsePayload{
		Welcome:    welcomeMessage,
		Identifier: c.GetString(ratelimit.ContextKeyIdentifier),
	})
}

type sendDirectRequestPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleListDirect(c *gin.Context) {
	user, _ := currentUser(c)
	other, err := snowflake.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	history, err := h.messages.ListDirect(c.Request.Context(), user.ID, other)
	if err != nil {
		h.writeMessagingError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *httpHandler) handleSendDirect(c *gin.Context) {
	user, _ := currentUser(c)
	other, err := snowflake.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	var request sendDirectRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.messages.SendDirect(c.Request.Context(), user.ID, other, request.Content)
	if err != nil {
		h.writeMessagingError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) writeMessagingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, messaging.ErrRecipientNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
	case errors.Is(err, messaging.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
	default:
		h.logger.Error("direct message request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
