package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "inventory_user_id"
	idempotencyKeyHeader     = "Idempotency-Key"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingLedgerService    = errors.New("ledger service dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	LedgerService     *ledger.Service
	Realtime          *RealtimeDispatcher
	HealthCheck       func(ctx context.Context) error
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.LedgerService == nil {
		return nil, errMissingLedgerService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		ledgerService:     deps.LedgerService,
		realtime:          deps.Realtime,
		healthCheck:       deps.HealthCheck,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)

	cartridges := router.Group("/cartridges")
	cartridges.Use(handler.authorizeRequest)
	cartridges.GET("", handler.handleListCartridges)
	cartridges.POST("", handler.handleReceive)
	cartridges.POST("/issue", handler.handleIssue)
	cartridges.GET("/history", handler.handleHistory)
	cartridges.GET("/statistics/usage", handler.handleStatistics)
	cartridges.GET("/events", handler.handleEvents)
	cartridges.GET("/:id", handler.handleGetCartridge)
	cartridges.PUT("/:id", handler.handleUpdateCartridge)
	cartridges.DELETE("/:id", handler.handleDeleteCartridge)

	return router, nil
}

type httpHandler struct {
	sessions          SessionValidator
	ledgerService     *ledger.Service
	realtime          *RealtimeDispatcher
	healthCheck       func(ctx context.Context) error
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", idempotencyKeyHeader},
		MaxAge:       12 * time.Hour,
	}
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*") {
		// Any origin may call with a bearer token, but browsers never attach the session cookie.
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowed
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Actor())
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps ledger failures to status codes. Internal causes stay in the log.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var serviceErr *ledger.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("unexpected handler error", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	switch serviceErr.Kind() {
	case ledger.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "code": serviceErr.Code(), "message": serviceErr.Message()})
	case ledger.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "code": serviceErr.Code(), "message": serviceErr.Message()})
	case ledger.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "code": serviceErr.Code(), "message": serviceErr.Message()})
	default:
		h.logger.Error("ledger operation failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
	}
}
