package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/boardrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/board"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	principalContextKey = "boardrelay_principal"
	sessionContextKey   = "boardrelay_session_id"
	sessionIDParam      = "sessionId"
	groupIDParam        = "groupId"

	defaultWriteTimeout    = 10 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultMaxMessageBytes = 1 << 20
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingBoardService     = errors.New("board service dependency required")
	errMissingHub              = errors.New("relay hub dependency required")
)

// SessionValidator authenticates a request for one session.
type SessionValidator interface {
	ValidateSessionRequest(r *http.Request, sessionID string) (auth.SessionClaims, error)
}

// RelayConfig tunes the WebSocket transport.
type RelayConfig struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

type Dependencies struct {
	SessionValidator SessionValidator
	BoardService     *board.Service
	Hub              *relay.Hub
	Metrics          *metrics.Collector
	Logger           *zap.Logger
	AllowedOrigins   []string
	Relay            RelayConfig
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.BoardService == nil {
		return nil, errMissingBoardService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator:    deps.SessionValidator,
		boardService: deps.BoardService,
		hub:          deps.Hub,
		metrics:      deps.Metrics,
		logger:       logger,
		relay:        normalizeRelayConfig(deps.Relay),
	}
	handler.upgrader = newUpgrader(deps.AllowedOrigins)

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.GET("/ws/sessions/:sessionId/whiteboard", handler.handleWhiteboardSocket)
	router.GET("/ws/sessions/:sessionId/tutor", handler.handleTutorSocket)

	sessions := router.Group("/sessions/:sessionId")
	sessions.Use(handler.authorizeRequest)
	sessions.GET("/board", handler.handleGetBoard)
	sessions.DELETE("/board", handler.handleDeleteBoard)
	sessions.POST("/board/patches", handler.handleApplyPatch)
	sessions.GET("/board/patches", handler.handleListPatches)
	sessions.DELETE("/board/groups/:groupId", handler.handleDeleteGroup)

	return router, nil
}

type httpHandler struct {
	validator    SessionValidator
	boardService *board.Service
	hub          *relay.Hub
	metrics      *metrics.Collector
	logger       *zap.Logger
	relay        RelayConfig
	upgrader     *websocket.Upgrader
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

func normalizeRelayConfig(cfg RelayConfig) RelayConfig {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return cfg
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest validates the session id and token and stores the principal.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	sessionID, err := board.NewSessionID(c.Param(sessionIDParam))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return
	}
	claims, err := h.validator.ValidateSessionRequest(c.Request, sessionID.String())
	if err != nil {
		h.logTokenFailure(err, sessionID.String())
		if errors.Is(err, auth.ErrSessionNotPermitted) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, sessionID)
	c.Set(principalContextKey, board.Principal{Subject: claims.UserID, Roles: claims.UserRoles})
	c.Next()
}

func (h *httpHandler) logTokenFailure(err error, sessionID string) {
	fields := []zap.Field{zap.String("session_id", sessionID), zap.Error(err)}
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info("token validation failed", fields...)
		return
	}
	h.logger.Warn("token validation failed", fields...)
}

func requestSession(c *gin.Context) (board.SessionID, board.Principal) {
	sessionID, _ := c.Get(sessionContextKey)
	principal, _ := c.Get(principalContextKey)
	typedSession, _ := sessionID.(board.SessionID)
	typedPrincipal, _ := principal.(board.Principal)
	return typedSession, typedPrincipal
}
