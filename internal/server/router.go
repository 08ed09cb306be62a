package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "collabnotes_identity"

var (
	errMissingGate     = errors.New("connection gate dependency required")
	errMissingRealtime = errors.New("realtime service dependency required")
)

// ConnectionGate authenticates realtime connection attempts.
type ConnectionGate interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// RealtimeService takes over an authenticated request for the lifetime of its websocket.
type RealtimeService interface {
	ServeConnection(w http.ResponseWriter, r *http.Request, identity auth.Identity)
}

type Dependencies struct {
	Gate           ConnectionGate
	Realtime       RealtimeService
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		gate:     deps.Gate,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/realtime", handler.authenticateConnection, handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	gate     ConnectionGate
	realtime RealtimeService
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authenticateConnection(c *gin.Context) {
	identity, err := h.gate.Authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	value, ok := c.Get(identityContextKey)
	identity, isIdentity := value.(auth.Identity)
	if !ok || !isIdentity {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.realtime.ServeConnection(c.Writer, c.Request, identity)
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || containsWildcard(origins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
