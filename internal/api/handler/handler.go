package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"matchwire/backend/internal/chathub"
	"matchwire/backend/internal/config"
	"matchwire/backend/internal/metrics"
	"matchwire/backend/internal/models"
	"matchwire/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handler містить посилання на ChatHub і обслуговує WebSocket-шлюз та невеликий HTTP API.
type Handler struct {
	Hub  *chathub.ManagerService
	Auth Authenticator

	issuer   *JWTIdentity
	upgrader websocket.Upgrader
	dev      bool
	log      zerolog.Logger
}

func NewHandler(hub *chathub.ManagerService, identity *JWTIdentity, cfg *config.Config, logger zerolog.Logger) *Handler {
	h := &Handler{
		Hub:    hub,
		Auth:   identity,
		issuer: identity,
		dev:    cfg.IsDevelopment(),
		log:    logger.With().Str("component", "http").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// Router builds the gin engine with every route.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(metricsMiddleware(), requestLogger(h.log), gin.Recovery())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", h.ServeWebSocket)

	api := r.Group("/api", h.requireAuth)
	api.GET("/matches/:matchId/messages", h.GetHistory)
	api.GET("/presence", h.GetPresence)

	if h.dev {
		r.POST("/api/dev/token", h.IssueDevToken)
	}
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.Hub.ConnectionCount(),
		"onlineUsers": h.Hub.Presence.OnlineUsers(),
		"rooms":       h.Hub.Rooms.Len(),
		"calls":       h.Hub.Calls.Len(),
	})
}

// GetHistory returns a page of a conversation, oldest first. ?before takes a
// message id, ?limit caps the page size.
func (h *Handler) GetHistory(c *gin.Context) {
	limit := config.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > config.MaxHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(config.MaxHistoryLimit)})
			return
		}
		limit = n
	}

	msgs, err := h.Hub.History(c.Request.Context(), c.GetString(userIDKey), c.Param("matchId"), c.Query("before"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetPresence answers a batched presence query for ?ids=a,b,c.
func (h *Handler) GetPresence(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > models.MaxPresenceBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many ids"})
		return
	}
	c.JSON(http.StatusOK, models.PresenceBatchResponse{Presence: h.Hub.Presence.Query(c.Request.Context(), ids)})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chathub.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("remote_addr", c.ClientIP()).
			Msg("request completed")
	}
}

// metricsMiddleware labels requests by route template to keep cardinality low.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
