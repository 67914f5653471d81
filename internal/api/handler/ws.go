package handler

import (
	"net/http"
	"net/url"
	"strings"

	"matchwire/backend/internal/chathub"
	"matchwire/backend/internal/metrics"

	"github.com/gin-gonic/gin"
)

// ServeWebSocket перевіряє токен і оновлює HTTP-з'єднання до WebSocket.
// До визначення користувача з сокета нічого не читається.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		metrics.AuthFailures.Inc()
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}

	userID, err := h.Auth.Verify(token)
	if err != nil {
		metrics.AuthFailures.Inc()
		h.log.Debug().Err(err).Str("remote_addr", c.ClientIP()).Msg("websocket auth failed")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}

	// Upgrade сам пише відповідь з помилкою
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(conn, h.Hub, userID)
	client.Run()
}

// originChecker allows requests without an Origin header (native clients) and
// browser requests from the allowed origins. An empty list allows all.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
