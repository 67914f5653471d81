package chathub

import (
	"context"
	"sync"
	"time"

	"matchwire/backend/internal/config"
	"matchwire/backend/internal/metrics"
	"matchwire/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketClient implements Client over a gorilla/websocket connection.
type WebSocketClient struct {
	UserID string
	ConnID string
	Conn   *websocket.Conn
	Hub    *ManagerService

	send      chan models.Event
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func NewWebSocketClient(conn *websocket.Conn, hub *ManagerService, userID string) *WebSocketClient {
	connID := uuid.NewString()
	return &WebSocketClient{
		UserID: userID,
		ConnID: connID,
		Conn:   conn,
		Hub:    hub,
		send:   make(chan models.Event, config.SendBufferSize),
		done:   make(chan struct{}),
		log:    hub.log.With().Str("user_id", userID).Str("conn_id", connID).Logger(),
	}
}

func (c *WebSocketClient) GetUserID() string { return c.UserID }
func (c *WebSocketClient) GetConnID() string { return c.ConnID }

func (c *WebSocketClient) Queue(ev models.Event) bool {
	select {
	case <-c.done:
		metrics.EventsDropped.Inc()
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	case <-c.done:
	default:
		c.log.Warn().Str("type", string(ev.Type)).Msg("send queue full, dropping event")
	}
	metrics.EventsDropped.Inc()
	return false
}

// Run реєструє клієнта в хабі та запускає readPump і writePump.
func (c *WebSocketClient) Run() {
	c.Hub.Register(c)
	go c.writePump()
	go c.readPump()
}

// Close stops the write pump, which closes the socket and ends the read pump.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump decodes frames and hands them to the hub one at a time, so events
// from one connection are applied in the order they were received.
func (c *WebSocketClient) readPump() {
	ctx, cancel := context.WithCancel(c.Hub.ctx)
	defer func() {
		cancel()
		c.Hub.Unregister(c)
		c.Close()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		ev, err := models.ParseEvent(raw)
		if err != nil {
			replyError(c, models.Event{}, err, "")
			continue
		}
		c.Hub.HandleEvent(ctx, c, ev)
	}
}

// writePump writes queued events as one JSON frame each and keeps the
// connection alive with pings.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(config.PingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteJSON(ev); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
