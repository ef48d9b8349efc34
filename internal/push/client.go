package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/config"
)

// InboundMessage is one request sent by a client over its socket
type InboundMessage struct {
	Action  string         `json:"action"`
	Data    map[string]any `json:"data"`
	Options struct {
		IncludeMeta bool `json:"includeMeta"`
	} `json:"options"`
}

// Params flattens the data bag into string parameters
func (m InboundMessage) Params() map[string]string {
	params := make(map[string]string, len(m.Data))
	for k, v := range m.Data {
		switch val := v.(type) {
		case string:
			params[k] = val
		case float64:
			params[k] = formatNumber(val)
		case bool:
			params[k] = fmt.Sprintf("%t", val)
		}
	}
	return params
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// MessageHandler processes one inbound message and returns the frames to
// write back on the same socket
type MessageHandler func(ctx context.Context, connectionID string, msg InboundMessage) ([]Frame, error)

// Client is a middleman between the websocket connection and the hub
type Client struct {
	// Connection token, minted at upgrade
	id string

	// The hub this client belongs to
	hub *Hub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// Configuration
	config *config.Config

	// Handles inbound request messages
	handler MessageHandler

	// Logger
	logger zerolog.Logger
}

// NewClient creates a new Client with a fresh connection token
func NewClient(hub *Hub, conn *websocket.Conn, cfg *config.Config, handler MessageHandler, logger zerolog.Logger) *Client {
	connectionID := uuid.New().String()
	return &Client{
		id:      connectionID,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		config:  cfg,
		handler: handler,
		logger:  logger.With().Str("connection_id", connectionID).Logger(),
	}
}

// ConnectionID returns the token other components use to address frames
// at this client
func (c *Client) ConnectionID() string {
	return c.id
}

// readPump pumps messages from the websocket connection to the handler
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			break
		}
		c.handleMessage(message)
	}
}

// handleMessage dispatches one inbound message and writes the response
// frames back on this socket
func (c *Client) handleMessage(message []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("dropping unparseable message")
		return
	}
	if msg.Action == "" {
		c.logger.Warn().Msg("dropping message without action")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.WSWriteTimeout)
	defer cancel()

	frames, err := c.handler(ctx, c.id, msg)
	if err != nil {
		c.logger.Error().Err(err).Str("action", msg.Action).Msg("message handler failed")
		return
	}

	for _, frame := range frames {
		frame.Meta.ConnectionID = c.id
		frame.Meta.Endpoint = c.config.WSCallbackURL
		data, err := frame.Encode(msg.Options.IncludeMeta)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to encode response frame")
			continue
		}
		select {
		case c.send <- data:
		default:
			c.logger.Warn().Msg("send buffer full, dropping response frame")
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
