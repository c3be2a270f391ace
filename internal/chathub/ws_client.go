package chathub

import (
	"context"
	"crewlink/backend/internal/codec"
	"crewlink/backend/internal/models"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

// InboundFrame is what a client writes to the socket.
type InboundFrame struct {
	Body string `json:"body"`
}

// ErrorFrame is written back when an inbound frame could not be processed.
type ErrorFrame struct {
	Error string `json:"error"`
}

// MessageHandler processes one inbound body on behalf of the client.
type MessageHandler func(ctx context.Context, c *WebSocketClient, body string) error

// WebSocketClient implements Client over gorilla/websocket.
type WebSocketClient struct {
	ID     string
	UserID uint64
	Topic  string
	Conn   *websocket.Conn
	Broker *Broker
	Send   chan models.ChatEvent

	OnMessage MessageHandler
	log       *zap.Logger

	errs      chan ErrorFrame
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewWebSocketClient(id string, userID uint64, topic string, conn *websocket.Conn, broker *Broker, onMessage MessageHandler, log *zap.Logger) *WebSocketClient {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketClient{
		ID:        id,
		UserID:    userID,
		Topic:     topic,
		Conn:      conn,
		Broker:    broker,
		Send:      make(chan models.ChatEvent, sendBuffer),
		OnMessage: onMessage,
		log:       log.With(zap.String("client_id", id), zap.Uint64("user_id", userID)),
		errs:      make(chan ErrorFrame, 4),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *WebSocketClient) GetUserID() uint64                       { return c.UserID }
func (c *WebSocketClient) GetTopic() string                        { return c.Topic }
func (c *WebSocketClient) GetSendChannel() chan<- models.ChatEvent { return c.Send }

// Run starts the pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close stops the write pump, which closes the socket.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.Send)
	})
}

// Context is cancelled when the client is closed.
func (c *WebSocketClient) Context() context.Context { return c.ctx }

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Broker.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var frame InboundFrame
		if err := codec.Unmarshal(message, &frame); err != nil {
			c.reportError("malformed frame")
			continue
		}
		if strings.TrimSpace(frame.Body) == "" || c.OnMessage == nil {
			continue
		}
		if err := c.OnMessage(c.ctx, c, frame.Body); err != nil {
			c.log.Info("inbound message rejected", zap.Error(err))
			c.reportError(err.Error())
		}
	}
}

func (c *WebSocketClient) reportError(msg string) {
	select {
	case c.errs <- ErrorFrame{Error: msg}:
	default:
	}
}

// writePump is the only writer of the socket.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Closed by the broker.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeJSON(ev); err != nil {
				return
			}

		case frame := <-c.errs:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) writeJSON(v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		c.log.Error("encode frame", zap.Error(err))
		return nil
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}
