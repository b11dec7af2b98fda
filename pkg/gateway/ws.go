package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/bridge"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSMessage is what a WebSocket tail receives per inbound frame.
type WSMessage struct {
	Topic     string `json:"topic"`
	Channel   string `json:"channel"`
	Data      string `json:"data"` // base64
	Timestamp int64  `json:"timestamp"`
}

// wsClient wraps a WebSocket connection. Only the writer goroutine writes.
type wsClient struct {
	conn         *websocket.Conn
	topic        string
	writeTimeout time.Duration
	logger       *logging.ColoredLogger
}

func (c *wsClient) writeMessage(msg *bridge.Delivery) error {
	out, err := json.Marshal(WSMessage{
		Topic:     c.topic,
		Channel:   msg.Channel,
		Data:      base64.StdEncoding.EncodeToString(msg.Payload),
		Timestamp: msg.ReceivedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, out); err != nil {
		c.logger.ComponentWarn(logging.ComponentGateway, "ws: write failed",
			zap.String("topic", c.topic),
			zap.Error(err))
		return err
	}
	return nil
}

func (c *wsClient) writeControl(messageType int, data []byte) error {
	return c.conn.WriteControl(messageType, data, time.Now().Add(c.writeTimeout))
}

// subscribeHandler upgrades to WS and tails a topic. Frames sent by the
// client are published to the same topic.
func (g *Gateway) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "missing 'topic'")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.ComponentWarn(logging.ComponentGateway, "ws: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(g.maxPayload())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// slow clients lose frames instead of stalling the channel's lane
	msgs := make(chan *bridge.Delivery, 128)
	sub, err := g.bridge.Subscribe(ctx, topic, func(_ context.Context, msg *bridge.Delivery) error {
		select {
		case msgs <- msg:
		default:
			g.logger.ComponentWarn(logging.ComponentGateway, "ws: client slow, dropping message",
				zap.String("topic", topic))
		}
		return nil
	}, bridge.Raw())
	if err != nil {
		herr := bridgeerrors.ToHTTPError(err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, herr.Message),
			time.Now().Add(time.Second))
		return
	}
	defer func() {
		_ = g.bridge.Unsubscribe(context.WithoutCancel(ctx), sub)
		g.logger.ComponentInfo(logging.ComponentGateway, "ws: subscriber left",
			zap.String("topic", topic))
	}()
	g.logger.ComponentInfo(logging.ComponentGateway, "ws: subscriber joined",
		zap.String("topic", topic),
		zap.String("remote", r.RemoteAddr))

	client := &wsClient{
		conn:         conn,
		topic:        topic,
		writeTimeout: g.writeTimeout(),
		logger:       g.logger,
	}
	done := make(chan struct{})
	go g.writerLoop(ctx, client, msgs, done)
	g.readerLoop(ctx, client, topic)
	cancel()
	<-done
}

func (g *Gateway) writerLoop(ctx context.Context, c *wsClient, msgs <-chan *bridge.Delivery, done chan struct{}) {
	defer close(done)
	interval := g.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgs:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		case <-ctx.Done():
			_ = c.writeControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readerLoop publishes client frames until the connection closes.
func (g *Gateway) readerLoop(ctx context.Context, c *wsClient, topic string) {
	ch := g.bridge.Channel(topic)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if isHeartbeat(data) {
			continue
		}
		if err := g.bridge.PublishRaw(ctx, ch, data); err != nil {
			g.logger.ComponentWarn(logging.ComponentGateway, "ws: publish failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

// isHeartbeat filters {"type":"ping"} keepalives sent by browser clients.
func isHeartbeat(data []byte) bool {
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.Type == "ping"
}

func (g *Gateway) writeTimeout() time.Duration {
	if g.cfg.WriteTimeout > 0 {
		return g.cfg.WriteTimeout
	}
	return 10 * time.Second
}
