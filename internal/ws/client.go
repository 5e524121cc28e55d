package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roomchat/internal/broadcast"
	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
)

// Client is one WebSocket connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	userID  string
	outbox  *broadcast.Outbox
	limiter *rate.Limiter

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewClient attaches a fresh outbox for the connection; frames published to it are
// written by writePump.
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	id := uuid.New().String()
	return &Client{
		hub:     hub,
		conn:    conn,
		id:      id,
		userID:  userID,
		outbox:  hub.bus.Attach(id),
		limiter: rate.NewLimiter(rate.Limit(hub.cfg.OpsPerSecond), hub.cfg.OpsBurst),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close stops the client. Safe to call more than once from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) reply(typ model.EventType, payload any) {
	c.hub.bus.PublishTo(c.id, model.Event{Type: typ, Payload: payload})
}

func (c *Client) replyError(err error, ref string) {
	if !chaterr.IsDomain(err) {
		logger.Errorf("ws op %s user=%s conn=%s: %v", ref, c.userID, c.id, err)
	}
	c.reply(model.EventError, model.ErrorPayload{
		Code:              chaterr.Code(err),
		Message:           chaterr.Message(err),
		RetryAfterSeconds: chaterr.RetryAfter(err),
		Ref:               ref,
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	pongWait := c.hub.cfg.PongTimeout
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.hub.svc.Heartbeat(c.id, c.userID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("ws read user=%s conn=%s: %v", c.userID, c.id, chaterr.ConnectionLost(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.replyError(chaterr.Validation("malformed frame"), "")
			continue
		}
		if !c.limiter.Allow() {
			c.replyError(chaterr.RateLimited(1, "too many requests"), msg.ref())
			continue
		}
		c.hub.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	writeWait := c.hub.cfg.WriteTimeout
	ticker := time.NewTicker(c.hub.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(typ int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return c.conn.WriteMessage(typ, data)
	}

	for {
		select {
		case <-ctx.Done():
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.outbox.C():
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.outbox.Done():
			// the outbox was closed under us: the connection fell too far behind
			if frame, err := broadcast.Encode(model.Event{Type: model.EventError, Payload: model.ErrorPayload{
				Code:    chaterr.Code(chaterr.ErrConnectionLost),
				Message: "send queue overflow, reconnect and backfill",
			}}); err == nil {
				_ = write(websocket.TextMessage, frame)
			}
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"))
			c.Close()
			return
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
