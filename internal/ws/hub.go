// Package ws is the connection gateway: it owns the WebSocket connections, validates client
// frames and forwards them to the chat service. Replies and room events reach a connection
// only through its broadcast outbox.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/roomchat/internal/broadcast"
	"github.com/roomchat/internal/chat"
	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/config"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/metrics"
	"github.com/roomchat/internal/model"
)

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	svc        *chat.Service
	bus        *broadcast.Engine
	cfg        config.WSConfig
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(svc *chat.Service, bus *broadcast.Engine, cfg config.WSConfig) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 16 << 10
	}
	if cfg.OpsPerSecond <= 0 {
		cfg.OpsPerSecond = 20
	}
	if cfg.OpsBurst <= 0 {
		cfg.OpsBurst = 40
	}
	return &Hub{
		clients:    make(map[string]*Client),
		svc:        svc,
		bus:        bus,
		cfg:        cfg,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.shutdown()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
		h.release(c)
	}
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// its unregister was handled first
		h.discard(c)
		return
	default:
	}
	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.cfg.MaxConnections, c.userID)
		c.Close()
		h.discard(c)
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.Connections.Inc()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.Close()
	if ok {
		h.release(c)
	} else {
		h.discard(c)
	}
}

// discard cleans up after a connection that never made it into the registry. Its reads may
// already have subscribed it to rooms.
func (h *Hub) discard(c *Client) {
	h.bus.Detach(c.id)
	h.svc.Disconnect(c.id)
}

// release evicts the connection's presence and drops its outbox.
func (h *Hub) release(c *Client) {
	h.bus.Detach(c.id)
	h.svc.Disconnect(c.id)
	metrics.Connections.Dec()
}

// Kick ends the connection connID after its outbox was force-closed. writePump sends the
// terminal frames and closes the connection; Kick closes it only if writePump has not
// done so within two write timeouts.
func (h *Hub) Kick(connID string) {
	h.mu.RLock()
	c := h.clients[connID]
	h.mu.RUnlock()
	if c != nil {
		time.AfterFunc(2*h.cfg.WriteTimeout, c.Close)
	}
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleMessage validates one client frame and forwards it to the chat service. Domain
// errors go back to this connection only.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws."+string(msg.Type), time.Now())()
	if err := h.dispatch(ctx, c, msg); err != nil {
		c.replyError(err, msg.ref())
	}
}

func requireFields(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return chaterr.Validation("%s is required", fields[i])
		}
	}
	return nil
}

func (h *Hub) dispatch(ctx context.Context, c *Client, msg IncomingMessage) error {
	switch msg.Type {
	case OpPing:
		h.svc.Heartbeat(c.id, c.userID)
		c.reply(model.EventPong, nil)
		return nil

	case OpJoinRoom:
		if err := requireFields("room_id", msg.RoomID); err != nil {
			return err
		}
		room, err := h.svc.JoinRoom(ctx, msg.RoomID, c.userID, c.id)
		if err != nil {
			return err
		}
		online, err := h.svc.Online(ctx, msg.RoomID, c.userID)
		if err != nil {
			return err
		}
		c.reply(model.EventJoined, JoinedPayload{Room: room, Online: online})
		return nil

	case OpLeaveRoom:
		if err := requireFields("room_id", msg.RoomID); err != nil {
			return err
		}
		return h.svc.Unsubscribe(ctx, msg.RoomID, c.userID, c.id)

	case OpSendMessage:
		if msg.RoomID == "" && msg.RecipientID == "" {
			return chaterr.Validation("room_id or recipient_id is required")
		}
		contentType := msg.ContentType
		if contentType == "" {
			contentType = model.ContentTypeText
		}
		var replyTo *string
		if msg.ReplyToID != "" {
			replyTo = &msg.ReplyToID
		}
		_, _, err := h.svc.SendMessage(ctx, c.userID, chat.SendRequest{
			RoomID:       msg.RoomID,
			RecipientID:  msg.RecipientID,
			ConnectionID: c.id,
			Draft: model.Draft{
				ClientMsgID: msg.ClientMsgID,
				Content:     msg.Content,
				ContentType: contentType,
				Attachments: msg.Attachments,
				ReplyToID:   replyTo,
			},
		})
		return err

	case OpEditMessage:
		if err := requireFields("message_id", msg.MessageID, "content", msg.Content); err != nil {
			return err
		}
		_, err := h.svc.EditMessage(ctx, c.userID, msg.MessageID, msg.Content)
		return err

	case OpDeleteMessage:
		if err := requireFields("message_id", msg.MessageID); err != nil {
			return err
		}
		_, err := h.svc.DeleteMessage(ctx, c.userID, msg.MessageID)
		return err

	case OpReact, OpUnreact:
		if err := requireFields("message_id", msg.MessageID, "emoji", msg.Emoji); err != nil {
			return err
		}
		var err error
		if msg.Type == OpReact {
			_, err = h.svc.React(ctx, c.userID, msg.MessageID, msg.Emoji)
		} else {
			_, err = h.svc.Unreact(ctx, c.userID, msg.MessageID, msg.Emoji)
		}
		return err

	case OpTyping:
		if err := requireFields("room_id", msg.RoomID); err != nil {
			return err
		}
		return h.svc.Typing(ctx, msg.RoomID, c.userID)

	case OpStopTyping:
		if err := requireFields("room_id", msg.RoomID); err != nil {
			return err
		}
		return h.svc.StopTyping(ctx, msg.RoomID, c.userID)

	case OpPinMessage, OpUnpinMessage:
		if err := requireFields("room_id", msg.RoomID, "message_id", msg.MessageID); err != nil {
			return err
		}
		if msg.Type == OpPinMessage {
			return h.svc.Pin(ctx, msg.RoomID, c.userID, msg.MessageID)
		}
		return h.svc.Unpin(ctx, msg.RoomID, c.userID, msg.MessageID)
	}
	return chaterr.Validation("unknown op %q", msg.Type)
}
