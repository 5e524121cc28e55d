package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomchat/internal/broadcast"
	"github.com/roomchat/internal/chat"
	"github.com/roomchat/internal/config"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/msgstore"
	"github.com/roomchat/internal/presence"
	"github.com/roomchat/internal/registry"
	"github.com/roomchat/internal/repository/memory"
)

type frame struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type gateway struct {
	svc    *chat.Service
	hub    *Hub
	bus    *broadcast.Engine
	server *httptest.Server
	room   *model.Room
}

func newGateway(t *testing.T, cfg config.WSConfig) *gateway {
	t.Helper()
	return newGatewayWithQueue(t, cfg, 256, broadcast.DropOldest, 3)
}

func newGatewayWithQueue(t *testing.T, cfg config.WSConfig, size int, policy broadcast.Policy, limit int) *gateway {
	t.Helper()
	backend := memory.New()
	tracker := presence.New(time.Minute, 3*time.Second)
	var hub *Hub
	bus := broadcast.New(tracker,
		broadcast.WithQueue(size, policy, limit),
		broadcast.OnSaturated(func(connID string) { hub.Kick(connID) }),
	)
	svc := chat.New(msgstore.New(backend), registry.New(backend), tracker, bus)
	hub = NewHub(svc, bus, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("token")
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		c := NewClient(hub, conn, userID)
		c.Start(cctx, ccancel)
		hub.Register(c)
	}))
	t.Cleanup(func() {
		server.Close()
		cancel()
		svc.Close()
	})

	room, err := svc.CreateRoom(context.Background(), registry.CreateRoom{
		Type:      model.RoomTypeGroup,
		Name:      "general",
		CreatorID: "alice",
		Members:   []string{"bob"},
	})
	require.NoError(t, err)
	return &gateway{svc: svc, hub: hub, bus: bus, server: server, room: room}
}

// client returns the only registered connection.
func (g *gateway) client(t *testing.T) *Client {
	t.Helper()
	require.Eventually(t, func() bool { return g.hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
	g.hub.mu.RLock()
	defer g.hub.mu.RUnlock()
	for _, c := range g.hub.clients {
		return c
	}
	return nil
}

func (g *gateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/?token=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg IncomingMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// expect reads frames until one of type typ arrives.
func expect(t *testing.T, conn *websocket.Conn, typ model.EventType) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == typ {
			return f
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, roomID string) JoinedPayload {
	t.Helper()
	send(t, conn, IncomingMessage{Type: OpJoinRoom, RoomID: roomID})
	var p JoinedPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, model.EventJoined).Payload, &p))
	return p
}

func TestGateway_JoinAndSend(t *testing.T) {
	g := newGateway(t, config.WSConfig{})
	alice := g.dial(t, "alice")
	joined := join(t, alice, g.room.ID)
	assert.Equal(t, g.room.ID, joined.Room.ID)
	assert.Equal(t, []string{"alice"}, joined.Online)

	bob := g.dial(t, "bob")
	join(t, bob, g.room.ID)

	var arrived model.UserPresencePayload
	require.NoError(t, json.Unmarshal(expect(t, alice, model.EventUserJoined).Payload, &arrived))
	assert.Equal(t, "bob", arrived.User.ID)

	send(t, alice, IncomingMessage{Type: OpSendMessage, RoomID: g.room.ID, Content: "hi", ClientMsgID: "c1"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		var msg model.Message
		require.NoError(t, json.Unmarshal(expect(t, conn, model.EventMessage).Payload, &msg))
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, int64(1), msg.Sequence)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, model.ContentTypeText, msg.ContentType)
	}
}

func TestGateway_ErrorsGoToSenderWithRef(t *testing.T) {
	g := newGateway(t, config.WSConfig{})
	alice := g.dial(t, "alice")
	join(t, alice, g.room.ID)
	send(t, alice, IncomingMessage{Type: OpSendMessage, RoomID: g.room.ID, Content: "mine"})
	var msg model.Message
	require.NoError(t, json.Unmarshal(expect(t, alice, model.EventMessage).Payload, &msg))

	bob := g.dial(t, "bob")
	join(t, bob, g.room.ID)
	send(t, bob, IncomingMessage{Type: OpEditMessage, MessageID: msg.ID, Content: "theirs"})

	var e model.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, bob, model.EventError).Payload, &e))
	assert.Equal(t, "forbidden", e.Code)
	assert.Equal(t, "edit_message", e.Ref)

	send(t, bob, IncomingMessage{Type: OpSendMessage, RoomID: g.room.ID, ClientMsgID: "draft-7"})
	require.NoError(t, json.Unmarshal(expect(t, bob, model.EventError).Payload, &e))
	assert.Equal(t, "validation_error", e.Code)
	assert.Equal(t, "draft-7", e.Ref)
}

func TestGateway_MalformedAndUnknownFrames(t *testing.T) {
	g := newGateway(t, config.WSConfig{})
	alice := g.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var e model.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, alice, model.EventError).Payload, &e))
	assert.Equal(t, "validation_error", e.Code)

	send(t, alice, IncomingMessage{Type: "shout"})
	require.NoError(t, json.Unmarshal(expect(t, alice, model.EventError).Payload, &e))
	assert.Equal(t, "validation_error", e.Code)
	assert.Equal(t, "shout", e.Ref)

	send(t, alice, IncomingMessage{Type: OpJoinRoom})
	require.NoError(t, json.Unmarshal(expect(t, alice, model.EventError).Payload, &e))
	assert.Contains(t, e.Message, "room_id")
}

func TestGateway_Ping(t *testing.T) {
	g := newGateway(t, config.WSConfig{})
	alice := g.dial(t, "alice")
	send(t, alice, IncomingMessage{Type: OpPing})
	expect(t, alice, model.EventPong)
}

func TestGateway_OpsRateLimited(t *testing.T) {
	g := newGateway(t, config.WSConfig{OpsPerSecond: 0.001, OpsBurst: 1})
	alice := g.dial(t, "alice")
	send(t, alice, IncomingMessage{Type: OpPing})
	expect(t, alice, model.EventPong)

	send(t, alice, IncomingMessage{Type: OpPing})
	var e model.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, alice, model.EventError).Payload, &e))
	assert.Equal(t, "rate_limited", e.Code)
	assert.GreaterOrEqual(t, e.RetryAfterSeconds, 1)
}

func TestGateway_DisconnectAnnouncesLeave(t *testing.T) {
	g := newGateway(t, config.WSConfig{})
	alice := g.dial(t, "alice")
	join(t, alice, g.room.ID)
	bob := g.dial(t, "bob")
	join(t, bob, g.room.ID)
	expect(t, alice, model.EventUserJoined)

	require.NoError(t, bob.Close())
	var p model.UserPresencePayload
	require.NoError(t, json.Unmarshal(expect(t, alice, model.EventUserLeft).Payload, &p))
	assert.Equal(t, "bob", p.User.ID)
	assert.Eventually(t, func() bool { return g.hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_ConnectionLimit(t *testing.T) {
	g := newGateway(t, config.WSConfig{MaxConnections: 1})
	g.dial(t, "alice")
	require.Eventually(t, func() bool { return g.hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	extra := g.dial(t, "bob")
	require.NoError(t, extra.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := extra.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 1, g.hub.Count())
}

func TestGateway_SlowConsumerGetsConnectionLost(t *testing.T) {
	g := newGatewayWithQueue(t, config.WSConfig{}, 1, broadcast.Disconnect, 1)
	alice := g.dial(t, "alice")
	c := g.client(t)

	for i := 0; i < 100000; i++ {
		if !g.bus.PublishTo(c.ID(), model.Event{Type: model.EventPong}) {
			break
		}
	}

	var e model.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, alice, model.EventError).Payload, &e))
	assert.Equal(t, "connection_lost", e.Code)

	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Eventually(t, func() bool { return g.hub.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_DeadConnectionIsNotRegistered(t *testing.T) {
	g := newGateway(t, config.WSConfig{})
	alice := g.dial(t, "alice")
	join(t, alice, g.room.ID)
	c := g.client(t)

	// unregister handled before register
	g.hub.removeClient(c)
	g.hub.addClient(c)

	assert.Equal(t, 0, g.hub.Count())
	assert.Eventually(t, func() bool {
		online, err := g.svc.Online(context.Background(), g.room.ID, "alice")
		return err == nil && len(online) == 0
	}, 3*time.Second, 10*time.Millisecond)
}
