package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomchat/internal/broadcast"
	"github.com/roomchat/internal/chat"
	"github.com/roomchat/internal/config"
	"github.com/roomchat/internal/identity"
	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/msgstore"
	"github.com/roomchat/internal/presence"
	"github.com/roomchat/internal/registry"
	"github.com/roomchat/internal/repository/memory"
	"github.com/roomchat/internal/ws"
)

type api struct {
	server *httptest.Server
}

func newAPI(t *testing.T) *api {
	t.Helper()
	backend := memory.New()
	tracker := presence.New(time.Minute, 3*time.Second)
	bus := broadcast.New(tracker)
	svc := chat.New(msgstore.New(backend), registry.New(backend), tracker, bus)
	hub := ws.NewHub(svc, bus, config.WSConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(identity.Dev{}))
		NewRoomHandler(svc).Routes(r)
		NewMessageHandler(svc).Routes(r)
		r.Get("/ws", NewWSHandler(hub, "https://chat.example.com").ServeWS)
	})
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		server.Close()
		cancel()
		svc.Close()
	})
	return &api{server: server}
}

func (a *api) call(t *testing.T, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if s, ok := body.(string); ok {
		rd = strings.NewReader(s)
	} else if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.server.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (a *api) createRoom(t *testing.T, req CreateRoomRequest) *model.Room {
	t.Helper()
	resp, body := a.call(t, http.MethodPost, "/api/rooms", "alice", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var room model.Room
	require.NoError(t, json.Unmarshal(body, &room))
	return &room
}

func decodeError(t *testing.T, body []byte) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestRooms_CreateAndRead(t *testing.T) {
	a := newAPI(t)
	room := a.createRoom(t, CreateRoomRequest{
		Name:      "ops",
		Settings:  &model.Settings{IsPrivate: true},
		MemberIDs: []string{"bob"},
	})
	assert.Equal(t, model.RoomTypeGroup, room.Type)
	assert.Equal(t, model.RoleOwner, room.Members["alice"])

	resp, _ := a.call(t, http.MethodGet, "/api/rooms/"+room.ID, "bob", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := a.call(t, http.MethodGet, "/api/rooms/"+room.ID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, body).Code)

	resp, _ = a.call(t, http.MethodGet, "/api/rooms/nope", "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = a.call(t, http.MethodGet, "/api/rooms", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list roomsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, []string{room.ID}, list.RoomIDs)
}

func TestRooms_Unauthenticated(t *testing.T) {
	a := newAPI(t)
	resp, _ := a.call(t, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRooms_BadBody(t *testing.T) {
	a := newAPI(t)
	resp, body := a.call(t, http.MethodPost, "/api/rooms", "alice", "{")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decodeError(t, body).Code)

	resp, _ = a.call(t, http.MethodPost, "/api/rooms", "alice", CreateRoomRequest{Type: model.RoomTypeDirect})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRooms_DirectCannotBeLeft(t *testing.T) {
	a := newAPI(t)
	resp, body := a.call(t, http.MethodPost, "/api/rooms/direct", "alice", UserRequest{UserID: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var room model.Room
	require.NoError(t, json.Unmarshal(body, &room))
	assert.Equal(t, model.RoomTypeDirect, room.Type)

	resp, body = a.call(t, http.MethodPost, "/api/rooms/direct", "bob", UserRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again model.Room
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, room.ID, again.ID)

	resp, _ = a.call(t, http.MethodPost, "/api/rooms/"+room.ID+"/leave", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRooms_RoleAndInvite(t *testing.T) {
	a := newAPI(t)
	room := a.createRoom(t, CreateRoomRequest{Name: "ops", Settings: &model.Settings{IsPrivate: true, AllowInvites: true}, MemberIDs: []string{"bob"}})

	resp, body := a.call(t, http.MethodPut, "/api/rooms/"+room.ID+"/members/bob/role", "alice", RoleRequest{Role: model.RoleModerator})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated model.Room
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, model.RoleModerator, updated.Members["bob"])

	resp, _ = a.call(t, http.MethodPut, "/api/rooms/"+room.ID+"/members/bob/role", "alice", RoleRequest{Role: "emperor"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.call(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", "erin", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = a.call(t, http.MethodPost, "/api/rooms/"+room.ID+"/invites", "alice", UserRequest{UserID: "dave"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = a.call(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", "dave", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var joined model.Room
	require.NoError(t, json.Unmarshal(body, &joined))
	assert.Equal(t, model.RoleMember, joined.Members["dave"])
}

func TestMessages_SendHistoryAndIdempotency(t *testing.T) {
	a := newAPI(t)
	room := a.createRoom(t, CreateRoomRequest{Name: "ops", MemberIDs: []string{"bob"}})
	path := "/api/rooms/" + room.ID + "/messages"

	resp, body := a.call(t, http.MethodPost, path, "alice", SendMessageRequest{Content: "one", ClientMsgID: "k1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var first model.Message
	require.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, int64(1), first.Sequence)

	resp, body = a.call(t, http.MethodPost, path, "alice", SendMessageRequest{Content: "one", ClientMsgID: "k1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dup model.Message
	require.NoError(t, json.Unmarshal(body, &dup))
	assert.Equal(t, first.ID, dup.ID)

	resp, _ = a.call(t, http.MethodPost, path, "bob", SendMessageRequest{Content: "two"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = a.call(t, http.MethodGet, path+"?since=0&limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page messagesResponse
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "one", page.Messages[0].Content)
	assert.Equal(t, "two", page.Messages[1].Content)

	resp, body = a.call(t, http.MethodGet, path+"/before?before=2&limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, int64(1), page.Messages[0].Sequence)

	resp, body = a.call(t, http.MethodGet, "/api/messages/"+first.ID, "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Message
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "one", got.Content)

	resp, _ = a.call(t, http.MethodGet, "/api/messages/missing", "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessages_EditDeleteReact(t *testing.T) {
	a := newAPI(t)
	room := a.createRoom(t, CreateRoomRequest{Name: "ops", MemberIDs: []string{"bob"}})
	resp, body := a.call(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", "alice", SendMessageRequest{Content: "draft"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var msg model.Message
	require.NoError(t, json.Unmarshal(body, &msg))

	resp, body = a.call(t, http.MethodPatch, "/api/messages/"+msg.ID, "bob", EditMessageRequest{Content: "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, body).Code)

	resp, body = a.call(t, http.MethodPatch, "/api/messages/"+msg.ID, "alice", EditMessageRequest{Content: "final"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var edited model.Message
	require.NoError(t, json.Unmarshal(body, &edited))
	assert.Equal(t, "final", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	resp, body = a.call(t, http.MethodPost, "/api/messages/"+msg.ID+"/reactions", "bob", ReactionRequest{Emoji: "👍"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reacted model.Message
	require.NoError(t, json.Unmarshal(body, &reacted))
	assert.Equal(t, []string{"bob"}, reacted.Reactions["👍"])

	resp, _ = a.call(t, http.MethodPost, "/api/messages/"+msg.ID+"/reactions", "bob", ReactionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = a.call(t, http.MethodDelete, "/api/messages/"+msg.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted model.Message
	require.NoError(t, json.Unmarshal(body, &deleted))
	assert.NotNil(t, deleted.DeletedAt)
}

func TestMessages_SlowModeReturnsRetryAfter(t *testing.T) {
	a := newAPI(t)
	room := a.createRoom(t, CreateRoomRequest{Name: "ops", Settings: &model.Settings{SlowModeSeconds: 30}})
	path := "/api/rooms/" + room.ID + "/messages"

	resp, _ := a.call(t, http.MethodPost, path, "alice", SendMessageRequest{Content: "first"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := a.call(t, http.MethodPost, path, "alice", SendMessageRequest{Content: "second"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, "rate_limited", e.Code)
	assert.Greater(t, e.RetryAfter, 0)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRooms_Pins(t *testing.T) {
	a := newAPI(t)
	room := a.createRoom(t, CreateRoomRequest{Name: "ops", MemberIDs: []string{"bob"}})
	resp, body := a.call(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", "bob", SendMessageRequest{Content: "pin me"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var msg model.Message
	require.NoError(t, json.Unmarshal(body, &msg))

	resp, _ = a.call(t, http.MethodPost, "/api/rooms/"+room.ID+"/pins/"+msg.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = a.call(t, http.MethodPost, "/api/rooms/"+room.ID+"/pins/"+msg.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = a.call(t, http.MethodGet, "/api/rooms/"+room.ID, "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Room
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []string{msg.ID}, got.Pinned)

	resp, _ = a.call(t, http.MethodDelete, "/api/rooms/"+room.ID+"/pins/"+msg.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestWS_OriginAndUpgrade(t *testing.T) {
	a := newAPI(t)
	room := a.createRoom(t, CreateRoomRequest{Name: "ops"})
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws?token=alice"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://chat.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ws.IncomingMessage{Type: ws.OpJoinRoom, RoomID: room.ID}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev struct {
			Type model.EventType `json:"type"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == model.EventJoined {
			return
		}
		assert.Equal(t, model.EventUserJoined, ev.Type)
	}
}
