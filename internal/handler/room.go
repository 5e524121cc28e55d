package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roomchat/internal/chat"
	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/registry"
)

// RoomHandler exposes room management over HTTP. Subscribing a connection to a room is a
// gateway op; join here only grants membership.
type RoomHandler struct {
	svc *chat.Service
}

func NewRoomHandler(svc *chat.Service) *RoomHandler {
	return &RoomHandler{svc: svc}
}

func (h *RoomHandler) Routes(r chi.Router) {
	r.Get("/api/rooms", h.List)
	r.Post("/api/rooms", h.Create)
	r.Post("/api/rooms/direct", h.OpenDirect)
	r.Get("/api/rooms/{roomID}", h.Get)
	r.Put("/api/rooms/{roomID}/settings", h.UpdateSettings)
	r.Post("/api/rooms/{roomID}/join", h.Join)
	r.Post("/api/rooms/{roomID}/leave", h.Leave)
	r.Post("/api/rooms/{roomID}/invites", h.Invite)
	r.Put("/api/rooms/{roomID}/members/{userID}/role", h.SetRole)
	r.Get("/api/rooms/{roomID}/online", h.Online)
	r.Post("/api/rooms/{roomID}/pins/{messageID}", h.Pin)
	r.Delete("/api/rooms/{roomID}/pins/{messageID}", h.Unpin)
}

type CreateRoomRequest struct {
	Type      model.RoomType  `json:"type"`
	Name      string          `json:"name"`
	RefID     string          `json:"ref_id"`
	Settings  *model.Settings `json:"settings"`
	MemberIDs []string        `json:"member_ids"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type RoleRequest struct {
	Role model.Role `json:"role"`
}

type roomsResponse struct {
	RoomIDs []string `json:"room_ids"`
}

type onlineResponse struct {
	UserIDs []string `json:"user_ids"`
}

func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.UserRooms(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeDomainError(w, "list rooms", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, roomsResponse{RoomIDs: ids})
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, "create room", err)
		return
	}
	if req.Type == "" {
		req.Type = model.RoomTypeGroup
	}
	if req.Type == model.RoomTypeDirect {
		writeError(w, http.StatusBadRequest, "use /api/rooms/direct for direct rooms")
		return
	}
	room, err := h.svc.CreateRoom(r.Context(), registry.CreateRoom{
		Type:      req.Type,
		Name:      req.Name,
		RefID:     req.RefID,
		CreatorID: middleware.GetUserID(r.Context()),
		Settings:  req.Settings,
		Members:   req.MemberIDs,
	})
	if err != nil {
		writeDomainError(w, "create room", err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *RoomHandler) OpenDirect(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, "open direct", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	room, err := h.svc.OpenDirect(r.Context(), middleware.GetUserID(r.Context()), req.UserID)
	if err != nil {
		writeDomainError(w, "open direct", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	room, err := h.svc.Room(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeDomainError(w, "get room", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.Settings
	if err := decode(r, &settings); err != nil {
		writeDomainError(w, "update settings", err)
		return
	}
	room, err := h.svc.UpdateSettings(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()), settings)
	if err != nil {
		writeDomainError(w, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	room, err := h.svc.Enroll(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeDomainError(w, "join room", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.LeaveRoom(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context())); err != nil {
		writeDomainError(w, "leave room", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, "invite", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := h.svc.Invite(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()), req.UserID); err != nil {
		writeDomainError(w, "invite", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, "set role", err)
		return
	}
	if !req.Role.Valid() {
		writeDomainError(w, "set role", chaterr.Validation("unknown role %q", req.Role))
		return
	}
	room, err := h.svc.SetRole(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()),
		chi.URLParam(r, "userID"), req.Role)
	if err != nil {
		writeDomainError(w, "set role", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) Online(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Online(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeDomainError(w, "online", err)
		return
	}
	writeJSON(w, http.StatusOK, onlineResponse{UserIDs: ids})
}

func (h *RoomHandler) Pin(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Pin(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageID"))
	if err != nil {
		writeDomainError(w, "pin", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Unpin(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageID"))
	if err != nil {
		writeDomainError(w, "unpin", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
