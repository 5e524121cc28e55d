package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roomchat/internal/chat"
	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/model"
)

const defaultPageSize = 50

type MessageHandler struct {
	svc *chat.Service
}

func NewMessageHandler(svc *chat.Service) *MessageHandler {
	return &MessageHandler{svc: svc}
}

func (h *MessageHandler) Routes(r chi.Router) {
	r.Get("/api/rooms/{roomID}/messages", h.History)
	r.Get("/api/rooms/{roomID}/messages/before", h.HistoryBefore)
	r.Post("/api/rooms/{roomID}/messages", h.Send)
	r.Get("/api/messages/{messageID}", h.Get)
	r.Patch("/api/messages/{messageID}", h.Edit)
	r.Delete("/api/messages/{messageID}", h.Delete)
	r.Post("/api/messages/{messageID}/reactions", h.React)
	r.Delete("/api/messages/{messageID}/reactions", h.Unreact)
}

type SendMessageRequest struct {
	Content     string             `json:"content"`
	ContentType model.ContentType  `json:"content_type"`
	Attachments []model.Attachment `json:"attachments"`
	ReplyToID   *string            `json:"reply_to_id"`
	ClientMsgID string             `json:"client_msg_id"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

func page(msgs []model.Message) messagesResponse {
	if msgs == nil {
		msgs = []model.Message{}
	}
	return messagesResponse{Messages: msgs}
}

// History serves ?since=&limit= in ascending sequence order; the backfill after a reconnect.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.History(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()),
		queryInt64(r, "since", 0), queryInt(r, "limit", defaultPageSize))
	if err != nil {
		writeDomainError(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, page(msgs))
}

// HistoryBefore serves ?before=&limit=, newest first, for scrolling back.
func (h *MessageHandler) HistoryBefore(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.HistoryBefore(r.Context(), chi.URLParam(r, "roomID"), middleware.GetUserID(r.Context()),
		queryInt64(r, "before", 0), queryInt(r, "limit", defaultPageSize))
	if err != nil {
		writeDomainError(w, "history before", err)
		return
	}
	writeJSON(w, http.StatusOK, page(msgs))
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, "send message", err)
		return
	}
	if req.ContentType == "" {
		req.ContentType = model.ContentTypeText
	}
	msg, duplicate, err := h.svc.SendMessage(r.Context(), middleware.GetUserID(r.Context()), chat.SendRequest{
		RoomID: chi.URLParam(r, "roomID"),
		Draft: model.Draft{
			ClientMsgID: req.ClientMsgID,
			Content:     req.Content,
			ContentType: req.ContentType,
			Attachments: req.Attachments,
			ReplyToID:   req.ReplyToID,
		},
	})
	if err != nil {
		writeDomainError(w, "send message", err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, msg)
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Message(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageID"))
	if err != nil {
		writeDomainError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, "edit message", err)
		return
	}
	msg, err := h.svc.EditMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageID"), req.Content)
	if err != nil {
		writeDomainError(w, "edit message", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.DeleteMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageID"))
	if err != nil {
		writeDomainError(w, "delete message", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	h.reaction(w, r, true)
}

func (h *MessageHandler) Unreact(w http.ResponseWriter, r *http.Request) {
	h.reaction(w, r, false)
}

func (h *MessageHandler) reaction(w http.ResponseWriter, r *http.Request, add bool) {
	var req ReactionRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, "reaction", err)
		return
	}
	if req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}
	actor, id := middleware.GetUserID(r.Context()), chi.URLParam(r, "messageID")
	var (
		msg *model.Message
		err error
	)
	if add {
		msg, err = h.svc.React(r.Context(), actor, id, req.Emoji)
	} else {
		msg, err = h.svc.Unreact(r.Context(), actor, id, req.Emoji)
	}
	if err != nil {
		writeDomainError(w, "reaction", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
