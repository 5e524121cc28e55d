package ws

import "github.com/roomchat/internal/model"

// Op is the type of a client frame.
type Op string

const (
	OpJoinRoom      Op = "join_room"
	OpLeaveRoom     Op = "leave_room"
	OpSendMessage   Op = "send_message"
	OpEditMessage   Op = "edit_message"
	OpDeleteMessage Op = "delete_message"
	OpReact         Op = "react"
	OpUnreact       Op = "unreact"
	OpTyping        Op = "typing"
	OpStopTyping    Op = "stop_typing"
	OpPinMessage    Op = "pin_message"
	OpUnpinMessage  Op = "unpin_message"
	OpPing          Op = "ping"
)

// IncomingMessage is what the client sends. Fields not used by an op are ignored.
type IncomingMessage struct {
	Type        Op                 `json:"type"`
	RoomID      string             `json:"room_id,omitempty"`
	RecipientID string             `json:"recipient_id,omitempty"`
	MessageID   string             `json:"message_id,omitempty"`
	Content     string             `json:"content,omitempty"`
	ContentType model.ContentType  `json:"content_type,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	ReplyToID   string             `json:"reply_to_id,omitempty"`
	ClientMsgID string             `json:"client_msg_id,omitempty"`
	Emoji       string             `json:"emoji,omitempty"`
}

// ref identifies the frame in an error reply: the client message id when there is one.
func (m IncomingMessage) ref() string {
	if m.ClientMsgID != "" {
		return m.ClientMsgID
	}
	return string(m.Type)
}

// JoinedPayload answers join_room with the room snapshot.
type JoinedPayload struct {
	Room   *model.Room `json:"room"`
	Online []string    `json:"online"`
}
