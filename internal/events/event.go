package events

import (
	"time"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

type Type string

const (
	ChatAdded         Type = "chat_added"
	ChatRemoved       Type = "chat_removed"
	ChatUpdated       Type = "chat_updated"
	MessageReceived   Type = "message_received"
	MessageSent       Type = "message_sent"
	MessageUpdated    Type = "message_updated"
	MessageDeleted    Type = "message_deleted"
	StatusChanged     Type = "status_changed"
	Typing            Type = "typing"
	PresenceChanged   Type = "presence_changed"
	ConnectionChanged Type = "connection_changed"
)

// Event is what observers receive. Chat, Message and User are snapshots owned
// by the receiver.
type Event struct {
	Type      Type            `json:"type"`
	ChatID    string          `json:"chat_id,omitempty"`
	ChatIDs   []string        `json:"chat_ids,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Chat      *domain.Chat    `json:"chat,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
	User      *domain.User    `json:"user,omitempty"`
	Active    bool            `json:"active,omitempty"`
	Purged    bool            `json:"purged,omitempty"`
	State     string          `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
	Err       error           `json:"-"`
	At        time.Time       `json:"at"`
}
