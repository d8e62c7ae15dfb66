package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

type Type string

const (
	TypeAuth             Type = "auth"
	TypeMessage          Type = "message"
	TypeMessageSent      Type = "message_sent"
	TypeMessageDelivered Type = "message_delivered"
	TypeMessageRead      Type = "message_read"
	TypeMessageDeleted   Type = "message_deleted"
	TypeTyping           Type = "typing"
	TypeStopTyping       Type = "stop_typing"
	TypeOnline           Type = "online"
	TypeOffline          Type = "offline"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeError            Type = "error"
)

// Any subscribes a handler to every inbound envelope.
const Any Type = "*"

// Envelope is the wire frame. Timestamp is Unix milliseconds.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`

	// Body holds the decoded payload of an inbound envelope.
	Body any `json:"-"`
	// Key names an outbound envelope so a queued copy can be withdrawn.
	Key string `json:"-"`
}

type AuthPayload struct {
	UserID  string   `json:"userId"`
	ChatIDs []string `json:"chatIds"`
}

type MediaPayload struct {
	URI          string `json:"uri"`
	ThumbnailURI string `json:"thumbnailUri,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	Size         int64  `json:"size,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type MessagePayload struct {
	ID            string              `json:"id,omitempty"`
	ClientID      string              `json:"clientId,omitempty"`
	ChatID        string              `json:"chatId"`
	SenderID      string              `json:"senderId"`
	Type          string              `json:"type"`
	Text          string              `json:"text,omitempty"`
	Media         *MediaPayload       `json:"media,omitempty"`
	Status        string              `json:"status,omitempty"`
	Timestamp     int64               `json:"timestamp"`
	IsEdited      bool                `json:"isEdited,omitempty"`
	IsDeleted     bool                `json:"isDeleted,omitempty"`
	IsPinned      bool                `json:"isPinned,omitempty"`
	ReplyTo       string              `json:"replyTo,omitempty"`
	ForwardedFrom string              `json:"forwardedFrom,omitempty"`
	Reactions     map[string][]string `json:"reactions,omitempty"`
}

type MessageSentPayload struct {
	TempID  string         `json:"tempId"`
	Message MessagePayload `json:"message"`
}

// ReceiptPayload carries message_delivered and message_read. An empty MessageID
// applies to the whole chat.
type ReceiptPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
	UserID    string `json:"userId"`
}

type DeletedPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Purge     bool   `json:"purge"`
}

type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type PresencePayload struct {
	UserID     string `json:"userId"`
	LastSeenAt *int64 `json:"lastSeenAt,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TempID  string `json:"tempId,omitempty"`
}

// NewEnvelope encodes payload into an envelope stamped with at.
func NewEnvelope(t Type, payload any, at time.Time) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: at.UnixMilli()}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type validator interface {
	validate() error
}

var bodies = map[Type]func() validator{
	TypeAuth:             func() validator { return &AuthPayload{} },
	TypeMessage:          func() validator { return &MessagePayload{} },
	TypeMessageSent:      func() validator { return &MessageSentPayload{} },
	TypeMessageDelivered: func() validator { return &ReceiptPayload{} },
	TypeMessageRead:      func() validator { return &ReceiptPayload{} },
	TypeMessageDeleted:   func() validator { return &DeletedPayload{} },
	TypeTyping:           func() validator { return &TypingPayload{} },
	TypeStopTyping:       func() validator { return &TypingPayload{} },
	TypeOnline:           func() validator { return &PresencePayload{} },
	TypeOffline:          func() validator { return &PresencePayload{} },
	TypeError:            func() validator { return &ErrorPayload{} },
	TypePing:             nil,
	TypePong:             nil,
}

// Decode parses and validates an inbound frame. Unknown types and malformed
// payloads are reported as *ProtocolError.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ProtocolError{Raw: raw, Err: err}
	}
	mk, known := bodies[env.Type]
	if !known {
		return Envelope{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("unknown type %q", env.Type)}
	}
	if mk == nil {
		return env, nil
	}
	if len(env.Payload) == 0 {
		return Envelope{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%s: missing payload", env.Type)}
	}
	body := mk()
	if err := json.Unmarshal(env.Payload, body); err != nil {
		return Envelope{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%s: %w", env.Type, err)}
	}
	if err := body.validate(); err != nil {
		return Envelope{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%s: %w", env.Type, err)}
	}
	env.Body = body
	return env, nil
}

func (p *AuthPayload) validate() error {
	if p.UserID == "" {
		return errors.New("userId required")
	}
	return nil
}

func (p *MessagePayload) validate() error {
	if p.ID == "" && p.ClientID == "" {
		return errors.New("id or clientId required")
	}
	if p.ChatID == "" {
		return errors.New("chatId required")
	}
	if p.SenderID == "" {
		return errors.New("senderId required")
	}
	if p.Type != "" && !domain.ContentType(p.Type).Valid() {
		return fmt.Errorf("unknown content type %q", p.Type)
	}
	if p.Status != "" {
		if _, err := domain.ParseStatus(p.Status); err != nil {
			return err
		}
	}
	return nil
}

func (p *MessageSentPayload) validate() error {
	if p.TempID == "" {
		return errors.New("tempId required")
	}
	if p.Message.ID == "" {
		return errors.New("message.id required")
	}
	return p.Message.validate()
}

func (p *ReceiptPayload) validate() error {
	if p.ChatID == "" {
		return errors.New("chatId required")
	}
	return nil
}

func (p *DeletedPayload) validate() error {
	if p.ChatID == "" || p.MessageID == "" {
		return errors.New("chatId and messageId required")
	}
	return nil
}

func (p *TypingPayload) validate() error {
	if p.ChatID == "" || p.UserID == "" {
		return errors.New("chatId and userId required")
	}
	return nil
}

func (p *PresencePayload) validate() error {
	if p.UserID == "" {
		return errors.New("userId required")
	}
	return nil
}

func (p *ErrorPayload) validate() error {
	if p.Code == "" && p.Message == "" {
		return errors.New("code or message required")
	}
	return nil
}

// ToDomain converts a wire message. self marks the local user's reactions and
// now stamps messages that arrive without a timestamp.
func (p MessagePayload) ToDomain(self string, now time.Time) *domain.Message {
	m := &domain.Message{
		ID:            p.ID,
		ClientID:      p.ClientID,
		ChatID:        p.ChatID,
		SenderID:      p.SenderID,
		Content:       domain.Content{Type: domain.ContentType(p.Type), Text: p.Text},
		Status:        domain.StatusSent,
		Timestamp:     now,
		IsEdited:      p.IsEdited,
		IsDeleted:     p.IsDeleted,
		IsPinned:      p.IsPinned,
		ReplyTo:       p.ReplyTo,
		ForwardedFrom: p.ForwardedFrom,
	}
	if m.ID == "" {
		m.ID = p.ClientID
	}
	if m.Content.Type == "" {
		m.Content.Type = domain.ContentText
	}
	if p.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(p.Timestamp)
	}
	if st, err := domain.ParseStatus(p.Status); err == nil && st != domain.StatusSending {
		m.Status = st
	}
	if p.Media != nil {
		m.Content.Media = &domain.Media{
			URI:          p.Media.URI,
			ThumbnailURI: p.Media.ThumbnailURI,
			MimeType:     p.Media.MimeType,
			FileName:     p.Media.FileName,
			Size:         p.Media.Size,
			Duration:     time.Duration(p.Media.DurationMs) * time.Millisecond,
			Width:        p.Media.Width,
			Height:       p.Media.Height,
		}
	}
	m.SetReactions(p.Reactions, self)
	return m
}

// MessageFromDomain builds the outbound form of m.
func MessageFromDomain(m *domain.Message) MessagePayload {
	p := MessagePayload{
		ID:            m.ID,
		ClientID:      m.ClientID,
		ChatID:        m.ChatID,
		SenderID:      m.SenderID,
		Type:          string(m.Content.Type),
		Text:          m.Content.Text,
		Status:        m.Status.String(),
		Timestamp:     m.Timestamp.UnixMilli(),
		IsEdited:      m.IsEdited,
		IsDeleted:     m.IsDeleted,
		IsPinned:      m.IsPinned,
		ReplyTo:       m.ReplyTo,
		ForwardedFrom: m.ForwardedFrom,
	}
	if md := m.Content.Media; md != nil {
		p.Media = &MediaPayload{
			URI:          md.URI,
			ThumbnailURI: md.ThumbnailURI,
			MimeType:     md.MimeType,
			FileName:     md.FileName,
			Size:         md.Size,
			DurationMs:   md.Duration.Milliseconds(),
			Width:        md.Width,
			Height:       md.Height,
		}
	}
	return p
}
