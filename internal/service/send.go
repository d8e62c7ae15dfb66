package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/media"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/utils"
	"github.com/fathima-sithara/chat-sync/internal/ws"
)

var errSendTimeout = errors.New("send timed out waiting for acknowledgement")

type SendOption func(*domain.Message)

func WithReplyTo(messageID string) SendOption {
	return func(m *domain.Message) { m.ReplyTo = messageID }
}

func WithForwardedFrom(messageID string) SendOption {
	return func(m *domain.Message) { m.ForwardedFrom = messageID }
}

func (m *ChatManager) SendText(chatID, text string, opts ...SendOption) (*domain.Message, error) {
	return m.SendMessage(chatID, domain.TextContent(text), opts...)
}

// SendMessage inserts the message locally with a temporary id and status
// sending, then hands it to the transport and the history store. The entry is
// re-keyed in place when either acknowledges it, or marked failed when the
// store rejects it or no acknowledgement arrives in time.
func (m *ChatManager) SendMessage(chatID string, content domain.Content, opts ...SendOption) (*domain.Message, error) {
	if content.Type == "" {
		content.Type = domain.ContentText
	}
	if !content.Type.Valid() || content.Empty() {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidOperation)
	}

	m.mu.Lock()
	c, err := m.chatLocked(chatID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	msg := m.newOutgoingLocked(c, content, opts)
	env, ok := m.dispatchLocked(c, msg)
	out := msg.Clone()
	epoch := m.epoch
	m.mu.Unlock()

	if ok {
		m.send(env)
	}
	m.persist(epoch, chatID, out)
	return out, nil
}

// SendMedia shows the attachment immediately under a local URI, uploads it,
// then sends it like any other message. A failed upload fails the message;
// RetryMessage uploads it again.
func (m *ChatManager) SendMedia(chatID string, up media.Upload, opts ...SendOption) (*domain.Message, error) {
	if len(up.Data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidOperation)
	}

	m.mu.Lock()
	if m.initialized && m.uploader == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: media uploads are not configured", ErrInvalidOperation)
	}
	c, err := m.chatLocked(chatID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	content := domain.Content{
		Type: up.ContentType(),
		Text: up.Caption,
		Media: &domain.Media{
			URI:      up.LocalURI(),
			MimeType: up.MimeType,
			FileName: up.FileName,
			Size:     int64(len(up.Data)),
			Duration: up.Duration,
		},
	}
	msg := m.newOutgoingLocked(c, content, opts)
	out := msg.Clone()
	epoch := m.epoch
	uploader := m.uploader
	m.mu.Unlock()

	tempID := out.ID
	m.background(epoch, func(ctx context.Context) {
		md, err := uploader.Upload(ctx, up)

		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		if err != nil {
			m.uploads[tempID] = up
			m.failLocked(chatID, tempID, fmt.Errorf("upload: %w", err))
			m.mu.Unlock()
			return
		}
		c := m.chats[chatID]
		var cur *domain.Message
		if c != nil {
			cur = c.Find(tempID)
		}
		if cur == nil || cur.Status != domain.StatusSending {
			m.mu.Unlock()
			return
		}
		cur.Content.Media = md
		m.emitLocked(events.Event{Type: events.MessageUpdated, ChatID: chatID, MessageID: cur.ID, Message: cur.Clone()})
		env, ok := m.dispatchLocked(c, cur)
		snapshot := cur.Clone()
		m.mu.Unlock()

		if ok {
			m.send(env)
		}
		m.persist(epoch, chatID, snapshot)
	})
	return out, nil
}

// RetryMessage re-sends a failed message of the local user as a new message.
// The failed entry is removed.
func (m *ChatManager) RetryMessage(chatID, messageID string) (*domain.Message, error) {
	m.mu.Lock()
	c, msg, err := m.messageLocked(chatID, messageID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if msg.SenderID != m.self.ID || msg.Status != domain.StatusFailed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: only failed messages can be retried", ErrInvalidOperation)
	}
	content := msg.Clone().Content
	opts := []SendOption{WithReplyTo(msg.ReplyTo), WithForwardedFrom(msg.ForwardedFrom)}
	up, reupload := m.uploads[msg.ID]
	delete(m.uploads, msg.ID)
	c.Remove(msg.ID)
	m.emitLocked(events.Event{Type: events.MessageDeleted, ChatID: chatID, MessageID: msg.ID, Purged: true})
	m.mu.Unlock()

	if reupload {
		return m.SendMedia(chatID, up, opts...)
	}
	return m.SendMessage(chatID, content, opts...)
}

func (m *ChatManager) newOutgoingLocked(c *domain.Chat, content domain.Content, opts []SendOption) *domain.Message {
	id := utils.NewTempID()
	msg := &domain.Message{
		ID:        id,
		ClientID:  id,
		ChatID:    c.ID,
		SenderID:  m.self.ID,
		Content:   content,
		Status:    domain.StatusSending,
		Timestamp: m.now(),
	}
	for _, o := range opts {
		o(msg)
	}
	c.Upsert(msg)
	m.emitLocked(events.Event{Type: events.MessageSent, ChatID: c.ID, MessageID: id, Message: msg.Clone()})
	m.emitLocked(events.Event{Type: events.ChatUpdated, ChatID: c.ID, Chat: c.Snapshot()})
	return msg
}

// dispatchLocked arms the acknowledgement timeout and builds the outbound
// message envelope.
func (m *ChatManager) dispatchLocked(c *domain.Chat, msg *domain.Message) (ws.Envelope, bool) {
	epoch, chatID, tempID := m.epoch, c.ID, msg.ID
	m.clearPendingLocked(tempID)
	m.pending[tempID] = &pendingSend{
		chatID: chatID,
		timer: time.AfterFunc(m.opts.SendTimeout, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if epoch != m.epoch || m.pending[tempID] == nil {
				return
			}
			m.failLocked(chatID, tempID, errSendTimeout)
		}),
	}
	env, ok := m.envelope(ws.TypeMessage, ws.MessageFromDomain(msg))
	env.Key = msg.ClientID
	return env, ok
}

func (m *ChatManager) persist(epoch uint64, chatID string, msg *domain.Message) {
	m.background(epoch, func(ctx context.Context) {
		saved, err := m.store.PersistMessage(ctx, chatID, msg)

		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch {
			return
		}
		if err != nil {
			m.failLocked(chatID, msg.ID, err)
			return
		}
		if c := m.chats[chatID]; c != nil {
			m.acknowledgeLocked(c, msg.ID, saved)
		}
	})
}

// acknowledgeLocked reconciles the temp entry with the server copy. Repeated
// acknowledgements only ever move the status forward.
func (m *ChatManager) acknowledgeLocked(c *domain.Chat, tempID string, server *domain.Message) {
	cur := c.Find(tempID)
	if cur == nil {
		if server.ChatID == "" {
			server.ChatID = c.ID
		}
		stored, inserted := m.upsertLocked(c, server)
		m.emitMessageLocked(c, stored, inserted)
		return
	}
	if cur.Status == domain.StatusFailed {
		m.log.Debugw("late acknowledgement ignored", "chat_id", c.ID, "temp_id", tempID)
		return
	}
	beforeID, beforeStatus, count := cur.ID, cur.Status, len(c.Messages)
	c.Reconcile(tempID, server)
	m.clearPendingLocked(tempID)
	if cur.ID != beforeID || cur.Status != beforeStatus {
		m.emitLocked(events.Event{Type: events.StatusChanged, ChatID: c.ID, MessageID: cur.ID, Message: cur.Clone()})
	}
	if len(c.Messages) < count {
		c.Recount(m.self.ID)
		m.emitLocked(events.Event{Type: events.ChatUpdated, ChatID: c.ID, Chat: c.Snapshot()})
	}
}

func (m *ChatManager) failLocked(chatID, tempID string, cause error) {
	m.clearPendingLocked(tempID)
	c := m.chats[chatID]
	if c == nil {
		return
	}
	msg := c.Find(tempID)
	if msg == nil || !msg.MarkFailed() {
		return
	}
	if n := m.transport.Withdraw(msg.ClientID); n > 0 {
		m.log.Debugw("queued envelope withdrawn", "chat_id", chatID, "temp_id", tempID)
	}
	metrics.SendFailures.Inc()
	m.log.Warnw("message send failed", "chat_id", chatID, "temp_id", tempID, "err", cause)
	m.emitLocked(events.Event{Type: events.StatusChanged, ChatID: chatID, MessageID: msg.ID, Message: msg.Clone(), Err: cause})
}

func (m *ChatManager) clearPendingLocked(tempID string) {
	if p := m.pending[tempID]; p != nil {
		p.timer.Stop()
		delete(m.pending, tempID)
	}
}
