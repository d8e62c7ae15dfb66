package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/utils"
	"github.com/fathima-sithara/chat-sync/internal/ws"
)

// LoadMessages fetches one page of history and merges it into the chat. While a
// fetch for the same chat is in flight further calls return nothing. A failed
// fetch is logged and yields an empty page.
func (m *ChatManager) LoadMessages(ctx context.Context, chatID string, count, offset int) ([]*domain.Message, error) {
	m.mu.Lock()
	if _, err := m.chatLocked(chatID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.loading[chatID] {
		m.mu.Unlock()
		return []*domain.Message{}, nil
	}
	m.loading[chatID] = true
	epoch := m.epoch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if epoch == m.epoch {
			delete(m.loading, chatID)
		}
		m.mu.Unlock()
	}()

	if count <= 0 {
		count = m.opts.PageSize
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	page, err := m.store.FetchMessages(ctx, chatID, count, offset)
	if err != nil {
		m.log.Warnw("load messages failed", "chat_id", chatID, "offset", offset, "err", err)
		return []*domain.Message{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chats[chatID]
	if epoch != m.epoch || c == nil {
		return []*domain.Message{}, nil
	}
	out := make([]*domain.Message, 0, len(page))
	added := false
	for _, msg := range page {
		if msg.ChatID == "" {
			msg.ChatID = chatID
		}
		stored, inserted := m.upsertLocked(c, msg)
		added = added || inserted
		out = append(out, stored.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	c.Recount(m.self.ID)
	if added {
		m.emitLocked(events.Event{Type: events.ChatUpdated, ChatID: chatID, Chat: c.Snapshot()})
	}
	return out, nil
}

// SendTyping announces that the local user is typing. Calls are coalesced: at
// most one typing envelope per TypingInterval, and stop_typing after TypingIdle
// without calls.
func (m *ChatManager) SendTyping(chatID string) error {
	m.mu.Lock()
	if _, err := m.chatLocked(chatID); err != nil {
		m.mu.Unlock()
		return err
	}
	st := m.typingOut[chatID]
	if st == nil {
		st = &localTyping{}
		m.typingOut[chatID] = st
	}
	now := m.now()
	var out []ws.Envelope
	if st.lastSent.IsZero() || now.Sub(st.lastSent) >= m.opts.TypingInterval {
		st.lastSent = now
		if env, ok := m.envelope(ws.TypeTyping, ws.TypingPayload{ChatID: chatID, UserID: m.self.ID}); ok {
			out = append(out, env)
		}
	}
	if st.idle != nil {
		st.idle.Stop()
	}
	st.seq++
	seq, epoch := st.seq, m.epoch
	st.idle = time.AfterFunc(m.opts.TypingIdle, func() {
		m.mu.Lock()
		if epoch != m.epoch || m.typingOut[chatID] != st || st.seq != seq {
			m.mu.Unlock()
			return
		}
		env, ok := m.stopTypingLocked(chatID)
		m.mu.Unlock()
		if ok {
			m.send(env)
		}
	})
	m.mu.Unlock()

	m.send(out...)
	return nil
}

// StopTyping sends stop_typing right away if a typing indicator is active.
func (m *ChatManager) StopTyping(chatID string) error {
	m.mu.Lock()
	if _, err := m.chatLocked(chatID); err != nil {
		m.mu.Unlock()
		return err
	}
	st := m.typingOut[chatID]
	if st == nil {
		m.mu.Unlock()
		return nil
	}
	if st.idle != nil {
		st.idle.Stop()
	}
	env, ok := m.stopTypingLocked(chatID)
	m.mu.Unlock()

	if ok {
		m.send(env)
	}
	return nil
}

func (m *ChatManager) stopTypingLocked(chatID string) (ws.Envelope, bool) {
	delete(m.typingOut, chatID)
	return m.envelope(ws.TypeStopTyping, ws.TypingPayload{ChatID: chatID, UserID: m.self.ID})
}

// MarkChatRead marks every incoming message read, sends a chat-wide read
// receipt and records it in history.
func (m *ChatManager) MarkChatRead(chatID string) error {
	m.mu.Lock()
	c, err := m.chatLocked(chatID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	changed := c.MarkIncomingRead(m.self.ID)
	c.Recount(m.self.ID)
	epoch := m.epoch
	if len(changed) == 0 {
		m.mu.Unlock()
		return nil
	}
	for _, msg := range changed {
		m.emitLocked(events.Event{Type: events.StatusChanged, ChatID: chatID, MessageID: msg.ID, UserID: m.self.ID, Message: msg.Clone()})
	}
	m.emitLocked(events.Event{Type: events.ChatUpdated, ChatID: chatID, Chat: c.Snapshot()})
	env, ok := m.envelope(ws.TypeMessageRead, ws.ReceiptPayload{ChatID: chatID, UserID: m.self.ID})
	m.mu.Unlock()

	if ok {
		m.send(env)
	}
	m.background(epoch, func(ctx context.Context) {
		if err := m.store.MarkRead(ctx, chatID); err != nil {
			m.log.Warnw("mark read failed", "chat_id", chatID, "err", err)
		}
	})
	return nil
}

// SetActiveChat focuses a chat, which marks it read; incoming messages for it
// are read on arrival. An empty id clears the focus.
func (m *ChatManager) SetActiveChat(chatID string) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if chatID != "" {
		if _, err := m.chatLocked(chatID); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.active = chatID
	m.mu.Unlock()

	if chatID == "" {
		return nil
	}
	return m.MarkChatRead(chatID)
}

func (m *ChatManager) ActiveChat() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// EditMessage replaces the text of one of the local user's messages. The local
// copy changes first and is restored if the store rejects the edit.
func (m *ChatManager) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidOperation)
	}
	m.mu.Lock()
	_, msg, err := m.messageLocked(chatID, messageID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if msg.SenderID != m.self.ID || msg.IsDeleted || msg.Status == domain.StatusSending || msg.Status == domain.StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("%w: message %s cannot be edited", ErrInvalidOperation, messageID)
	}
	id := msg.ID
	prevText, prevEdited := msg.Content.Text, msg.IsEdited
	msg.Edit(text)
	m.emitLocked(events.Event{Type: events.MessageUpdated, ChatID: chatID, MessageID: id, Message: msg.Clone()})
	epoch := m.epoch
	m.mu.Unlock()

	if err := m.store.EditMessage(ctx, chatID, id, text); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch == m.epoch && msg.Content.Text == text && !msg.IsDeleted {
			msg.Content.Text, msg.IsEdited = prevText, prevEdited
			m.emitLocked(events.Event{Type: events.MessageUpdated, ChatID: chatID, MessageID: id, Message: msg.Clone()})
		}
		return err
	}
	return nil
}

// DeleteMessage soft-deletes a message for the local user, or removes it for
// everyone when purge is set. Unacknowledged messages are only removed locally.
func (m *ChatManager) DeleteMessage(ctx context.Context, chatID, messageID string, purge bool) error {
	m.mu.Lock()
	c, msg, err := m.messageLocked(chatID, messageID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if purge && msg.SenderID != m.self.ID {
		m.mu.Unlock()
		return fmt.Errorf("%w: only own messages can be deleted for everyone", ErrInvalidOperation)
	}
	id, clientID := msg.ID, msg.ClientID
	localOnly := utils.IsTempID(id)
	if localOnly {
		purge = true
	}
	m.deleteLocked(c, msg, purge)
	m.mu.Unlock()

	if localOnly {
		m.transport.Withdraw(clientID)
		return nil
	}
	return m.store.DeleteMessage(ctx, chatID, id, purge)
}

// ToggleReaction flips the local user's emoji reaction and reports whether it is
// now set. The change is reverted if the store rejects it.
func (m *ChatManager) ToggleReaction(ctx context.Context, chatID, messageID, emoji string) (bool, error) {
	if emoji == "" {
		return false, fmt.Errorf("%w: empty emoji", ErrInvalidOperation)
	}
	m.mu.Lock()
	_, msg, err := m.messageLocked(chatID, messageID)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if msg.IsDeleted || utils.IsTempID(msg.ID) {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: message %s cannot be reacted to", ErrInvalidOperation, messageID)
	}
	id := msg.ID
	mine := msg.ToggleReaction(emoji)
	m.emitLocked(events.Event{Type: events.MessageUpdated, ChatID: chatID, MessageID: id, Message: msg.Clone()})
	epoch := m.epoch
	m.mu.Unlock()

	if err := m.store.React(ctx, chatID, id, emoji, mine); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch == m.epoch && msg.Reactions[emoji].Mine == mine {
			msg.ToggleReaction(emoji)
			m.emitLocked(events.Event{Type: events.MessageUpdated, ChatID: chatID, MessageID: id, Message: msg.Clone()})
		}
		return !mine, err
	}
	return mine, nil
}

func (m *ChatManager) PinChat(chatID string, pinned bool) error {
	return m.updateChat(chatID, func(c *domain.Chat) bool {
		changed := c.Pinned != pinned
		c.Pinned = pinned
		return changed
	})
}

func (m *ChatManager) MuteChat(chatID string, muted bool) error {
	return m.updateChat(chatID, func(c *domain.Chat) bool {
		changed := c.Muted != muted
		c.Muted = muted
		return changed
	})
}

func (m *ChatManager) PinMessage(chatID, messageID string, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, msg, err := m.messageLocked(chatID, messageID)
	if err != nil {
		return err
	}
	if msg.IsPinned == pinned {
		return nil
	}
	msg.IsPinned = pinned
	m.emitLocked(events.Event{Type: events.MessageUpdated, ChatID: chatID, MessageID: msg.ID, Message: msg.Clone()})
	return nil
}

func (m *ChatManager) updateChat(chatID string, fn func(*domain.Chat) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.chatLocked(chatID)
	if err != nil {
		return err
	}
	if fn(c) {
		m.emitLocked(events.Event{Type: events.ChatUpdated, ChatID: chatID, Chat: c.Snapshot()})
	}
	return nil
}
