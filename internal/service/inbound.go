package service

import (
	"context"
	"time"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/ws"
)

func (m *ChatManager) registerHandlers(epoch uint64) []func() {
	// guard runs fn under the state lock and sends what it returns afterwards.
	guard := func(fn func(ws.Envelope) []ws.Envelope) ws.Handler {
		return func(env ws.Envelope) {
			m.mu.Lock()
			if epoch != m.epoch || !m.initialized {
				m.mu.Unlock()
				return
			}
			out := fn(env)
			m.mu.Unlock()
			m.send(out...)
		}
	}
	return []func(){
		m.transport.On(ws.TypeMessage, guard(m.onMessage)),
		m.transport.On(ws.TypeMessageSent, guard(m.onMessageSent)),
		m.transport.On(ws.TypeMessageDelivered, guard(func(env ws.Envelope) []ws.Envelope { return m.onReceipt(env, domain.StatusDelivered) })),
		m.transport.On(ws.TypeMessageRead, guard(func(env ws.Envelope) []ws.Envelope { return m.onReceipt(env, domain.StatusRead) })),
		m.transport.On(ws.TypeMessageDeleted, guard(m.onDeleted)),
		m.transport.On(ws.TypeTyping, guard(func(env ws.Envelope) []ws.Envelope { return m.onTyping(env, true) })),
		m.transport.On(ws.TypeStopTyping, guard(func(env ws.Envelope) []ws.Envelope { return m.onTyping(env, false) })),
		m.transport.On(ws.TypeOnline, guard(func(env ws.Envelope) []ws.Envelope { return m.onPresence(env, true) })),
		m.transport.On(ws.TypeOffline, guard(func(env ws.Envelope) []ws.Envelope { return m.onPresence(env, false) })),
		m.transport.On(ws.TypeError, guard(m.onError)),
		m.transport.OnStateChange(func(s ws.State, err error) { m.onState(epoch, s, err) }),
	}
}

func (m *ChatManager) onMessage(env ws.Envelope) []ws.Envelope {
	p, ok := env.Body.(*ws.MessagePayload)
	if !ok {
		return nil
	}
	c := m.chats[p.ChatID]
	if c == nil {
		m.log.Debugw("message for unknown chat dropped", "chat_id", p.ChatID, "message_id", p.ID)
		return nil
	}
	stored, inserted := m.upsertLocked(c, p.ToDomain(m.self.ID, m.now()))

	var out []ws.Envelope
	if c.ID == m.active && stored.SenderID != m.self.ID && stored.AdvanceStatus(domain.StatusRead) {
		if env, ok := m.envelope(ws.TypeMessageRead, ws.ReceiptPayload{ChatID: c.ID, MessageID: stored.ID, UserID: m.self.ID}); ok {
			out = append(out, env)
		}
	}
	m.clearRemoteTypingLocked(typingKey{chatID: c.ID, userID: stored.SenderID})
	m.emitMessageLocked(c, stored, inserted)
	return out
}

func (m *ChatManager) onMessageSent(env ws.Envelope) []ws.Envelope {
	p, ok := env.Body.(*ws.MessageSentPayload)
	if !ok {
		return nil
	}
	c := m.chats[p.Message.ChatID]
	if c == nil {
		m.log.Debugw("ack for unknown chat dropped", "chat_id", p.Message.ChatID, "temp_id", p.TempID)
		return nil
	}
	m.acknowledgeLocked(c, p.TempID, p.Message.ToDomain(m.self.ID, m.now()))
	return nil
}

// emitMessageLocked recounts unread messages and notifies observers about a
// message that was added or updated from the server.
func (m *ChatManager) emitMessageLocked(c *domain.Chat, msg *domain.Message, inserted bool) {
	c.Recount(m.self.ID)
	typ := events.MessageUpdated
	if inserted {
		typ = events.MessageReceived
	}
	m.emitLocked(events.Event{Type: typ, ChatID: c.ID, MessageID: msg.ID, UserID: msg.SenderID, Message: msg.Clone()})
	m.emitLocked(events.Event{Type: events.ChatUpdated, ChatID: c.ID, Chat: c.Snapshot()})
}

func (m *ChatManager) onReceipt(env ws.Envelope, status domain.Status) []ws.Envelope {
	p, ok := env.Body.(*ws.ReceiptPayload)
	if !ok {
		return nil
	}
	c := m.chats[p.ChatID]
	if c == nil {
		return nil
	}

	var changed []*domain.Message
	switch {
	case p.MessageID != "":
		msg := c.Find(p.MessageID)
		if msg == nil {
			m.log.Debugw("receipt for unknown message", "chat_id", p.ChatID, "message_id", p.MessageID)
			return nil
		}
		if msg.AdvanceStatus(status) {
			changed = append(changed, msg)
		}
	case status == domain.StatusRead:
		changed = c.MarkAllRead()
	default:
		for _, msg := range c.Messages {
			if msg.Status == domain.StatusSent && msg.AdvanceStatus(status) {
				changed = append(changed, msg)
			}
		}
	}
	for _, msg := range changed {
		m.emitLocked(events.Event{Type: events.StatusChanged, ChatID: c.ID, MessageID: msg.ID, UserID: p.UserID, Message: msg.Clone()})
	}
	before := c.UnreadCount
	if c.Recount(m.self.ID) != before {
		m.emitLocked(events.Event{Type: events.ChatUpdated, ChatID: c.ID, Chat: c.Snapshot()})
	}
	return nil
}

func (m *ChatManager) onDeleted(env ws.Envelope) []ws.Envelope {
	p, ok := env.Body.(*ws.DeletedPayload)
	if !ok {
		return nil
	}
	c := m.chats[p.ChatID]
	if c == nil {
		return nil
	}
	if msg := c.Find(p.MessageID); msg != nil {
		m.deleteLocked(c, msg, p.Purge)
	}
	return nil
}

func (m *ChatManager) deleteLocked(c *domain.Chat, msg *domain.Message, purge bool) {
	id := msg.ID
	if purge {
		c.Remove(id)
		m.clearPendingLocked(msg.ClientID)
		delete(m.uploads, id)
	} else {
		msg.SoftDelete()
	}
	c.Recount(m.self.ID)
	e := events.Event{Type: events.MessageDeleted, ChatID: c.ID, MessageID: id, Purged: purge}
	if !purge {
		e.Message = msg.Clone()
	}
	m.emitLocked(e)
	m.emitLocked(events.Event{Type: events.ChatUpdated, ChatID: c.ID, Chat: c.Snapshot()})
}

// onTyping keeps one expiry timer per (chat, user). Each typing event replaces
// the timer; stop_typing clears the indicator at once.
func (m *ChatManager) onTyping(env ws.Envelope, active bool) []ws.Envelope {
	p, ok := env.Body.(*ws.TypingPayload)
	if !ok || p.UserID == m.self.ID || m.chats[p.ChatID] == nil {
		return nil
	}
	key := typingKey{chatID: p.ChatID, userID: p.UserID}
	if !active {
		m.clearRemoteTypingLocked(key)
		return nil
	}

	cur, was := m.typingIn[key]
	if was {
		cur.timer.Stop()
	}
	rt := &remoteTyping{}
	epoch := m.epoch
	rt.timer = time.AfterFunc(m.opts.TypingExpiry, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch || m.typingIn[key] != rt {
			return
		}
		m.clearRemoteTypingLocked(key)
	})
	m.typingIn[key] = rt
	if !was {
		m.emitLocked(events.Event{Type: events.Typing, ChatID: key.chatID, UserID: key.userID, Active: true})
	}
	return nil
}

func (m *ChatManager) clearRemoteTypingLocked(key typingKey) {
	rt, ok := m.typingIn[key]
	if !ok {
		return
	}
	rt.timer.Stop()
	delete(m.typingIn, key)
	m.emitLocked(events.Event{Type: events.Typing, ChatID: key.chatID, UserID: key.userID, Active: false})
}

// onPresence updates the shared User once; every chat holding that user sees
// the change.
func (m *ChatManager) onPresence(env ws.Envelope, online bool) []ws.Envelope {
	p, ok := env.Body.(*ws.PresencePayload)
	if !ok {
		return nil
	}
	u := m.users[p.UserID]
	if u == nil {
		m.log.Debugw("presence for unknown user dropped", "user_id", p.UserID)
		return nil
	}
	var lastSeen *time.Time
	if p.LastSeenAt != nil {
		t := time.UnixMilli(*p.LastSeenAt)
		lastSeen = &t
	}
	u.SetPresence(online, lastSeen, m.now())

	var chatIDs []string
	for _, id := range m.chatIDsLocked() {
		if m.chats[id].HasParticipant(u.ID) {
			chatIDs = append(chatIDs, id)
		}
	}
	m.emitLocked(events.Event{Type: events.PresenceChanged, UserID: u.ID, User: u.Clone(), ChatIDs: chatIDs, Active: online})
	return nil
}

func (m *ChatManager) onError(env ws.Envelope) []ws.Envelope {
	p, ok := env.Body.(*ws.ErrorPayload)
	if !ok {
		return nil
	}
	if pend := m.pending[p.TempID]; p.TempID != "" && pend != nil {
		m.failLocked(pend.chatID, p.TempID, &RemoteError{Code: p.Code, Message: p.Message})
		return nil
	}
	m.log.Warnw("server error", "code", p.Code, "message", p.Message)
	return nil
}

// onState publishes transport transitions. Every reconnect after the first
// connection refreshes the chat list, since pushes may have been missed.
func (m *ChatManager) onState(epoch uint64, s ws.State, err error) {
	m.mu.Lock()
	if epoch != m.epoch || !m.initialized {
		m.mu.Unlock()
		return
	}
	m.emitLocked(events.Event{Type: events.ConnectionChanged, State: s.String(), Err: err})
	resync := s == ws.StateConnected && m.connected
	if s == ws.StateConnected {
		m.connected = true
	}
	m.mu.Unlock()

	if err != nil && s == ws.StateDisconnected {
		m.log.Errorw("connection lost", "err", err)
	}
	if resync {
		m.background(epoch, func(ctx context.Context) {
			if err := m.refresh(ctx, epoch, true); err != nil {
				m.log.Warnw("chat list refresh after reconnect failed", "err", err)
			}
		})
	}
}
