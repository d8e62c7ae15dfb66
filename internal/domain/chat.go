package domain

import (
	"sort"
	"time"
)

type ChatKind string

const (
	ChatDirect  ChatKind = "direct"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

// Chat keeps its messages sorted by timestamp ascending. Messages with equal
// timestamps keep arrival order. Only the sync engine mutates a Chat; observers
// get copies from Snapshot.
type Chat struct {
	ID           string           `json:"id"`
	Kind         ChatKind         `json:"kind"`
	Name         string           `json:"name"`
	Participants map[string]*User `json:"participants"`
	Messages     []*Message       `json:"messages"`
	UnreadCount  int              `json:"unread_count"`
	Pinned       bool             `json:"pinned"`
	Muted        bool             `json:"muted"`
	UpdatedAt    time.Time        `json:"updated_at"`

	index map[string]*Message
}

func NewChat(id string, kind ChatKind, name string) *Chat {
	return &Chat{
		ID:           id,
		Kind:         kind,
		Name:         name,
		Participants: map[string]*User{},
		index:        map[string]*Message{},
	}
}

func (c *Chat) ensureIndex() {
	if c.index != nil {
		return
	}
	c.index = make(map[string]*Message, len(c.Messages)*2)
	for _, m := range c.Messages {
		c.indexMessage(m)
	}
}

func (c *Chat) indexMessage(m *Message) {
	c.index[m.ID] = m
	if m.ClientID != "" {
		c.index[m.ClientID] = m
	}
}

// Find looks a message up by server id or client temp id.
func (c *Chat) Find(id string) *Message {
	if id == "" {
		return nil
	}
	c.ensureIndex()
	return c.index[id]
}

// Upsert inserts m in timestamp order, or merges it into the entry with the same
// id (or client id). The stored message is returned along with whether it was new.
// When the id and the client id name two different entries they are folded into
// the client-id one.
func (c *Chat) Upsert(m *Message) (*Message, bool) {
	c.ensureIndex()
	existing := c.index[m.ID]
	if m.ClientID != "" {
		if byClient := c.index[m.ClientID]; byClient != nil {
			if existing != nil && existing != byClient {
				c.fold(byClient, existing)
			}
			existing = byClient
		}
	}
	if existing != nil {
		before := existing.Timestamp
		existing.Merge(m)
		c.indexMessage(existing)
		if !existing.Timestamp.Equal(before) {
			c.reposition(existing)
		}
		c.touch(existing.Timestamp)
		return existing, false
	}
	c.insert(m)
	c.indexMessage(m)
	c.touch(m.Timestamp)
	return m, true
}

// Reconcile re-keys the entry created under tempID with the server representation.
// A separate entry already stored under the server id is folded into it. It
// returns nil when no such entry exists.
func (c *Chat) Reconcile(tempID string, server *Message) *Message {
	m := c.Find(tempID)
	if m == nil {
		return nil
	}
	if m.ClientID == "" {
		m.ClientID = tempID
	}
	if dup := c.Find(server.ID); dup != nil && dup != m {
		c.fold(m, dup)
	}
	before := m.Timestamp
	status := server.Status
	if status < StatusSent || status == StatusFailed {
		status = StatusSent
	}
	in := *server
	in.Status = status
	in.ClientID = m.ClientID
	m.Merge(&in)
	c.indexMessage(m)
	if !m.Timestamp.Equal(before) {
		c.reposition(m)
	}
	return m
}

// Remove purges a message. It reports whether anything was removed.
func (c *Chat) Remove(id string) bool {
	m := c.Find(id)
	if m == nil {
		return false
	}
	c.unlink(m)
	return true
}

// fold absorbs dup into keep and drops dup from the chat.
func (c *Chat) fold(keep, dup *Message) {
	c.unlink(dup)
	clientID, before := keep.ClientID, keep.Timestamp
	keep.Merge(dup)
	keep.ClientID = clientID
	c.indexMessage(keep)
	if !keep.Timestamp.Equal(before) {
		c.reposition(keep)
	}
}

func (c *Chat) unlink(m *Message) {
	for i, cur := range c.Messages {
		if cur == m {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			break
		}
	}
	for _, key := range []string{m.ID, m.ClientID} {
		if key != "" && c.index[key] == m {
			delete(c.index, key)
		}
	}
}

// MarkAllRead moves every sent or delivered message to read and returns them.
func (c *Chat) MarkAllRead() []*Message {
	var changed []*Message
	for _, m := range c.Messages {
		if m.Status == StatusSent || m.Status == StatusDelivered {
			m.Status = StatusRead
			changed = append(changed, m)
		}
	}
	return changed
}

// MarkIncomingRead moves messages not sent by self to read and returns them.
func (c *Chat) MarkIncomingRead(self string) []*Message {
	var changed []*Message
	for _, m := range c.Messages {
		if m.SenderID != self && m.AdvanceStatus(StatusRead) {
			changed = append(changed, m)
		}
	}
	return changed
}

// Recount recomputes UnreadCount for the local user and returns it.
func (c *Chat) Recount(self string) int {
	n := 0
	for _, m := range c.Messages {
		if m.SenderID != self && m.Status != StatusRead {
			n++
		}
	}
	c.UnreadCount = n
	return n
}

func (c *Chat) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// ActivityAt is the timestamp used to order chats in a list.
func (c *Chat) ActivityAt() time.Time {
	if last := c.LastMessage(); last != nil {
		return last.Timestamp
	}
	return c.UpdatedAt
}

func (c *Chat) HasParticipant(userID string) bool {
	_, ok := c.Participants[userID]
	return ok
}

// Snapshot returns a deep copy safe to hand to observers.
func (c *Chat) Snapshot() *Chat {
	out := &Chat{
		ID:           c.ID,
		Kind:         c.Kind,
		Name:         c.Name,
		Participants: make(map[string]*User, len(c.Participants)),
		Messages:     make([]*Message, len(c.Messages)),
		UnreadCount:  c.UnreadCount,
		Pinned:       c.Pinned,
		Muted:        c.Muted,
		UpdatedAt:    c.UpdatedAt,
	}
	for id, u := range c.Participants {
		out.Participants[id] = u.Clone()
	}
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

func (c *Chat) touch(t time.Time) {
	if t.After(c.UpdatedAt) {
		c.UpdatedAt = t
	}
}

func (c *Chat) insert(m *Message) {
	i := sort.Search(len(c.Messages), func(i int) bool {
		return c.Messages[i].Timestamp.After(m.Timestamp)
	})
	c.Messages = append(c.Messages, nil)
	copy(c.Messages[i+1:], c.Messages[i:])
	c.Messages[i] = m
}

func (c *Chat) reposition(m *Message) {
	for i, cur := range c.Messages {
		if cur == m {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			break
		}
	}
	c.insert(m)
}

// SortChats orders chats pinned first, then by most recent activity.
func SortChats(chats []*Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return a.ActivityAt().After(b.ActivityAt())
	})
}
