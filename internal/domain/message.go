package domain

import (
	"strings"
	"time"
)

type ContentType string

const (
	ContentText   ContentType = "text"
	ContentVoice  ContentType = "voice"
	ContentImage  ContentType = "image"
	ContentVideo  ContentType = "video"
	ContentFile   ContentType = "file"
	ContentSystem ContentType = "system"
)

// Valid reports whether t is one of the known content variants.
func (t ContentType) Valid() bool {
	switch t {
	case ContentText, ContentVoice, ContentImage, ContentVideo, ContentFile, ContentSystem:
		return true
	}
	return false
}

type Media struct {
	URI          string        `bson:"uri" json:"uri"`
	ThumbnailURI string        `bson:"thumbnail_uri,omitempty" json:"thumbnail_uri,omitempty"`
	MimeType     string        `bson:"mime_type,omitempty" json:"mime_type,omitempty"`
	FileName     string        `bson:"file_name,omitempty" json:"file_name,omitempty"`
	Size         int64         `bson:"size,omitempty" json:"size,omitempty"`
	Duration     time.Duration `bson:"duration,omitempty" json:"duration,omitempty"`
	Width        int           `bson:"width,omitempty" json:"width,omitempty"`
	Height       int           `bson:"height,omitempty" json:"height,omitempty"`
}

type Content struct {
	Type  ContentType `json:"type"`
	Text  string      `json:"text,omitempty"`
	Media *Media      `json:"media,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// Empty reports whether the content has nothing to send.
func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && c.Media == nil
}

func (c Content) clone() Content {
	out := c
	if c.Media != nil {
		m := *c.Media
		out.Media = &m
	}
	return out
}

// Reaction is the aggregated view of one emoji on a message.
type Reaction struct {
	Count int  `json:"count"`
	Mine  bool `json:"mine"`
}

type Message struct {
	ID            string              `json:"id"`
	ClientID      string              `json:"client_id,omitempty"`
	ChatID        string              `json:"chat_id"`
	SenderID      string              `json:"sender_id"`
	Content       Content             `json:"content"`
	Status        Status              `json:"status"`
	Timestamp     time.Time           `json:"timestamp"`
	IsEdited      bool                `json:"is_edited"`
	IsDeleted     bool                `json:"is_deleted"`
	IsPinned      bool                `json:"is_pinned"`
	Reactions     map[string]Reaction `json:"reactions,omitempty"`
	ReplyTo       string              `json:"reply_to,omitempty"`
	ForwardedFrom string              `json:"forwarded_from,omitempty"`
}

// AdvanceStatus moves the message forward. It returns false when next would
// move backwards or the message already failed.
func (m *Message) AdvanceStatus(next Status) bool {
	if !m.Status.CanAdvanceTo(next) {
		return false
	}
	m.Status = next
	return true
}

// MarkFailed fails a message that is still sending.
func (m *Message) MarkFailed() bool {
	if m.Status != StatusSending {
		return false
	}
	m.Status = StatusFailed
	return true
}

func (m *Message) SoftDelete() {
	m.IsDeleted = true
	m.Content = Content{Type: m.Content.Type}
	m.Reactions = nil
}

func (m *Message) Edit(text string) {
	m.Content.Text = text
	m.IsEdited = true
}

// ToggleReaction flips the local user's reaction for emoji and reports whether it is now set.
func (m *Message) ToggleReaction(emoji string) bool {
	if m.Reactions == nil {
		m.Reactions = map[string]Reaction{}
	}
	r := m.Reactions[emoji]
	if r.Mine {
		r.Mine = false
		r.Count--
	} else {
		r.Mine = true
		r.Count++
	}
	if r.Count <= 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = r
	}
	return r.Mine
}

// SetReactions replaces reactions from the wire form emoji -> user ids.
func (m *Message) SetReactions(raw map[string][]string, self string) {
	if len(raw) == 0 {
		m.Reactions = nil
		return
	}
	out := make(map[string]Reaction, len(raw))
	for emoji, users := range raw {
		if len(users) == 0 {
			continue
		}
		r := Reaction{Count: len(users)}
		for _, u := range users {
			if u == self {
				r.Mine = true
				break
			}
		}
		out[emoji] = r
	}
	m.Reactions = out
}

// Merge applies a newer server representation of the same message. Status only
// moves forward and the client id is kept.
func (m *Message) Merge(in *Message) {
	if in.ID != "" {
		m.ID = in.ID
	}
	if m.ClientID == "" {
		m.ClientID = in.ClientID
	}
	if in.IsDeleted {
		m.SoftDelete()
	} else if !m.IsDeleted && !in.Content.Empty() {
		m.Content = in.Content.clone()
		m.IsEdited = m.IsEdited || in.IsEdited
	}
	m.IsPinned = in.IsPinned
	if in.Reactions != nil {
		m.Reactions = cloneReactions(in.Reactions)
	}
	if in.ReplyTo != "" {
		m.ReplyTo = in.ReplyTo
	}
	if in.ForwardedFrom != "" {
		m.ForwardedFrom = in.ForwardedFrom
	}
	if !in.Timestamp.IsZero() {
		m.Timestamp = in.Timestamp
	}
	m.AdvanceStatus(in.Status)
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Content = m.Content.clone()
	c.Reactions = cloneReactions(m.Reactions)
	return &c
}

func cloneReactions(in map[string]Reaction) map[string]Reaction {
	if in == nil {
		return nil
	}
	out := make(map[string]Reaction, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
