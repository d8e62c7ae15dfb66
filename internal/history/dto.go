package history

import (
	"slices"
	"strconv"
	"time"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

// messageDoc is the message-service representation, shared by the REST API and
// the messages collection.
type messageDoc struct {
	ID            string              `bson:"_id" json:"id"`
	ClientID      string              `bson:"client_id,omitempty" json:"client_id,omitempty"`
	ChatID        string              `bson:"chat_id" json:"chat_id"`
	SenderID      string              `bson:"sender_id" json:"sender_id"`
	Content       string              `bson:"content" json:"content"`
	MsgType       string              `bson:"msg_type" json:"msg_type"`
	Metadata      map[string]string   `bson:"metadata,omitempty" json:"metadata,omitempty"`
	ReplyTo       string              `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
	ForwardedFrom string              `bson:"forwarded_from,omitempty" json:"forwarded_from,omitempty"`
	CreatedAt     time.Time           `bson:"created_at" json:"created_at"`
	EditedAt      *time.Time          `bson:"edited_at,omitempty" json:"edited_at,omitempty"`
	Delivered     bool                `bson:"delivered" json:"delivered"`
	Pinned        bool                `bson:"pinned" json:"pinned"`
	Deleted       bool                `bson:"deleted" json:"deleted"`
	ReadBy        []string            `bson:"read_by" json:"read_by"`
	DeletedFor    []string            `bson:"deleted_for" json:"deleted_for"`
	Reactions     map[string][]string `bson:"reactions,omitempty" json:"reactions,omitempty"`
}

type userDoc struct {
	ID        string     `bson:"_id" json:"id"`
	Username  string     `bson:"username" json:"username"`
	AvatarURL string     `bson:"avatar_url,omitempty" json:"avatar_url,omitempty"`
	IsOnline  bool       `bson:"is_online" json:"is_online"`
	LastSeen  *time.Time `bson:"last_seen,omitempty" json:"last_seen,omitempty"`
}

type chatDoc struct {
	ID          string      `bson:"_id" json:"id"`
	Name        string      `bson:"group_name,omitempty" json:"name,omitempty"`
	Kind        string      `bson:"kind,omitempty" json:"kind,omitempty"`
	IsGroup     bool        `bson:"is_group" json:"is_group"`
	Members     []string    `bson:"participants" json:"members"`
	PinnedBy    []string    `bson:"pinned_by,omitempty" json:"pinned_by,omitempty"`
	MutedBy     []string    `bson:"muted_by,omitempty" json:"muted_by,omitempty"`
	CreatedAt   time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `bson:"updated_at" json:"updated_at"`
	Users       []userDoc   `bson:"-" json:"users,omitempty"`
	LastMessage *messageDoc `bson:"-" json:"last_message,omitempty"`
}

const (
	metaURI       = "uri"
	metaThumbnail = "thumbnail_uri"
	metaMime      = "mime_type"
	metaFileName  = "file_name"
	metaSize      = "size"
	metaDuration  = "duration_ms"
	metaWidth     = "width"
	metaHeight    = "height"
)

// hiddenFor reports whether self deleted the message for themselves only.
func (d *messageDoc) hiddenFor(self string) bool {
	return slices.Contains(d.DeletedFor, self)
}

func (d *messageDoc) status() domain.Status {
	for _, u := range d.ReadBy {
		if u != d.SenderID {
			return domain.StatusRead
		}
	}
	if d.Delivered {
		return domain.StatusDelivered
	}
	return domain.StatusSent
}

func (d *messageDoc) toDomain(self string) *domain.Message {
	m := &domain.Message{
		ID:            d.ID,
		ClientID:      d.ClientID,
		ChatID:        d.ChatID,
		SenderID:      d.SenderID,
		Content:       domain.Content{Type: domain.ContentType(d.MsgType), Text: d.Content},
		Status:        d.status(),
		Timestamp:     d.CreatedAt,
		IsEdited:      d.EditedAt != nil,
		IsPinned:      d.Pinned,
		ReplyTo:       d.ReplyTo,
		ForwardedFrom: d.ForwardedFrom,
	}
	if !m.Content.Type.Valid() {
		m.Content.Type = domain.ContentText
	}
	if uri := d.Metadata[metaURI]; uri != "" {
		md := &domain.Media{
			URI:          uri,
			ThumbnailURI: d.Metadata[metaThumbnail],
			MimeType:     d.Metadata[metaMime],
			FileName:     d.Metadata[metaFileName],
		}
		md.Size, _ = strconv.ParseInt(d.Metadata[metaSize], 10, 64)
		ms, _ := strconv.ParseInt(d.Metadata[metaDuration], 10, 64)
		md.Duration = time.Duration(ms) * time.Millisecond
		md.Width, _ = strconv.Atoi(d.Metadata[metaWidth])
		md.Height, _ = strconv.Atoi(d.Metadata[metaHeight])
		m.Content.Media = md
	}
	m.SetReactions(d.Reactions, self)
	if d.Deleted {
		m.SoftDelete()
	}
	return m
}

func messageDocFrom(m *domain.Message) *messageDoc {
	d := &messageDoc{
		ID:            m.ID,
		ClientID:      m.ClientID,
		ChatID:        m.ChatID,
		SenderID:      m.SenderID,
		Content:       m.Content.Text,
		MsgType:       string(m.Content.Type),
		ReplyTo:       m.ReplyTo,
		ForwardedFrom: m.ForwardedFrom,
		CreatedAt:     m.Timestamp.UTC(),
		ReadBy:        []string{},
		DeletedFor:    []string{},
	}
	if d.ClientID == "" {
		d.ClientID = m.ID
	}
	if md := m.Content.Media; md != nil {
		d.Metadata = map[string]string{metaURI: md.URI}
		set := func(k, v string) {
			if v != "" && v != "0" {
				d.Metadata[k] = v
			}
		}
		set(metaThumbnail, md.ThumbnailURI)
		set(metaMime, md.MimeType)
		set(metaFileName, md.FileName)
		set(metaSize, strconv.FormatInt(md.Size, 10))
		set(metaDuration, strconv.FormatInt(md.Duration.Milliseconds(), 10))
		set(metaWidth, strconv.Itoa(md.Width))
		set(metaHeight, strconv.Itoa(md.Height))
	}
	return d
}

func (u userDoc) toDomain() *domain.User {
	out := &domain.User{
		ID:          u.ID,
		DisplayName: u.Username,
		AvatarURL:   u.AvatarURL,
		Online:      u.IsOnline,
	}
	if u.LastSeen != nil && !u.LastSeen.IsZero() {
		t := *u.LastSeen
		out.LastSeenAt = &t
	}
	return out
}

func (d *chatDoc) toDomain(self string) *domain.Chat {
	kind := domain.ChatKind(d.Kind)
	switch kind {
	case domain.ChatDirect, domain.ChatGroup, domain.ChatChannel:
	default:
		kind = domain.ChatDirect
		if d.IsGroup {
			kind = domain.ChatGroup
		}
	}
	c := domain.NewChat(d.ID, kind, d.Name)
	c.Pinned = slices.Contains(d.PinnedBy, self)
	c.Muted = slices.Contains(d.MutedBy, self)
	c.UpdatedAt = d.UpdatedAt
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = d.CreatedAt
	}
	for _, id := range d.Members {
		c.Participants[id] = &domain.User{ID: id}
	}
	for _, u := range d.Users {
		c.Participants[u.ID] = u.toDomain()
	}
	if d.LastMessage != nil && !d.LastMessage.hiddenFor(self) {
		c.Upsert(d.LastMessage.toDomain(self))
	}
	return c
}
