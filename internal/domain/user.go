package domain

import "time"

type User struct {
	ID          string     `bson:"_id" json:"id"`
	DisplayName string     `bson:"username" json:"display_name"`
	AvatarURL   string     `bson:"avatar_url,omitempty" json:"avatar_url,omitempty"`
	Online      bool       `bson:"is_online" json:"online"`
	LastSeenAt  *time.Time `bson:"last_seen,omitempty" json:"last_seen_at,omitempty"`
}

// SetPresence updates presence in place. A nil lastSeen keeps the previous value
// unless the user goes offline, in which case at is used.
func (u *User) SetPresence(online bool, lastSeen *time.Time, at time.Time) {
	u.Online = online
	switch {
	case lastSeen != nil:
		t := *lastSeen
		u.LastSeenAt = &t
	case !online:
		t := at
		u.LastSeenAt = &t
	}
}

// Merge copies profile fields from other, leaving presence untouched unless other
// carries a newer last-seen time.
func (u *User) Merge(other *User) {
	if other.DisplayName != "" {
		u.DisplayName = other.DisplayName
	}
	if other.AvatarURL != "" {
		u.AvatarURL = other.AvatarURL
	}
	if other.LastSeenAt != nil && (u.LastSeenAt == nil || other.LastSeenAt.After(*u.LastSeenAt)) {
		t := *other.LastSeenAt
		u.LastSeenAt = &t
		u.Online = other.Online
	}
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastSeenAt != nil {
		t := *u.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}
