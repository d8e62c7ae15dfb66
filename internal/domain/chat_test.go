package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id, sender string, offset time.Duration, st Status) *Message {
	return &Message{
		ID:        id,
		ChatID:    "c1",
		SenderID:  sender,
		Content:   TextContent(id),
		Status:    st,
		Timestamp: t0.Add(offset),
	}
}

func ids(c *Chat) []string {
	out := make([]string, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, m.ID)
	}
	return out
}

func TestUpsertKeepsTimestampOrder(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	c.Upsert(msgAt("b", "u2", 2*time.Second, StatusSent))
	c.Upsert(msgAt("a", "u2", time.Second, StatusSent))
	c.Upsert(msgAt("c", "u2", 3*time.Second, StatusSent))
	c.Upsert(msgAt("b2", "u2", 2*time.Second, StatusSent))

	assert.Equal(t, []string{"a", "b", "b2", "c"}, ids(c))
	assert.Equal(t, "c", c.LastMessage().ID)
}

func TestUpsertDuplicateUpdatesInPlace(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	_, inserted := c.Upsert(msgAt("m1", "u2", 0, StatusSent))
	require.True(t, inserted)

	again := msgAt("m1", "u2", 0, StatusDelivered)
	again.Content = TextContent("edited")
	again.IsEdited = true
	stored, inserted := c.Upsert(again)

	assert.False(t, inserted)
	assert.Len(t, c.Messages, 1)
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.Equal(t, "edited", stored.Content.Text)
	assert.True(t, stored.IsEdited)
}

func TestUpsertNeverMovesStatusBackwards(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	c.Upsert(msgAt("m1", "u2", 0, StatusRead))
	stored, _ := c.Upsert(msgAt("m1", "u2", 0, StatusSent))
	assert.Equal(t, StatusRead, stored.Status)
}

func TestUpsertRepositionsOnTimestampChange(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	c.Upsert(msgAt("a", "u2", time.Second, StatusSent))
	c.Upsert(msgAt("b", "u2", 2*time.Second, StatusSent))
	c.Upsert(msgAt("a", "u2", 3*time.Second, StatusSent))
	assert.Equal(t, []string{"b", "a"}, ids(c))
}

func TestReconcileRekeysTempEntry(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	temp := msgAt("tmp-1", "me", 0, StatusSending)
	c.Upsert(temp)

	server := msgAt("m42", "me", 0, StatusSending)
	got := c.Reconcile("tmp-1", server)

	require.NotNil(t, got)
	assert.Same(t, temp, got)
	assert.Equal(t, "m42", got.ID)
	assert.Equal(t, "tmp-1", got.ClientID)
	assert.Equal(t, StatusSent, got.Status)
	assert.Same(t, got, c.Find("m42"))
	assert.Same(t, got, c.Find("tmp-1"))
	assert.Len(t, c.Messages, 1)
}

func TestReconcileUnknownTemp(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	assert.Nil(t, c.Reconcile("tmp-x", msgAt("m1", "me", 0, StatusSent)))
}

func TestUpsertByClientIDMatchesTemp(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	c.Upsert(msgAt("tmp-1", "me", 0, StatusSending))

	push := msgAt("m7", "me", 0, StatusDelivered)
	push.ClientID = "tmp-1"
	_, inserted := c.Upsert(push)

	assert.False(t, inserted)
	assert.Equal(t, []string{"m7"}, ids(c))
	assert.Equal(t, StatusDelivered, c.Find("tmp-1").Status)
}

func TestReconcileFoldsEarlierServerCopy(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	temp := msgAt("tmp-1", "me", 0, StatusSending)
	c.Upsert(temp)
	c.Upsert(msgAt("m42", "me", time.Second, StatusDelivered))
	require.Len(t, c.Messages, 2)

	got := c.Reconcile("tmp-1", msgAt("m42", "me", time.Second, StatusSent))

	require.Same(t, temp, got)
	assert.Equal(t, []string{"m42"}, ids(c))
	assert.Equal(t, "tmp-1", got.ClientID)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Same(t, got, c.Find("m42"))
	assert.Same(t, got, c.Find("tmp-1"))
}

func TestUpsertFoldsWhenIDAndClientIDDisagree(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	temp := msgAt("tmp-1", "me", 0, StatusSending)
	temp.ClientID = "tmp-1"
	c.Upsert(temp)
	c.Upsert(msgAt("m42", "me", 0, StatusSent))
	require.Len(t, c.Messages, 2)

	push := msgAt("m42", "me", 0, StatusDelivered)
	push.ClientID = "tmp-1"
	got, inserted := c.Upsert(push)

	assert.False(t, inserted)
	assert.Same(t, temp, got)
	assert.Equal(t, []string{"m42"}, ids(c))
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Same(t, got, c.Find("tmp-1"))
}

func TestRemove(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	c.Upsert(msgAt("a", "u2", 0, StatusSent))
	c.Upsert(msgAt("b", "u2", time.Second, StatusSent))

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, []string{"b"}, ids(c))
	assert.Nil(t, c.Find("a"))
}

func TestRecountAndMarkRead(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	c.Upsert(msgAt("a", "u2", 0, StatusDelivered))
	c.Upsert(msgAt("b", "u2", time.Second, StatusSent))
	c.Upsert(msgAt("c", "me", 2*time.Second, StatusSent))
	deleted := msgAt("d", "u2", 3*time.Second, StatusSent)
	c.Upsert(deleted)
	deleted.SoftDelete()

	assert.Equal(t, 3, c.Recount("me"))

	changed := c.MarkIncomingRead("me")
	assert.Len(t, changed, 3)
	assert.Equal(t, 0, c.Recount("me"))
	assert.Equal(t, StatusSent, c.Find("c").Status)
}

func TestMarkAllReadSkipsPendingAndFailed(t *testing.T) {
	c := NewChat("c1", ChatDirect, "")
	c.Upsert(msgAt("a", "me", 0, StatusSending))
	c.Upsert(msgAt("b", "me", time.Second, StatusFailed))
	c.Upsert(msgAt("c", "me", 2*time.Second, StatusDelivered))
	c.Upsert(msgAt("d", "u2", 3*time.Second, StatusSent))

	changed := c.MarkAllRead()

	assert.Len(t, changed, 2)
	assert.Equal(t, StatusSending, c.Find("a").Status)
	assert.Equal(t, StatusFailed, c.Find("b").Status)
	assert.Equal(t, StatusRead, c.Find("c").Status)
	assert.Equal(t, 0, c.Recount("me"))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	c := NewChat("c1", ChatGroup, "team")
	c.Participants["u2"] = &User{ID: "u2", DisplayName: "Bo"}
	c.Upsert(msgAt("a", "u2", 0, StatusSent))

	snap := c.Snapshot()
	snap.Messages[0].Content.Text = "changed"
	snap.Participants["u2"].DisplayName = "changed"

	assert.Equal(t, "a", c.Messages[0].Content.Text)
	assert.Equal(t, "Bo", c.Participants["u2"].DisplayName)
	assert.Equal(t, "a", snap.Find("a").ID)
}

func TestSortChats(t *testing.T) {
	old := NewChat("old", ChatDirect, "")
	old.Upsert(msgAt("a", "u2", 0, StatusSent))
	recent := NewChat("recent", ChatDirect, "")
	recent.Upsert(msgAt("b", "u2", time.Minute, StatusSent))
	empty := NewChat("empty", ChatDirect, "")
	empty.UpdatedAt = t0.Add(30 * time.Second)
	pinned := NewChat("pinned", ChatDirect, "")
	pinned.Pinned = true

	list := []*Chat{old, empty, pinned, recent}
	SortChats(list)

	got := make([]string, 0, len(list))
	for _, c := range list {
		got = append(got, c.ID)
	}
	assert.Equal(t, []string{"pinned", "recent", "empty", "old"}, got)
}
