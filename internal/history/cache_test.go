package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) FetchChatList(ctx context.Context, userID string) ([]*domain.Chat, error) {
	args := m.Called(userID)
	chats, _ := args.Get(0).([]*domain.Chat)
	return chats, args.Error(1)
}

func (m *mockStore) FetchMessages(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error) {
	args := m.Called(chatID, limit, offset)
	msgs, _ := args.Get(0).([]*domain.Message)
	return msgs, args.Error(1)
}

func (m *mockStore) PersistMessage(ctx context.Context, chatID string, msg *domain.Message) (*domain.Message, error) {
	args := m.Called(chatID, msg)
	out, _ := args.Get(0).(*domain.Message)
	return out, args.Error(1)
}

func (m *mockStore) MarkRead(ctx context.Context, chatID string) error {
	return m.Called(chatID).Error(0)
}

func (m *mockStore) DeleteMessage(ctx context.Context, chatID, messageID string, purge bool) error {
	return m.Called(chatID, messageID, purge).Error(0)
}

func (m *mockStore) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	return m.Called(chatID, messageID, text).Error(0)
}

func (m *mockStore) React(ctx context.Context, chatID, messageID, emoji string, add bool) error {
	return m.Called(chatID, messageID, emoji, add).Error(0)
}

type mapKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapKV() *mapKV { return &mapKV{m: map[string]string{}} }

func (k *mapKV) Get(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (k *mapKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *mapKV) Del(_ context.Context, keys ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		delete(k.m, key)
	}
	return nil
}

func (k *mapKV) keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []string
	for key := range k.m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func newCached(next Store, kv KV) *CachedStore {
	return NewCachedStore(next, kv, CacheOptions{Prefix: "t", TTL: time.Minute, UserID: "me"}, zap.NewNop().Sugar())
}

func TestCachedChatListReadThrough(t *testing.T) {
	next := new(mockStore)
	chat := domain.NewChat("c1", domain.ChatDirect, "")
	chat.Participants["u2"] = &domain.User{ID: "u2", DisplayName: "Bo"}
	next.On("FetchChatList", "me").Return([]*domain.Chat{chat}, nil).Once()
	kv := newMapKV()
	s := newCached(next, kv)

	for i := 0; i < 2; i++ {
		chats, err := s.FetchChatList(context.Background(), "me")
		require.NoError(t, err)
		require.Len(t, chats, 1)
		assert.Equal(t, "Bo", chats[0].Participants["u2"].DisplayName)
	}
	next.AssertExpectations(t)
	assert.Equal(t, []string{"t:chats:me", "t:chats:me:stale"}, kv.keys())
}

func TestCachedServesStaleOnFailure(t *testing.T) {
	next := new(mockStore)
	msgs := []*domain.Message{
		{ID: "m2", ChatID: "c1", SenderID: "u2", Content: domain.TextContent("b"), Status: domain.StatusSent},
		{ID: "m1", ChatID: "c1", SenderID: "u2", Content: domain.TextContent("a"), Status: domain.StatusRead},
	}
	next.On("FetchMessages", "c1", 2, 0).Return(msgs, nil).Once()
	next.On("MarkRead", "c1").Return(nil).Once()
	next.On("FetchMessages", "c1", 2, 0).Return(nil, &PersistenceError{Op: "fetch messages", Err: errors.New("down")}).Once()
	kv := newMapKV()
	s := newCached(next, kv)
	ctx := context.Background()

	_, err := s.FetchMessages(ctx, "c1", 2, 0)
	require.NoError(t, err)

	require.NoError(t, s.MarkRead(ctx, "c1"))
	assert.NotContains(t, kv.keys(), "t:messages:c1")

	got, err := s.FetchMessages(ctx, "c1", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.StatusRead, got[1].Status)
	next.AssertExpectations(t)
}

func TestCachedSkipsLaterPages(t *testing.T) {
	next := new(mockStore)
	next.On("FetchMessages", "c1", 10, 10).Return([]*domain.Message{}, nil).Twice()
	kv := newMapKV()
	s := newCached(next, kv)

	for i := 0; i < 2; i++ {
		_, err := s.FetchMessages(context.Background(), "c1", 10, 10)
		require.NoError(t, err)
	}
	next.AssertExpectations(t)
	assert.Empty(t, kv.keys())
}

func TestCachedWriteFailureKeepsCache(t *testing.T) {
	next := new(mockStore)
	next.On("FetchChatList", "me").Return([]*domain.Chat{}, nil).Once()
	next.On("EditMessage", "c1", "m1", "x").Return(errors.New("boom")).Once()
	kv := newMapKV()
	s := newCached(next, kv)
	ctx := context.Background()

	_, err := s.FetchChatList(ctx, "me")
	require.NoError(t, err)
	assert.Error(t, s.EditMessage(ctx, "c1", "m1", "x"))
	assert.Contains(t, kv.keys(), "t:chats:me")
}
