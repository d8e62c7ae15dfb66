package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// KV is the key/value surface CachedStore needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type redisKV struct {
	rdb redis.Cmdable
}

func NewRedisKV(rdb redis.Cmdable) KV {
	return redisKV{rdb: rdb}
}

func (r redisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return v, err
}

func (r redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r redisKV) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

type CacheOptions struct {
	Prefix   string
	TTL      time.Duration
	StaleTTL time.Duration
	UserID   string
}

// CachedStore caches the chat list and the first message page of each chat.
// Fresh entries expire after TTL; a stale copy kept for StaleTTL is served when
// the backend fails. Writes invalidate the fresh entries of the touched chat.
type CachedStore struct {
	next Store
	kv   KV
	opts CacheOptions
	log  *zap.SugaredLogger
}

func NewCachedStore(next Store, kv KV, opts CacheOptions, log *zap.SugaredLogger) *CachedStore {
	if opts.Prefix == "" {
		opts.Prefix = "chatsync"
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.StaleTTL < opts.TTL {
		opts.StaleTTL = 24 * time.Hour
	}
	return &CachedStore{next: next, kv: kv, opts: opts, log: log}
}

func (s *CachedStore) chatsKey(userID string) string {
	return s.opts.Prefix + ":chats:" + userID
}

func (s *CachedStore) pageKey(chatID string) string {
	return s.opts.Prefix + ":messages:" + chatID
}

type cachedPage struct {
	Limit    int               `json:"limit"`
	Messages []*domain.Message `json:"messages"`
}

func (s *CachedStore) load(ctx context.Context, key string, out any) bool {
	v, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.log.Warnw("cache get", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		s.log.Warnw("cache decode", "key", key, "err", err)
		return false
	}
	return true
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, key, string(b), s.opts.TTL); err != nil {
		s.log.Warnw("cache set", "key", key, "err", err)
		return
	}
	_ = s.kv.Set(ctx, key+":stale", string(b), s.opts.StaleTTL)
}

func (s *CachedStore) invalidate(ctx context.Context, chatID string) {
	keys := []string{s.pageKey(chatID)}
	if s.opts.UserID != "" {
		keys = append(keys, s.chatsKey(s.opts.UserID))
	}
	if err := s.kv.Del(ctx, keys...); err != nil {
		s.log.Warnw("cache invalidate", "chat_id", chatID, "err", err)
	}
}

func (s *CachedStore) FetchChatList(ctx context.Context, userID string) ([]*domain.Chat, error) {
	key := s.chatsKey(userID)
	var cached []*domain.Chat
	if s.load(ctx, key, &cached) {
		return cached, nil
	}
	chats, err := s.next.FetchChatList(ctx, userID)
	if err != nil {
		if s.load(ctx, key+":stale", &cached) {
			s.log.Warnw("serving stale chat list", "user_id", userID, "err", err)
			return cached, nil
		}
		return nil, err
	}
	s.store(ctx, key, chats)
	return chats, nil
}

func (s *CachedStore) FetchMessages(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error) {
	if offset != 0 {
		return s.next.FetchMessages(ctx, chatID, limit, offset)
	}
	key := s.pageKey(chatID)
	var page cachedPage
	if s.load(ctx, key, &page) && page.Limit >= limit {
		return firstN(page.Messages, limit), nil
	}
	msgs, err := s.next.FetchMessages(ctx, chatID, limit, offset)
	if err != nil {
		var stale cachedPage
		if s.load(ctx, key+":stale", &stale) {
			s.log.Warnw("serving stale messages", "chat_id", chatID, "err", err)
			return firstN(stale.Messages, limit), nil
		}
		return nil, err
	}
	s.store(ctx, key, cachedPage{Limit: limit, Messages: msgs})
	return msgs, nil
}

func firstN(msgs []*domain.Message, n int) []*domain.Message {
	if n > 0 && len(msgs) > n {
		return msgs[:n]
	}
	return msgs
}

func (s *CachedStore) PersistMessage(ctx context.Context, chatID string, msg *domain.Message) (*domain.Message, error) {
	out, err := s.next.PersistMessage(ctx, chatID, msg)
	if err == nil {
		s.invalidate(ctx, chatID)
	}
	return out, err
}

func (s *CachedStore) MarkRead(ctx context.Context, chatID string) error {
	err := s.next.MarkRead(ctx, chatID)
	if err == nil {
		s.invalidate(ctx, chatID)
	}
	return err
}

func (s *CachedStore) DeleteMessage(ctx context.Context, chatID, messageID string, purge bool) error {
	err := s.next.DeleteMessage(ctx, chatID, messageID, purge)
	if err == nil {
		s.invalidate(ctx, chatID)
	}
	return err
}

func (s *CachedStore) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	err := s.next.EditMessage(ctx, chatID, messageID, text)
	if err == nil {
		s.invalidate(ctx, chatID)
	}
	return err
}

func (s *CachedStore) React(ctx context.Context, chatID, messageID, emoji string, add bool) error {
	err := s.next.React(ctx, chatID, messageID, emoji, add)
	if err == nil {
		s.invalidate(ctx, chatID)
	}
	return err
}
