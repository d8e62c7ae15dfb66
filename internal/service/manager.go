package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/history"
	"github.com/fathima-sithara/chat-sync/internal/media"
	"github.com/fathima-sithara/chat-sync/internal/ws"
)

// Transport is the realtime connection the manager drives. *ws.Client implements it.
// Withdraw is called with the manager's lock held and must not call back into it.
type Transport interface {
	Connect(userID string, chatIDs []string) error
	Disconnect()
	Send(env ws.Envelope) bool
	Withdraw(key string) int
	On(t ws.Type, h ws.Handler) func()
	OnStateChange(fn ws.StateListener) func()
	UpdateChats(chatIDs []string)
	State() ws.State
}

// Uploader stores attachment bytes. *media.Service implements it.
type Uploader interface {
	Upload(ctx context.Context, u media.Upload) (*domain.Media, error)
}

type Options struct {
	SendTimeout    time.Duration
	TypingInterval time.Duration
	TypingIdle     time.Duration
	TypingExpiry   time.Duration
	RequestTimeout time.Duration
	PageSize       int
}

func (o *Options) defaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.TypingInterval <= 0 {
		o.TypingInterval = 3 * time.Second
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = 3 * time.Second
	}
	if o.TypingExpiry <= 0 {
		o.TypingExpiry = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
}

type pendingSend struct {
	chatID string
	timer  *time.Timer
}

type typingKey struct {
	chatID string
	userID string
}

type remoteTyping struct {
	timer *time.Timer
}

type localTyping struct {
	lastSent time.Time
	idle     *time.Timer
	seq      uint64
}

// ChatManager owns the canonical chats, messages and users of one signed-in
// user and keeps them in step with the server. All state is guarded by mu;
// network calls run outside it and re-enter through it, checking epoch so
// work started before Disconnect is discarded.
type ChatManager struct {
	transport Transport
	store     history.Store
	bus       *events.Bus
	uploader  Uploader
	opts      Options
	log       *zap.SugaredLogger
	now       func() time.Time

	mu          sync.Mutex
	epoch       uint64
	initialized bool
	connected   bool
	self        *domain.User
	chats       map[string]*domain.Chat
	users       map[string]*domain.User
	active      string
	loading     map[string]bool
	pending     map[string]*pendingSend
	uploads     map[string]media.Upload
	typingOut   map[string]*localTyping
	typingIn    map[typingKey]*remoteTyping
	queue       *events.Queue
	unsubs      []func()
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewChatManager(transport Transport, store history.Store, bus *events.Bus, opts Options, log *zap.SugaredLogger) *ChatManager {
	opts.defaults()
	return &ChatManager{
		transport: transport,
		store:     store,
		bus:       bus,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// SetUploader enables SendMedia.
func (m *ChatManager) SetUploader(u Uploader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploader = u
}

func (m *ChatManager) Subscribe(h events.Handler) func() {
	return m.bus.Subscribe(h)
}

// Initialize connects as local and loads the chat list. Calling it again while
// initialized does nothing. A failed chat-list fetch is logged and leaves the
// manager running with no chats.
func (m *ChatManager) Initialize(ctx context.Context, local *domain.User) error {
	if local == nil || local.ID == "" {
		return fmt.Errorf("%w: local user id required", ErrInvalidOperation)
	}
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	epoch := m.epoch
	m.initialized = true
	m.connected = false
	m.self = local.Clone()
	m.chats = map[string]*domain.Chat{}
	m.users = map[string]*domain.User{m.self.ID: m.self}
	m.loading = map[string]bool{}
	m.pending = map[string]*pendingSend{}
	m.uploads = map[string]media.Upload{}
	m.typingOut = map[string]*localTyping{}
	m.typingIn = map[typingKey]*remoteTyping{}
	m.queue = events.NewQueue(m.bus)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.unsubs = m.registerHandlers(epoch)
	selfID := m.self.ID
	m.mu.Unlock()

	m.log.Infow("chat manager initializing", "user_id", selfID)
	if err := m.transport.Connect(selfID, nil); err != nil {
		m.Disconnect()
		return fmt.Errorf("connect: %w", err)
	}
	if err := m.refresh(ctx, epoch, false); err != nil {
		m.log.Warnw("initial chat list fetch failed", "user_id", selfID, "err", err)
	}
	return nil
}

// Disconnect closes the transport and drops every chat, timer and pending send.
// A later Initialize starts from scratch.
func (m *ChatManager) Disconnect() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.initialized = false
	m.epoch++
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
	for _, p := range m.pending {
		p.timer.Stop()
	}
	for _, t := range m.typingOut {
		if t.idle != nil {
			t.idle.Stop()
		}
	}
	for _, t := range m.typingIn {
		t.timer.Stop()
	}
	m.cancel()
	m.emitLocked(events.Event{Type: events.ConnectionChanged, State: ws.StateDisconnected.String()})
	q := m.queue
	m.queue = nil
	m.self = nil
	m.active = ""
	m.connected = false
	m.chats, m.users, m.loading, m.pending, m.uploads = nil, nil, nil, nil, nil
	m.typingOut, m.typingIn = nil, nil
	m.mu.Unlock()

	m.transport.Disconnect()
	q.Close()
	m.log.Infow("chat manager disconnected")
}

// RefreshChats merges the server's chat list into local state. Chats the server
// no longer reports are removed.
func (m *ChatManager) RefreshChats(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	epoch := m.epoch
	m.mu.Unlock()
	return m.refresh(ctx, epoch, true)
}

func (m *ChatManager) refresh(ctx context.Context, epoch uint64, prune bool) error {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	selfID := m.self.ID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	list, err := m.store.FetchChatList(ctx, selfID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	m.mergeChatsLocked(list, prune)
	ids := m.chatIDsLocked()
	m.mu.Unlock()

	m.transport.UpdateChats(ids)
	return nil
}

func (m *ChatManager) mergeChatsLocked(list []*domain.Chat, prune bool) {
	seen := make(map[string]bool, len(list))
	for _, in := range list {
		if in == nil || in.ID == "" {
			continue
		}
		seen[in.ID] = true
		c, known := m.chats[in.ID]
		if !known {
			c = domain.NewChat(in.ID, in.Kind, in.Name)
			// Pin and mute are local preferences once the chat is known.
			c.Pinned, c.Muted = in.Pinned, in.Muted
			m.chats[in.ID] = c
		}
		if in.Name != "" {
			c.Name = in.Name
		}
		if in.Kind != "" {
			c.Kind = in.Kind
		}
		if in.UpdatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = in.UpdatedAt
		}
		for id, u := range in.Participants {
			c.Participants[id] = m.canonicalUserLocked(u)
		}
		for _, msg := range in.Messages {
			m.upsertLocked(c, msg)
		}
		c.Recount(m.self.ID)

		typ := events.ChatUpdated
		if !known {
			typ = events.ChatAdded
		}
		m.emitLocked(events.Event{Type: typ, ChatID: c.ID, Chat: c.Snapshot()})
	}
	if !prune {
		return
	}
	for id := range m.chats {
		if seen[id] {
			continue
		}
		m.dropChatLocked(id)
		m.emitLocked(events.Event{Type: events.ChatRemoved, ChatID: id})
	}
}

func (m *ChatManager) dropChatLocked(id string) {
	delete(m.chats, id)
	delete(m.loading, id)
	if t := m.typingOut[id]; t != nil && t.idle != nil {
		t.idle.Stop()
	}
	delete(m.typingOut, id)
	for k, t := range m.typingIn {
		if k.chatID == id {
			t.timer.Stop()
			delete(m.typingIn, k)
		}
	}
	for tmp, p := range m.pending {
		if p.chatID == id {
			p.timer.Stop()
			delete(m.pending, tmp)
		}
	}
	if m.active == id {
		m.active = ""
	}
}

// canonicalUserLocked returns the single shared User for u.ID, merging profile
// fields from u.
func (m *ChatManager) canonicalUserLocked(u *domain.User) *domain.User {
	if cur, ok := m.users[u.ID]; ok {
		cur.Merge(u)
		return cur
	}
	c := u.Clone()
	m.users[u.ID] = c
	return c
}

// upsertLocked adds or updates a copy of msg in c. A server copy of a message
// that already failed locally is ignored.
func (m *ChatManager) upsertLocked(c *domain.Chat, msg *domain.Message) (*domain.Message, bool) {
	if cur := m.findLocked(c, msg); cur != nil && cur.Status == domain.StatusFailed {
		return cur, false
	}
	stored, inserted := c.Upsert(msg.Clone())
	if stored.ClientID != "" && stored.Status != domain.StatusSending {
		m.clearPendingLocked(stored.ClientID)
	}
	return stored, inserted
}

func (m *ChatManager) findLocked(c *domain.Chat, msg *domain.Message) *domain.Message {
	if cur := c.Find(msg.ID); cur != nil {
		return cur
	}
	return c.Find(msg.ClientID)
}

func (m *ChatManager) chatIDsLocked() []string {
	ids := make([]string, 0, len(m.chats))
	for id := range m.chats {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *ChatManager) emitLocked(e events.Event) {
	if m.queue == nil {
		return
	}
	if e.At.IsZero() {
		e.At = m.now()
	}
	if e.Err != nil && e.Error == "" {
		e.Error = e.Err.Error()
	}
	m.queue.Push(e)
}

func (m *ChatManager) chatLocked(chatID string) (*domain.Chat, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	c, ok := m.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return c, nil
}

func (m *ChatManager) messageLocked(chatID, messageID string) (*domain.Chat, *domain.Message, error) {
	c, err := m.chatLocked(chatID)
	if err != nil {
		return nil, nil, err
	}
	msg := c.Find(messageID)
	if msg == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return c, msg, nil
}

func (m *ChatManager) envelope(t ws.Type, payload any) (ws.Envelope, bool) {
	env, err := ws.NewEnvelope(t, payload, m.now())
	if err != nil {
		m.log.Errorw("encode envelope", "type", t, "err", err)
		return ws.Envelope{}, false
	}
	return env, true
}

func (m *ChatManager) send(envs ...ws.Envelope) {
	for _, env := range envs {
		m.transport.Send(env)
	}
}

// background runs fn with a request-scoped context derived from the manager's
// lifetime. It reports false when the manager is gone.
func (m *ChatManager) background(epoch uint64, fn func(ctx context.Context)) bool {
	m.mu.Lock()
	if epoch != m.epoch || !m.initialized {
		m.mu.Unlock()
		return false
	}
	parent := m.ctx
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(parent, m.opts.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (m *ChatManager) GetChat(chatID string) (*domain.Chat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, false
	}
	return c.Snapshot(), true
}

// GetAllChats returns snapshots ordered by chat id.
func (m *ChatManager) GetAllChats() []*domain.Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Chat, 0, len(m.chats))
	for _, id := range m.chatIDsLocked() {
		out = append(out, m.chats[id].Snapshot())
	}
	return out
}

// GetSortedChatList returns pinned chats first, then the most recently active.
func (m *ChatManager) GetSortedChatList() []*domain.Chat {
	out := m.GetAllChats()
	domain.SortChats(out)
	return out
}

func (m *ChatManager) GetUser(userID string) (*domain.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

func (m *ChatManager) LocalUser() (*domain.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.self == nil {
		return nil, false
	}
	return m.self.Clone(), true
}

func (m *ChatManager) ConnectionState() ws.State {
	return m.transport.State()
}

// TypingUsers lists the users currently typing in a chat.
func (m *ChatManager) TypingUsers(chatID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.typingIn {
		if k.chatID == chatID {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out
}
