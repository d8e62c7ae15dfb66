package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/media"
	"github.com/fathima-sithara/chat-sync/internal/ws"
)

type handlerRef struct {
	id int
	fn ws.Handler
}

type fakeTransport struct {
	mu        sync.Mutex
	state     ws.State
	handlers  map[ws.Type][]handlerRef
	listeners []ws.StateListener
	sent      []ws.Envelope
	withdrawn []string
	chatIDs   []string
	connects  int
	nextID    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[ws.Type][]handlerRef{}}
}

func (f *fakeTransport) Connect(string, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.state = ws.StateConnected
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = ws.StateDisconnected
}

func (f *fakeTransport) Send(env ws.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return f.state == ws.StateConnected
}

func (f *fakeTransport) Withdraw(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, key)
	return 0
}

func (f *fakeTransport) withdrawnKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.withdrawn)
}

func (f *fakeTransport) On(t ws.Type, h ws.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[t] = append(f.handlers[t], handlerRef{id: id, fn: h})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[t] = slices.DeleteFunc(f.handlers[t], func(r handlerRef) bool { return r.id == id })
	}
}

func (f *fakeTransport) OnStateChange(fn ws.StateListener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeTransport) UpdateChats(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatIDs = slices.Clone(ids)
}

func (f *fakeTransport) State() ws.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// push delivers a server frame through the real decoder.
func (f *fakeTransport) push(t *testing.T, typ ws.Type, payload any) {
	t.Helper()
	env, err := ws.NewEnvelope(typ, payload, time.Now())
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)
	dec, err := ws.Decode(raw)
	require.NoError(t, err)

	f.mu.Lock()
	hs := slices.Clone(f.handlers[typ])
	f.mu.Unlock()
	for _, h := range hs {
		h.fn(dec)
	}
}

func (f *fakeTransport) setState(s ws.State, err error) {
	f.mu.Lock()
	f.state = s
	ls := slices.Clone(f.listeners)
	f.mu.Unlock()
	for _, l := range ls {
		l(s, err)
	}
}

func (f *fakeTransport) sentOf(typ ws.Type) []ws.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Envelope
	for _, e := range f.sent {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) trackedChats() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.chatIDs)
}

type fakeStore struct {
	mu sync.Mutex

	chats     func() []*domain.Chat
	listErr   error
	listCalls int

	pages      map[string][]*domain.Message
	fetchErr   error
	fetchGate  chan struct{}
	fetchCalls int

	persistGate chan struct{}
	persistErr  error
	persistID   string
	persisted   []*domain.Message

	marked   []string
	edited   []string
	editErr  error
	deleted  []string
	reactErr error
	reacts   []string
}

func (s *fakeStore) FetchChatList(context.Context, string) ([]*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	if s.chats == nil {
		return nil, nil
	}
	return s.chats(), nil
}

func (s *fakeStore) FetchMessages(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error) {
	s.mu.Lock()
	s.fetchCalls++
	gate := s.fetchGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	page := s.pages[chatID]
	if offset >= len(page) {
		return nil, nil
	}
	end := min(offset+limit, len(page))
	out := make([]*domain.Message, 0, end-offset)
	for _, m := range page[offset:end] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *fakeStore) PersistMessage(ctx context.Context, chatID string, msg *domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	gate := s.persistGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, msg.Clone())
	if s.persistErr != nil {
		return nil, s.persistErr
	}
	saved := msg.Clone()
	saved.ID = s.persistID
	if saved.ID == "" {
		saved.ID = "srv-" + strings.TrimPrefix(msg.ClientID, "tmp-")
	}
	saved.Status = domain.StatusSent
	return saved, nil
}

func (s *fakeStore) MarkRead(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, chatID)
	return nil
}

func (s *fakeStore) DeleteMessage(_ context.Context, _, messageID string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *fakeStore) EditMessage(_ context.Context, _, messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editErr != nil {
		return s.editErr
	}
	s.edited = append(s.edited, messageID+":"+text)
	return nil
}

func (s *fakeStore) React(_ context.Context, _, messageID, emoji string, add bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactErr != nil {
		return s.reactErr
	}
	op := "-"
	if add {
		op = "+"
	}
	s.reacts = append(s.reacts, op+emoji+"@"+messageID)
	return nil
}

func (s *fakeStore) counts() (list, fetch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, s.fetchCalls
}

type fakeUploader struct {
	err error
}

func (u *fakeUploader) Upload(_ context.Context, up media.Upload) (*domain.Media, error) {
	if u.err != nil {
		return nil, u.err
	}
	return &domain.Media{URI: "https://cdn.test/" + up.FileName, MimeType: up.MimeType, FileName: up.FileName, Size: int64(len(up.Data))}, nil
}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recorder) of(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.got {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, typ events.Type, n int) []events.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.of(typ)) >= n }, 2*time.Second, 2*time.Millisecond,
		"waiting for %d %s events", n, typ)
	return r.of(typ)
}

func testChat(id string, users ...string) *domain.Chat {
	c := domain.NewChat(id, domain.ChatDirect, "chat "+id)
	for _, u := range users {
		c.Participants[u] = &domain.User{ID: u, DisplayName: strings.ToUpper(u)}
	}
	return c
}

type harness struct {
	m     *ChatManager
	tr    *fakeTransport
	store *fakeStore
	rec   *recorder
}

func newHarness(t *testing.T, opts Options, chats ...func() *domain.Chat) *harness {
	t.Helper()
	tr := newFakeTransport()
	st := &fakeStore{
		pages: map[string][]*domain.Message{},
		chats: func() []*domain.Chat {
			out := make([]*domain.Chat, 0, len(chats))
			for _, mk := range chats {
				out = append(out, mk())
			}
			return out
		},
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = time.Minute
	}
	log := zap.NewNop().Sugar()
	bus := events.NewBus(log)
	m := NewChatManager(tr, st, bus, opts, log)
	rec := &recorder{}
	m.Subscribe(rec.handle)
	require.NoError(t, m.Initialize(context.Background(), &domain.User{ID: "me", DisplayName: "Me"}))
	t.Cleanup(m.Disconnect)
	return &harness{m: m, tr: tr, store: st, rec: rec}
}

func (h *harness) chat(t *testing.T, id string) *domain.Chat {
	t.Helper()
	c, ok := h.m.GetChat(id)
	require.True(t, ok, "chat %s", id)
	return c
}

func directChat(id string, users ...string) func() *domain.Chat {
	return func() *domain.Chat { return testChat(id, users...) }
}

var errBackend = errors.New("backend unavailable")

func zapNop() *zap.SugaredLogger { return zap.NewNop().Sugar() }
