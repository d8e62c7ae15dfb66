package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/ws"
)

type recordingConn struct {
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []ws.Type
}

func (r *recordingConn) ReadMessage() (int, []byte, error) {
	<-r.closed
	return 0, nil, errors.New("connection reset")
}

func (r *recordingConn) WriteMessage(_ int, b []byte) error {
	var env ws.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	r.mu.Lock()
	r.written = append(r.written, env.Type)
	r.mu.Unlock()
	return nil
}

func (r *recordingConn) SetWriteDeadline(time.Time) error { return nil }

func (r *recordingConn) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *recordingConn) types() []ws.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ws.Type(nil), r.written...)
}

// switchDialer refuses every dial until up is set.
type switchDialer struct {
	up   atomic.Bool
	conn *recordingConn
}

func (d *switchDialer) Dial(context.Context, string, http.Header) (ws.Conn, error) {
	if !d.up.Load() {
		return nil, errors.New("connection refused")
	}
	return d.conn, nil
}

func TestTimedOutSendIsNotDeliveredAfterReconnect(t *testing.T) {
	conn := &recordingConn{closed: make(chan struct{})}
	dialer := &switchDialer{conn: conn}
	log := zapNop()
	client := ws.NewClient(ws.Options{
		URL:         "ws://chat.test/ws",
		Token:       "tok",
		Heartbeat:   time.Hour,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		MaxAttempts: 1000,
		FlushRate:   1000,
	}, dialer, log)

	st := &fakeStore{
		persistGate: make(chan struct{}),
		chats:       func() []*domain.Chat { return []*domain.Chat{testChat("c1", "me", "u2")} },
	}
	m := NewChatManager(client, st, events.NewBus(log), Options{SendTimeout: 200 * time.Millisecond}, log)
	rec := &recorder{}
	m.Subscribe(rec.handle)
	require.NoError(t, m.Initialize(context.Background(), &domain.User{ID: "me"}))
	t.Cleanup(m.Disconnect)

	sent, err := m.SendText("c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, client.QueueLen())

	ev := rec.waitFor(t, events.StatusChanged, 1)
	assert.Equal(t, sent.ID, ev[0].MessageID)
	assert.Equal(t, domain.StatusFailed, ev[0].Message.Status)
	assert.Zero(t, client.QueueLen())

	dialer.up.Store(true)
	require.Eventually(t, func() bool { return client.State() == ws.StateConnected }, 2*time.Second, 5*time.Millisecond)

	types := conn.types()
	require.NotEmpty(t, types)
	assert.Equal(t, ws.TypeAuth, types[0])
	assert.NotContains(t, types, ws.TypeMessage)

	c, ok := m.GetChat("c1")
	require.True(t, ok)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, domain.StatusFailed, c.Messages[0].Status)
}

func TestDeletingUnsentMessageWithdrawsIt(t *testing.T) {
	h := newHarness(t, Options{}, directChat("c1", "me", "u2"))
	h.store.persistGate = make(chan struct{})
	h.tr.setState(ws.StateReconnecting, nil)

	pending, err := h.m.SendText("c1", "never mind")
	require.NoError(t, err)
	msgs := h.tr.sentOf(ws.TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, pending.ClientID, msgs[0].Key)

	require.NoError(t, h.m.DeleteMessage(context.Background(), "c1", pending.ID, false))
	assert.Equal(t, []string{pending.ClientID}, h.tr.withdrawnKeys())
}
