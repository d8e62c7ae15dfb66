package events

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/metrics"
)

type Handler func(Event)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus delivers events synchronously, in subscription order. A panicking handler
// is logged and skipped; the remaining handlers still run.
type Bus struct {
	mu   sync.RWMutex
	subs []subscriber
	next uint64
	log  *zap.SugaredLogger
}

func NewBus(log *zap.SugaredLogger) *Bus {
	return &Bus{log: log}
}

func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber{id: id, fn: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscriber) bool { return s.id == id })
		})
	}
}

func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	metrics.EventsEmitted.WithLabelValues(string(e.Type)).Inc()
	for _, s := range subs {
		b.call(s.fn, e)
	}
}

func (b *Bus) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("event handler panic", "type", e.Type, "chat_id", e.ChatID, "panic", r)
		}
	}()
	h(e)
}
