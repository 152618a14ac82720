package main

import (
	"encoding/json"
	"sync"

	"github.com/shyro-chat/shyro/internal/signal"
)

// signalBridge decouples the voice session from the lifetime of any single
// signaling connection. Subscriptions live on the bridge; every reconnect
// reattaches them to the fresh client, so the session registers exactly once.
type signalBridge struct {
	mu     sync.Mutex
	client *signal.Client
	tokens []int64
	nextID int64
	subs   map[string]map[int64]signal.Handler
}

func newSignalBridge() *signalBridge {
	return &signalBridge{subs: make(map[string]map[int64]signal.Handler)}
}

func (b *signalBridge) Emit(event string, payload any) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return signal.ErrUnavailable
	}
	return client.Emit(event, payload)
}

func (b *signalBridge) On(event string, h signal.Handler) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[event] == nil {
		b.subs[event] = make(map[int64]signal.Handler)
	}
	b.subs[event][id] = h
	if b.client != nil {
		b.tokens = append(b.tokens, b.client.On(event, b.dispatcher(event)))
	}
	return id
}

func (b *signalBridge) Off(event string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[event], id)
}

// attach points the bridge at a freshly connected client and registers one
// dispatching handler per subscribed event.
func (b *signalBridge) attach(client *signal.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = client
	b.tokens = b.tokens[:0]
	for event := range b.subs {
		b.tokens = append(b.tokens, client.On(event, b.dispatcher(event)))
	}
}

func (b *signalBridge) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = nil
	b.tokens = nil
}

func (b *signalBridge) dispatcher(event string) signal.Handler {
	return func(data json.RawMessage) {
		b.mu.Lock()
		handlers := make([]signal.Handler, 0, len(b.subs[event]))
		for _, h := range b.subs[event] {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()
		for _, h := range handlers {
			h(data)
		}
	}
}
