// Package events carries MachineReleased notifications from the session
// manager to whoever fronts the remote-desktop gateway.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/model"
)

const DefaultReleaseSubject = "proctor.machines.released"

type Publisher interface {
	PublishReleased(ctx context.Context, ev model.MachineReleased) error
	Close()
}

type Handler func(model.MachineReleased)

func encode(ev model.MachineReleased) ([]byte, error) {
	return json.Marshal(ev)
}

func decode(b []byte) (model.MachineReleased, error) {
	var ev model.MachineReleased
	err := json.Unmarshal(b, &ev)
	return ev, err
}

// Bus is the in-process publisher used when no NATS url is configured.
// Handlers run synchronously in publish order.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	log      *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{handlers: make(map[int]Handler), log: log.Named("events")}
}

func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *Bus) PublishReleased(_ context.Context, ev model.MachineReleased) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
	b.log.Debug("machine_released_published", zap.String("session_id", ev.SessionID), zap.Int("subscribers", len(hs)))
	return nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	b.handlers = make(map[int]Handler)
	b.mu.Unlock()
}
