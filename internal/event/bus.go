// Package event decouples socket I/O from protocol logic. Each role owns a Bus;
// the loops publish typed events on it and protocol handlers subscribe by Kind.
package event

import "sync"

// Handler receives every event published for the Kind it was registered with.
type Handler func(Event)

// Bus is a typed publish/subscribe dispatcher.
//
// Publish is synchronous: handlers run on the publishing goroutine, in
// registration order, and a panicking handler is not recovered.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewBus creates a Bus with no handlers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Register appends h to the handler list of kind. Handlers cannot be removed.
func (b *Bus) Register(kind Kind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

// RegisterAll registers h for every kind in kinds, in order.
func (b *Bus) RegisterAll(h Handler, kinds ...Kind) {
	for _, k := range kinds {
		b.Register(k, h)
	}
}

// Publish invokes every handler currently registered for ev.Kind().
// The handler list is snapshotted first so a handler may Register without
// deadlocking; handlers added during a Publish only see later events.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	hs := b.handlers[ev.Kind()]
	b.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}

// Handlers returns how many handlers are registered for kind.
func (b *Bus) Handlers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
