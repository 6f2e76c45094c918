package events

import "sync"

// Handler receives the payload attached to an emitted event.
type Handler func(data interface{})

var (
	mu       sync.RWMutex
	handlers = make(map[string][]Handler)
)

// On registers a handler for the named event.
func On(event string, handler Handler) {
	mu.Lock()
	defer mu.Unlock()
	handlers[event] = append(handlers[event], handler)
}

// Emit invokes all handlers registered for the named event, in order.
func Emit(event string, data interface{}) {
	mu.RLock()
	registered := append([]Handler(nil), handlers[event]...)
	mu.RUnlock()

	for _, handler := range registered {
		handler(data)
	}
}

// Reset removes all registered handlers. Test use only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	handlers = make(map[string][]Handler)
}
