package bullroom

import "sync"

// Notification names emitted by an Engine.
const (
	NotifyRoomChanged      = "room.changed"
	NotifyMessageLocal     = "message.local"
	NotifyMessageConfirmed = "message.confirmed"
	NotifyMessageFailed    = "message.failed"
	NotifyTypingChanged    = "typing.changed"
	NotifyMuteChanged      = "mute.changed"
)

// NotificationHandler receives engine notifications. Payload types are
// documented next to each emit site.
type NotificationHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]NotificationHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]NotificationHandler)}
}

// On registers a handler for event.
func (e *emitter) On(event string, handler NotificationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a broken UI callback must not stop reconciliation
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]NotificationHandler)
}
