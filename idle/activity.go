package idle

import (
	"sync"
	"time"
)

// Kind names a user activity event.
type Kind string

const (
	PointerMove Kind = "pointer_move"
	KeyPress    Kind = "key_press"
	Click       Kind = "click"
	Scroll      Kind = "scroll"
	Touch       Kind = "touch"
	Focus       Kind = "focus"
	Visibility  Kind = "visibility"
)

// Qualifies reports whether the event counts as user activity for idle
// tracking.
func (k Kind) Qualifies() bool {
	switch k {
	case PointerMove, KeyPress, Click, Scroll, Touch:
		return true
	default:
		return false
	}
}

// Activity is a single user activity event.
type Activity struct {
	Kind Kind
	At   time.Time
}

// ActivitySource delivers activity events to a listener until stopped.
type ActivitySource interface {
	Listen(fn func(Activity)) (stop func())
}

// Hub is an ActivitySource fed by Record. The zero value is ready to use.
type Hub struct {
	mu        sync.Mutex
	listeners map[int]func(Activity)
	next      int
}

var _ ActivitySource = (*Hub)(nil)

// Listen registers fn until the returned stop is called.
func (h *Hub) Listen(fn func(Activity)) (stop func()) {
	h.mu.Lock()
	if h.listeners == nil {
		h.listeners = make(map[int]func(Activity))
	}
	id := h.next
	h.next++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Record publishes an event of the given kind to every listener.
func (h *Hub) Record(kind Kind) {
	a := Activity{Kind: kind, At: time.Now()}
	h.mu.Lock()
	fns := make([]func(Activity), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(a)
	}
}

// Listeners returns the number of registered listeners.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}
