package respoke

import (
	"sync"
	"time"
)

// Event is the payload handed to listeners. Name is always set; the other
// fields are filled per event kind.
type Event struct {
	Name string

	Call             *Call
	DirectConnection *DirectConnection
	Endpoint         *Endpoint
	Group            *Group
	Connection       *Connection
	Message          *Message
	Signal           *Signal
	Presence         string
	Reason           string
	Err              error
	Data             []byte
}

// Message is an application text message delivered to this client, either
// directly or through a group.
type Message struct {
	From           string
	FromConnection string
	// GroupID is set for group messages only.
	GroupID   string
	Text      string
	Timestamp time.Time
}

// listeners is a named-event registry. Entities embed one and expose it via
// Listen/Ignore. Handlers run synchronously in registration order on the
// goroutine that fires the event, so delivery order matches the signaling
// session's push order.
type listeners struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscription
}

type subscription struct {
	id int
	fn func(Event)
}

// Listen registers fn for the named event and returns a function that
// removes the registration.
func (l *listeners) Listen(event string, fn func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[string][]subscription)
	}
	l.nextID++
	id := l.nextID
	l.subs[event] = append(l.subs[event], subscription{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		subs := l.subs[event]
		for i, sub := range subs {
			if sub.id == id {
				l.subs[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners) hasListeners(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[event]) > 0
}

func (l *listeners) fire(event string, ev Event) {
	l.mu.Lock()
	subs := make([]subscription, len(l.subs[event]))
	copy(subs, l.subs[event])
	l.mu.Unlock()

	ev.Name = event
	for _, sub := range subs {
		sub.fn(ev)
	}
}

func (l *listeners) clear() {
	l.mu.Lock()
	l.subs = nil
	l.mu.Unlock()
}
