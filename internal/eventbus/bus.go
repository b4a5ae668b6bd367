// Package eventbus carries delivery outcomes from the dispatch pipeline to
// in-process observers such as the admin chat mirror. Publishing never blocks
// the sending worker; a subscriber that cannot keep up loses events, and the
// delivery log remains the durable record.
package eventbus

import (
	"sync"
	"time"

	"innkeep/internal/channel"
)

// Outcome event types.
const (
	TypeDeliverySent   = "delivery.sent"
	TypeDeliveryFailed = "delivery.failed"
)

// DeliveryOutcome is the terminal state of one notification request as seen
// by observers. Error holds the rendered failure message, empty on success.
type DeliveryOutcome struct {
	RequestID string
	Channel   channel.Kind
	Recipient string
	Origin    string
	Attempts  int
	Error     string
}

// Event pairs an outcome with its type and publication time.
type Event struct {
	Type    string
	Time    time.Time
	Outcome DeliveryOutcome
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines: Publish runs on
// the caller's goroutine and drops rather than waits.
func New() Bus {
	return &fanout{subs: map[int]chan Event{}}
}

type fanout struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

// Publish delivers e to every subscriber whose buffer has room. Sends happen
// under the lock so an unsubscribe can never close a channel mid-send; the
// sends are non-blocking, so the lock is held only briefly.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered listener. The returned unsubscribe is
// idempotent and closes the channel, ending any range loop over it.
func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, unsub
}
