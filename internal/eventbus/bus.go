// Package eventbus fans relay and notifier events out to in-process listeners.
//
// Publish never blocks. Subscribers get a buffered channel and a slow
// subscriber loses events instead of stalling the poll loop.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	PassCompleted  = "relay.pass.completed"
	PassFailed     = "relay.pass.failed"
	NotifierSent   = "notifier.sent"
	NotifierFailed = "notifier.failed"
	NotifierDedup  = "notifier.deduped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a listener for events whose type starts with prefix ("" = all).
	Subscribe(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]sub{}}
}

type sub struct {
	prefix string
	ch     chan Event
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if strings.HasPrefix(e.Type, s.prefix) {
			chs = append(chs, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub{prefix: prefix, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Nop discards everything. Its Subscribe channels are never written.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(string, int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}
