// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package event

import (
	"sync"
	"time"
)

// All subscribes to events of every session.
const All = ""

// Bus fans events out to subscribers. Publishing never blocks on a slow
// subscriber: each subscription buffers internally and a pump goroutine
// drains the buffer into the subscriber's channel in order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscription is one subscriber's ordered event stream.
type Subscription struct {
	bus       *Bus
	id        int
	sessionID string // All for every session

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	out    chan Event
	once   sync.Once
}

// Subscribe registers a subscriber for one session's events, or for all
// sessions when sessionID is All.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	s := &Subscription{
		bus:       b,
		sessionID: sessionID,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan Event),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers ev to every matching subscription. The event timestamp is
// filled in if the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.sessionID != All && s.sessionID != ev.SessionID {
			continue
		}
		s.enqueue(ev)
	}
}

// Close tears down the bus and all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Events returns the subscriber's ordered event channel. The channel is
// closed when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump drains the queue into the out channel, preserving order. It exits when
// the subscription is stopped; remaining queued events are discarded.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
