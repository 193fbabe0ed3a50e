// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package event

import (
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestBusDeliversInOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe("s1")

	const n = 200
	for i := 0; i < n; i++ {
		b.Publish(Event{Type: ShellData, SessionID: "s1", Data: []byte(fmt.Sprintf("%d", i))})
	}
	for i := 0; i < n; i++ {
		ev := recv(t, sub)
		if string(ev.Data) != fmt.Sprintf("%d", i) {
			t.Fatalf("event %d out of order: got %q", i, ev.Data)
		}
	}
}

func TestBusFiltersBySession(t *testing.T) {
	b := NewBus()
	defer b.Close()
	subA := b.Subscribe("a")
	subAll := b.Subscribe(All)

	b.Publish(Event{Type: ShellData, SessionID: "b", Data: []byte("other")})
	b.Publish(Event{Type: ShellData, SessionID: "a", Data: []byte("mine")})

	if ev := recv(t, subA); string(ev.Data) != "mine" {
		t.Fatalf("session subscriber got %q, want mine", ev.Data)
	}
	if ev := recv(t, subAll); string(ev.Data) != "other" {
		t.Fatalf("all subscriber first event = %q, want other", ev.Data)
	}
	if ev := recv(t, subAll); string(ev.Data) != "mine" {
		t.Fatalf("all subscriber second event = %q, want mine", ev.Data)
	}
}

// Publish must not block on a subscriber that never reads.
func TestBusPublishNonBlocking(t *testing.T) {
	b := NewBus()
	defer b.Close()
	_ = b.Subscribe("slow") // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: ShellData, SessionID: "slow"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a slow subscriber")
	}
}

func TestBusFillsTimestamp(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe(All)
	b.Publish(Event{Type: ShellData, SessionID: "x"})
	if ev := recv(t, sub); ev.Time.IsZero() {
		t.Fatalf("bus did not fill event timestamp")
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe(All)
	sub.Close()
	select {
	case _, ok := <-sub.Events():
		if ok {
			// A buffered event may still arrive; drain until closed.
			for range sub.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after subscription Close")
	}
	// Publishing after close must not panic.
	b.Publish(Event{Type: ShellData, SessionID: "x"})
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(All)
	b.Close()
	for range sub.Events() {
	}
	// Subscribing after close yields a closed channel.
	late := b.Subscribe(All)
	if _, ok := <-late.Events(); ok {
		t.Fatalf("subscription on closed bus delivered an event")
	}
}
