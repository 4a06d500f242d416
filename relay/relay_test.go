// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deadswitch/deadswitch/debug"
	"github.com/deadswitch/deadswitch/relayevent"
)

func testEvent(id string) relayevent.Event {
	return relayevent.Event{
		ID:        id,
		Pubkey:    "aa",
		CreatedAt: 1,
		Kind:      relayevent.KindCiphertext,
		Content:   "{}",
	}
}

func TestPublishSucceedsWithOneAck(t *testing.T) {
	r1 := NewMemRelay("r1")
	r2 := NewMemRelay("r2")
	r3 := NewMemRelay("r3")
	r1.SetDown(true)
	r2.SetDown(true)

	c := New([]Relay{r1, r2, r3}, debug.Discard(), 0)
	acks, err := c.Publish(context.Background(), testEvent("e1"))
	if err != nil {
		t.Fatalf("expected success with one surviving relay, got %v", err)
	}
	successes := 0
	for _, a := range acks {
		if a.Err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("got %d successes want 1", successes)
	}
}

func TestPublishFailsWhenAllRelaysDown(t *testing.T) {
	r1 := NewMemRelay("r1")
	r2 := NewMemRelay("r2")
	r1.SetDown(true)
	r2.SetDown(true)

	c := New([]Relay{r1, r2}, debug.Discard(), 0)
	_, err := c.Publish(context.Background(), testEvent("e1"))
	if err != ErrAllRelaysFailed {
		t.Fatalf("got %v want ErrAllRelaysFailed", err)
	}
}

func TestQueryMergesAndDedupes(t *testing.T) {
	r1 := NewMemRelay("r1")
	r2 := NewMemRelay("r2")

	r1.Publish(context.Background(), testEvent("e1"))
	r2.Publish(context.Background(), testEvent("e1")) // same id, both relays
	r2.Publish(context.Background(), testEvent("e2"))

	c := New([]Relay{r1, r2}, debug.Discard(), 0)
	events, err := c.Query(context.Background(), Filter{Kinds: []int{relayevent.KindCiphertext}})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events want 2 (deduped)", len(events))
	}
}

func TestQueryToleratesPartialOutage(t *testing.T) {
	// 5 relays, 3 down; a query served by the 2 survivors succeeds.
	var relays []Relay
	for i := 0; i < 5; i++ {
		m := NewMemRelay("r")
		if i < 3 {
			m.SetDown(true)
		} else {
			m.Publish(context.Background(), testEvent("e1"))
		}
		relays = append(relays, m)
	}

	c := New(relays, debug.Discard(), 0)
	events, err := c.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events want 1", len(events))
	}
}

func TestQueryFailsWhenAllRelaysDown(t *testing.T) {
	r1 := NewMemRelay("r1")
	r1.SetDown(true)

	c := New([]Relay{r1}, debug.Discard(), 0)
	_, err := c.Query(context.Background(), Filter{})
	if err != ErrAllRelaysFailed {
		t.Fatalf("got %v want ErrAllRelaysFailed", err)
	}
}

func TestSlowRelayExcludedButDoesNotCancelSiblings(t *testing.T) {
	slow := NewMemRelay("slow")
	slow.SetLatency(PerRelayTimeout + time.Second)
	fast := NewMemRelay("fast")
	fast.Publish(context.Background(), testEvent("e1"))

	c := New([]Relay{slow, fast}, debug.Discard(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// override the package timeout is not possible without changing the
	// constant; instead verify that a query which only the fast relay can
	// answer within its own deadline still returns the fast relay's data.
	events, err := c.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range events {
		if e.ID == "e1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("fast relay's event missing from merged result: %+v", events)
	}
}

func TestFilterByTag(t *testing.T) {
	m := NewMemRelay("r1")
	e := testEvent("e1")
	e.Tags = [][2]string{{"d", "switch1"}}
	m.Publish(context.Background(), e)

	other := testEvent("e2")
	other.Tags = [][2]string{{"d", "switch2"}}
	m.Publish(context.Background(), other)

	c := New([]Relay{m}, debug.Discard(), 0)
	events, err := c.Query(context.Background(), Filter{Tags: map[string]string{"d": "switch1"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("got %+v", events)
	}
}

// countingRelay records the highest number of concurrently in-flight
// Publish calls it ever observed.
type countingRelay struct {
	cur int32
	max int32
}

func (c *countingRelay) URL() string { return "counting" }

func (c *countingRelay) Publish(ctx context.Context, e relayevent.Event) error {
	n := atomic.AddInt32(&c.cur, 1)
	for {
		old := atomic.LoadInt32(&c.max)
		if n <= old || atomic.CompareAndSwapInt32(&c.max, old, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&c.cur, -1)
	return nil
}

func (c *countingRelay) Query(ctx context.Context, f Filter) ([]relayevent.Event, error) {
	return nil, nil
}

func TestConcurrencyLimiterBounds(t *testing.T) {
	cr := &countingRelay{}
	c := New([]Relay{cr}, debug.Discard(), 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Publish(context.Background(), testEvent("e")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&cr.max); got > 2 {
		t.Fatalf("observed %d concurrent publishes, limiter allows 2", got)
	}
}
