// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/deadswitch/deadswitch/relayevent"
)

// MemRelay is an in-process, append-only event store used as a Relay
// test double, so fan-out and end-to-end tests don't need a live socket.
type MemRelay struct {
	mu     sync.Mutex
	url    string
	events []relayevent.Event

	down    bool          // simulate total outage
	latency time.Duration // simulate slow relays for timeout tests
}

func NewMemRelay(url string) *MemRelay {
	return &MemRelay{url: url}
}

func (m *MemRelay) URL() string { return m.url }

// SetDown toggles a simulated total outage: Publish/Query both fail.
func (m *MemRelay) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetLatency makes Publish/Query sleep for d before acting, to exercise
// per-relay timeouts in tests.
func (m *MemRelay) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

func (m *MemRelay) Publish(ctx context.Context, e relayevent.Event) error {
	m.mu.Lock()
	down := m.down
	latency := m.latency
	m.mu.Unlock()

	if down {
		return errDown
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.ID == e.ID {
			return nil // idempotent re-publish
		}
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MemRelay) Query(ctx context.Context, f Filter) ([]relayevent.Event, error) {
	m.mu.Lock()
	down := m.down
	latency := m.latency
	m.mu.Unlock()

	if down {
		return nil, errDown
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []relayevent.Event
	for _, e := range m.events {
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matches(e relayevent.Event, f Filter) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Authors) > 0 {
		found := false
		for _, a := range f.Authors {
			if e.Pubkey == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	// an event may carry several tags with the same key (one "p" tag per
	// addressee); a filter entry matches if any of them has the value.
	for k, v := range f.Tags {
		found := false
		for _, t := range e.Tags {
			if t[0] == k && t[1] == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type downError struct{}

func (downError) Error() string { return "relay: relay is down" }

var errDown = downError{}
