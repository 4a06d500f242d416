// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relay implements publish/subscribe against a bounded set of
// untrusted, append-only relays. Publication fans a signed event out to
// every configured relay and succeeds as soon as at least one acks;
// queries fan a filter out the same way and merge/deduplicate whatever
// comes back. Branches carry independent timeouts: a relay that times
// out or errors is excluded from that call's result and never cancels
// its siblings.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deadswitch/deadswitch/debug"
	"github.com/deadswitch/deadswitch/relayevent"
	"github.com/deadswitch/deadswitch/tagstack"
)

const (
	// PerRelayTimeout bounds a single relay dial/publish/query.
	PerRelayTimeout = 15 * time.Second
	// OverallTimeout bounds the whole fan-out call.
	OverallTimeout = 45 * time.Second

	// DefaultMaxOps is the Publish/Query in-flight bound used when the
	// caller does not supply one.
	DefaultMaxOps = 8

	idRelay = 0
)

var (
	// ErrAllRelaysFailed is returned when every configured relay failed
	// the call; a partial success (at least one relay) is never an
	// error.
	ErrAllRelaysFailed = errors.New("relay: all relays failed")

	// ErrRelayTimeout marks a single relay's failure as a per-relay
	// budget expiry rather than a protocol error; it shows up wrapped in
	// an Ack's Err and is retriable by the caller.
	ErrRelayTimeout = errors.New("relay: relay timed out")
)

// classify folds a context deadline expiry into ErrRelayTimeout so
// callers can tell a slow relay from a broken one.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRelayTimeout
	}
	return err
}

// Relay is a single append-only, untrusted event store.
type Relay interface {
	URL() string
	Publish(ctx context.Context, e relayevent.Event) error
	Query(ctx context.Context, f Filter) ([]relayevent.Event, error)
}

// Filter selects events from a relay. An empty Tags map matches any tags.
type Filter struct {
	Kinds   []int
	Authors []string
	Tags    map[string]string
	Limit   int
}

// Ack reports one relay's outcome for a single Publish call.
type Ack struct {
	RelayURL string
	Err      error
}

// Client fans Publish/Query out across a fixed relay set.
type Client struct {
	relays   []Relay
	dbg      *debug.Debug
	inFlight *tagstack.TagStack
}

// New returns a Client speaking to relays. maxConcurrent bounds how many
// Publish/Query calls this Client allows in flight at once (each call
// itself still fans out to every relay); a value <= 0 selects
// DefaultMaxOps. Installations wire config.Settings.RelayMaxOps through
// here.
func New(relays []Relay, dbg *debug.Debug, maxConcurrent int) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxOps
	}
	return &Client{
		relays:   relays,
		dbg:      dbg,
		inFlight: tagstack.New(maxConcurrent),
	}
}

func (c *Client) acquire() (release func()) {
	tag := c.inFlight.Pop()
	return func() { c.inFlight.Push(tag) }
}

// Publish broadcasts e to every relay in parallel and returns once all
// have responded or the overall budget has elapsed. It fails with
// ErrAllRelaysFailed only if every relay failed; a minority of failures
// is reported in the returned Acks but not treated as an error, since
// every surviving relay holds the complete event.
func (c *Client) Publish(ctx context.Context, e relayevent.Event) ([]Ack, error) {
	release := c.acquire()
	defer release()

	ctx, cancel := context.WithTimeout(ctx, OverallTimeout)
	defer cancel()

	acks := make([]Ack, len(c.relays))
	var wg sync.WaitGroup
	for i, r := range c.relays {
		wg.Add(1)
		go func(i int, r Relay) {
			defer wg.Done()
			rctx, rcancel := context.WithTimeout(ctx, PerRelayTimeout)
			defer rcancel()

			err := classify(r.Publish(rctx, e))
			acks[i] = Ack{RelayURL: r.URL(), Err: err}
			if err != nil {
				c.dbg.Warn(idRelay, "publish to %v failed: %v", r.URL(), err)
			}
		}(i, r)
	}
	wg.Wait()

	for _, a := range acks {
		if a.Err == nil {
			return acks, nil
		}
	}
	return acks, ErrAllRelaysFailed
}

// Query fans filter out to every relay, merges the results and
// deduplicates by event id. It fails with ErrAllRelaysFailed only if
// every relay failed or timed out.
func (c *Client) Query(ctx context.Context, filter Filter) ([]relayevent.Event, error) {
	release := c.acquire()
	defer release()

	ctx, cancel := context.WithTimeout(ctx, OverallTimeout)
	defer cancel()

	type result struct {
		events []relayevent.Event
		err    error
		url    string
	}
	results := make([]result, len(c.relays))
	var wg sync.WaitGroup
	for i, r := range c.relays {
		wg.Add(1)
		go func(i int, r Relay) {
			defer wg.Done()
			rctx, rcancel := context.WithTimeout(ctx, PerRelayTimeout)
			defer rcancel()

			events, err := r.Query(rctx, filter)
			results[i] = result{events: events, err: classify(err), url: r.URL()}
			if err != nil {
				c.dbg.Warn(idRelay, "query on %v failed: %v", r.URL(), err)
			}
		}(i, r)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var merged []relayevent.Event
	anySucceeded := false
	for _, res := range results {
		if res.err != nil {
			continue
		}
		anySucceeded = true
		for _, e := range res.events {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			merged = append(merged, e)
		}
	}

	if !anySucceeded {
		return nil, ErrAllRelaysFailed
	}
	return merged, nil
}
