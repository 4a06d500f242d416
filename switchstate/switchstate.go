// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package switchstate implements the switch state machine: status
// tracking, check-in deadlines, and idempotent trigger evaluation. A
// switch's mutable state is guarded by its own lock so that a
// user-initiated check-in and the periodic evaluator never race each
// other.
package switchstate

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deadswitch/deadswitch/clock"
)

// Status is a switch's lifecycle state.
type Status int

const (
	ARMED Status = iota
	PAUSED
	TRIGGERED
	RELEASED
	CANCELLED
)

func (s Status) String() string {
	switch s {
	case ARMED:
		return "ARMED"
	case PAUSED:
		return "PAUSED"
	case TRIGGERED:
		return "TRIGGERED"
	case RELEASED:
		return "RELEASED"
	case CANCELLED:
		return "CANCELLED"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// terminal reports whether a status may never transition out.
func (s Status) terminal() bool {
	return s == RELEASED || s == CANCELLED
}

const (
	MinInterval = 3600
	MaxInterval = 31536000

	MinRecipients = 1
	MaxRecipients = 10

	MinGuardians = 3
	MaxGuardians = 15

	DefaultK = 3
	DefaultN = 5
)

var (
	ErrInvalidInput   = errors.New("switchstate: invalid input")
	ErrStateViolation = errors.New("switchstate: illegal state transition")
	ErrSwitchNotFound = errors.New("switchstate: switch not found")
)

// ID is an opaque 128-bit switch identifier.
type ID [16]byte

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Recipient is a named party entitled to the plaintext after release.
type Recipient struct {
	DisplayName    string
	RelayPubkey    string // hex-encoded
	EnvelopePubkey [33]byte
}

// Guardian is a relay-addressable identity entrusted with one share.
type Guardian struct {
	RelayPubkey    string // hex-encoded
	EnvelopePubkey [33]byte
	Index          int // 1-based share index
}

// CiphertextRef points at the published ciphertext record for a switch.
type CiphertextRef struct {
	EventIDs []string // the set of relay event ids the record was published under
}

// Switch is the logical unit: a ciphertext plus its distribution state
// and timing rules.
type Switch struct {
	ID          ID
	Owner       string // hex-encoded owner pubkey
	Title       string
	Interval    int64 // seconds; 3600 <= Interval <= 31536000
	LastCheckIn int64 // unix seconds, signer-asserted max observed createdAt
	Status      Status
	Recipients  []Recipient
	Guardians   []Guardian
	K           int // reconstruction threshold
	Ciphertext  *CiphertextRef
}

// Deadline returns the unix-second instant at which the switch becomes
// eligible to trigger, absent any further check-in. A PAUSED switch's
// deadline is frozen: this still returns the deadline computed from the
// last recorded check-in, but Manager.Evaluate never acts on it while
// paused.
func (s *Switch) Deadline() int64 {
	return s.LastCheckIn + s.Interval
}

type entry struct {
	mu sync.Mutex
	sw Switch
}

// Manager holds the in-memory set of switches this process knows about
// and guards each one's mutable state with its own lock.
type Manager struct {
	mu       sync.Mutex
	switches map[ID]*entry
	clock    clock.Clock
}

// NewManager returns an empty Manager that evaluates deadlines against c.
func NewManager(c clock.Clock) *Manager {
	return &Manager{
		switches: make(map[ID]*entry),
		clock:    c,
	}
}

func newID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Create validates the invariants on a new switch, assigns it a fresh
// random id, and registers it as ARMED with its deadline starting now.
func (m *Manager) Create(owner, title string, interval int64, recipients []Recipient, guardians []Guardian, k int, now int64) (*Switch, error) {
	if interval < MinInterval || interval > MaxInterval {
		return nil, fmt.Errorf("%w: interval %v out of range [%v,%v]", ErrInvalidInput, interval, MinInterval, MaxInterval)
	}
	if len(recipients) < MinRecipients || len(recipients) > MaxRecipients {
		return nil, fmt.Errorf("%w: %d recipients out of range [%v,%v]", ErrInvalidInput, len(recipients), MinRecipients, MaxRecipients)
	}
	n := len(guardians)
	if n < MinGuardians || n > MaxGuardians {
		return nil, fmt.Errorf("%w: %d guardians out of range [%v,%v]", ErrInvalidInput, n, MinGuardians, MaxGuardians)
	}
	if k < 3 || k > n {
		return nil, fmt.Errorf("%w: threshold k=%v must satisfy 3 <= k <= n=%v", ErrInvalidInput, k, n)
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	sw := Switch{
		ID:          id,
		Owner:       owner,
		Title:       title,
		Interval:    interval,
		LastCheckIn: now,
		Status:      ARMED,
		Recipients:  append([]Recipient(nil), recipients...),
		Guardians:   append([]Guardian(nil), guardians...),
		K:           k,
	}

	m.mu.Lock()
	m.switches[id] = &entry{sw: sw}
	m.mu.Unlock()

	return &sw, nil
}

// Get returns a copy of the switch's current state.
func (m *Manager) Get(id ID) (Switch, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Switch{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sw, nil
}

func (m *Manager) lookup(id ID) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.switches[id]
	if !ok {
		return nil, ErrSwitchNotFound
	}
	return e, nil
}

// RecordCheckIn resets a switch's deadline. createdAt is the signer-
// asserted timestamp of the check-in event; because relays offer no
// cross-relay ordering guarantee, callers pass every observed check-in
// event through this call and only the maximum createdAt survives,
// never a locally stored counter alone. A check-in observed for a
// terminal switch is rejected with ErrStateViolation.
func (m *Manager) RecordCheckIn(id ID, createdAt int64) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sw.Status.terminal() {
		return fmt.Errorf("%w: check-in on terminal switch %v", ErrStateViolation, e.sw.Status)
	}
	if createdAt > e.sw.LastCheckIn {
		e.sw.LastCheckIn = createdAt
	}
	// a fresh check-in undoes a not-yet-released TRIGGERED state, since
	// a guardian that observes it must abort its pending release
	// decision for that cycle.
	if e.sw.Status == TRIGGERED {
		e.sw.Status = ARMED
	}
	return nil
}

// Pause freezes a switch's deadline. Interval and LastCheckIn are left
// untouched; Resume then restarts the deadline from the resume time.
func (m *Manager) Pause(id ID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sw.Status.terminal() {
		return fmt.Errorf("%w: cannot pause %v switch", ErrStateViolation, e.sw.Status)
	}
	e.sw.Status = PAUSED
	return nil
}

// Resume un-freezes a paused switch, pushing its deadline out by
// crediting the elapsed-since-pause interval as a check-in at now.
func (m *Manager) Resume(id ID, now int64) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sw.Status != PAUSED {
		return fmt.Errorf("%w: cannot resume %v switch", ErrStateViolation, e.sw.Status)
	}
	e.sw.Status = ARMED
	e.sw.LastCheckIn = now
	return nil
}

// Cancel terminally cancels a switch. CANCELLED and RELEASED are both
// terminal; cancelling an already-terminal switch is a no-op success if
// it is already CANCELLED, and a StateViolation if it is RELEASED.
func (m *Manager) Cancel(id ID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sw.Status == CANCELLED {
		return nil
	}
	if e.sw.Status == RELEASED {
		return fmt.Errorf("%w: cannot cancel a released switch", ErrStateViolation)
	}
	e.sw.Status = CANCELLED
	return nil
}

// Evaluate idempotently checks one switch's deadline against now and
// flips it to TRIGGERED if it has elapsed. It is re-entrant safe: calling
// it concurrently with RecordCheckIn/Pause/Resume/Cancel on the same
// switch never observes a torn state, and calling it twice in a row
// without an intervening check-in is a no-op the second time.
func (m *Manager) Evaluate(id ID, now int64) (triggered bool, err error) {
	e, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sw.Status != ARMED {
		return e.sw.Status == TRIGGERED, nil
	}
	if now-e.sw.LastCheckIn >= e.sw.Interval {
		e.sw.Status = TRIGGERED
		return true, nil
	}
	return false, nil
}

// MarkReleased transitions a TRIGGERED switch to RELEASED once the
// guardian release protocol has finished publishing for it.
func (m *Manager) MarkReleased(id ID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sw.Status != TRIGGERED {
		return fmt.Errorf("%w: cannot release a %v switch", ErrStateViolation, e.sw.Status)
	}
	e.sw.Status = RELEASED
	return nil
}

// SetCiphertext records where the switch's ciphertext record was
// published, once sealing succeeds.
func (m *Manager) SetCiphertext(id ID, ref *CiphertextRef) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sw.Ciphertext = ref
	return nil
}

// EvaluateAll applies Evaluate's trigger rule to every known switch
// against the Manager's clock, returning the ids that transitioned to
// TRIGGERED on this pass.
func (m *Manager) EvaluateAll() []ID {
	m.mu.Lock()
	ids := make([]ID, 0, len(m.switches))
	for id := range m.switches {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	var triggered []ID
	for _, id := range ids {
		e, err := m.lookup(id)
		if err != nil {
			continue
		}
		// only an ARMED switch can transition; one already TRIGGERED
		// was reported on an earlier pass.
		e.mu.Lock()
		if e.sw.Status == ARMED && now-e.sw.LastCheckIn >= e.sw.Interval {
			e.sw.Status = TRIGGERED
			triggered = append(triggered, id)
		}
		e.mu.Unlock()
	}
	return triggered
}

// RunEvaluator runs EvaluateAll on a periodic ticker until done is
// closed, handing each pass's newly-triggered switch ids to onTrigger.
func (m *Manager) RunEvaluator(done <-chan struct{}, period time.Duration, onTrigger func([]ID)) {
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			if ids := m.EvaluateAll(); len(ids) > 0 && onTrigger != nil {
				onTrigger(ids)
			}
		}
	}
}
